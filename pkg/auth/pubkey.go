package auth

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/containerd/errdefs"

	"github.com/chefbuild/containerv/pkg/log"
)

// challengeMessage is the fixed message signed on every public-key
// login. The server verifies the signature against the submitted
// public key.
const challengeMessage = "chef-artifact-service-login-v1"

// PubkeyCache is the persisted result of a public-key login.
type PubkeyCache struct {
	AccountGUID string `json:"account_guid"`
	JWTToken    string `json:"jwt_token"`
}

// PubkeyConfig drives a public-key login.
type PubkeyConfig struct {
	// APIURL is the artifact service base, without trailing slash
	APIURL string

	// KeyPath locates the PEM private key
	KeyPath string

	// Client defaults to http.DefaultClient
	Client *http.Client

	// Store persists the login cache under the pubkey key
	Store *Store
}

type loginRequest struct {
	PublicKey     string `json:"PublicKey"`
	SecurityToken string `json:"SecurityToken"`
}

type loginResponse struct {
	AccountID string `json:"accountId"`
	Token     string `json:"token"`
}

func (c *PubkeyConfig) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// loadKey parses the PEM private key at KeyPath, accepting PKCS#1 and
// PKCS#8 encodings.
func (c *PubkeyConfig) loadKey() (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(c.KeyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("private key %s: %w", c.KeyPath, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("private key %s: %v: %w", c.KeyPath, err, errdefs.ErrUnavailable)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("private key %s is not PEM: %w", c.KeyPath, errdefs.ErrInvalidArgument)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("private key %s unparseable: %w", c.KeyPath, errdefs.ErrInvalidArgument)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key %s is not RSA: %w", c.KeyPath, errdefs.ErrInvalidArgument)
	}
	return key, nil
}

// signChallenge produces the base64 signature and the PEM public key
// submitted with it.
func signChallenge(key *rsa.PrivateKey) (publicKeyPEM, signature string, err error) {
	digest := sha256.Sum256([]byte(challengeMessage))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", "", fmt.Errorf("sign challenge: %v: %w", err, errdefs.ErrUnavailable)
	}

	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("encode public key: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub})

	return string(pubPEM), base64.StdEncoding.EncodeToString(sig), nil
}

// Login returns a valid login cache, signing in only when no cached
// token exists.
func (c *PubkeyConfig) Login(ctx context.Context) (*PubkeyCache, error) {
	if c.Store != nil {
		var cached PubkeyCache
		if err := c.Store.Load(KeyPubkey, &cached); err == nil && cached.JWTToken != "" {
			return &cached, nil
		}
	}
	return c.signIn(ctx)
}

// signIn performs the challenge-signature exchange and caches the
// result.
func (c *PubkeyConfig) signIn(ctx context.Context) (*PubkeyCache, error) {
	key, err := c.loadKey()
	if err != nil {
		return nil, err
	}
	pubPEM, sig, err := signChallenge(key)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(loginRequest{PublicKey: pubPEM, SecurityToken: sig})
	if err != nil {
		return nil, fmt.Errorf("encode login request: %v: %w", err, errdefs.ErrInvalidArgument)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIURL+"/login", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build login request: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("post login: %v: %w", err, errdefs.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("login rejected: status %d: %w", resp.StatusCode, errdefs.ErrPermissionDenied)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("login failed: status %d: %w", resp.StatusCode, errdefs.ErrUnavailable)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read login response: %v: %w", err, errdefs.ErrUnavailable)
	}
	var login loginResponse
	if err := json.Unmarshal(body, &login); err != nil {
		return nil, fmt.Errorf("login response malformed: %w", errdefs.ErrFailedPrecondition)
	}
	if login.Token == "" {
		return nil, fmt.Errorf("login response missing token: %w", errdefs.ErrFailedPrecondition)
	}

	cache := &PubkeyCache{AccountGUID: login.AccountID, JWTToken: login.Token}
	if c.Store != nil {
		if err := c.Store.Save(KeyPubkey, cache); err != nil {
			return nil, err
		}
	}
	return cache, nil
}

// Do performs an authenticated request against the artifact service,
// re-signing once when the cached token is rejected with 401.
func (c *PubkeyConfig) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	cache, err := c.Login(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cache.JWTToken)

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %v: %w", err, errdefs.ErrUnavailable)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	log.WithComponent("auth").Debug().Msg("cached token rejected, re-signing")
	if c.Store != nil {
		c.Store.Delete(KeyPubkey)
	}
	cache, err = c.signIn(ctx)
	if err != nil {
		return nil, err
	}

	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %v: %w", err, errdefs.ErrUnavailable)
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", "Bearer "+cache.JWTToken)

	resp, err = c.client().Do(retry)
	if err != nil {
		return nil, fmt.Errorf("request retry: %v: %w", err, errdefs.ErrUnavailable)
	}
	return resp, nil
}
