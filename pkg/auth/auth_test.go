package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chefbuild/containerv/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, err)
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	store := testStore(t)

	token := types.TokenContext{AccessToken: "A", RefreshToken: "R"}
	require.NoError(t, store.Save(KeyOAuth, &token))

	var loaded types.TokenContext
	require.NoError(t, store.Load(KeyOAuth, &loaded))
	assert.Equal(t, token, loaded)
}

func TestStorePreservesOtherKeys(t *testing.T) {
	store := testStore(t)

	require.NoError(t, store.Save(KeyOAuth, map[string]string{"access_token": "A"}))
	require.NoError(t, store.Save(KeyPubkey, PubkeyCache{AccountGUID: "g", JWTToken: "j"}))

	var token map[string]string
	require.NoError(t, store.Load(KeyOAuth, &token))
	assert.Equal(t, "A", token["access_token"])

	// Both live as children of one JSON document.
	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	doc := map[string]json.RawMessage{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc, KeyOAuth)
	assert.Contains(t, doc, KeyPubkey)
}

func TestStoreMissingKey(t *testing.T) {
	store := testStore(t)
	var v struct{}
	err := store.Load("nope", &v)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestStoreDelete(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.Save(KeyPubkey, PubkeyCache{JWTToken: "j"}))
	require.NoError(t, store.Delete(KeyPubkey))

	var v PubkeyCache
	err := store.Load(KeyPubkey, &v)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDeviceCodeRetrySequence(t *testing.T) {
	// Token endpoint answers slow_down, slow_down,
	// authorization_pending, then success; with an initial interval of
	// 5s the expected sleeps are 5, 10, 15, 15.
	var polls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc(deviceCodePath, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "cid", r.Form.Get("client_id"))
		assert.Equal(t, deviceCodeScope, r.Form.Get("scope"))
		json.NewEncoder(w).Encode(deviceCodeResponse{
			UserCode:        "ABCD-1234",
			DeviceCode:      "dev-code",
			VerificationURI: "https://login.example/device",
			ExpiresIn:       900,
			Interval:        5,
		})
	})
	mux.HandleFunc(tokenPath, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, deviceCodeGrant, r.Form.Get("grant_type"))
		assert.Equal(t, "dev-code", r.Form.Get("device_code"))

		switch polls.Add(1) {
		case 1, 2:
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(tokenResponse{Error: errSlowDown})
		case 3:
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(tokenResponse{Error: errAuthorizationPending})
		default:
			json.NewEncoder(w).Encode(tokenResponse{AccessToken: "A", RefreshToken: "R", ExpiresIn: 3600})
		}
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	store := testStore(t)
	var sleeps []time.Duration
	cfg := &DeviceCodeConfig{
		AuthorityURL: server.URL,
		ClientID:     "cid",
		Client:       server.Client(),
		Store:        store,
		Out:          io.Discard,
		sleep:        func(d time.Duration) { sleeps = append(sleeps, d) },
	}

	token, err := cfg.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A", token.AccessToken)

	require.GreaterOrEqual(t, len(sleeps), 3)
	assert.Equal(t, 5*time.Second, sleeps[0])
	assert.Equal(t, 10*time.Second, sleeps[1])
	assert.Equal(t, 15*time.Second, sleeps[2])

	// Token persisted under the oauth key.
	var persisted types.TokenContext
	require.NoError(t, store.Load(KeyOAuth, &persisted))
	assert.Equal(t, "A", persisted.AccessToken)
}

func TestDeviceCodeRefreshFirst(t *testing.T) {
	var deviceCodeHits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc(deviceCodePath, func(w http.ResponseWriter, r *http.Request) {
		deviceCodeHits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})
	mux.HandleFunc(tokenPath, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, refreshGrant, r.Form.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.Form.Get("refresh_token"))
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "fresh", RefreshToken: "new-refresh", ExpiresIn: 60})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	store := testStore(t)
	require.NoError(t, store.Save(KeyOAuth, types.TokenContext{AccessToken: "stale", RefreshToken: "old-refresh"}))

	cfg := &DeviceCodeConfig{
		AuthorityURL: server.URL,
		ClientID:     "cid",
		Client:       server.Client(),
		Store:        store,
		Out:          io.Discard,
	}

	token, err := cfg.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", token.AccessToken)
	assert.Zero(t, deviceCodeHits.Load())
}

func TestDeviceCodeFatalError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(deviceCodePath, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(deviceCodeResponse{DeviceCode: "d", ExpiresIn: 900, Interval: 1})
	})
	mux.HandleFunc(tokenPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(tokenResponse{Error: "access_denied"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := &DeviceCodeConfig{
		AuthorityURL: server.URL,
		ClientID:     "cid",
		Client:       server.Client(),
		Out:          io.Discard,
		sleep:        func(time.Duration) {},
	}

	_, err := cfg.Login(context.Background())
	assert.True(t, errdefs.IsPermissionDenied(err))
}

func TestDeviceCodeExpiry(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(deviceCodePath, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(deviceCodeResponse{DeviceCode: "d", ExpiresIn: 0, Interval: 1})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := &DeviceCodeConfig{
		AuthorityURL: server.URL,
		ClientID:     "cid",
		Client:       server.Client(),
		Out:          io.Discard,
		sleep:        func(time.Duration) {},
	}

	_, err := cfg.Login(context.Background())
	assert.True(t, errdefs.IsDeadlineExceeded(err))
}

func writeTestKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id_rsa.pem")
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))
	return path
}

func TestPubkeyLoginSignsAndCaches(t *testing.T) {
	var logins atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/login", r.URL.Path)
		logins.Add(1)

		var req loginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.PublicKey, "BEGIN PUBLIC KEY")
		assert.NotEmpty(t, req.SecurityToken)

		json.NewEncoder(w).Encode(loginResponse{AccountID: "acct-guid", Token: "jwt-1"})
	}))
	defer server.Close()

	store := testStore(t)
	cfg := &PubkeyConfig{
		APIURL:  server.URL,
		KeyPath: writeTestKey(t),
		Client:  server.Client(),
		Store:   store,
	}

	cache, err := cfg.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "acct-guid", cache.AccountGUID)
	assert.Equal(t, "jwt-1", cache.JWTToken)

	// Second login reuses the cache without hitting the server.
	_, err = cfg.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), logins.Load())
}

func TestPubkeyDoRetriesOn401(t *testing.T) {
	var apiCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(loginResponse{AccountID: "g", Token: "fresh-jwt"})
	})
	mux.HandleFunc("/artifact", func(w http.ResponseWriter, r *http.Request) {
		if apiCalls.Add(1) == 1 {
			require.Equal(t, "Bearer stale-jwt", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.Equal(t, "Bearer fresh-jwt", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	store := testStore(t)
	require.NoError(t, store.Save(KeyPubkey, PubkeyCache{AccountGUID: "g", JWTToken: "stale-jwt"}))

	cfg := &PubkeyConfig{
		APIURL:  server.URL,
		KeyPath: writeTestKey(t),
		Client:  server.Client(),
		Store:   store,
	}

	req, err := http.NewRequest(http.MethodGet, server.URL+"/artifact", nil)
	require.NoError(t, err)
	resp, err := cfg.Do(context.Background(), req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), apiCalls.Load())
}

func TestPubkeyMissingKey(t *testing.T) {
	cfg := &PubkeyConfig{
		APIURL:  "http://unreachable.invalid",
		KeyPath: filepath.Join(t.TempDir(), "missing.pem"),
	}
	_, err := cfg.Login(context.Background())
	assert.True(t, errdefs.IsNotFound(err))
}
