package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/golang-jwt/jwt/v5"

	"github.com/chefbuild/containerv/pkg/log"
	"github.com/chefbuild/containerv/pkg/types"
)

const (
	// deviceCodeScope is requested on every device-code challenge
	deviceCodeScope = "email profile User.Read openid"

	deviceCodePath = "/oauth2/v2.0/devicecode"
	tokenPath      = "/oauth2/v2.0/token"

	deviceCodeGrant = "urn:ietf:params:oauth:grant-type:device_code"
	refreshGrant    = "refresh_token"

	// Polling error strings recognised from the token endpoint
	errAuthorizationPending = "authorization_pending"
	errSlowDown             = "slow_down"

	// slowDownStep is added to the poll interval on each slow_down
	slowDownStep = 5 * time.Second
)

// DeviceCodeConfig drives a device-code login.
type DeviceCodeConfig struct {
	// AuthorityURL is the OAuth2 authority base, without trailing slash
	AuthorityURL string

	ClientID string

	// Client defaults to http.DefaultClient
	Client *http.Client

	// Store persists the resulting token under the oauth key
	Store *Store

	// Out receives user-facing instructions; defaults to stdout
	Out io.Writer

	// sleep is replaceable for tests
	sleep func(time.Duration)
}

type deviceCodeResponse struct {
	UserCode        string `json:"user_code"`
	DeviceCode      string `json:"device_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
}

func (c *DeviceCodeConfig) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *DeviceCodeConfig) out() io.Writer {
	if c.Out != nil {
		return c.Out
	}
	return os.Stdout
}

func (c *DeviceCodeConfig) wait(d time.Duration) {
	if c.sleep != nil {
		c.sleep(d)
		return
	}
	time.Sleep(d)
}

// Login obtains a token set. A stored refresh token is tried first; a
// fresh device-code challenge is issued only when refresh is absent or
// fails.
func (c *DeviceCodeConfig) Login(ctx context.Context) (*types.TokenContext, error) {
	logger := log.WithComponent("auth")

	if c.Store != nil {
		var stored types.TokenContext
		if err := c.Store.Load(KeyOAuth, &stored); err == nil && stored.RefreshToken != "" {
			token, err := c.refresh(ctx, stored.RefreshToken)
			if err == nil {
				return token, nil
			}
			logger.Debug().Err(err).Msg("refresh grant failed, issuing device code")
		}
	}

	return c.deviceCodeLogin(ctx)
}

// refresh redeems a refresh token for a fresh token set.
func (c *DeviceCodeConfig) refresh(ctx context.Context, refreshToken string) (*types.TokenContext, error) {
	form := url.Values{
		"client_id":     {c.ClientID},
		"grant_type":    {refreshGrant},
		"refresh_token": {refreshToken},
		"scope":         {deviceCodeScope},
	}

	var token tokenResponse
	if err := c.postForm(ctx, c.AuthorityURL+tokenPath, form, &token); err != nil {
		return nil, err
	}
	if token.Error != "" || token.AccessToken == "" {
		return nil, fmt.Errorf("refresh rejected: %s: %w", token.Error, errdefs.ErrPermissionDenied)
	}
	return c.persist(token)
}

// deviceCodeLogin runs the interactive flow: challenge, instructions,
// poll until the user approves or the code expires.
func (c *DeviceCodeConfig) deviceCodeLogin(ctx context.Context) (*types.TokenContext, error) {
	form := url.Values{
		"client_id": {c.ClientID},
		"scope":     {deviceCodeScope},
	}
	var challenge deviceCodeResponse
	if err := c.postForm(ctx, c.AuthorityURL+deviceCodePath, form, &challenge); err != nil {
		return nil, err
	}
	if challenge.DeviceCode == "" {
		return nil, fmt.Errorf("device code challenge missing device_code: %w", errdefs.ErrFailedPrecondition)
	}

	fmt.Fprintf(c.out(), "to sign in, use a web browser to open the page %s and enter the code %s\n",
		challenge.VerificationURI, challenge.UserCode)

	interval := time.Duration(challenge.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(time.Duration(challenge.ExpiresIn) * time.Second)

	pollForm := url.Values{
		"client_id":   {c.ClientID},
		"grant_type":  {deviceCodeGrant},
		"device_code": {challenge.DeviceCode},
	}

	for {
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("device code expired: %w", context.DeadlineExceeded)
		}
		c.wait(interval)

		var token tokenResponse
		if err := c.postForm(ctx, c.AuthorityURL+tokenPath, pollForm, &token); err != nil {
			return nil, err
		}

		switch {
		case token.AccessToken != "":
			return c.persist(token)
		case token.Error == errAuthorizationPending:
			continue
		case token.Error == errSlowDown:
			interval += slowDownStep
			continue
		default:
			return nil, fmt.Errorf("device code login failed: %s: %w", token.Error, errdefs.ErrPermissionDenied)
		}
	}
}

// persist converts and stores the token set.
func (c *DeviceCodeConfig) persist(token tokenResponse) (*types.TokenContext, error) {
	tc := &types.TokenContext{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      token.IDToken,
		ExpiresAt:    tokenExpiry(token.AccessToken, token.ExpiresIn),
	}
	if c.Store != nil {
		if err := c.Store.Save(KeyOAuth, tc); err != nil {
			return nil, err
		}
	}
	return tc, nil
}

// tokenExpiry prefers the token's own exp claim over the advertised
// lifetime.
func tokenExpiry(accessToken string, expiresIn int) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if expiresIn > 0 {
		return time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	return time.Time{}
}

// postForm submits a form and decodes the JSON body regardless of
// status; OAuth2 error bodies ride on 4xx responses.
func (c *DeviceCodeConfig) postForm(ctx context.Context, endpoint string, form url.Values, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client().Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %v: %w", endpoint, err, errdefs.ErrUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %v: %w", endpoint, err, errdefs.ErrUnavailable)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("response from %s malformed: %w", endpoint, errdefs.ErrFailedPrecondition)
	}
	return nil
}
