// Package httpclient is the authenticated REST adapter: it attaches the
// bearer token and identity headers to every outgoing request and turns
// 401 responses into the error taxonomy the session layer acts on.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/electro/session-sync/internal/core/domain"
	"github.com/electro/session-sync/internal/core/ports"
)

const (
	loginPath   = "/api/auth/login"
	profilePath = "/api/users/profile"

	defaultTimeout = 15 * time.Second
)

// publicEndpoints are path prefixes that legitimately answer 401 to
// anonymous traffic. A 401 from any of these must never tear the session
// down.
var publicEndpoints = []string{
	"/api/products",
	"/api/brands",
	"/api/categories",
	"/api/reviews",
	"/api/vouchers",
	"/api/shipping",
	"/api/payments/vnpay",
	"/api/orders/health",
	"/api/orders/number",
	"/api/chatbot",
	"/api/ai",
	"/api/recommendations",
}

// invalidTokenMarkers are the explicit server-side signals that a token is
// dead. A bare 401 without one of these on a protected endpoint is treated
// as transient and left to the individual caller.
var invalidTokenMarkers = []string{
	"token expired",
	"invalid token",
	"Unauthorized",
}

// Client issues authenticated calls against the REST gateway.
type Client struct {
	baseURL string
	http    *http.Client
	creds   ports.CredentialStore
	log     zerolog.Logger

	// onTokenInvalid, when set, fires once per detected fatal 401 so the
	// composition can force a local logout and redirect.
	onTokenInvalid func(reason string)
}

func New(baseURL string, creds ports.CredentialStore, log zerolog.Logger) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		log:     log,
	}
	c.http = &http.Client{
		Timeout:   defaultTimeout,
		Transport: &authTransport{creds: creds, base: http.DefaultTransport},
	}
	return c
}

// SetUnauthorizedHandler registers the callback invoked when a protected
// endpoint answers 401 with an explicit invalid-token marker.
func (c *Client) SetUnauthorizedHandler(fn func(reason string)) {
	c.onTokenInvalid = fn
}

// authTransport decorates every request with the bearer token and the
// identity headers the gateway uses for routing. Credentials are read from
// the store on each call so all components observe the same truth.
type authTransport struct {
	creds ports.CredentialStore
	base  http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, user, err := t.creds.Load()
	if err == nil {
		clone := req.Clone(req.Context())
		if token != "" {
			clone.Header.Set("Authorization", "Bearer "+token)
		}
		if user != nil {
			if user.ID != "" {
				clone.Header.Set("X-User-Id", user.ID)
			}
			if user.Role != "" {
				clone.Header.Set("X-User-Role", user.Role)
			}
		}
		req = clone
	}
	return t.base.RoundTrip(req)
}

// envelope is the gateway's uniform response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type loginData struct {
	Token string       `json:"token"`
	User  *domain.User `json:"user"`
}

// Login authenticates against POST /api/auth/login.
func (c *Client) Login(ctx context.Context, username, password string) (string, *domain.User, error) {
	body := map[string]string{"username": username, "password": password}
	env, err := c.do(ctx, http.MethodPost, loginPath, body)
	if err != nil {
		return "", nil, err
	}
	if !env.Success {
		return "", nil, domain.ErrInvalidCredentials
	}
	var data loginData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", nil, fmt.Errorf("httpclient: decode login response: %w", err)
	}
	if data.Token == "" || data.User == nil {
		return "", nil, domain.ErrInvalidCredentials
	}
	return data.Token, data.User, nil
}

// GetProfile fetches the authoritative user snapshot.
func (c *Client) GetProfile(ctx context.Context) (*domain.User, error) {
	env, err := c.do(ctx, http.MethodGet, profilePath, nil)
	if err != nil {
		return nil, err
	}
	var user domain.User
	if err := json.Unmarshal(env.Data, &user); err != nil {
		return nil, fmt.Errorf("httpclient: decode profile: %w", err)
	}
	return &user, nil
}

// UpdateProfile sends a full profile edit and returns the server's copy.
func (c *Client) UpdateProfile(ctx context.Context, user *domain.User) (*domain.User, error) {
	env, err := c.do(ctx, http.MethodPut, profilePath, user)
	if err != nil {
		return nil, err
	}
	var updated domain.User
	if err := json.Unmarshal(env.Data, &updated); err != nil {
		return nil, fmt.Errorf("httpclient: decode updated profile: %w", err)
	}
	return &updated, nil
}

// GetJSON issues an authenticated GET against an arbitrary gateway path
// and decodes the envelope's data into out. The catalog, cart and admin
// collaborators all ride on this, which is why the public-endpoint 401
// policy lives here rather than in any of them.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	env, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("httpclient: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*envelope, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("httpclient: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("httpclient: read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, c.classify401(path, raw)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("httpclient: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("httpclient: decode envelope: %w", err)
	}
	return &env, nil
}

// classify401 distinguishes fatal token invalidity from ambiguous 401s.
func (c *Client) classify401(path string, body []byte) error {
	if isPublicEndpoint(path) {
		c.log.Debug().Str("path", path).Msg("401 on public endpoint, ignoring")
		return domain.ErrUnauthorized
	}

	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)

	for _, marker := range invalidTokenMarkers {
		if strings.Contains(payload.Message, marker) || strings.Contains(payload.Error, marker) {
			c.log.Warn().Str("path", path).Str("marker", marker).Msg("token rejected by server")
			if c.onTokenInvalid != nil {
				c.onTokenInvalid(marker)
			}
			return fmt.Errorf("%w: %s", domain.ErrTokenInvalid, marker)
		}
	}

	// No explicit marker: the token might still be valid, do not escalate.
	c.log.Warn().Str("path", path).Msg("401 without invalid-token marker, not logging out")
	return domain.ErrUnauthorized
}

func isPublicEndpoint(path string) bool {
	for _, prefix := range publicEndpoints {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
