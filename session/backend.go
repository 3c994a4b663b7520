package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
)

const (
	loginTimeout   = 10 * time.Second
	refreshTimeout = 10 * time.Second
	logoutTimeout  = 5 * time.Second
	profileTimeout = 10 * time.Second
)

// defaultExpiresIn is assumed when the backend omits expires_in.
const defaultExpiresIn = 15 * 60

// Endpoints are the backend identity paths.
type Endpoints struct {
	Login   string
	Refresh string
	Logout  string
	Me      string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		Login:   "/auth/login",
		Refresh: "/auth/refresh",
		Logout:  "/auth/logout",
		Me:      "/auth/me",
	}
}

// IdentityPaths lists the paths that establish or end a session. Requests to
// them never carry a bearer token and are never retried after a 401.
func (e Endpoints) IdentityPaths() []string {
	return []string{e.Login, e.Refresh, e.Logout}
}

// TokenResponse is the backend login and refresh payload.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type Usage struct {
	ParaphraseCount   int    `json:"paraphraseCount"`
	GrammarCheckCount int    `json:"grammarCheckCount"`
	LastReset         string `json:"lastReset,omitempty"`
}

// Profile is the backend user record returned by the me endpoint.
type Profile struct {
	UID       string `json:"uid"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	Plan      string `json:"plan"`
	Usage     Usage  `json:"usage"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// Backend talks to the backend identity endpoints. The refresh credential
// is an HTTP-only cookie kept in the client's jar; it is never read here.
type Backend struct {
	baseURL    string
	endpoints  Endpoints
	httpClient *http.Client
	retry      *retry.Client
}

type BackendOption func(*Backend)

func WithEndpoints(e Endpoints) BackendOption {
	return func(b *Backend) {
		b.endpoints = e
	}
}

// WithBackendHTTPClient sets the client for identity calls. It must carry a
// cookie jar shared with every other client talking to the backend.
func WithBackendHTTPClient(c *http.Client) BackendOption {
	return func(b *Backend) {
		b.httpClient = c
	}
}

func NewBackend(baseURL string, opts ...BackendOption) (*Backend, error) {
	b := &Backend{
		baseURL:   strings.TrimRight(baseURL, "/"),
		endpoints: DefaultEndpoints(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.httpClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		b.httpClient = &http.Client{Jar: jar}
	}

	var err error
	b.retry, err = retry.NewBackgroundClient(retry.WithHTTPClient(b.httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	return b, nil
}

func (b *Backend) Endpoints() Endpoints {
	return b.endpoints
}

func (b *Backend) URL(path string) string {
	return b.baseURL + path
}

func (b *Backend) HTTPClient() *http.Client {
	return b.httpClient
}

// Login exchanges a provider assertion for a backend access token. The
// backend also sets the refresh cookie.
func (b *Backend) Login(ctx context.Context, assertion string) (*TokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"firebase_token": assertion})
	if err != nil {
		return nil, err
	}
	return b.tokenCall(ctx, "login", b.endpoints.Login, body)
}

// Refresh trades the refresh cookie for a new access token. It returns
// ErrNoSession when the backend does not recognise the cookie.
func (b *Backend) Refresh(ctx context.Context) (*TokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	return b.tokenCall(ctx, "refresh", b.endpoints.Refresh, nil)
}

func (b *Backend) Logout(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, logoutTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL(b.endpoints.Logout), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := b.retry.DoWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("logout request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return responseError("logout", resp.StatusCode, body)
	}
	return nil
}

// Me fetches the profile of the user owning accessToken.
func (b *Backend) Me(ctx context.Context, accessToken string) (*Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, profileTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL(b.endpoints.Me), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := b.retry.DoWithContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("profile request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, responseError("profile fetch", resp.StatusCode, body)
	}

	var profile Profile
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	return &profile, nil
}

func (b *Backend) tokenCall(
	ctx context.Context,
	op, path string,
	payload []byte,
) (*TokenResponse, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL(path), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.retry.DoWithContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if op == "refresh" &&
		(resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return nil, ErrNoSession
	}
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(op, resp.StatusCode, respBody)
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse %s response: %w", op, err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("%s response has no access_token", op)
	}
	if tokenResp.ExpiresIn <= 0 {
		tokenResp.ExpiresIn = defaultExpiresIn
	}
	return &tokenResp, nil
}
