package identity

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"golang.org/x/oauth2"
)

// Timeout configuration for different operations
const (
	deviceCodeRequestTimeout = 10 * time.Second
	tokenExchangeTimeout     = 5 * time.Second
	tokenInfoTimeout         = 10 * time.Second
	refreshTokenTimeout      = 10 * time.Second
	passwordGrantTimeout     = 10 * time.Second
)

// assertions are renewed this long before the provider says they expire
const expiryDelta = 30 * time.Second

const maxPollInterval = time.Minute

type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// tokenResponse is the provider token endpoint payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// OAuthProvider is an OAuth 2.0 identity provider client. Interactive
// sign-in uses the device authorization grant (RFC 8628); the provider
// session is persisted in a CredentialStore so it survives restarts.
type OAuthProvider struct {
	serverURL  string
	clientID   string
	config     *oauth2.Config
	httpClient *http.Client
	retry      *retry.Client
	store      CredentialStore
	prompt     DevicePrompt
	logger     *slog.Logger
	hub        *Hub

	mu   sync.Mutex
	cred *Credential
}

type Option func(*OAuthProvider)

// WithHTTPClient sets the client used for every provider call.
func WithHTTPClient(c *http.Client) Option {
	return func(p *OAuthProvider) {
		p.httpClient = c
	}
}

// WithPrompt routes device flow progress to prompt.
func WithPrompt(prompt DevicePrompt) Option {
	return func(p *OAuthProvider) {
		p.prompt = prompt
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *OAuthProvider) {
		p.logger = logger
	}
}

func WithScopes(scopes ...string) Option {
	return func(p *OAuthProvider) {
		p.config.Scopes = scopes
	}
}

// NewOAuthProvider creates a provider for the server at serverURL and
// restores any credential stored for clientID.
func NewOAuthProvider(
	serverURL, clientID string,
	store CredentialStore,
	opts ...Option,
) (*OAuthProvider, error) {
	serverURL = strings.TrimRight(serverURL, "/")
	p := &OAuthProvider{
		serverURL: serverURL,
		clientID:  clientID,
		config: &oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{
				DeviceAuthURL: serverURL + "/oauth/device/code",
				TokenURL:      serverURL + "/oauth/token",
				AuthStyle:     oauth2.AuthStyleInParams,
			},
			Scopes: []string{"read", "write"},
		},
		httpClient: http.DefaultClient,
		store:      store,
		prompt:     noopPrompt{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	var err error
	p.retry, err = retry.NewBackgroundClient(retry.WithHTTPClient(p.httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}

	cred, err := store.Load(clientID)
	if err != nil {
		p.logger.Warn("ignoring unreadable identity credentials", "error", err)
		cred = nil
	}
	if cred != nil && (cred.User == nil || cred.RefreshToken == "") {
		cred = nil
	}
	p.cred = cred

	var current *User
	if cred != nil {
		current = cred.User
	}
	p.hub = NewHub(current)

	return p, nil
}

func (p *OAuthProvider) Watch() *Subscription {
	return p.hub.Subscribe()
}

func (p *OAuthProvider) CurrentUser() *User {
	return p.hub.Current()
}

func (p *OAuthProvider) IDToken(ctx context.Context, forceRefresh bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cred == nil {
		return "", ErrNotSignedIn
	}

	if !forceRefresh && time.Now().Add(expiryDelta).Before(p.cred.ExpiresAt) {
		return p.cred.Assertion(), nil
	}

	cred, err := p.refreshAccessToken(ctx, p.cred)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenExpired) {
			p.logger.Info("identity provider session expired, signing out")
			p.clearLocked()
		}
		return "", err
	}

	p.storeLocked(cred)
	return cred.Assertion(), nil
}

func (p *OAuthProvider) SignInWithPassword(
	ctx context.Context,
	email, password string,
) (*User, error) {
	reqCtx, cancel := context.WithTimeout(ctx, passwordGrantTimeout)
	defer cancel()
	reqCtx = context.WithValue(reqCtx, oauth2.HTTPClient, p.httpClient)

	token, err := p.config.PasswordCredentialsToken(reqCtx, email, password)
	if err != nil {
		var oauthErr *oauth2.RetrieveError
		if errors.As(err, &oauthErr) && oauthErr.ErrorCode == "invalid_grant" {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("password sign-in failed: %w", err)
	}

	idToken, _ := token.Extra("id_token").(string)
	cred := &Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      idToken,
		TokenType:    token.Type(),
		ExpiresAt:    token.Expiry,
		ClientID:     p.clientID,
	}
	return p.completeSignIn(ctx, cred, email)
}

// SignInInteractive runs the device authorization flow: request a device
// code, show it through the prompt, and poll until the user approves.
func (p *OAuthProvider) SignInInteractive(ctx context.Context) (*User, error) {
	deviceAuth, err := p.requestDeviceCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("device code request failed: %w", err)
	}

	p.prompt.DeviceCodeReady(
		deviceAuth.UserCode,
		deviceAuth.VerificationURI,
		deviceAuth.VerificationURIComplete,
		deviceAuth.Expiry,
	)

	p.prompt.WaitingForAuth()
	token, err := p.pollForToken(ctx, deviceAuth)
	if err != nil {
		return nil, fmt.Errorf("token poll failed: %w", err)
	}

	idToken, _ := token.Extra("id_token").(string)
	cred := &Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      idToken,
		TokenType:    token.Type(),
		ExpiresAt:    token.Expiry,
		ClientID:     p.clientID,
	}
	return p.completeSignIn(ctx, cred, "")
}

func (p *OAuthProvider) SignOut(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clearLocked()
}

// completeSignIn resolves the user behind cred, persists it and announces
// the sign-in.
func (p *OAuthProvider) completeSignIn(
	ctx context.Context,
	cred *Credential,
	emailHint string,
) (*User, error) {
	user, err := p.resolveUser(ctx, cred)
	if err != nil {
		return nil, err
	}
	if user.Email == "" {
		user.Email = emailHint
	}
	cred.User = user

	p.mu.Lock()
	p.storeLocked(cred)
	p.mu.Unlock()

	p.hub.Publish(user)
	return user, nil
}

// storeLocked installs cred in memory and on disk. A failed write is logged:
// the in-memory session is still usable for this run.
func (p *OAuthProvider) storeLocked(cred *Credential) {
	if cred.User == nil && p.cred != nil {
		cred.User = p.cred.User
	}
	p.cred = cred
	if err := p.store.Save(cred); err != nil {
		p.logger.Warn("failed to save identity credentials", "error", err)
	}
}

func (p *OAuthProvider) clearLocked() error {
	p.cred = nil
	err := p.store.Delete(p.clientID)
	p.hub.Publish(nil)
	if err != nil {
		return fmt.Errorf("failed to delete identity credentials: %w", err)
	}
	return nil
}

// resolveUser prefers the ID token claims and falls back to the provider's
// tokeninfo endpoint.
func (p *OAuthProvider) resolveUser(ctx context.Context, cred *Credential) (*User, error) {
	if cred.IDToken != "" {
		user, err := userFromIDToken(cred.IDToken)
		if err == nil {
			return user, nil
		}
		p.logger.Debug("id_token unusable, falling back to tokeninfo", "error", err)
	}
	return p.tokenInfo(ctx, cred.AccessToken)
}

func (p *OAuthProvider) tokenInfo(ctx context.Context, accessToken string) (*User, error) {
	reqCtx, cancel := context.WithTimeout(ctx, tokenInfoTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(
		reqCtx, http.MethodGet, p.serverURL+"/oauth/tokeninfo", nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	status, body, err := p.send(reqCtx, req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, providerError("tokeninfo", status, body)
	}

	var info struct {
		UserID  string `json:"user_id"`
		Subject string `json:"sub"`
		Email   string `json:"email"`
		Name    string `json:"name"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse tokeninfo response: %w", err)
	}

	uid := cmp.Or(info.UserID, info.Subject)
	if uid == "" {
		return nil, errors.New("tokeninfo response has no user id")
	}
	return &User{UID: uid, Email: info.Email, Name: info.Name}, nil
}

type deviceAuthResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

func (p *OAuthProvider) requestDeviceCode(ctx context.Context) (*oauth2.DeviceAuthResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, deviceCodeRequestTimeout)
	defer cancel()

	status, body, err := p.postForm(reqCtx, p.config.Endpoint.DeviceAuthURL, url.Values{
		"client_id": {p.clientID},
		"scope":     {strings.Join(p.config.Scopes, " ")},
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, providerError("device code request", status, body)
	}

	var da deviceAuthResponse
	if err := json.Unmarshal(body, &da); err != nil {
		return nil, fmt.Errorf("failed to parse device code response: %w", err)
	}
	if da.DeviceCode == "" || da.UserCode == "" {
		return nil, errors.New("device code response lacks device_code or user_code")
	}

	return &oauth2.DeviceAuthResponse{
		DeviceCode:              da.DeviceCode,
		UserCode:                da.UserCode,
		VerificationURI:         da.VerificationURI,
		VerificationURIComplete: da.VerificationURIComplete,
		Expiry:                  time.Now().Add(time.Duration(da.ExpiresIn) * time.Second),
		Interval:                int64(da.Interval),
	}, nil
}

// pollForToken polls the token endpoint until the user acts on the device
// code. Each slow_down stretches the interval by half again, up to a minute.
func (p *OAuthProvider) pollForToken(
	ctx context.Context,
	deviceAuth *oauth2.DeviceAuthResponse,
) (*oauth2.Token, error) {
	interval := time.Duration(cmp.Or(deviceAuth.Interval, 5)) * time.Second
	factor := 1.0

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		token, code, err := p.exchangeDeviceCode(ctx, deviceAuth.DeviceCode)
		switch {
		case err != nil:
			return nil, fmt.Errorf("token exchange failed: %w", err)
		case token != nil:
			return token, nil
		}

		switch code.Error {
		case "authorization_pending":
		case "slow_down":
			factor *= 1.5
			interval = min(time.Duration(float64(interval)*factor), maxPollInterval)
			p.prompt.PollSlowDown(interval)
		case "expired_token":
			return nil, ErrDeviceCodeExpired
		case "access_denied":
			return nil, ErrAccessDenied
		default:
			return nil, fmt.Errorf("authorization failed: %s - %s", code.Error, code.ErrorDescription)
		}
		timer.Reset(interval)
	}
}

// exchangeDeviceCode asks for the token once. While the user has not acted
// the provider answers with an OAuth error, returned as code.
func (p *OAuthProvider) exchangeDeviceCode(
	ctx context.Context,
	deviceCode string,
) (*oauth2.Token, *ErrorResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, tokenExchangeTimeout)
	defer cancel()

	tokenResp, status, body, err := p.postTokenForm(reqCtx, url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {deviceCode},
		"client_id":   {p.clientID},
	})
	if err != nil {
		return nil, nil, err
	}
	if status != http.StatusOK {
		code, ok := decodeError(body)
		if !ok {
			return nil, nil, providerError("device token request", status, body)
		}
		return nil, code, nil
	}

	if err := validateTokenResponse(
		tokenResp.AccessToken,
		tokenResp.TokenType,
		tokenResp.ExpiresIn,
	); err != nil {
		return nil, nil, fmt.Errorf("invalid token response: %w", err)
	}

	token := &oauth2.Token{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		TokenType:    tokenResp.TokenType,
		Expiry:       time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}
	if tokenResp.IDToken != "" {
		token = token.WithExtra(map[string]any{"id_token": tokenResp.IDToken})
	}
	return token, nil, nil
}

// refreshAccessToken renews the provider session with its refresh token.
func (p *OAuthProvider) refreshAccessToken(
	ctx context.Context,
	cred *Credential,
) (*Credential, error) {
	reqCtx, cancel := context.WithTimeout(ctx, refreshTokenTimeout)
	defer cancel()

	tokenResp, status, body, err := p.postTokenForm(reqCtx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
		"client_id":     {p.clientID},
	})
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	if status != http.StatusOK {
		if code, ok := decodeError(body); ok &&
			(code.Error == "invalid_grant" || code.Error == "invalid_token") {
			return nil, ErrRefreshTokenExpired
		}
		return nil, providerError("refresh", status, body)
	}

	if err := validateTokenResponse(
		tokenResp.AccessToken,
		tokenResp.TokenType,
		tokenResp.ExpiresIn,
	); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	// fixed refresh tokens are omitted from the response, rotated ones are not
	return &Credential{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: cmp.Or(tokenResp.RefreshToken, cred.RefreshToken),
		IDToken:      cmp.Or(tokenResp.IDToken, cred.IDToken),
		TokenType:    tokenResp.TokenType,
		ExpiresAt:    time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
		ClientID:     p.clientID,
		User:         cred.User,
	}, nil
}

// postTokenForm posts a grant to the token endpoint. The token is decoded
// only for a 200; other statuses come back with the raw body.
func (p *OAuthProvider) postTokenForm(
	ctx context.Context,
	data url.Values,
) (*tokenResponse, int, []byte, error) {
	status, body, err := p.postForm(ctx, p.config.Endpoint.TokenURL, data)
	if err != nil || status != http.StatusOK {
		return nil, status, body, err
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, status, body, fmt.Errorf("failed to parse token response: %w", err)
	}
	return &tokenResp, status, body, nil
}

func (p *OAuthProvider) postForm(
	ctx context.Context,
	endpoint string,
	data url.Values,
) (int, []byte, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		endpoint,
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return p.send(ctx, req)
}

// send issues req through the retry client and reads the whole body.
func (p *OAuthProvider) send(ctx context.Context, req *http.Request) (int, []byte, error) {
	resp, err := p.retry.DoWithContext(ctx, req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func decodeError(body []byte) (*ErrorResponse, bool) {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return nil, false
	}
	return &errResp, true
}

// providerError describes a failed provider call, preferring the OAuth
// error code when the body carries one.
func providerError(op string, status int, body []byte) error {
	if code, ok := decodeError(body); ok {
		return fmt.Errorf("%s failed: %s: %s", op, code.Error, code.ErrorDescription)
	}
	return fmt.Errorf("%s failed with status %d: %s", op, status, string(body))
}

// validateTokenResponse validates the OAuth token response
func validateTokenResponse(accessToken, tokenType string, expiresIn int) error {
	if accessToken == "" {
		return errors.New("access_token is empty")
	}

	if len(accessToken) < 10 {
		return fmt.Errorf("access_token is too short (length: %d)", len(accessToken))
	}

	if expiresIn <= 0 {
		return fmt.Errorf("expires_in must be positive, got: %d", expiresIn)
	}

	// Token type is optional in OAuth 2.0, but if present, should be "Bearer"
	if tokenType != "" && !strings.EqualFold(tokenType, "Bearer") {
		return fmt.Errorf("unexpected token_type: %s (expected Bearer)", tokenType)
	}

	return nil
}
