package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/vakya-cli/identity"
)

// fakeProvider is an in-memory identity provider.
type fakeProvider struct {
	hub *identity.Hub

	mu        sync.Mutex
	user      *identity.User
	signInErr error
	signOuts  int
}

func newFakeProvider(user *identity.User) *fakeProvider {
	return &fakeProvider{hub: identity.NewHub(user), user: user}
}

func (p *fakeProvider) Watch() *identity.Subscription { return p.hub.Subscribe() }

func (p *fakeProvider) CurrentUser() *identity.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.user
}

func (p *fakeProvider) IDToken(_ context.Context, _ bool) (string, error) {
	u := p.CurrentUser()
	if u == nil {
		return "", identity.ErrNotSignedIn
	}
	return "assertion-" + u.UID, nil
}

func (p *fakeProvider) SignInWithPassword(_ context.Context, email, _ string) (*identity.User, error) {
	p.mu.Lock()
	if p.signInErr != nil {
		err := p.signInErr
		p.mu.Unlock()
		return nil, err
	}
	u := &identity.User{UID: "uid-" + email, Email: email}
	p.user = u
	p.mu.Unlock()

	p.hub.Publish(u)
	return u, nil
}

func (p *fakeProvider) SignInInteractive(ctx context.Context) (*identity.User, error) {
	return p.SignInWithPassword(ctx, "device@example.com", "")
}

func (p *fakeProvider) SignOut(_ context.Context) error {
	p.mu.Lock()
	p.user = nil
	p.signOuts++
	p.mu.Unlock()

	p.hub.Publish(nil)
	return nil
}

func (p *fakeProvider) SignOutCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signOuts
}

// fakeBackend mimics the backend identity endpoints. The refresh cookie is
// only honoured while the server side session exists.
type fakeBackend struct {
	*httptest.Server

	expiresIn int // 0 omits expires_in
	issued    atomic.Int32
	logins    atomic.Int32
	refreshes atomic.Int32
	logouts   atomic.Int32

	mu           sync.Mutex
	sessions     map[string]string // cookie -> uid
	loginStatus  int
	meStatus     int
	refreshGate  chan struct{}
	refreshEnter chan struct{}
	onMe         func()
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		expiresIn: 900,
		sessions:  make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", b.login)
	mux.HandleFunc("POST /auth/refresh", b.refresh)
	mux.HandleFunc("POST /auth/logout", b.logout)
	mux.HandleFunc("GET /auth/me", b.me)
	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

func (b *fakeBackend) issue(w http.ResponseWriter) {
	n := b.issued.Add(1)
	resp := map[string]any{
		"access_token": fmt.Sprintf("access-%d", n),
		"token_type":   "bearer",
	}
	if b.expiresIn > 0 {
		resp["expires_in"] = b.expiresIn
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (b *fakeBackend) login(w http.ResponseWriter, r *http.Request) {
	b.logins.Add(1)
	var body struct {
		FirebaseToken string `json:"firebase_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil ||
		!strings.HasPrefix(body.FirebaseToken, "assertion-") {
		http.Error(w, `{"detail":"invalid token"}`, http.StatusUnauthorized)
		return
	}

	b.mu.Lock()
	status := b.loginStatus
	if status == 0 {
		cookie := fmt.Sprintf("rt-%d", len(b.sessions)+1)
		b.sessions[cookie] = strings.TrimPrefix(body.FirebaseToken, "assertion-")
		http.SetCookie(w, &http.Cookie{Name: "refresh_token", Value: cookie, Path: "/", HttpOnly: true})
	}
	b.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"detail":"login rejected"}`)
		return
	}
	b.issue(w)
}

func (b *fakeBackend) refresh(w http.ResponseWriter, r *http.Request) {
	b.refreshes.Add(1)

	b.mu.Lock()
	enter, gate := b.refreshEnter, b.refreshGate
	b.mu.Unlock()
	if enter != nil {
		enter <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	c, err := r.Cookie("refresh_token")
	var ok bool
	b.mu.Lock()
	if err == nil {
		_, ok = b.sessions[c.Value]
	}
	b.mu.Unlock()
	if !ok {
		http.Error(w, `{"detail":"no session"}`, http.StatusUnauthorized)
		return
	}
	b.issue(w)
}

func (b *fakeBackend) logout(w http.ResponseWriter, r *http.Request) {
	b.logouts.Add(1)
	if c, err := r.Cookie("refresh_token"); err == nil {
		b.mu.Lock()
		delete(b.sessions, c.Value)
		b.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: "refresh_token", Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func (b *fakeBackend) me(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	status, hook := b.meStatus, b.onMe
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	if status != 0 {
		http.Error(w, `{"detail":"unavailable"}`, status)
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer access-") {
		http.Error(w, `{"detail":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Profile{
		UID:   "uid-1",
		Email: "user@example.com",
		Plan:  "free",
		Usage: Usage{ParaphraseCount: 3},
	})
}

// dropSessions invalidates every refresh cookie on the server side.
func (b *fakeBackend) dropSessions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.sessions)
}

// blockRefresh makes refresh calls announce themselves on the returned
// channel and wait until release is called.
func (b *fakeBackend) blockRefresh() (entered <-chan struct{}, release func()) {
	enter := make(chan struct{}, 16)
	gate := make(chan struct{})
	b.mu.Lock()
	b.refreshEnter, b.refreshGate = enter, gate
	b.mu.Unlock()
	var once sync.Once
	return enter, func() { once.Do(func() { close(gate) }) }
}

func newJarClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

type harness struct {
	backend  *fakeBackend
	provider *fakeProvider
	clock    *clockwork.FakeClock
	client   *http.Client
	manager  *Manager
}

func newHarness(t *testing.T, user *identity.User, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		backend:  newFakeBackend(t),
		provider: newFakeProvider(user),
		clock:    clockwork.NewFakeClock(),
	}
	h.client = newJarClient(t)
	h.manager = h.newManager(t, opts...)
	return h
}

// newManager builds another manager sharing the harness backend, provider
// and cookie jar, like a second page load in the same browser.
func (h *harness) newManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	backend, err := NewBackend(h.backend.URL, WithBackendHTTPClient(h.client))
	require.NoError(t, err)
	base := []Option{
		WithClock(h.clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	m := NewManager(backend, h.provider, append(base, opts...)...)
	t.Cleanup(m.Close)
	return m
}
