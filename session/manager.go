// Package session keeps a backend access token alive for a signed-in user.
//
// The access token lives only in memory. It is obtained by exchanging an
// identity provider assertion (explicit sign-in) or by trading the backend's
// HTTP-only refresh cookie (restoration and renewal), and is refreshed
// proactively two minutes before it expires.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"

	"github.com/go-authgate/vakya-cli/identity"
)

// TokenInfo describes a freshly installed access token.
type TokenInfo struct {
	Source    string
	Expiry    time.Time
	RefreshAt time.Time
}

// Manager owns the session state. All methods are safe for concurrent use.
type Manager struct {
	backend     *Backend
	provider    identity.Provider
	clock       clockwork.Clock
	logger      *slog.Logger
	registerer  prometheus.Registerer
	metrics     *Metrics
	policy      RestorePolicy
	gateTimeout time.Duration

	store     *TokenStore
	scheduler *Scheduler
	exchange  *Gate
	refresh   *Gate

	onStatus  []func(Status)
	onState   []func(State)
	onExpired []func(error)
	onToken   []func(TokenInfo)

	mu        sync.Mutex
	state     State
	status    Status
	user      *identity.User
	profile   *Profile
	epoch     uint64
	signingIn int

	settled     chan struct{}
	settledOnce sync.Once

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Manager)

func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithRegisterer registers the session metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		m.registerer = reg
	}
}

func WithRestorePolicy(p RestorePolicy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

func WithGateTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.gateTimeout = d
	}
}

// OnStatus registers fn to receive every published session status.
func OnStatus(fn func(Status)) Option {
	return func(m *Manager) {
		m.onStatus = append(m.onStatus, fn)
	}
}

func OnStateChange(fn func(State)) Option {
	return func(m *Manager) {
		m.onState = append(m.onState, fn)
	}
}

// OnSessionExpired registers fn to be told when a session in use could not
// be renewed and the user has to sign in again.
func OnSessionExpired(fn func(error)) Option {
	return func(m *Manager) {
		m.onExpired = append(m.onExpired, fn)
	}
}

func OnTokenInstalled(fn func(TokenInfo)) Option {
	return func(m *Manager) {
		m.onToken = append(m.onToken, fn)
	}
}

func NewManager(backend *Backend, provider identity.Provider, opts ...Option) *Manager {
	m := &Manager{
		backend:     backend,
		provider:    provider,
		clock:       clockwork.NewRealClock(),
		logger:      slog.Default(),
		policy:      RestoreAnonymous,
		gateTimeout: DefaultGateTimeout,
		status:      Anonymous(),
		settled:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.metrics = NewMetrics(m.registerer)
	m.scheduler = NewScheduler(m.clock, m.scheduledRefresh)
	m.store = NewTokenStore(m.clock, m.scheduler)
	m.exchange = NewGate("exchange", m.gateTimeout, m.metrics)
	m.refresh = NewGate("refresh", m.gateTimeout, m.metrics)
	return m
}

// Token returns the current access token without any network call.
func (m *Manager) Token() (string, bool) {
	return m.store.Get()
}

// RefreshInFlight reports whether a refresh is currently running.
func (m *Manager) RefreshInFlight() bool {
	return m.refresh.Busy()
}

// RefreshDeadline reports when the proactive refresh is due.
func (m *Manager) RefreshDeadline() (time.Time, bool) {
	return m.scheduler.Deadline()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the last published status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) Backend() *Backend {
	return m.backend
}

// Refresh renews the access token from the refresh cookie. Concurrent
// callers share one backend call.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	epoch := m.currentEpoch()
	tok, err := m.refresh.Do(ctx, m.refreshOp)
	if err != nil {
		return "", &refreshError{epoch: epoch, err: err}
	}
	return tok.AccessToken, nil
}

// refreshError is a failed refresh of the session as it was at epoch.
type refreshError struct {
	epoch uint64
	err   error
}

func (e *refreshError) Error() string { return e.err.Error() }

func (e *refreshError) Unwrap() error { return e.err }

// Exchange trades the provider's current assertion for an access token.
// Concurrent callers share one exchange.
func (m *Manager) Exchange(ctx context.Context) (string, error) {
	tok, err := m.exchange.Do(ctx, m.exchangeOp)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (m *Manager) refreshOp(ctx context.Context) (*oauth2.Token, error) {
	epoch := m.currentEpoch()
	resp, err := m.backend.Refresh(ctx)
	if err != nil {
		result := "failure"
		if errors.Is(err, ErrNoSession) {
			result = "no_session"
		}
		m.metrics.acquisitions.WithLabelValues("refresh", result).Inc()
		return nil, err
	}
	return m.install(resp, epoch, "refresh")
}

func (m *Manager) exchangeOp(ctx context.Context) (*oauth2.Token, error) {
	epoch := m.currentEpoch()
	assertion, err := m.provider.IDToken(ctx, false)
	if err != nil {
		m.metrics.acquisitions.WithLabelValues("exchange", "failure").Inc()
		return nil, fmt.Errorf("failed to get identity assertion: %w", err)
	}
	resp, err := m.backend.Login(ctx, assertion)
	if err != nil {
		m.metrics.acquisitions.WithLabelValues("exchange", "failure").Inc()
		return nil, err
	}
	// the user may have signed out of the provider while we waited
	if m.provider.CurrentUser() == nil {
		m.metrics.acquisitions.WithLabelValues("exchange", "discarded").Inc()
		return nil, ErrSessionCleared
	}
	return m.install(resp, epoch, "exchange")
}

// install stores resp unless the session was cleared after epoch was read.
func (m *Manager) install(resp *TokenResponse, epoch uint64, source string) (*oauth2.Token, error) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		m.metrics.acquisitions.WithLabelValues(source, "discarded").Inc()
		m.logger.Debug("discarding token for cleared session", "source", source)
		return nil, ErrSessionCleared
	}
	m.store.Set(resp.AccessToken, resp.ExpiresIn)
	tok := m.store.Token()
	m.mu.Unlock()

	m.metrics.acquisitions.WithLabelValues(source, "success").Inc()
	refreshAt, _ := m.scheduler.Deadline()
	m.logger.Debug("access token installed",
		"source", source,
		"expires_in", resp.ExpiresIn,
		"refresh_at", refreshAt,
	)
	info := TokenInfo{Source: source, Expiry: tok.Expiry, RefreshAt: refreshAt}
	for _, fn := range m.onToken {
		fn(info)
	}
	return tok, nil
}

func (m *Manager) scheduledRefresh() {
	m.metrics.schedulerFires.Inc()
	m.logger.Debug("refresh timer fired")
	if _, err := m.Refresh(context.Background()); err != nil {
		if errors.Is(err, ErrSessionCleared) {
			return
		}
		m.Expire(err)
	}
}

// Expire ends a session that can no longer be renewed and notifies the
// OnSessionExpired listeners. A cause returned by Refresh only expires the
// session that refresh was for, so callers sharing one failed refresh
// produce a single expiry.
func (m *Manager) Expire(cause error) {
	var epoch *uint64
	var re *refreshError
	if errors.As(cause, &re) {
		epoch = &re.epoch
	}
	if !m.clearAt("expired", epoch) {
		m.logger.Debug("session already ended, ignoring expiry", "error", cause)
		return
	}
	if !errors.Is(cause, ErrSessionExpired) {
		cause = fmt.Errorf("%w: %w", ErrSessionExpired, cause)
	}
	m.logger.Warn("session expired", "error", cause)
	for _, fn := range m.onExpired {
		fn(cause)
	}
}

// SignInWithPassword signs in to the identity provider and exchanges the
// result for a backend session.
func (m *Manager) SignInWithPassword(ctx context.Context, email, password string) Status {
	return m.signIn(ctx, func(ctx context.Context) (*identity.User, error) {
		return m.provider.SignInWithPassword(ctx, email, password)
	})
}

// SignInInteractive runs the provider's interactive sign-in, then exchanges.
func (m *Manager) SignInInteractive(ctx context.Context) Status {
	return m.signIn(ctx, m.provider.SignInInteractive)
}

// SignInCurrent establishes a backend session for the user the provider
// already has signed in.
func (m *Manager) SignInCurrent(ctx context.Context) Status {
	return m.signIn(ctx, func(context.Context) (*identity.User, error) {
		if u := m.provider.CurrentUser(); u != nil {
			return u, nil
		}
		return nil, identity.ErrNotSignedIn
	})
}

// signIn runs authenticate and the exchange. The reconciler stays out of
// the way until it returns. A failure leaves any existing session alone.
func (m *Manager) signIn(
	ctx context.Context,
	authenticate func(context.Context) (*identity.User, error),
) Status {
	m.mu.Lock()
	m.signingIn++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.signingIn--
		m.mu.Unlock()
	}()

	user, err := authenticate(ctx)
	if err != nil {
		m.logger.Warn("identity sign-in failed", "error", err)
		return Failed(fmt.Errorf("sign-in failed: %w", err))
	}

	if _, err := m.Exchange(ctx); err != nil {
		m.logger.Warn("session exchange failed", "uid", user.UID, "error", err)
		return Failed(fmt.Errorf("%w: %w", ErrExchangeFailed, err))
	}
	return m.establish(ctx, user, m.currentEpoch())
}

// establish loads the profile for a freshly installed token and activates
// the session.
func (m *Manager) establish(ctx context.Context, user *identity.User, epoch uint64) Status {
	profile, err := m.fetchProfile(ctx)
	if errors.Is(err, ErrSessionCleared) {
		return Failed(err)
	}
	if err != nil {
		m.logger.Warn("profile fetch failed", "uid", user.UID, "error", err)
		m.clear("profile fetch failed")
		st := Failed(fmt.Errorf("failed to load profile: %w", err))
		m.publish(st)
		return st
	}

	if m.provider.CurrentUser() == nil {
		m.logger.Info("identity signed out before the session was established", "uid", user.UID)
		m.clearAt("signed out", &epoch)
		return Failed(ErrSessionCleared)
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return Failed(ErrSessionCleared)
	}
	changed := m.state != StateActive
	m.state = StateActive
	m.user = user
	m.profile = profile
	m.mu.Unlock()

	m.logger.Info("session active", "uid", user.UID, "plan", profile.Plan)
	if changed {
		m.notifyState(StateActive)
	}
	st := Active(user, profile)
	m.publish(st)
	return st
}

func (m *Manager) fetchProfile(ctx context.Context) (*Profile, error) {
	token, ok := m.store.Get()
	if !ok {
		return nil, ErrSessionCleared
	}
	return m.backend.Me(ctx, token)
}

// Logout clears local state first, then tells the backend and the identity
// provider. A failed backend logout is only logged.
func (m *Manager) Logout(ctx context.Context) error {
	m.clear("logout")
	if err := m.backend.Logout(ctx); err != nil {
		m.logger.Warn("backend logout failed", "error", err)
	}
	if err := m.provider.SignOut(ctx); err != nil {
		return fmt.Errorf("identity sign-out failed: %w", err)
	}
	return nil
}

// clear drops the token, cancels the timer, detaches in-flight gate
// operations and moves to StateAnonymous. Bumping the epoch makes results
// of operations started before the clear unusable.
func (m *Manager) clear(reason string) {
	m.clearAt(reason, nil)
}

// clearAt clears like clear, but only while the session is still at *epoch
// when epoch is set. It reports whether it cleared.
func (m *Manager) clearAt(reason string, epoch *uint64) bool {
	m.mu.Lock()
	if epoch != nil && *epoch != m.epoch {
		m.mu.Unlock()
		return false
	}
	m.epoch++
	m.store.Clear()
	m.user = nil
	m.profile = nil
	changed := m.state != StateAnonymous
	m.state = StateAnonymous
	m.mu.Unlock()

	m.exchange.Reset()
	m.refresh.Reset()
	m.metrics.clears.WithLabelValues(reason).Inc()
	m.logger.Debug("session cleared", "reason", reason)

	if changed {
		m.notifyState(StateAnonymous)
		m.publish(Anonymous())
	}
	return true
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()
	if changed {
		m.notifyState(s)
	}
}

func (m *Manager) currentEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

func (m *Manager) publish(st Status) {
	m.mu.Lock()
	m.status = st
	m.mu.Unlock()
	for _, fn := range m.onStatus {
		fn(st)
	}
}

func (m *Manager) notifyState(s State) {
	for _, fn := range m.onState {
		fn(s)
	}
}

// Start begins reconciling with identity provider events. The first event
// carries the provider's restored state; WaitSettled returns once it has
// been handled.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	r := newReconciler(m, m.provider.Watch())
	go r.run(ctx, m.done)
}

// Close stops the reconciler and the refresh timer. The session itself is
// left as is.
func (m *Manager) Close() {
	m.runMu.Lock()
	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel = nil
	}
	m.runMu.Unlock()
	m.scheduler.Disarm()
}

// WaitSettled blocks until the startup state has been reconciled.
func (m *Manager) WaitSettled(ctx context.Context) (Status, error) {
	select {
	case <-m.settled:
		return m.Status(), nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (m *Manager) markSettled() {
	m.settledOnce.Do(func() { close(m.settled) })
}
