// Package pipeline is the HTTP request pipeline for backend calls. It
// attaches the session's access token and recovers from a 401 by refreshing
// once and replaying the request.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-authgate/vakya-cli/session"
)

// RequestIDHeader carries a per-request correlation ID.
const RequestIDHeader = "X-Request-ID"

// Session is what the pipeline needs from the session manager.
type Session interface {
	Token() (string, bool)
	Refresh(ctx context.Context) (string, error)
	Expire(err error)
}

type refreshResult struct {
	token string
	err   error
}

// Transport is an http.RoundTripper implementing the request pipeline.
type Transport struct {
	base          http.RoundTripper
	session       Session
	identityPaths map[string]struct{}
	logger        *slog.Logger
	registerer    prometheus.Registerer
	metrics       *metrics

	mu         sync.Mutex
	refreshing bool
	pending    []chan refreshResult
}

type Option func(*Transport)

// WithBase sets the transport that performs the actual round trips.
func WithBase(rt http.RoundTripper) Option {
	return func(t *Transport) {
		t.base = rt
	}
}

// WithIdentityPaths replaces the set of identity endpoint paths. Requests to
// them are sent without a bearer token and a 401 from them is final.
func WithIdentityPaths(paths ...string) Option {
	return func(t *Transport) {
		t.identityPaths = make(map[string]struct{}, len(paths))
		for _, p := range paths {
			t.identityPaths[p] = struct{}{}
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(t *Transport) {
		t.registerer = reg
	}
}

func New(s Session, opts ...Option) *Transport {
	t := &Transport{
		base:    http.DefaultTransport,
		session: s,
		logger:  slog.Default(),
	}
	WithIdentityPaths(session.DefaultEndpoints().IdentityPaths()...)(t)
	for _, opt := range opts {
		opt(t)
	}
	t.metrics = newMetrics(t.registerer)
	return t
}

// NewClient returns an http.Client sending through a new Transport. jar
// should be the jar of the session backend so identity calls made through
// this client see the refresh cookie.
func NewClient(s Session, jar http.CookieJar, opts ...Option) *http.Client {
	return &http.Client{Transport: New(s, opts...), Jar: jar}
}

func (t *Transport) isIdentity(path string) bool {
	_, ok := t.identityPaths[path]
	return ok
}

// RoundTrip sends req with the current access token. A 401 from a
// non-identity endpoint triggers one refresh, shared with every other
// request that hits a 401 meanwhile, and a single replay.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	exempt := t.isIdentity(req.URL.Path)

	out := req.Clone(req.Context())
	if out.Header.Get(RequestIDHeader) == "" {
		out.Header.Set(RequestIDHeader, uuid.NewString())
	}
	sent, hasToken := "", false
	if !exempt {
		if sent, hasToken = t.session.Token(); hasToken {
			out.Header.Set("Authorization", "Bearer "+sent)
		}
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil || exempt || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	t.metrics.unauthorized.Inc()

	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		t.logger.Debug("cannot replay request with a one-shot body",
			"method", req.Method, "path", req.URL.Path)
		return resp, nil
	}

	var token string
	if current, ok := t.session.Token(); ok && (!hasToken || current != sent) {
		// the token changed while the request was in flight
		token = current
	} else {
		token, err = t.awaitRefresh(req.Context())
		if err != nil {
			discard(resp)
			return nil, err
		}
	}

	replay, err := rewind(out)
	if err != nil {
		discard(resp)
		return nil, err
	}
	discard(resp)
	replay.Header.Set("Authorization", "Bearer "+token)

	t.metrics.replays.Inc()
	t.logger.Debug("replaying request after refresh",
		"method", req.Method,
		"path", req.URL.Path,
		"request_id", replay.Header.Get(RequestIDHeader),
	)
	return t.base.RoundTrip(replay)
}

// awaitRefresh joins the refresh in flight or starts one. The starter hands
// the outcome to every queued request at once.
func (t *Transport) awaitRefresh(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.refreshing {
		ch := make(chan refreshResult, 1)
		t.pending = append(t.pending, ch)
		t.mu.Unlock()

		t.metrics.queued.Inc()
		select {
		case r := <-ch:
			return r.token, r.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	t.refreshing = true
	t.mu.Unlock()

	// queued requests depend on this refresh, so our own cancellation must
	// not end it
	token, err := t.session.Refresh(context.WithoutCancel(ctx))
	if err != nil && !errors.Is(err, session.ErrSessionExpired) {
		err = fmt.Errorf("%w: %w", session.ErrSessionExpired, err)
	}

	t.mu.Lock()
	waiters := t.pending
	t.pending = nil
	t.refreshing = false
	t.mu.Unlock()

	for _, ch := range waiters {
		ch <- refreshResult{token: token, err: err}
	}

	if err != nil {
		t.metrics.refreshFailures.Inc()
		// a clear already ended the session
		if !errors.Is(err, session.ErrSessionCleared) {
			t.session.Expire(err)
		}
		return "", err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	return token, nil
}

// QueueLen reports how many requests wait on the refresh in flight.
func (t *Transport) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func rewind(req *http.Request) (*http.Request, error) {
	replay := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		replay.Body = body
	}
	return replay, nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
