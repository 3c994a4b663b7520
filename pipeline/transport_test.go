package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/vakya-cli/session"
)

type fakeSession struct {
	mu      sync.Mutex
	token   string
	next    string
	err     error
	release chan struct{}

	refreshes atomic.Int32
	expired   []error
}

func (s *fakeSession) Token() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

func (s *fakeSession) Refresh(context.Context) (string, error) {
	s.refreshes.Add(1)
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.token = s.next
	return s.token, nil
}

func (s *fakeSession) Expire(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expired = append(s.expired, err)
}

func (s *fakeSession) expiredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expired)
}

// authServer accepts only "Bearer fresh" and records what it saw.
type authServer struct {
	*httptest.Server
	hits    atomic.Int32
	mu      sync.Mutex
	headers []http.Header
	bodies  []string
}

func newAuthServer(t *testing.T) *authServer {
	t.Helper()
	s := &authServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.headers = append(s.headers, r.Header.Clone())
		s.bodies = append(s.bodies, string(body))
		s.mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *authServer) header(i int) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers[i]
}

func TestTransport_AttachesBearerAndRequestID(t *testing.T) {
	srv := newAuthServer(t)
	client := NewClient(&fakeSession{token: "fresh"}, nil)

	resp, err := client.Get(srv.URL + "/stats")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	h := srv.header(0)
	assert.Equal(t, "Bearer fresh", h.Get("Authorization"))
	assert.Len(t, h.Get(RequestIDHeader), 36)
}

func TestTransport_NoTokenNoAuthorization(t *testing.T) {
	srv := newAuthServer(t)
	sess := &fakeSession{err: session.ErrNoSession}
	client := NewClient(sess, nil)

	resp, err := client.Get(srv.URL + "/stats")
	assert.ErrorIs(t, err, session.ErrSessionExpired)
	if resp != nil {
		resp.Body.Close()
	}
	assert.Empty(t, srv.header(0).Get("Authorization"))
	assert.Equal(t, int32(1), sess.refreshes.Load())
}

func TestTransport_IdentityEndpointsAreExempt(t *testing.T) {
	srv := newAuthServer(t)
	sess := &fakeSession{token: "stale", next: "fresh"}
	client := NewClient(sess, nil)

	for i, path := range []string{"/auth/login", "/auth/refresh", "/auth/logout"} {
		resp, err := client.Post(srv.URL+path+"?x=1", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		assert.Empty(t, srv.header(i).Get("Authorization"), path)
		assert.NotEmpty(t, srv.header(i).Get(RequestIDHeader), path)
	}
	assert.Zero(t, sess.refreshes.Load())
	assert.Equal(t, int32(3), srv.hits.Load())
}

func TestTransport_IdentityPathsMatchExactly(t *testing.T) {
	srv := newAuthServer(t)
	sess := &fakeSession{token: "fresh"}
	client := NewClient(sess, nil)

	resp, err := client.Get(srv.URL + "/auth/me")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer fresh", srv.header(0).Get("Authorization"))

	resp, err = client.Get(srv.URL + "/auth/login/extra")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer fresh", srv.header(1).Get("Authorization"))
}

func TestTransport_ConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	srv := newAuthServer(t)
	sess := &fakeSession{token: "stale", next: "fresh", release: make(chan struct{})}
	tr := New(sess)
	client := &http.Client{Transport: tr}

	const requests = 3
	var wg sync.WaitGroup
	statuses := make([]int, requests)
	for i := range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Get(srv.URL + "/stats")
			if assert.NoError(t, err) {
				statuses[i] = resp.StatusCode
				resp.Body.Close()
			}
		}()
	}

	require.Eventually(t, func() bool { return tr.QueueLen() == requests-1 }, 2*time.Second, time.Millisecond)
	close(sess.release)
	wg.Wait()

	assert.Equal(t, int32(1), sess.refreshes.Load())
	assert.Equal(t, []int{200, 200, 200}, statuses)
	assert.Equal(t, int32(2*requests), srv.hits.Load())
	assert.Zero(t, tr.QueueLen())
}

func TestTransport_RefreshFailureRejectsEveryWaiter(t *testing.T) {
	srv := newAuthServer(t)
	sess := &fakeSession{token: "stale", err: session.ErrNoSession, release: make(chan struct{})}
	tr := New(sess)
	client := &http.Client{Transport: tr}

	const requests = 3
	var wg sync.WaitGroup
	errs := make([]error, requests)
	for i := range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Get(srv.URL + "/history/paraphrases")
			if resp != nil {
				resp.Body.Close()
			}
			errs[i] = err
		}()
	}

	require.Eventually(t, func() bool { return tr.QueueLen() == requests-1 }, 2*time.Second, time.Millisecond)
	close(sess.release)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, session.ErrSessionExpired)
		assert.ErrorIs(t, err, session.ErrNoSession)
	}
	assert.Equal(t, int32(1), sess.refreshes.Load())
	assert.Equal(t, 1, sess.expiredCount(), "the session is expired once")
	assert.Equal(t, int32(requests), srv.hits.Load(), "nothing is replayed")
}

func TestTransport_ReplaysAtMostOnce(t *testing.T) {
	srv := newAuthServer(t)
	// the refreshed token is still rejected
	sess := &fakeSession{token: "stale", next: "also-stale"}
	client := NewClient(sess, nil)

	resp, err := client.Get(srv.URL + "/stats")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(2), srv.hits.Load())
	assert.Equal(t, int32(1), sess.refreshes.Load())
	assert.Equal(t, "Bearer also-stale", srv.header(1).Get("Authorization"))
}

func TestTransport_ReplayRewindsBodyAndKeepsRequestID(t *testing.T) {
	srv := newAuthServer(t)
	sess := &fakeSession{token: "stale", next: "fresh"}
	client := NewClient(sess, nil)

	resp, err := client.Post(srv.URL+"/paraphrase", "application/json",
		strings.NewReader(`{"message":"hello"}`))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, []string{`{"message":"hello"}`, `{"message":"hello"}`}, srv.bodies)
	assert.Equal(t, srv.headers[0].Get(RequestIDHeader), srv.headers[1].Get(RequestIDHeader))
}

func TestTransport_OneShotBodyIsNotReplayed(t *testing.T) {
	srv := newAuthServer(t)
	sess := &fakeSession{token: "stale", next: "fresh"}
	client := NewClient(sess, nil)

	body := io.MultiReader(strings.NewReader(`{"message":"hello"}`))
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/paraphrase", body)
	require.NoError(t, err)
	require.Nil(t, req.GetBody)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, sess.refreshes.Load())
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestTransport_StaleTokenReplaysWithoutRefresh(t *testing.T) {
	var sess *fakeSession
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer fresh" {
			return
		}
		// a refresh lands while this request is in flight
		sess.mu.Lock()
		sess.token = "fresh"
		sess.mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sess = &fakeSession{token: "stale"}
	client := NewClient(sess, nil)

	resp, err := client.Get(srv.URL + "/stats")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, sess.refreshes.Load())
}

func TestTransport_TransportErrorsPassThrough(t *testing.T) {
	boom := errors.New("dial failed")
	sess := &fakeSession{token: "fresh"}
	client := NewClient(sess, nil, WithBase(roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, boom
	})))

	_, err := client.Get("http://backend.invalid/stats")
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, sess.refreshes.Load())
}

func TestTransport_CustomIdentityPaths(t *testing.T) {
	srv := newAuthServer(t)
	sess := &fakeSession{token: "stale", next: "fresh"}
	client := NewClient(sess, nil, WithIdentityPaths("/session/new"))

	resp, err := client.Post(srv.URL+"/session/new", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = client.Post(srv.URL+"/auth/login", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "default paths no longer apply")
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
