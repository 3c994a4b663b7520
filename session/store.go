package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
)

// TokenStore holds the backend access token. It lives in memory only.
type TokenStore struct {
	clock     clockwork.Clock
	scheduler *Scheduler

	mu    sync.RWMutex
	token *oauth2.Token
}

func NewTokenStore(clock clockwork.Clock, scheduler *Scheduler) *TokenStore {
	return &TokenStore{clock: clock, scheduler: scheduler}
}

// Get returns the current access token, if any.
func (s *TokenStore) Get() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return "", false
	}
	return s.token.AccessToken, true
}

// Token returns a copy of the stored token, or nil.
func (s *TokenStore) Token() *oauth2.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return nil
	}
	tok := *s.token
	return &tok
}

// Set installs a token and re-arms the refresh timer for it. The timer is
// armed under the store lock so concurrent Sets cannot leave the timer of
// an older token pending.
func (s *TokenStore) Set(accessToken string, expiresIn int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		Expiry:      s.clock.Now().Add(time.Duration(expiresIn) * time.Second),
	}
	s.scheduler.Arm(expiresIn)
}

// Clear drops the token and cancels the refresh timer.
func (s *TokenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = nil
	s.scheduler.Disarm()
}
