package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	refreshMargin   = 2 * time.Minute
	minRefreshDelay = 30 * time.Second
)

// RefreshDelay is how long after acquisition a token with the given lifetime
// is refreshed: two minutes before expiry, but never sooner than 30 seconds.
func RefreshDelay(expiresIn int) time.Duration {
	return max(time.Duration(expiresIn)*time.Second-refreshMargin, minRefreshDelay)
}

// Scheduler owns the single proactive refresh timer.
type Scheduler struct {
	clock clockwork.Clock
	fire  func()

	mu       sync.Mutex
	timer    clockwork.Timer
	deadline time.Time
	gen      uint64
}

// NewScheduler returns a scheduler that calls fire when an armed timer expires.
func NewScheduler(clock clockwork.Clock, fire func()) *Scheduler {
	return &Scheduler{clock: clock, fire: fire}
}

// Arm replaces any pending timer with one for a token living expiresIn seconds.
func (s *Scheduler) Arm(expiresIn int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disarmLocked()
	s.gen++
	gen := s.gen
	delay := RefreshDelay(expiresIn)
	s.deadline = s.clock.Now().Add(delay)
	s.timer = s.clock.AfterFunc(delay, func() { s.expire(gen) })
}

func (s *Scheduler) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked()
}

// Deadline reports when the pending timer fires.
func (s *Scheduler) Deadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline, s.timer != nil
}

func (s *Scheduler) disarmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.deadline = time.Time{}
	// a timer that already fired but has not taken the lock yet sees a new gen
	s.gen++
}

func (s *Scheduler) expire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.deadline = time.Time{}
	s.mu.Unlock()

	s.fire()
}
