package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler keeps at most one timer armed that fires RefreshWindow before
// the current access token expires.
type Scheduler struct {
	window   time.Duration
	current  func() TokenRecord
	refresh  func(context.Context) Outcome
	lifetime context.Context
	log      zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	timer    *time.Timer
	gen      uint64
	deadline time.Time
}

func newScheduler(
	lifetime context.Context,
	window time.Duration,
	current func() TokenRecord,
	refresh func(context.Context) Outcome,
	log zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		window:   window,
		current:  current,
		refresh:  refresh,
		lifetime: lifetime,
		log:      log,
		now:      time.Now,
	}
}

// Schedule re-derives the timer from the current record. An empty record
// leaves no timer armed. A token already inside the refresh window is
// refreshed right away instead. Timers run under the scheduler lifetime.
func (s *Scheduler) Schedule() {
	s.arm(s.current(), false)
}

// rearm is Schedule for a record a refresh just produced, here or in another
// context. A fresh token that is still inside the window must not trigger
// another immediate refresh; the timer then waits for expiry and the 401
// path takes over.
func (s *Scheduler) rearm(rec TokenRecord) {
	s.arm(rec, true)
}

func (s *Scheduler) arm(rec TokenRecord, fresh bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	if rec.AccessToken == "" || rec.ExpiresAt.IsZero() {
		return
	}
	if s.lifetime.Err() != nil {
		return
	}

	now := s.now()
	delay := max(rec.ExpiresAt.Sub(now)-s.window, 0)
	gen := s.gen

	if delay == 0 {
		if !fresh {
			s.deadline = now
			go s.fire(gen)
			return
		}
		s.log.Warn().
			Time("expires_at", rec.ExpiresAt).
			Dur("window", s.window).
			Msg("refreshed token is already inside the refresh window")
		delay = rec.ExpiresAt.Sub(now)
		if delay <= 0 {
			return
		}
	}

	s.deadline = now.Add(delay)
	s.timer = time.AfterFunc(delay, func() { s.fire(gen) })
	s.log.Debug().Time("deadline", s.deadline).Msg("proactive refresh scheduled")
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.deadline = time.Time{}
	s.mu.Unlock()

	// Another refresh may have landed since the timer was armed.
	if rec := s.current(); rec.AccessToken == "" || !rec.InWindow(s.now(), s.window) {
		s.arm(rec, false)
		return
	}

	// The settle hook of the refresh re-arms the timer from the new record.
	out := s.refresh(s.lifetime)
	if !out.OK() {
		s.log.Debug().Err(out.Err).Msg("proactive refresh failed")
	}
}

// Cancel disarms the timer. A refresh already started is not aborted.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// stopLocked invalidates any armed or pending timer callback.
func (s *Scheduler) stopLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.deadline = time.Time{}
}

// Deadline returns when the armed timer fires. ok is false when no timer
// is armed.
func (s *Scheduler) Deadline() (deadline time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deadline.IsZero() {
		return time.Time{}, false
	}
	return s.deadline, true
}
