package session

import (
	"context"
	"sync"
	"time"
)

// VisibilityState is driven by the host: a focused terminal, a foreground
// window, or whatever the application treats as "the user is looking".
type VisibilityState int

const (
	Visible VisibilityState = iota
	Hidden
)

func (v VisibilityState) String() string {
	if v == Hidden {
		return "hidden"
	}
	return "visible"
}

// VisibilityOptimizer suspends the proactive timer while hidden and resumes
// it, revalidating first after a long absence, once visible again.
type VisibilityOptimizer struct {
	threshold time.Duration
	sched     *Scheduler
	validate  func(context.Context) error
	notify    func(VisibilityState)
	now       func() time.Time

	mu       sync.Mutex
	state    VisibilityState
	hiddenAt time.Time
}

func newVisibilityOptimizer(
	threshold time.Duration,
	sched *Scheduler,
	validate func(context.Context) error,
	notify func(VisibilityState),
) *VisibilityOptimizer {
	return &VisibilityOptimizer{
		threshold: threshold,
		sched:     sched,
		validate:  validate,
		notify:    notify,
		now:       time.Now,
		state:     Visible,
	}
}

// State returns the last applied state.
func (v *VisibilityOptimizer) State() VisibilityState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Set applies a transition. Repeating the current state is a no-op. The
// returned error comes from revalidation after a long hidden period, in
// which case the session has already been ended.
func (v *VisibilityOptimizer) Set(ctx context.Context, state VisibilityState) error {
	v.mu.Lock()
	if state == v.state {
		v.mu.Unlock()
		return nil
	}
	v.state = state

	// Every transition cancels first; visible re-arms at most once.
	v.sched.Cancel()

	if state == Hidden {
		v.hiddenAt = v.now()
		v.mu.Unlock()
		v.notify(state)
		return nil
	}

	hiddenFor := v.now().Sub(v.hiddenAt)
	v.hiddenAt = time.Time{}
	v.mu.Unlock()
	v.notify(state)

	if hiddenFor > v.threshold {
		return v.validate(ctx)
	}
	v.sched.Schedule()
	return nil
}
