package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type schedulerHarness struct {
	*Scheduler
	mu    sync.Mutex
	rec   TokenRecord
	calls atomic.Int32
}

func newSchedulerHarness(t *testing.T, window time.Duration) *schedulerHarness {
	t.Helper()
	h := &schedulerHarness{}
	h.Scheduler = newScheduler(context.Background(), window,
		func() TokenRecord {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.rec
		},
		func(context.Context) Outcome {
			h.calls.Add(1)
			return Outcome{}
		},
		zerolog.Nop(),
	)
	t.Cleanup(h.Cancel)
	return h
}

func (h *schedulerHarness) set(exp time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rec = TokenRecord{AccessToken: "access", RefreshToken: "refresh", ExpiresAt: exp}
}

func TestScheduler_ArmsBeforeExpiry(t *testing.T) {
	h := newSchedulerHarness(t, 2*time.Minute)
	h.set(time.Now().Add(5 * time.Minute))

	h.Schedule()

	deadline, ok := h.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(3*time.Minute), deadline, 2*time.Second)
	assert.Zero(t, h.calls.Load())
}

func TestScheduler_RefreshesImmediatelyInsideWindow(t *testing.T) {
	h := newSchedulerHarness(t, 2*time.Minute)
	h.set(time.Now().Add(30 * time.Second))

	h.Schedule()

	require.Eventually(t, func() bool { return h.calls.Load() == 1 }, time.Second, time.Millisecond)
	_, ok := h.Deadline()
	assert.False(t, ok)
}

func TestScheduler_EmptyRecordArmsNothing(t *testing.T) {
	h := newSchedulerHarness(t, 2*time.Minute)

	h.Schedule()

	_, ok := h.Deadline()
	assert.False(t, ok)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, h.calls.Load())
}

func TestScheduler_FiresOnce(t *testing.T) {
	h := newSchedulerHarness(t, time.Second)
	h.set(time.Now().Add(time.Second + 20*time.Millisecond))

	// Rescheduling replaces the timer instead of adding one.
	for i := 0; i < 5; i++ {
		h.Schedule()
	}

	require.Eventually(t, func() bool { return h.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestScheduler_Cancel(t *testing.T) {
	h := newSchedulerHarness(t, time.Second)
	h.set(time.Now().Add(time.Second + 20*time.Millisecond))
	h.Schedule()

	h.Cancel()

	_, ok := h.Deadline()
	assert.False(t, ok)
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, h.calls.Load())
}

func TestScheduler_RearmInsideWindowDoesNotRefresh(t *testing.T) {
	h := newSchedulerHarness(t, 2*time.Minute)
	exp := time.Now().Add(time.Minute)

	h.rearm(TokenRecord{AccessToken: "access", RefreshToken: "refresh", ExpiresAt: exp})

	deadline, ok := h.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, exp, deadline, time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, h.calls.Load())
}

func TestScheduler_StoppedAfterLifetime(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	s := newScheduler(ctx, 2*time.Minute,
		func() TokenRecord {
			return TokenRecord{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now()}
		},
		func(context.Context) Outcome { calls.Add(1); return Outcome{} },
		zerolog.Nop(),
	)
	cancel()

	s.Schedule()

	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, calls.Load())
}
