package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Outcome is the settled result of one refresh operation, shared by the
// caller that ran it and every caller queued behind it. Err is nil on
// success, in which case Record holds the new credentials.
type Outcome struct {
	Record TokenRecord
	Err    error
}

// OK reports whether the refresh succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Coordinator runs at most one refresh at a time. Callers arriving while a
// refresh is in flight are queued and resolved, in arrival order, with the
// same Outcome.
type Coordinator struct {
	tokens    *TokenStore
	refresher Refresher
	cfg       Config
	metrics   *Metrics
	log       zerolog.Logger

	// settle runs after the store was updated and before queued callers are
	// released.
	settle func(Outcome)
	// lifetime aborts backoff sleeps and network calls on shutdown.
	lifetime context.Context

	mu         sync.Mutex
	inProgress bool
	waiters    []chan Outcome
}

func newCoordinator(
	lifetime context.Context,
	tokens *TokenStore,
	refresher Refresher,
	cfg Config,
	metrics *Metrics,
	log zerolog.Logger,
	settle func(Outcome),
) *Coordinator {
	if settle == nil {
		settle = func(Outcome) {}
	}
	return &Coordinator{
		tokens:    tokens,
		refresher: refresher,
		cfg:       cfg,
		metrics:   metrics,
		log:       log,
		settle:    settle,
		lifetime:  lifetime,
	}
}

// InProgress reports whether a refresh is currently in flight.
func (c *Coordinator) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress
}

// RefreshWithRetry refreshes the stored credentials, or joins the refresh
// already in flight. Joined callers wait at most Config.MaxQueueWait and then
// get ErrQueueTimeout; the caller that runs the refresh waits for it to end.
func (c *Coordinator) RefreshWithRetry(ctx context.Context) Outcome {
	c.mu.Lock()
	if c.inProgress {
		ch := c.enqueueLocked()
		c.mu.Unlock()
		return c.await(ctx, ch)
	}
	c.inProgress = true
	c.mu.Unlock()

	return c.lead(ctx)
}

// Wait blocks until the in-flight refresh settles. It returns false without
// waiting when no refresh is in progress.
func (c *Coordinator) Wait(ctx context.Context) (Outcome, bool) {
	c.mu.Lock()
	if !c.inProgress {
		c.mu.Unlock()
		return Outcome{}, false
	}
	ch := c.enqueueLocked()
	c.mu.Unlock()
	return c.await(ctx, ch), true
}

// enqueueLocked appends a waiter. The channel is buffered so the drain
// never blocks on a waiter that already gave up.
func (c *Coordinator) enqueueLocked() chan Outcome {
	ch := make(chan Outcome, 1)
	c.waiters = append(c.waiters, ch)
	return ch
}

func (c *Coordinator) await(ctx context.Context, ch <-chan Outcome) Outcome {
	timer := time.NewTimer(c.cfg.MaxQueueWait)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out
	case <-timer.C:
		c.metrics.QueueTimeouts.Inc()
		return Outcome{Err: ErrQueueTimeout}
	case <-ctx.Done():
		return Outcome{Err: ctx.Err()}
	}
}

func (c *Coordinator) lead(ctx context.Context) Outcome {
	// The refresh outlives the request that triggered it: its waiters still
	// need the result if that request is cancelled.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(c.lifetime, cancel)
	out := c.run(runCtx)
	stop()
	cancel()

	c.settle(out)

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.inProgress = false
	c.mu.Unlock()

	for _, w := range waiters {
		w <- out
	}
	return out
}

func (c *Coordinator) run(ctx context.Context) Outcome {
	var (
		rec     *TokenRecord
		lastErr error
	)
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.backoff(attempt - 1)
			select {
			case <-ctx.Done():
				return c.abort(ctx.Err())
			case <-time.After(delay):
			}
		}

		// A failed read says nothing about the session; only an empty record
		// ends it.
		if rec == nil {
			loaded, err := c.tokens.Get(ctx)
			switch {
			case errors.Is(err, ErrTokenMissing):
				return c.fail(ctx, "missing", err)
			case err != nil:
				if ctx.Err() != nil {
					return c.abort(ctx.Err())
				}
				lastErr = err
				c.log.Warn().Err(err).Int("attempt", attempt).Msg("failed to load tokens for refresh")
				continue
			}
			rec = loaded
		}

		c.metrics.RefreshAttempts.Inc()
		access, refresh, err := c.refresher.Refresh(ctx, rec.RefreshToken)
		if err == nil {
			if refresh == "" {
				refresh = rec.RefreshToken
			}
			next, err := c.tokens.Set(ctx, access, refresh)
			if err == nil {
				c.metrics.Refreshes.WithLabelValues("success").Inc()
				c.log.Debug().
					Int("attempt", attempt).
					Time("expires_at", next.ExpiresAt).
					Msg("access token refreshed")
				return Outcome{Record: next}
			}
			lastErr = fmt.Errorf("%w: %v", ErrRefreshTransient, err)
		} else {
			lastErr = err
		}

		if ctx.Err() != nil {
			return c.abort(ctx.Err())
		}
		if isFatal(lastErr) {
			break
		}
		c.log.Warn().Err(lastErr).Int("attempt", attempt).Msg("refresh attempt failed")
	}

	switch {
	case rec == nil:
		return c.unavailable(lastErr)
	case errors.Is(lastErr, ErrAccountBanned):
		return c.fail(ctx, "banned", lastErr)
	case errors.Is(lastErr, ErrRefreshRejected):
		return c.fail(ctx, "rejected", lastErr)
	default:
		return c.fail(ctx, "exhausted",
			fmt.Errorf("refresh failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr))
	}
}

// fail clears the whole record; every refresh failure ends the session.
func (c *Coordinator) fail(ctx context.Context, outcome string, err error) Outcome {
	c.metrics.Refreshes.WithLabelValues(outcome).Inc()
	if clearErr := c.tokens.Clear(context.WithoutCancel(ctx)); clearErr != nil {
		c.log.Error().Err(clearErr).Msg("failed to clear tokens after refresh failure")
	}
	c.log.Warn().Err(err).Str("outcome", outcome).Msg("refresh failed, session ended")
	return Outcome{Err: err}
}

// abort settles a refresh interrupted by Manager.Close. The shared record
// belongs to the other contexts as well and is left alone.
func (c *Coordinator) abort(cause error) Outcome {
	c.metrics.Refreshes.WithLabelValues("aborted").Inc()
	c.log.Debug().Err(cause).Msg("refresh aborted on shutdown")
	return Outcome{Err: fmt.Errorf("%w: refresh aborted: %w", ErrClosed, cause)}
}

// unavailable settles a refresh that never managed to read the store. The
// record may still be valid, so it is not cleared.
func (c *Coordinator) unavailable(cause error) Outcome {
	c.metrics.Refreshes.WithLabelValues("unavailable").Inc()
	c.log.Warn().Err(cause).Msg("token store unavailable, refresh skipped")
	return Outcome{Err: fmt.Errorf("%w: %w", ErrStoreUnavailable, cause)}
}

// backoff returns the delay before retry n (1-based): exponential, capped,
// with random jitter on top.
func (c *Coordinator) backoff(n int) time.Duration {
	d := c.cfg.BaseDelay
	for i := 1; i < n && d < c.cfg.MaxDelay; i++ {
		d *= 2
	}
	d = min(d, c.cfg.MaxDelay)
	if c.cfg.Jitter > 0 && d > 0 {
		d += time.Duration(rand.Float64() * c.cfg.Jitter * float64(d))
	}
	return d
}
