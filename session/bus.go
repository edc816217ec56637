package session

import (
	"context"
	"sync"
	"time"
)

// Event announces a write to the shared record. A zero Record means the
// record was cleared (logout).
type Event struct {
	Source string      `json:"source"`
	Record TokenRecord `json:"record"`
	At     time.Time   `json:"at"`
}

// Bus carries Events between the session contexts of one origin. The
// transport behind it is swappable without touching the stores, the
// coordinator or the scheduler.
type Bus interface {
	// Publish announces ev to every subscriber, possibly including the
	// publisher itself.
	Publish(ctx context.Context, ev Event) error
	// Subscribe returns a channel of events that is closed once ctx is done.
	Subscribe(ctx context.Context) (<-chan Event, error)
}

const subscriberBuffer = 64

// MemoryBus fans events out to subscribers in the same process.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[*memorySub]struct{}
}

type memorySub struct {
	in   chan Event
	done chan struct{}
}

// NewMemoryBus returns a MemoryBus with no subscribers.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySub]struct{})}
}

func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	subs := make([]*memorySub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.in <- ev:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	s := &memorySub{
		in:   make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	out := make(chan Event)
	go func() {
		defer close(out)
		defer func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.done)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-s.in:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// PollBus turns any Store into a Bus by polling it. It is meant for backends
// without a change notification channel, such as a token file or SQLite
// database shared by several processes. Publish only marks the record as
// already seen so a context does not receive its own writes back.
type PollBus struct {
	store    Store
	interval time.Duration

	mu   sync.Mutex
	last TokenRecord
}

// NewPollBus polls store every interval (DefaultPollInterval when zero).
func NewPollBus(store Store, interval time.Duration) *PollBus {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollBus{store: store, interval: interval}
}

func (b *PollBus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	b.last = ev.Record
	b.mu.Unlock()
	return nil
}

func (b *PollBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	current, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.last = current
	b.mu.Unlock()

	out := make(chan Event)
	go func() {
		defer close(out)
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rec, err := b.load(ctx)
				if err != nil {
					// Usually a write in flight on another process; retry next tick.
					continue
				}
				b.mu.Lock()
				changed := !rec.Equal(b.last)
				if changed {
					b.last = rec
				}
				b.mu.Unlock()
				if !changed {
					continue
				}
				select {
				case out <- Event{Record: rec, At: time.Now()}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *PollBus) load(ctx context.Context) (TokenRecord, error) {
	rec, err := b.store.Load(ctx)
	if err != nil {
		return TokenRecord{}, err
	}
	if rec == nil {
		return TokenRecord{}, nil
	}
	return *rec, nil
}
