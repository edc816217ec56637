package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// mintToken returns a signed JWT expiring at exp. The key is irrelevant: the
// session package never verifies signatures.
func mintToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})
	s, err := tok.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return s
}

// testRecord returns a record whose ExpiresAt matches its token, truncated
// to the second precision of the exp claim.
func testRecord(t *testing.T, refresh string, ttl time.Duration) TokenRecord {
	t.Helper()
	exp := time.Now().Add(ttl).Truncate(time.Second).UTC()
	return TokenRecord{
		AccessToken:  mintToken(t, "user-1", exp),
		RefreshToken: refresh,
		ExpiresAt:    exp,
	}
}

// fakeRefresher mints a new token per call and counts calls.
type fakeRefresher struct {
	t     *testing.T
	ttl   time.Duration
	delay time.Duration
	calls atomic.Int32

	mu   sync.Mutex
	errs []error // returned in order before succeeding
}

func newFakeRefresher(t *testing.T, ttl time.Duration) *fakeRefresher {
	return &fakeRefresher{t: t, ttl: ttl}
}

func (f *fakeRefresher) failWith(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (string, string, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}

	f.mu.Lock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return "", "", err
	}
	f.mu.Unlock()

	exp := time.Now().Add(f.ttl)
	return mintToken(f.t, "user-1", exp), fmt.Sprintf("%s-r%d", refreshToken, n), nil
}

// flakyStore fails the next loadErrs reads like a dropped backend
// connection and counts clears.
type flakyStore struct {
	Store

	mu       sync.Mutex
	loadErrs int
	clears   atomic.Int32
}

func (s *flakyStore) failLoads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErrs = n
}

func (s *flakyStore) Load(ctx context.Context) (*TokenRecord, error) {
	s.mu.Lock()
	if s.loadErrs > 0 {
		s.loadErrs--
		s.mu.Unlock()
		return nil, errors.New("connection reset by peer")
	}
	s.mu.Unlock()
	return s.Store.Load(ctx)
}

func (s *flakyStore) Clear(ctx context.Context) error {
	s.clears.Add(1)
	return s.Store.Clear(ctx)
}

// testConfig has short backoff so failure paths finish quickly.
func testConfig() Config {
	cfg := DefaultConfig("http://auth.test/refresh")
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.Jitter = 0
	return cfg
}

// signalRecorder collects Signals for assertions.
type signalRecorder struct {
	mu      sync.Mutex
	signals []Signal
}

func (r *signalRecorder) Notify(s Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, s)
}

func (r *signalRecorder) kinds() []SignalKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]SignalKind, 0, len(r.signals))
	for _, s := range r.signals {
		kinds = append(kinds, s.Kind)
	}
	return kinds
}

func (r *signalRecorder) last(kind SignalKind) (Signal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.signals) - 1; i >= 0; i-- {
		if r.signals[i].Kind == kind {
			return r.signals[i], true
		}
	}
	return Signal{}, false
}

// newTestManager starts a Manager on store and bus, closed with the test.
func newTestManager(t *testing.T, store Store, bus Bus, refresher Refresher, opts ...Option) (*Manager, *signalRecorder) {
	t.Helper()
	rec := &signalRecorder{}
	all := append([]Option{
		WithStore(store),
		WithBus(bus),
		WithRefresher(refresher),
		WithNotifier(rec),
	}, opts...)
	m, err := New(testConfig(), all...)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m, rec
}
