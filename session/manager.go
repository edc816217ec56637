package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Manager is one session context: the equivalent of a browser tab. Several
// Managers of the same origin share a Store and a Bus and converge on the
// same TokenRecord.
type Manager struct {
	id        string
	cfg       Config
	tokens    *TokenStore
	bus       Bus
	refresher Refresher
	notifier  Notifier
	metrics   *Metrics
	log       zerolog.Logger
	now       func() time.Time

	coord  *Coordinator
	sched  *Scheduler
	vis    *VisibilityOptimizer
	syncer *Synchronizer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	view         TokenRecord
	lastActivity time.Time
	started      bool
	closed       bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore sets the shared storage backend. Defaults to a MemoryStore.
func WithStore(s Store) Option {
	return func(m *Manager) { m.tokens = NewTokenStore(s) }
}

// WithBus sets the cross-context event bus. Defaults to a private MemoryBus.
func WithBus(b Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithRefresher replaces the HTTP refresh client.
func WithRefresher(r Refresher) Option {
	return func(m *Manager) { m.refresher = r }
}

// WithNotifier sets the receiver of session signals.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithLogger sets the logger. Defaults to zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithRegisterer registers the Manager's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) { m.metrics = NewMetrics(reg) }
}

// WithID overrides the random context ID used to recognize own events.
func WithID(id string) Option {
	return func(m *Manager) { m.id = id }
}

// New builds a Manager. Call Start before use and Close when done.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}

	m := &Manager{
		id:       uuid.NewString(),
		cfg:      cfg,
		notifier: nopNotifier{},
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tokens == nil {
		m.tokens = NewTokenStore(NewMemoryStore())
	}
	if m.bus == nil {
		m.bus = NewMemoryBus()
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	if m.refresher == nil {
		if cfg.RefreshURL == "" {
			return nil, errors.New("refresh URL cannot be empty without a custom refresher")
		}
		r, err := NewHTTPRefresher(cfg.RefreshURL, nil)
		if err != nil {
			return nil, err
		}
		m.refresher = r
	}
	m.log = m.log.With().Str("context", m.id).Str("origin", cfg.Origin).Logger()

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.coord = newCoordinator(m.ctx, m.tokens, m.refresher, cfg, m.metrics, m.log, m.settle)
	m.sched = newScheduler(m.ctx, cfg.RefreshWindow, m.Current, m.coord.RefreshWithRetry, m.log)
	m.vis = newVisibilityOptimizer(cfg.InactivityThreshold, m.sched, m.Validate, m.notifyVisibility)
	m.syncer = newSynchronizer(m.id, m.bus, m.tokens, m, m.metrics, m.log)
	return m, nil
}

// ID returns the context ID stamped on published events.
func (m *Manager) ID() string { return m.id }

// Metrics returns the Manager's collectors.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// Start loads the shared record, subscribes to remote changes and arms the
// proactive timer.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	rec, err := m.tokens.Get(ctx)
	switch {
	case errors.Is(err, ErrTokenMissing):
	case err != nil:
		return err
	default:
		m.setView(*rec)
	}

	ready := make(chan struct{})
	errCh := make(chan error, 1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.syncer.Run(m.ctx, ready); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ready:
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	m.scheduleIfVisible()
	m.log.Debug().Bool("authenticated", !m.Current().IsZero()).Msg("session started")
	return nil
}

// Close stops the timer and the subscription. In-flight refreshes are
// aborted. The shared record is left as is.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.sched.Cancel()
	m.wg.Wait()
	return nil
}

// Current returns the in-memory view of the shared record. It is the zero
// record when logged out.
func (m *Manager) Current() TokenRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view
}

// Authenticated reports whether the context holds credentials.
func (m *Manager) Authenticated() bool {
	return !m.Current().IsZero()
}

// Login stores a fresh credential pair and announces it to every context.
func (m *Manager) Login(ctx context.Context, accessToken, refreshToken string) error {
	if refreshToken == "" {
		return fmt.Errorf("%w: refresh token is empty", ErrTokenMissing)
	}
	expiresAt, err := DecodeExpiry(accessToken)
	if err != nil {
		return err
	}
	rec := TokenRecord{AccessToken: accessToken, RefreshToken: refreshToken, ExpiresAt: expiresAt}

	if err := m.syncer.BroadcastTokenUpdate(ctx, rec); err != nil {
		return err
	}
	m.setView(rec)
	m.touch(m.now())
	m.scheduleIfVisible()
	m.log.Info().Time("expires_at", expiresAt).Msg("logged in")
	m.notifier.Notify(Signal{Kind: SignalLoggedIn, Record: rec})
	return nil
}

// Logout clears the shared record in every context.
func (m *Manager) Logout(ctx context.Context) error {
	m.sched.Cancel()
	m.setView(TokenRecord{})
	if err := m.syncer.BroadcastLogout(ctx); err != nil {
		return err
	}
	m.log.Info().Msg("logged out")
	m.notifier.Notify(Signal{Kind: SignalLoggedOut})
	return nil
}

// Validate checks the stored record after a period of inactivity. A token
// inside the refresh window is refreshed; a missing or unrecoverable one
// ends the session and returns the cause.
func (m *Manager) Validate(ctx context.Context) error {
	rec, err := m.tokens.Get(ctx)
	if err != nil {
		if errors.Is(err, ErrTokenMissing) {
			m.endSession(err, false)
		}
		return err
	}

	if rec.InWindow(m.now(), m.cfg.RefreshWindow) {
		// Failure has already ended the session through settle.
		return m.coord.RefreshWithRetry(ctx).Err
	}

	if !m.Current().Equal(*rec) {
		m.setView(*rec)
	}
	m.scheduleIfVisible()
	return nil
}

// SetVisibility applies a host visibility transition.
func (m *Manager) SetVisibility(ctx context.Context, state VisibilityState) error {
	return m.vis.Set(ctx, state)
}

// Visibility returns the current visibility state.
func (m *Manager) Visibility() VisibilityState {
	return m.vis.State()
}

// Refresh forces a refresh through the coordinator.
func (m *Manager) Refresh(ctx context.Context) Outcome {
	return m.coord.RefreshWithRetry(ctx)
}

// NextRefresh returns when the proactive timer fires.
func (m *Manager) NextRefresh() (time.Time, bool) {
	return m.sched.Deadline()
}

// settle runs once per refresh, before queued callers are released.
func (m *Manager) settle(out Outcome) {
	if out.OK() {
		m.setView(out.Record)
		m.syncer.announce(m.ctx, out.Record)
		if m.Visibility() == Visible {
			m.sched.rearm(out.Record)
		}
		m.notifier.Notify(Signal{Kind: SignalRefreshed, Record: out.Record})
		return
	}
	if errors.Is(out.Err, ErrClosed) || errors.Is(out.Err, ErrStoreUnavailable) {
		// Nothing is known about the session itself; keep it.
		return
	}
	// The coordinator already cleared the store.
	m.endSession(out.Err, true)
}

// ban ends the session on a ban response without attempting a refresh.
func (m *Manager) ban(ctx context.Context, err *AccountBannedError) {
	m.metrics.Bans.Inc()
	if clearErr := m.tokens.Clear(context.WithoutCancel(ctx)); clearErr != nil {
		m.log.Error().Err(clearErr).Msg("failed to clear tokens after ban")
	}
	m.endSession(err, true)
}

// endSession drops the local state and signals the application. With
// announce set, other contexts are told as well. A session that a remote
// logout already ended is not reported a second time, except for a ban.
func (m *Manager) endSession(cause error, announce bool) {
	m.sched.Cancel()
	m.mu.Lock()
	wasSet := !m.view.IsZero()
	m.view = TokenRecord{}
	m.mu.Unlock()
	if announce {
		m.syncer.announce(m.ctx, TokenRecord{})
	}

	var banned *AccountBannedError
	if errors.As(cause, &banned) {
		m.log.Warn().Str("message", banned.Message).Msg("account banned, session ended")
		m.notifier.Notify(Signal{Kind: SignalBanned, Err: cause, Message: banned.Message})
		return
	}
	if !wasSet {
		m.log.Debug().Err(cause).Msg("session already ended")
		return
	}
	m.notifier.Notify(Signal{Kind: SignalLoggedOut, Err: cause})
}

func (m *Manager) adoptRemote(rec TokenRecord) {
	m.mu.Lock()
	if m.view.Equal(rec) {
		m.mu.Unlock()
		return
	}
	m.view = rec
	m.mu.Unlock()

	if m.Visibility() == Visible {
		m.sched.rearm(rec)
	}
	m.log.Debug().Time("expires_at", rec.ExpiresAt).Msg("adopted token from another context")
	m.notifier.Notify(Signal{Kind: SignalRemoteUpdate, Record: rec})
}

func (m *Manager) remoteLogout() {
	m.sched.Cancel()
	m.mu.Lock()
	wasSet := !m.view.IsZero()
	m.view = TokenRecord{}
	m.mu.Unlock()

	if wasSet {
		m.notifier.Notify(Signal{Kind: SignalLoggedOut})
	}
}

func (m *Manager) notifyVisibility(state VisibilityState) {
	m.notifier.Notify(Signal{Kind: SignalVisibility, Visibility: state})
}

func (m *Manager) scheduleIfVisible() {
	if m.Visibility() == Visible {
		m.sched.Schedule()
	}
}

func (m *Manager) setView(rec TokenRecord) {
	m.mu.Lock()
	m.view = rec
	m.mu.Unlock()
}

// touch records activity at now and returns the previous activity time.
func (m *Manager) touch(now time.Time) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := m.lastActivity
	m.lastActivity = now
	return last
}

// TokenSource exposes the session as an oauth2.TokenSource, for clients
// built on golang.org/x/oauth2. Tokens inside the refresh window are
// refreshed before they are returned.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, m: m}
}

type tokenSource struct {
	ctx context.Context
	m   *Manager
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	rec := s.m.Current()
	if rec.AccessToken == "" {
		return nil, ErrTokenMissing
	}
	if rec.InWindow(s.m.now(), s.m.cfg.RefreshWindow) {
		out := s.m.coord.RefreshWithRetry(s.ctx)
		if !out.OK() {
			return nil, out.Err
		}
		rec = out.Record
	}
	return &oauth2.Token{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       rec.ExpiresAt,
	}, nil
}
