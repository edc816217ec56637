package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// remoteHandler is what the Synchronizer drives when another context changed
// the shared record.
type remoteHandler interface {
	adoptRemote(rec TokenRecord)
	remoteLogout()
}

// Synchronizer connects one context to the Bus. Events published by the
// same context are ignored so a write never echoes back.
type Synchronizer struct {
	id      string
	bus     Bus
	tokens  *TokenStore
	handler remoteHandler
	metrics *Metrics
	log     zerolog.Logger
}

func newSynchronizer(
	id string,
	bus Bus,
	tokens *TokenStore,
	handler remoteHandler,
	metrics *Metrics,
	log zerolog.Logger,
) *Synchronizer {
	return &Synchronizer{
		id:      id,
		bus:     bus,
		tokens:  tokens,
		handler: handler,
		metrics: metrics,
		log:     log,
	}
}

// Run subscribes and dispatches events until ctx is done. ready is closed
// once the subscription is live.
func (s *Synchronizer) Run(ctx context.Context, ready chan<- struct{}) error {
	events, err := s.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to session events: %w", err)
	}
	close(ready)

	for ev := range events {
		s.handle(ev)
	}
	return nil
}

func (s *Synchronizer) handle(ev Event) {
	if ev.Source != "" && ev.Source == s.id {
		return
	}

	rec := ev.Record
	if rec.AccessToken == "" || rec.RefreshToken == "" {
		s.metrics.RemoteEvents.WithLabelValues("logout").Inc()
		s.log.Info().Str("source", ev.Source).Msg("session ended in another context")
		s.handler.remoteLogout()
		return
	}

	// Expiry is always re-derived from the token itself.
	expiresAt, err := DecodeExpiry(rec.AccessToken)
	if err != nil {
		s.log.Warn().Err(err).Str("source", ev.Source).Msg("ignoring remote update with undecodable token")
		return
	}
	rec.ExpiresAt = expiresAt

	s.metrics.RemoteEvents.WithLabelValues("update").Inc()
	s.handler.adoptRemote(rec)
}

// BroadcastTokenUpdate writes rec through the TokenStore and announces it
// to the other contexts.
func (s *Synchronizer) BroadcastTokenUpdate(ctx context.Context, rec TokenRecord) error {
	if err := s.tokens.Put(ctx, rec); err != nil {
		return err
	}
	expiresAt, _ := DecodeExpiry(rec.AccessToken)
	rec.ExpiresAt = expiresAt
	return s.publish(ctx, rec)
}

// BroadcastLogout clears the TokenStore and announces the logout.
func (s *Synchronizer) BroadcastLogout(ctx context.Context) error {
	if err := s.tokens.Clear(ctx); err != nil {
		return err
	}
	return s.publish(ctx, TokenRecord{})
}

// announce publishes a record that is already persisted, e.g. by the
// Coordinator.
func (s *Synchronizer) announce(ctx context.Context, rec TokenRecord) {
	if err := s.publish(ctx, rec); err != nil {
		s.log.Warn().Err(err).Msg("failed to publish session event")
	}
}

func (s *Synchronizer) publish(ctx context.Context, rec TokenRecord) error {
	ev := Event{Source: s.id, Record: rec, At: time.Now()}
	if err := s.bus.Publish(ctx, ev); err != nil {
		return fmt.Errorf("failed to publish session event: %w", err)
	}
	return nil
}
