package session

import (
	"context"
	"fmt"
	"time"
)

// Persisted key names of the shared token record.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyTokenExpiry  = "tokenExpiry"
)

// TokenRecord is the canonical persisted triple. ExpiresAt always equals the
// exp claim of AccessToken.
type TokenRecord struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"tokenExpiry"`
}

// IsZero reports whether the record is empty (cleared).
func (r TokenRecord) IsZero() bool {
	return r.AccessToken == "" && r.RefreshToken == "" && r.ExpiresAt.IsZero()
}

// Equal compares two records field by field.
func (r TokenRecord) Equal(o TokenRecord) bool {
	return r.AccessToken == o.AccessToken &&
		r.RefreshToken == o.RefreshToken &&
		r.ExpiresAt.Equal(o.ExpiresAt)
}

// InWindow reports whether the access token expires within window of now.
func (r TokenRecord) InWindow(now time.Time, window time.Duration) bool {
	return !now.Add(window).Before(r.ExpiresAt)
}

// Store persists one TokenRecord per origin. Implementations must write and
// clear all three fields as a single operation so no reader can observe a
// mixed state. Load returns (nil, nil) when nothing is stored.
type Store interface {
	Load(ctx context.Context) (*TokenRecord, error)
	Save(ctx context.Context, rec TokenRecord) error
	Clear(ctx context.Context) error
}

// TokenStore applies the record invariants on top of a Store backend.
type TokenStore struct {
	backend Store
}

// NewTokenStore wraps backend.
func NewTokenStore(backend Store) *TokenStore {
	return &TokenStore{backend: backend}
}

// Get returns the stored record, or ErrTokenMissing when there is none.
func (s *TokenStore) Get(ctx context.Context) (*TokenRecord, error) {
	rec, err := s.backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}
	if rec == nil || rec.AccessToken == "" || rec.RefreshToken == "" {
		return nil, ErrTokenMissing
	}
	return rec, nil
}

// Set stores accessToken with its decoded expiry. An empty refreshToken keeps
// the currently stored refresh token (servers that do not rotate it).
func (s *TokenStore) Set(ctx context.Context, accessToken, refreshToken string) (TokenRecord, error) {
	expiresAt, err := DecodeExpiry(accessToken)
	if err != nil {
		return TokenRecord{}, err
	}

	if refreshToken == "" {
		current, err := s.backend.Load(ctx)
		if err != nil {
			return TokenRecord{}, fmt.Errorf("failed to load tokens: %w", err)
		}
		if current == nil || current.RefreshToken == "" {
			return TokenRecord{}, fmt.Errorf("%w: no refresh token to keep", ErrTokenMissing)
		}
		refreshToken = current.RefreshToken
	}

	rec := TokenRecord{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}
	if err := s.backend.Save(ctx, rec); err != nil {
		return TokenRecord{}, fmt.Errorf("failed to save tokens: %w", err)
	}
	return rec, nil
}

// Put stores a complete record after checking its expiry against the token.
func (s *TokenStore) Put(ctx context.Context, rec TokenRecord) error {
	expiresAt, err := DecodeExpiry(rec.AccessToken)
	if err != nil {
		return err
	}
	rec.ExpiresAt = expiresAt
	if err := s.backend.Save(ctx, rec); err != nil {
		return fmt.Errorf("failed to save tokens: %w", err)
	}
	return nil
}

// Clear removes all three fields together.
func (s *TokenStore) Clear(ctx context.Context) error {
	if err := s.backend.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear tokens: %w", err)
	}
	return nil
}

// DecodeExpiry is exposed on the store for callers that only hold a TokenStore.
func (s *TokenStore) DecodeExpiry(token string) (time.Time, error) {
	return DecodeExpiry(token)
}
