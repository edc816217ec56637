package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// fileEntry is the on-disk shape of one origin's record.
type fileEntry struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenExpiry  string `json:"tokenExpiry"`
}

// fileMap is the whole token file: one entry per origin, so several
// applications can share a file without clobbering each other.
type fileMap struct {
	Tokens map[string]*fileEntry `json:"tokens"`
}

// FileStore persists records in a JSON file shared by every process of the
// same user. Writes hold a lock file and replace the file atomically, so a
// concurrent reader sees either the previous or the next triple.
type FileStore struct {
	path   string
	origin string
	log    zerolog.Logger
}

// NewFileStore returns a FileStore for origin backed by path.
func NewFileStore(path, origin string, log zerolog.Logger) *FileStore {
	return &FileStore{path: path, origin: origin, log: log}
}

// Path returns the token file location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(_ context.Context) (*TokenRecord, error) {
	m, err := s.readMap()
	if err != nil {
		return nil, err
	}
	entry, ok := m.Tokens[s.origin]
	if !ok || entry == nil {
		return nil, nil
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, entry.TokenExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s for %s: %w", KeyTokenExpiry, s.origin, err)
	}
	return &TokenRecord{
		AccessToken:  entry.AccessToken,
		RefreshToken: entry.RefreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *FileStore) Save(ctx context.Context, rec TokenRecord) error {
	return s.update(ctx, func(m *fileMap) {
		m.Tokens[s.origin] = &fileEntry{
			AccessToken:  rec.AccessToken,
			RefreshToken: rec.RefreshToken,
			TokenExpiry:  rec.ExpiresAt.UTC().Format(time.RFC3339Nano),
		}
	})
}

func (s *FileStore) Clear(ctx context.Context) error {
	return s.update(ctx, func(m *fileMap) {
		delete(m.Tokens, s.origin)
	})
}

// readMap loads the whole file. A missing file is an empty map.
func (s *FileStore) readMap() (*fileMap, error) {
	m := &fileMap{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.Tokens = make(map[string]*fileEntry)
			return m, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	if m.Tokens == nil {
		m.Tokens = make(map[string]*fileEntry)
	}
	return m, nil
}

// update applies fn to the file contents under the file lock.
func (s *FileStore) update(ctx context.Context, fn func(*fileMap)) error {
	lock, err := acquireFileLock(ctx, s.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			s.log.Warn().Err(releaseErr).Str("path", s.path).Msg("failed to release token file lock")
		}
	}()

	// Re-read inside the lock; a corrupt file starts over empty.
	m, err := s.readMap()
	if err != nil {
		m = &fileMap{Tokens: make(map[string]*fileEntry)}
	}
	fn(m)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, s.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
