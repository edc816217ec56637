package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the record as three key/value rows per origin, the same
// shape a browser gives per-origin local storage. Writes run in a single
// transaction.
type SQLiteStore struct {
	db     *sql.DB
	origin string
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath, origin string) (*SQLiteStore, error) {
	// WAL and a busy timeout let several processes share the file.
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db, origin: origin}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	query := `
	CREATE TABLE IF NOT EXISTS storage (
		origin TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (origin, key)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create storage table: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context) (*TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM storage WHERE origin = ?`, s.origin)
	if err != nil {
		return nil, fmt.Errorf("failed to query storage: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string, 3)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan storage row: %w", err)
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}

	expiresAt, err := time.Parse(time.RFC3339Nano, values[KeyTokenExpiry])
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", KeyTokenExpiry, err)
	}
	return &TokenRecord{
		AccessToken:  values[KeyAccessToken],
		RefreshToken: values[KeyRefreshToken],
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec TokenRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		values := [][2]string{
			{KeyAccessToken, rec.AccessToken},
			{KeyRefreshToken, rec.RefreshToken},
			{KeyTokenExpiry, rec.ExpiresAt.UTC().Format(time.RFC3339Nano)},
		}
		for _, kv := range values {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO storage (origin, key, value) VALUES (?, ?, ?)
				ON CONFLICT(origin, key) DO UPDATE SET value = excluded.value
			`, s.origin, kv[0], kv[1])
			if err != nil {
				return fmt.Errorf("failed to write %s: %w", kv[0], err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM storage WHERE origin = ?`, s.origin)
		return err
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
