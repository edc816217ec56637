package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the record in one Redis hash per origin. HSET writes the
// three fields in a single command and DEL removes them together.
type RedisStore struct {
	rdb *redis.Client
	key string
}

// NewRedisStore returns a RedisStore for origin.
func NewRedisStore(rdb *redis.Client, origin string) *RedisStore {
	return &RedisStore{rdb: rdb, key: "session:" + origin}
}

func (s *RedisStore) Load(ctx context.Context) (*TokenRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis hgetall %s: %w", s.key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, fields[KeyTokenExpiry])
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", KeyTokenExpiry, err)
	}
	return &TokenRecord{
		AccessToken:  fields[KeyAccessToken],
		RefreshToken: fields[KeyRefreshToken],
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *RedisStore) Save(ctx context.Context, rec TokenRecord) error {
	err := s.rdb.HSet(ctx, s.key,
		KeyAccessToken, rec.AccessToken,
		KeyRefreshToken, rec.RefreshToken,
		KeyTokenExpiry, rec.ExpiresAt.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("redis hset %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", s.key, err)
	}
	return nil
}
