package breaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store shares OPEN state between processes. An entry lives for the reset
// timeout, so an expired key means the integration may be probed again.
type Store interface {
	MarkOpen(ctx context.Context, name string, openedAt time.Time, ttl time.Duration) error
	OpenedAt(ctx context.Context, name string) (time.Time, bool, error)
	Clear(ctx context.Context, name string) error
}

// RedisStore is a Store backed by Redis keys with a TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "rcm:breaker:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(name string) string { return s.prefix + name }

func (s *RedisStore) MarkOpen(ctx context.Context, name string, openedAt time.Time, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(name), openedAt.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("redis set breaker %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) OpenedAt(ctx context.Context, name string) (time.Time, bool, error) {
	v, err := s.client.Get(ctx, s.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis get breaker %s: %w", name, err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis breaker %s: bad value %q", name, v)
	}
	return time.UnixMilli(ms), true, nil
}

func (s *RedisStore) Clear(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, s.key(name)).Err(); err != nil {
		return fmt.Errorf("redis del breaker %s: %w", name, err)
	}
	return nil
}
