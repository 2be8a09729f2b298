// Package keystore is the shared TTL keyspace for composite session keys.
// Producers (the telephony platform, API endpoints) write keys before or as
// they hand a call over; the authorizer only reads. Keys are stored verbatim:
// the producer-visible composite string is the Redis key.
package keystore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Store is the contract the authorizer consumes. A store error must never be
// reported as "absent"; callers fail closed on uncertainty.
type Store interface {
	Put(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// RedisStore implements Store on a Redis keyspace.
type RedisStore struct {
	client *redis.Client
	log    zerolog.Logger
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, opts Options, log zerolog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Msg("connected to Redis")

	return &RedisStore{client: rdb, log: log}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Client exposes the underlying connection so other keyspaces (the
// correlation map) can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Put stores a key with the given TTL. Last write wins; producers may write
// the same key more than once.
func (s *RedisStore) Put(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session key: %w", err)
	}
	return nil
}

// Exists reports whether the key is present and unexpired. Redis TTL expiry
// is the only deletion mechanism for producer-written keys.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check session key: %w", err)
	}
	return n > 0, nil
}

// Delete removes a key. Not used in the authorization path; kept for
// producer-side cleanup and tests.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete session key: %w", err)
	}
	return nil
}
