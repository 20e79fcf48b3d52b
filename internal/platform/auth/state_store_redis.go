package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStateStore is a Redis-backed StateStore. States are JSON values keyed
// by nonce with a TTL matching their expiry. Consume uses GETDEL so exactly
// one caller can ever obtain a given state; a short-lived marker key is then
// written so later attempts are reported as replays rather than unknowns.
type RedisStateStore struct {
	client  redis.UniversalClient
	nowFunc func() time.Time
}

// NewRedisStateStore creates a state store connected to the given
// redis:// URL.
func NewRedisStateStore(redisURL string) (*RedisStateStore, error) {
	client, err := newRedisClient(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisStateStore{client: client, nowFunc: time.Now}, nil
}

// NewRedisStateStoreWithClient creates a state store with a pre-configured
// client. This is useful for testing with miniredis.
func NewRedisStateStoreWithClient(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client, nowFunc: time.Now}
}

// Ping checks Redis connectivity (health check).
func (s *RedisStateStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (s *RedisStateStore) Close() error {
	return s.client.Close()
}

// Save stores the authorization state under its nonce, expiring at
// st.ExpiresAt.
func (s *RedisStateStore) Save(ctx context.Context, st *AuthorizationState) error {
	ttl := st.ExpiresAt.Sub(s.nowFunc())
	if ttl <= 0 {
		return fmt.Errorf("authorization state already expired")
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal authorization state: %w", err)
	}
	if err := s.client.Set(ctx, redisStateKeyPrefix+st.State, data, ttl).Err(); err != nil {
		return fmt.Errorf("save authorization state: %w", err)
	}
	return nil
}

// Consume atomically retrieves and removes the state for the given nonce.
// GETDEL guarantees a single winner under concurrent callbacks. Returns
// (nil, nil) for unknown or expired nonces and ErrStateConsumed when the
// nonce was already used.
//
// The replay marker is written after the GETDEL, so a caller racing the
// winner within that window sees the nonce as unknown rather than consumed.
// Both outcomes reject the callback; only the error class differs.
func (s *RedisStateStore) Consume(ctx context.Context, state string) (*AuthorizationState, error) {
	data, err := s.client.GetDel(ctx, redisStateKeyPrefix+state).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			n, exErr := s.client.Exists(ctx, redisConsumedKeyPrefix+state).Result()
			if exErr == nil && n > 0 {
				return nil, ErrStateConsumed
			}
			return nil, nil
		}
		return nil, fmt.Errorf("consume authorization state: %w", err)
	}

	st := &AuthorizationState{}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("unmarshal authorization state: %w", err)
	}

	now := s.nowFunc()
	if now.After(st.ExpiresAt) {
		// Redis TTL had not fired yet; treat the same as an expired miss.
		return nil, nil
	}

	// Tombstone lives as long as the state would have, so replays inside the
	// original window are distinguishable from never-issued nonces.
	if ttl := st.ExpiresAt.Sub(now); ttl > 0 {
		if err := s.client.Set(ctx, redisConsumedKeyPrefix+state, "1", ttl).Err(); err != nil {
			return nil, fmt.Errorf("mark authorization state consumed: %w", err)
		}
	}
	return st, nil
}

// Cleanup is a no-op for Redis: key TTLs expire both states and replay
// markers server-side.
func (s *RedisStateStore) Cleanup(ctx context.Context) (int, error) {
	return 0, nil
}
