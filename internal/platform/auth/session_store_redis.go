package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	redisDialTimeout  = 5 * time.Second
	redisReadTimeout  = 3 * time.Second
	redisWriteTimeout = 3 * time.Second
)

// Key prefixes for the record kinds sharing one Redis database.
const (
	redisSessionKeyPrefix  = "smartlaunch:session:"
	redisStateKeyPrefix    = "smartlaunch:state:"
	redisConsumedKeyPrefix = "smartlaunch:state:consumed:"
)

// newRedisClient builds a client from a redis:// URL with the default
// operation timeouts applied.
func newRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.DialTimeout = redisDialTimeout
	opts.ReadTimeout = redisReadTimeout
	opts.WriteTimeout = redisWriteTimeout
	return redis.NewClient(opts), nil
}

// RedisSessionStore is a Redis-backed SessionStore. Sessions are stored as
// JSON values whose key TTL slides forward on every Put; Redis expiry does
// the garbage collection.
type RedisSessionStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisSessionStore creates a session store connected to the given
// redis:// URL.
func NewRedisSessionStore(redisURL string, ttl time.Duration) (*RedisSessionStore, error) {
	client, err := newRedisClient(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisSessionStore{client: client, ttl: ttl}, nil
}

// NewRedisSessionStoreWithClient creates a session store with a
// pre-configured client. This is useful for testing with miniredis.
func NewRedisSessionStoreWithClient(client redis.UniversalClient, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{client: client, ttl: ttl}
}

// Ping checks Redis connectivity (health check).
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

// Get retrieves a session by id. Returns (nil, nil) when absent or expired.
func (s *RedisSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, redisSessionKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	sess := &Session{}
	if err := json.Unmarshal(data, sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return sess, nil
}

// Put stores the session whole under its key with the sliding TTL. SET
// replaces the value atomically: readers see either the old record or the
// new one, never a partial token.
func (s *RedisSessionStore) Put(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, redisSessionKeyPrefix+sess.ID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// Delete removes the session.
func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, redisSessionKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
