// redis.go -- go-redis client for the session validity cache.
//
// Caches {user_id, valid} per session id with a TTL.
// Fast path for access-token resolution; Postgres stays the source of truth.
// Repopulation uses SET NX so a stale read can never overwrite a tombstone;
// invalidation writes the tombstone with a plain SET.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses redisURL, connects and pings.
// Call once at startup; the client is shared by the session cache and the mail queue.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	rdb := redis.NewClient(opt)

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return rdb, nil
}

func sessionKey(id uuid.UUID) string {
	return fmt.Sprintf("session:%s", id)
}

// RedisSessionCache is the Redis-backed session validity cache.
type RedisSessionCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisSessionCache wraps rdb. Entries expire after ttl.
func NewRedisSessionCache(rdb *redis.Client, ttl time.Duration) *RedisSessionCache {
	return &RedisSessionCache{rdb: rdb, ttl: ttl}
}

// GetSession returns the cached entry for id.
// Returns ErrCacheMiss if the key is absent.
func (c *RedisSessionCache) GetSession(ctx context.Context, id uuid.UUID) (*CachedSession, error) {
	raw, err := c.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("fetching session: %w", err)
	}

	var cached CachedSession
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, fmt.Errorf("parsing session: %w", err)
	}
	return &cached, nil
}

// SetSessionIfAbsent caches entry only when no key exists for id.
// Returns true if the entry was written.
func (c *RedisSessionCache) SetSessionIfAbsent(ctx context.Context, id uuid.UUID, entry CachedSession) (bool, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("marshaling session: %w", err)
	}
	ok, err := c.rdb.SetNX(ctx, sessionKey(id), raw, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("caching session: %w", err)
	}
	return ok, nil
}

// TombstoneSession overwrites the entry for id with {valid:false}.
func (c *RedisSessionCache) TombstoneSession(ctx context.Context, id, userID uuid.UUID) error {
	raw, err := json.Marshal(CachedSession{UserID: userID, Valid: false})
	if err != nil {
		return fmt.Errorf("marshaling tombstone: %w", err)
	}
	if err := c.rdb.Set(ctx, sessionKey(id), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("writing tombstone: %w", err)
	}
	return nil
}

// CheckHealth pings Redis.
func (c *RedisSessionCache) CheckHealth(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// NoopSessionCache is used when REDIS_URL is empty. Every read misses and
// every write is a no-op, so all lookups go to Postgres.
type NoopSessionCache struct{}

func (NoopSessionCache) GetSession(context.Context, uuid.UUID) (*CachedSession, error) {
	return nil, ErrCacheDisabled
}

func (NoopSessionCache) SetSessionIfAbsent(context.Context, uuid.UUID, CachedSession) (bool, error) {
	return false, nil
}

func (NoopSessionCache) TombstoneSession(context.Context, uuid.UUID, uuid.UUID) error {
	return nil
}

// CheckHealth reports ErrCacheDisabled so /health can show "disabled".
func (NoopSessionCache) CheckHealth(context.Context) error {
	return ErrCacheDisabled
}
