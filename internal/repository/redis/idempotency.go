// Package redis provides the cache tier of the idempotency store. The
// durable records live in PostgreSQL; this package holds the hot replay
// cache and the short-lived in-flight locks in front of it.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/utafrali/identity/internal/domain"
	apperrors "github.com/utafrali/identity/pkg/errors"
)

const (
	recordKeyPrefix = "idem:rec:"
	lockKeyPrefix   = "idem:lock:"
)

// IdempotencyCache caches completed idempotency records and holds in-flight
// locks in Redis.
type IdempotencyCache struct {
	client  *redis.Client
	ttl     time.Duration
	lockTTL time.Duration
}

// NewIdempotencyCache creates a new Redis-backed idempotency cache. ttl bounds
// how long replays are served from cache; lockTTL bounds how long an in-flight
// lock can outlive a crashed holder.
func NewIdempotencyCache(client *redis.Client, ttl, lockTTL time.Duration) *IdempotencyCache {
	return &IdempotencyCache{
		client:  client,
		ttl:     ttl,
		lockTTL: lockTTL,
	}
}

// Get retrieves a cached record by idempotency key.
func (c *IdempotencyCache) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	data, err := c.client.Get(ctx, recordKeyPrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, apperrors.NotFound("idempotency_record", key)
		}
		return nil, fmt.Errorf("redis get idempotency record: %w", err)
	}

	var rec domain.IdempotencyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal idempotency record: %w", err)
	}

	return &rec, nil
}

// Set caches a completed record with the configured TTL.
func (c *IdempotencyCache) Set(ctx context.Context, rec *domain.IdempotencyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}

	ttl := c.ttl
	if remaining := time.Until(rec.ExpiresAt); remaining > 0 && remaining < ttl {
		ttl = remaining
	}

	if err := c.client.Set(ctx, recordKeyPrefix+rec.IdempotencyKey, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set idempotency record: %w", err)
	}

	return nil
}

// AcquireLock claims the in-flight lock for the key. It returns false when
// another request already holds it.
func (c *IdempotencyCache) AcquireLock(ctx context.Context, key, fingerprint string) (bool, error) {
	ok, err := c.client.SetNX(ctx, lockKeyPrefix+key, fingerprint, c.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis acquire idempotency lock: %w", err)
	}

	return ok, nil
}

// ReleaseLock releases the in-flight lock. Releasing a lock that already
// expired is a no-op.
func (c *IdempotencyCache) ReleaseLock(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, lockKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis release idempotency lock: %w", err)
	}

	return nil
}

// LockHolder returns the fingerprint stored by the current lock holder, or
// "" when the lock is free.
func (c *IdempotencyCache) LockHolder(ctx context.Context, key string) (string, error) {
	fp, err := c.client.Get(ctx, lockKeyPrefix+key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("redis get idempotency lock: %w", err)
	}

	return fp, nil
}
