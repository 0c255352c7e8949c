// Package cache wraps Redis with the gateway's typed accessors: rolling
// conversation windows, transfer stickiness, distributed locks, fixed-window
// rate counters and the various cached documents.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"golang.org/x/sync/semaphore"
)

// Cache is the gateway's Redis facade. A weighted semaphore caps concurrent
// commands so one burst cannot exhaust the pool.
type Cache struct {
	rdb redis.Cmdable
	sem *semaphore.Weighted
}

// New builds a Cache. maxConcurrent <= 0 disables the cap.
func New(rdb redis.Cmdable, maxConcurrent int64) *Cache {
	c := &Cache{rdb: rdb}
	if maxConcurrent > 0 {
		c.sem = semaphore.NewWeighted(maxConcurrent)
	}
	return c
}

func (c *Cache) acquire(ctx context.Context) (func(), error) {
	if c.sem == nil {
		return func() {}, nil
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { c.sem.Release(1) }, nil
}

// Get returns the raw value for key, reporting presence separately from
// errors.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return "", false, err
	}
	defer release()

	v, err := c.rdb.Get(ctx, Prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set stores a raw value with a TTL.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return c.rdb.Set(ctx, Prefix+key, value, ttl).Err()
}

// SetJSON stores v JSON-encoded with a TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Set(ctx, key, string(b), ttl)
}

// GetJSON decodes the value at key into dst, reporting presence.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Delete removes keys. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = Prefix + k
	}
	return c.rdb.Del(ctx, full...).Err()
}

// Expire resets the TTL on an existing key.
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return c.rdb.Expire(ctx, Prefix+key, ttl).Err()
}

// TTL returns the remaining lifetime of key.
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	return c.rdb.TTL(ctx, Prefix+key).Result()
}

// Keys returns the stored names (prefix stripped) matching pattern.
func (c *Cache) Keys(ctx context.Context, pattern string) ([]string, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	full, err := c.rdb.Keys(ctx, Prefix+pattern).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(full))
	for _, k := range full {
		if len(k) >= len(Prefix) {
			out = append(out, k[len(Prefix):])
		}
	}
	return out, nil
}

// AcquireLock takes a distributed lock with SET NX EX. It returns false when
// another holder owns the lock.
func (c *Cache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	if ttl <= 0 {
		ttl = LockTTL
	}
	return c.rdb.SetNX(ctx, Prefix+key, "locked", ttl).Result()
}

// ReleaseLock drops a held lock.
func (c *Cache) ReleaseLock(ctx context.Context, key string) error {
	return c.Delete(ctx, key)
}

// RateLimitError reports a rejected request and how long to back off.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many requests for %s", e.Key)
}

// RateLimit counts a request against a fixed one-minute window and rejects
// once points is exceeded.
func (c *Cache) RateLimit(ctx context.Context, id string, points int64) error {
	if id == "" {
		return nil
	}
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	key := Prefix + RateLimitKey(id)
	count, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	if count == 1 {
		if err := c.rdb.Expire(ctx, key, RateWindow).Err(); err != nil {
			log.Errorf(ctx, err, "set rate window for %s", id)
		}
	}
	if count > points {
		ttl, err := c.rdb.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			ttl = RateWindow
		}
		return &RateLimitError{Key: id, RetryAfter: ttl}
	}
	return nil
}

// IncrByFloat adds delta to a numeric key, creating it when absent.
func (c *Cache) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	return c.rdb.IncrByFloat(ctx, Prefix+key, delta).Result()
}

// Touch records the current time under a last-used key. Failures are logged,
// not returned: freshness bookkeeping never fails a request.
func (c *Cache) Touch(ctx context.Context, key string) {
	if err := c.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), 0); err != nil {
		log.Errorf(ctx, err, "touch %s", key)
	}
}
