package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/guardian/internal/core/domain"
)

// CacheTier is a fallback cache tier stored in Redis. Entries expire with
// Redis TTLs; the stored expiry is checked again on read.
type CacheTier struct {
	c   *Client
	now func() time.Time
}

func NewCacheTier(c *Client) *CacheTier {
	return &CacheTier{c: c, now: time.Now}
}

func (t *CacheTier) Level() domain.CacheLevel { return domain.CacheRedis }

func (t *CacheTier) Get(ctx context.Context, key string) (domain.CacheEntry, bool, error) {
	data, err := t.c.rdb.Get(ctx, t.c.cacheKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.CacheEntry{}, false, nil
	}
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("failed to get cache entry: %w", err)
	}

	var e domain.CacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	if e.Expired(t.now()) {
		return domain.CacheEntry{}, false, nil
	}
	e.Level = domain.CacheRedis
	return e, true, nil
}

func (t *CacheTier) Set(ctx context.Context, e domain.CacheEntry) error {
	var ttl time.Duration
	if !e.ExpiresAt.IsZero() {
		ttl = e.ExpiresAt.Sub(t.now())
		if ttl <= 0 {
			return t.Delete(ctx, e.Key)
		}
	}
	e.Level = domain.CacheRedis
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := t.c.rdb.Set(ctx, t.c.cacheKey(e.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

func (t *CacheTier) Delete(ctx context.Context, key string) error {
	return t.c.rdb.Del(ctx, t.c.cacheKey(key)).Err()
}
