// Package cache provides a Redis read-through cache for resolved links.
// Cache failures are reported to the caller, which treats them as a miss;
// the database stays the source of truth.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linklab/linklab/internal/models"
)

const keyPrefix = "url:"

type LinkCache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *LinkCache {
	return &LinkCache{
		client: client,
		ttl:    ttl,
	}
}

// Get returns the cached URL for shortCode, or nil on a miss.
func (c *LinkCache) Get(ctx context.Context, shortCode string) (*models.URL, error) {
	const op = "cache.LinkCache.Get"

	data, err := c.client.Get(ctx, keyPrefix+shortCode).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("%s: failed to get url: %w", op, err)
	}

	url := new(models.URL)
	if err := json.Unmarshal(data, url); err != nil {
		return nil, fmt.Errorf("%s: failed to unmarshal url: %w", op, err)
	}

	return url, nil
}

func (c *LinkCache) Set(ctx context.Context, url *models.URL) error {
	const op = "cache.LinkCache.Set"

	data, err := json.Marshal(url)
	if err != nil {
		return fmt.Errorf("%s: failed to marshal url: %w", op, err)
	}

	ttl, ok := c.ttlFor(url, time.Now())
	if !ok {
		return nil
	}

	if err := c.client.Set(ctx, keyPrefix+url.ShortCode, data, ttl).Err(); err != nil {
		return fmt.Errorf("%s: failed to set url: %w", op, err)
	}

	return nil
}

// ttlFor returns the TTL to cache url with, capped at its expiry.
// A cached copy must not outlive the link; urls at or past their expiry
// are not cached at all.
func (c *LinkCache) ttlFor(url *models.URL, now time.Time) (time.Duration, bool) {
	ttl := c.ttl

	if url.ExpiresAt != nil {
		until := url.ExpiresAt.Sub(now)
		if until <= 0 {
			return 0, false
		}
		if until < ttl {
			ttl = until
		}
	}

	return ttl, true
}

func (c *LinkCache) Delete(ctx context.Context, shortCode string) error {
	const op = "cache.LinkCache.Delete"

	if err := c.client.Del(ctx, keyPrefix+shortCode).Err(); err != nil {
		return fmt.Errorf("%s: failed to delete url: %w", op, err)
	}

	return nil
}
