package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/keys"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
)

const (
	defaultCacheTTL = 10 * time.Minute
	scanBatchSize   = 100
)

// Cache keeps recent raw category payloads so manual runs and prefetch
// can skip a paid provider call.
type Cache struct {
	client *redis.Client
	keys   keys.Keys
	ttl    time.Duration
	logger logger.Logger
}

// NewCache creates a payload cache. A non-positive ttl falls back to 10m.
func NewCache(client *redis.Client, k keys.Keys, ttl time.Duration, log logger.Logger) *Cache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Cache{client: client, keys: k, ttl: ttl, logger: log}
}

// Get returns the cached payload for category, if any.
func (c *Cache) Get(ctx context.Context, category string) ([]byte, bool, error) {
	body, err := c.client.Get(ctx, c.keys.ProviderCache(category)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached payload: %w", err)
	}
	return body, true, nil
}

// Set stores body for category.
func (c *Cache) Set(ctx context.Context, category string, body []byte) error {
	if err := c.client.Set(ctx, c.keys.ProviderCache(category), body, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache payload: %w", err)
	}
	return nil
}

// Clear deletes every cached payload and returns how many were removed.
func (c *Cache) Clear(ctx context.Context) (int64, error) {
	var (
		cursor  uint64
		removed int64
	)
	pattern := c.keys.ProviderCachePattern()

	for {
		batch, next, err := c.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return removed, fmt.Errorf("scan cache keys: %w", err)
		}
		if len(batch) > 0 {
			n, delErr := c.client.Del(ctx, batch...).Result()
			if delErr != nil {
				return removed, fmt.Errorf("delete cache keys: %w", delErr)
			}
			removed += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	c.logger.Info("Cleared provider cache", logger.Int64("removed", removed))
	return removed, nil
}
