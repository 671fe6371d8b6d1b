package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"catalog-orders/internal/models"
	"catalog-orders/internal/redisclient"
	"catalog-orders/internal/util"

	"go.uber.org/zap"
)

const generationKey = "products:generation"

// RedisCache is a ListingCache shared by every instance through Redis.
//
// Entries are stored under the namespace generation current when their
// computation started; InvalidateAll bumps the generation so older entries
// are never read again and simply expire.
type RedisCache struct {
	client *redisclient.Client
	logger *zap.Logger
}

var _ ListingCache = (*RedisCache)(nil)

// NewRedisCache creates a listing cache backed by client
func NewRedisCache(client *redisclient.Client) *RedisCache {
	return &RedisCache{
		client: client,
		logger: util.GetLogger(),
	}
}

func generationScopedKey(key string, generation int64) string {
	return fmt.Sprintf("%s:gen:%d", key, generation)
}

// GetOrCompute implements ListingCache. Redis failures degrade to computing
// the listing directly.
func (c *RedisCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) (*models.ProductPage, error) {
	generation, err := c.client.Counter(ctx, generationKey)
	if err != nil {
		c.logger.Warn("Listing cache unavailable, computing directly", zap.Error(err))
		util.ListingCacheRequests.WithLabelValues("error").Inc()
		return compute(ctx)
	}

	scoped := generationScopedKey(key, generation)

	raw, err := c.client.Get(ctx, scoped)
	switch {
	case err == nil:
		var page models.ProductPage
		jsonErr := json.Unmarshal(raw, &page)
		if jsonErr == nil {
			util.ListingCacheRequests.WithLabelValues("hit").Inc()
			return &page, nil
		}
		c.logger.Warn("Discarding undecodable cached listing", zap.String("key", scoped), zap.Error(jsonErr))
	case errors.Is(err, redisclient.ErrMiss):
	default:
		c.logger.Warn("Listing cache read failed", zap.String("key", scoped), zap.Error(err))
	}
	util.ListingCacheRequests.WithLabelValues("miss").Inc()

	page, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(page)
	if err != nil {
		c.logger.Error("Failed to encode listing for cache", zap.Error(err))
		return page, nil
	}
	if err := c.client.Set(ctx, scoped, payload, ttl); err != nil {
		c.logger.Warn("Listing cache write failed", zap.String("key", scoped), zap.Error(err))
	}

	return page, nil
}

// InvalidateAll implements ListingCache
func (c *RedisCache) InvalidateAll(ctx context.Context) error {
	if _, err := c.client.Incr(ctx, generationKey); err != nil {
		return fmt.Errorf("invalidate listing cache: %w", err)
	}
	util.ListingCacheInvalidations.Inc()
	return nil
}
