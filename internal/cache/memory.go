package cache

import (
	"context"
	"sync"
	"time"

	"catalog-orders/internal/models"
	"catalog-orders/internal/util"
)

type memoryEntry struct {
	page       *models.ProductPage
	generation uint64
	expiresAt  time.Time
}

// MemoryCache is a process-local ListingCache
type MemoryCache struct {
	mu         sync.RWMutex
	generation uint64
	entries    map[string]memoryEntry
	now        func() time.Time
}

var _ ListingCache = (*MemoryCache)(nil)

// NewMemoryCache creates an empty in-process cache
func NewMemoryCache() *MemoryCache {
	return NewMemoryCacheWithClock(time.Now)
}

// NewMemoryCacheWithClock creates a cache that reads time from now
func NewMemoryCacheWithClock(now func() time.Time) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     now,
	}
}

// GetOrCompute implements ListingCache. Returned pages are shared with the
// cache and must not be modified.
func (c *MemoryCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) (*models.ProductPage, error) {
	c.mu.RLock()
	generation := c.generation
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && entry.generation == generation && c.now().Before(entry.expiresAt) {
		util.ListingCacheRequests.WithLabelValues("hit").Inc()
		return entry.page, nil
	}
	util.ListingCacheRequests.WithLabelValues("miss").Inc()

	page, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// An invalidation ran while computing; the page may predate it.
	if c.generation == generation {
		c.entries[key] = memoryEntry{
			page:       page,
			generation: generation,
			expiresAt:  c.now().Add(ttl),
		}
	}
	c.mu.Unlock()

	return page, nil
}

// InvalidateAll implements ListingCache
func (c *MemoryCache) InvalidateAll(_ context.Context) error {
	c.mu.Lock()
	c.generation++
	c.entries = make(map[string]memoryEntry)
	c.mu.Unlock()

	util.ListingCacheInvalidations.Inc()
	return nil
}

// Len returns the number of stored entries, expired ones included
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
