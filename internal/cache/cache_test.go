package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"catalog-orders/internal/models"
	"catalog-orders/internal/redisclient"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type counter struct {
	calls int
	stock int
}

func (c *counter) compute(_ context.Context) (*models.ProductPage, error) {
	c.calls++
	return &models.ProductPage{
		Items:   []models.Product{{ID: 1, StockQuantity: c.stock}},
		Page:    1,
		PerPage: 10,
		Total:   1,
	}, nil
}

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisCache(redisclient.NewFromRedis(rdb)), mr
}

func TestListingKeyIsCanonical(t *testing.T) {
	a := ListingKey(models.ProductFilter{CategoryIDs: []int64{3, 1, 3}, CategoryName: " Shoes "}, 10, 1)
	b := ListingKey(models.ProductFilter{CategoryIDs: []int64{1, 3}, CategoryName: "shoes"}, 10, 1)
	assert.Equal(t, a, b)
	assert.Contains(t, a, "products:filters:")
	assert.Contains(t, a, ":perPage:10:page:1")

	assert.NotEqual(t, a, ListingKey(models.ProductFilter{CategoryIDs: []int64{1, 3}}, 10, 1))
	assert.NotEqual(t, a, ListingKey(models.ProductFilter{CategoryIDs: []int64{1, 3}, CategoryName: "shoes"}, 10, 2))
}

func TestMemoryCacheHitAndExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewMemoryCacheWithClock(clock.Now)
	src := &counter{stock: 5}
	ctx := context.Background()

	_, err := c.GetOrCompute(ctx, "k", DefaultTTL, src.compute)
	require.NoError(t, err)
	page, err := c.GetOrCompute(ctx, "k", DefaultTTL, src.compute)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, 5, page.Items[0].StockQuantity)

	clock.Advance(DefaultTTL)
	_, err = c.GetOrCompute(ctx, "k", DefaultTTL, src.compute)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestMemoryCacheInvalidateAll(t *testing.T) {
	c := NewMemoryCache()
	src := &counter{stock: 5}
	ctx := context.Background()

	_, err := c.GetOrCompute(ctx, "k", DefaultTTL, src.compute)
	require.NoError(t, err)

	src.stock = 2
	require.NoError(t, c.InvalidateAll(ctx))
	assert.Equal(t, 0, c.Len())

	page, err := c.GetOrCompute(ctx, "k", DefaultTTL, src.compute)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Items[0].StockQuantity)
	assert.Equal(t, 2, src.calls)
}

func TestMemoryCacheDropsPageComputedAcrossInvalidation(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	stale := func(ctx context.Context) (*models.ProductPage, error) {
		require.NoError(t, c.InvalidateAll(ctx))
		return &models.ProductPage{Total: 99}, nil
	}
	page, err := c.GetOrCompute(ctx, "k", DefaultTTL, stale)
	require.NoError(t, err)
	assert.Equal(t, 99, page.Total)
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCacheDoesNotStoreErrors(t *testing.T) {
	c := NewMemoryCache()
	boom := errors.New("db down")

	_, err := c.GetOrCompute(context.Background(), "k", DefaultTTL, func(context.Context) (*models.ProductPage, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestRedisCacheHitAndInvalidate(t *testing.T) {
	c, mr := newRedisCache(t)
	src := &counter{stock: 5}
	ctx := context.Background()

	_, err := c.GetOrCompute(ctx, "k", DefaultTTL, src.compute)
	require.NoError(t, err)
	page, err := c.GetOrCompute(ctx, "k", DefaultTTL, src.compute)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, 5, page.Items[0].StockQuantity)
	assert.Equal(t, DefaultTTL, mr.TTL(generationScopedKey("k", 0)))

	src.stock = 1
	require.NoError(t, c.InvalidateAll(ctx))

	page, err = c.GetOrCompute(ctx, "k", DefaultTTL, src.compute)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
	assert.Equal(t, 1, page.Items[0].StockQuantity)
	assert.True(t, mr.Exists(generationScopedKey("k", 1)))
}

func TestRedisCacheExpires(t *testing.T) {
	c, mr := newRedisCache(t)
	src := &counter{}
	ctx := context.Background()

	_, err := c.GetOrCompute(ctx, "k", time.Minute, src.compute)
	require.NoError(t, err)

	mr.FastForward(time.Minute)
	_, err = c.GetOrCompute(ctx, "k", time.Minute, src.compute)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestRedisCacheFallsBackWhenUnavailable(t *testing.T) {
	c, mr := newRedisCache(t)
	src := &counter{stock: 3}
	mr.Close()

	page, err := c.GetOrCompute(context.Background(), "k", DefaultTTL, src.compute)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Items[0].StockQuantity)

	assert.Error(t, c.InvalidateAll(context.Background()))
}
