package service

import (
	"context"
	"sync"
	"testing"

	"catalog-orders/internal/cache"
	"catalog-orders/internal/models"
	"catalog-orders/internal/store"
	"catalog-orders/internal/store/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type stockCall struct {
	op        string
	productID int64
	quantity  int
}

// recordingStore records every reservation and release made inside
// transactions and can be told to fail order persistence
type recordingStore struct {
	*memory.Store

	mu         sync.Mutex
	calls      []stockCall
	failCreate error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{Store: memory.NewStore()}
}

func (s *recordingStore) RunInTx(ctx context.Context, fn func(ctx context.Context, repo store.Repository) error) error {
	return s.Store.RunInTx(ctx, func(ctx context.Context, repo store.Repository) error {
		return fn(ctx, &recordingRepo{Repository: repo, parent: s})
	})
}

func (s *recordingStore) record(op string, productID int64, quantity int) {
	s.mu.Lock()
	s.calls = append(s.calls, stockCall{op: op, productID: productID, quantity: quantity})
	s.mu.Unlock()
}

func (s *recordingStore) recorded() []stockCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stockCall(nil), s.calls...)
}

type recordingRepo struct {
	store.Repository
	parent *recordingStore
}

func (r *recordingRepo) ReserveStock(ctx context.Context, productID int64, quantity int) (*models.Product, error) {
	r.parent.record("reserve", productID, quantity)
	return r.Repository.ReserveStock(ctx, productID, quantity)
}

func (r *recordingRepo) ReleaseStock(ctx context.Context, productID int64, quantity int) error {
	r.parent.record("release", productID, quantity)
	return r.Repository.ReleaseStock(ctx, productID, quantity)
}

func (r *recordingRepo) CreateOrderWithLines(ctx context.Context, order *models.Order, lines []models.OrderLine) (*models.Order, error) {
	if r.parent.failCreate != nil {
		return nil, r.parent.failCreate
	}
	return r.Repository.CreateOrderWithLines(ctx, order, lines)
}

// recordingPublisher keeps published events in memory
type recordingPublisher struct {
	mu      sync.Mutex
	placed  []*models.OrderPlacedEvent
	catalog []*models.CatalogChangedEvent
	err     error
}

func (p *recordingPublisher) PublishOrderPlaced(_ context.Context, event *models.OrderPlacedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placed = append(p.placed, event)
	return p.err
}

func (p *recordingPublisher) PublishCatalogChanged(_ context.Context, event *models.CatalogChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.catalog = append(p.catalog, event)
	return p.err
}

func (p *recordingPublisher) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.placed), len(p.catalog)
}

// countingCache counts invalidations on top of a real memory cache
type countingCache struct {
	*cache.MemoryCache

	mu            sync.Mutex
	invalidations int
}

func newCountingCache() *countingCache {
	return &countingCache{MemoryCache: cache.NewMemoryCache()}
}

func (c *countingCache) InvalidateAll(ctx context.Context) error {
	c.mu.Lock()
	c.invalidations++
	c.mu.Unlock()
	return c.MemoryCache.InvalidateAll(ctx)
}

func (c *countingCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidations
}

type productSeeder interface {
	UpsertProduct(ctx context.Context, product *models.Product) error
}

func seedProduct(t *testing.T, s productSeeder, slug, price string, stock int, categoryIDs ...int64) *models.Product {
	t.Helper()
	p := &models.Product{
		Name:          slug,
		Slug:          slug,
		Price:         decimal.RequireFromString(price),
		StockQuantity: stock,
		IsActive:      true,
		CategoryIDs:   categoryIDs,
	}
	require.NoError(t, s.UpsertProduct(context.Background(), p))
	return p
}

func stockOf(t *testing.T, s store.ProductRepository, id int64) int {
	t.Helper()
	p, err := s.GetProductByID(context.Background(), id)
	require.NoError(t, err)
	return p.StockQuantity
}
