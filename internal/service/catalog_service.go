package service

import (
	"context"
	"time"

	"catalog-orders/internal/cache"
	"catalog-orders/internal/models"
	"catalog-orders/internal/store"
	"catalog-orders/internal/util"

	"go.uber.org/zap"
)

// CatalogService serves product reads through the listing cache and keeps the
// cache consistent with every product and stock mutation
type CatalogService struct {
	repo           store.ProductRepository
	listings       cache.ListingCache
	ttl            time.Duration
	eventPublisher EventPublisher
	logger         *zap.Logger
}

// NewCatalogService creates a new catalog service. A non-positive ttl falls
// back to cache.DefaultTTL.
func NewCatalogService(
	repo store.ProductRepository,
	listings cache.ListingCache,
	ttl time.Duration,
	eventPublisher EventPublisher,
) *CatalogService {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	return &CatalogService{
		repo:           repo,
		listings:       listings,
		ttl:            ttl,
		eventPublisher: eventPublisher,
		logger:         util.GetLogger(),
	}
}

// GetProduct returns a product by id, soft-deleted ones included
func (s *CatalogService) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.GetProduct")
	defer span.End()

	return s.repo.GetProductByID(ctx, id)
}

// ListProducts returns one page of the filtered listing, from the cache when
// a fresh entry exists
func (s *CatalogService) ListProducts(ctx context.Context, filter models.ProductFilter, page, perPage int) (result *models.ProductPage, err error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.ListProducts")
	defer func() { util.EndSpan(span, err) }()

	page, perPage = store.NormalizePage(page, perPage)
	key := cache.ListingKey(filter, perPage, page)

	return s.listings.GetOrCompute(ctx, key, s.ttl, func(ctx context.Context) (*models.ProductPage, error) {
		return s.repo.ListProducts(ctx, filter, page, perPage)
	})
}

// UpsertProduct creates the product when its id is zero and updates it
// otherwise. product is refreshed with the stored row.
func (s *CatalogService) UpsertProduct(ctx context.Context, product *models.Product) (err error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.UpsertProduct")
	defer func() { util.EndSpan(span, err) }()

	if err := s.repo.UpsertProduct(ctx, product); err != nil {
		return err
	}

	s.logger.Info("Product upserted",
		zap.Int64("product_id", product.ID),
		zap.String("slug", product.Slug))
	s.catalogChanged(ctx, models.CatalogActionUpserted, product.ID)
	return nil
}

// SoftDeleteProduct hides a product from listings and new orders
func (s *CatalogService) SoftDeleteProduct(ctx context.Context, id int64) (err error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.SoftDeleteProduct")
	defer func() { util.EndSpan(span, err) }()

	if err := s.repo.SoftDeleteProduct(ctx, id); err != nil {
		return err
	}

	s.logger.Info("Product deleted", zap.Int64("product_id", id))
	s.catalogChanged(ctx, models.CatalogActionDeleted, id)
	return nil
}

// ReserveStock takes quantity units of a product out of stock
func (s *CatalogService) ReserveStock(ctx context.Context, productID int64, quantity int) (product *models.Product, err error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.ReserveStock")
	defer func() { util.EndSpan(span, err) }()

	product, err = s.repo.ReserveStock(ctx, productID, quantity)
	if err != nil {
		util.StockReservationsFailed.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	s.catalogChanged(ctx, models.CatalogActionStockReserved, productID)
	return product, nil
}

// ReleaseStock puts quantity units of a product back into stock
func (s *CatalogService) ReleaseStock(ctx context.Context, productID int64, quantity int) (err error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.ReleaseStock")
	defer func() { util.EndSpan(span, err) }()

	if err := s.repo.ReleaseStock(ctx, productID, quantity); err != nil {
		return err
	}

	util.StockReleasesTotal.Inc()
	s.catalogChanged(ctx, models.CatalogActionStockReleased, productID)
	return nil
}

func (s *CatalogService) catalogChanged(ctx context.Context, action string, productID int64) {
	util.CatalogMutationsTotal.WithLabelValues(action).Inc()

	if err := s.listings.InvalidateAll(ctx); err != nil {
		s.logger.Error("Failed to invalidate listing cache",
			zap.String("action", action),
			zap.Int64("product_id", productID),
			zap.Error(err))
	}
	publishCatalogChanged(ctx, s.eventPublisher, s.logger, action, productID)
}
