package worker

import (
	"context"

	"catalog-orders/internal/broker"
	"catalog-orders/internal/cache"
	"catalog-orders/internal/models"
	"catalog-orders/internal/util"

	"go.uber.org/zap"
)

// CacheInvalidationWorker drops this instance's cached product listings
// whenever any instance reports a catalog change
type CacheInvalidationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewCacheInvalidationWorker creates a new cache invalidation worker
func NewCacheInvalidationWorker(consumer *broker.Consumer, listings cache.ListingCache) *CacheInvalidationWorker {
	logger := util.GetLogger()

	eventHandler := broker.NewEventHandler()
	eventHandler.OnCatalogChanged(InvalidateOnCatalogChange(listings, logger))

	return &CacheInvalidationWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       logger,
	}
}

// InvalidateOnCatalogChange returns the CatalogChanged handler used by the
// worker
func InvalidateOnCatalogChange(listings cache.ListingCache, logger *zap.Logger) func(context.Context, *models.CatalogChangedEvent) error {
	return func(ctx context.Context, event *models.CatalogChangedEvent) error {
		logger.Debug("Catalog changed, invalidating listings",
			zap.String("event_id", event.EventID),
			zap.String("action", event.Action),
			zap.Int64s("product_ids", event.ProductIDs))
		return listings.InvalidateAll(ctx)
	}
}

// Start starts the worker
func (w *CacheInvalidationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting cache invalidation worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *CacheInvalidationWorker) Stop() error {
	w.logger.Info("Stopping cache invalidation worker")
	return w.consumer.Close()
}
