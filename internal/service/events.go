package service

import (
	"context"
	"time"

	"catalog-orders/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventPublisher publishes domain events once the change they describe has
// committed. Publishing is best effort: a failure is logged and never undoes
// the change.
type EventPublisher interface {
	PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error
	PublishCatalogChanged(ctx context.Context, event *models.CatalogChangedEvent) error
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

func publishCatalogChanged(ctx context.Context, publisher EventPublisher, logger *zap.Logger, action string, productIDs ...int64) {
	event := &models.CatalogChangedEvent{
		BaseEvent:  newBaseEvent(models.EventTypeCatalogChanged),
		Action:     action,
		ProductIDs: dedupe(productIDs),
	}
	if err := publisher.PublishCatalogChanged(ctx, event); err != nil {
		logger.Error("Failed to publish CatalogChanged event",
			zap.String("action", action),
			zap.Error(err))
	}
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
