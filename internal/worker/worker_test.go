package worker

import (
	"context"
	"encoding/json"
	"testing"

	"catalog-orders/internal/broker"
	"catalog-orders/internal/cache"
	"catalog-orders/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCatalogChangeDropsCachedListings(t *testing.T) {
	listings := cache.NewMemoryCache()
	ctx := context.Background()

	_, err := listings.GetOrCompute(ctx, "k", cache.DefaultTTL, func(context.Context) (*models.ProductPage, error) {
		return &models.ProductPage{Total: 1}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, listings.Len())

	h := broker.NewEventHandler()
	h.OnCatalogChanged(InvalidateOnCatalogChange(listings, zap.NewNop()))

	value, err := json.Marshal(&models.CatalogChangedEvent{
		BaseEvent:  models.BaseEvent{EventID: "e-1", EventType: models.EventTypeCatalogChanged},
		Action:     models.CatalogActionUpserted,
		ProductIDs: []int64{1},
	})
	require.NoError(t, err)

	require.NoError(t, h.HandleMessage(ctx, kafka.Message{Value: value}))
	assert.Equal(t, 0, listings.Len())
}
