package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"catalog-orders/internal/models"
	"catalog-orders/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events. Order events and catalog
// events go to separate topics.
type EventPublisher struct {
	orders  *Producer
	catalog *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(orders, catalog *Producer) *EventPublisher {
	return &EventPublisher{orders: orders, catalog: catalog}
}

// PublishOrderPlaced publishes OrderPlaced event
func (ep *EventPublisher) PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.orders.PublishEvent(ctx, key, event)
}

// PublishCatalogChanged publishes CatalogChanged event
func (ep *EventPublisher) PublishCatalogChanged(ctx context.Context, event *models.CatalogChangedEvent) error {
	return ep.catalog.PublishEvent(ctx, "catalog", event)
}

// Close closes both producers
func (ep *EventPublisher) Close() error {
	errOrders := ep.orders.Close()
	errCatalog := ep.catalog.Close()
	if errOrders != nil {
		return errOrders
	}
	return errCatalog
}

// NopPublisher drops every event. It stands in when event publishing is
// disabled.
type NopPublisher struct{}

func (NopPublisher) PublishOrderPlaced(context.Context, *models.OrderPlacedEvent) error {
	return nil
}

func (NopPublisher) PublishCatalogChanged(context.Context, *models.CatalogChangedEvent) error {
	return nil
}

// EventHandler handles incoming events
type EventHandler struct {
	onCatalogChanged func(context.Context, *models.CatalogChangedEvent) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnCatalogChanged registers a handler for CatalogChanged events
func (eh *EventHandler) OnCatalogChanged(handler func(context.Context, *models.CatalogChangedEvent) error) {
	eh.onCatalogChanged = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeCatalogChanged:
		if eh.onCatalogChanged != nil {
			var event models.CatalogChangedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal CatalogChanged event: %w", err)
			}
			return eh.onCatalogChanged(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
