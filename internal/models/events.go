package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderPlaced    = "ORDER_PLACED"
	EventTypeCatalogChanged = "CATALOG_CHANGED"
)

// Catalog change actions
const (
	CatalogActionUpserted      = "upserted"
	CatalogActionDeleted       = "deleted"
	CatalogActionStockReserved = "stock_reserved"
	CatalogActionStockReleased = "stock_released"
	CatalogActionOrderPlaced   = "order_placed"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderPlacedEvent published after an order and its stock reservations commit
type OrderPlacedEvent struct {
	BaseEvent
	OrderID    int64           `json:"order_id"`
	UserID     int64           `json:"user_id"`
	TotalPrice decimal.Decimal `json:"total_price"`
	Lines      []OrderLineData `json:"lines"`
}

// CatalogChangedEvent published after any product or stock mutation. Consumers
// drop their cached product listings when they see one.
type CatalogChangedEvent struct {
	BaseEvent
	Action     string  `json:"action"`
	ProductIDs []int64 `json:"product_ids"`
}

// OrderLineData represents line data in events
type OrderLineData struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}
