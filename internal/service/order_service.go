package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"catalog-orders/internal/cache"
	"catalog-orders/internal/models"
	"catalog-orders/internal/store"
	"catalog-orders/internal/util"

	"go.uber.org/zap"
)

// OrderStore is the persistence the order service runs on
type OrderStore interface {
	store.Repository
	store.TxRunner
}

// OrderService places orders against the catalog stock
type OrderService struct {
	store          OrderStore
	listings       cache.ListingCache
	eventPublisher EventPublisher
	logger         *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	store OrderStore,
	listings cache.ListingCache,
	eventPublisher EventPublisher,
) *OrderService {
	return &OrderService{
		store:          store,
		listings:       listings,
		eventPublisher: eventPublisher,
		logger:         util.GetLogger(),
	}
}

// PlaceOrderRequest represents a request to place an order
type PlaceOrderRequest struct {
	UserID          int64         `json:"-"`
	Lines           []LineRequest `json:"lines" binding:"required,min=1,dive"`
	ShippingAddress string        `json:"shipping_address"`
	IdempotencyKey  string        `json:"idempotency_key,omitempty"`
}

// LineRequest represents one requested product line
type LineRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

func (r *PlaceOrderRequest) validate() error {
	if r == nil {
		return fmt.Errorf("%w: empty request", models.ErrValidation)
	}
	if r.UserID <= 0 {
		return fmt.Errorf("%w: user id is required", models.ErrValidation)
	}
	if len(r.Lines) == 0 {
		return fmt.Errorf("%w: order must contain at least one line", models.ErrValidation)
	}
	for i, line := range r.Lines {
		if line.ProductID <= 0 {
			return fmt.Errorf("%w: line %d: product id is required", models.ErrValidation, i)
		}
		if line.Quantity <= 0 {
			return fmt.Errorf("line %d: %w", i, models.ErrInvalidQuantity)
		}
	}
	return nil
}

// PlaceOrder reserves stock for every line and persists the order in one
// transaction. Either the order and all of its reservations commit, or
// nothing does.
func (s *OrderService) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (placed *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.PlaceOrder")
	defer func() { util.EndSpan(span, err) }()

	start := time.Now()

	if err := req.validate(); err != nil {
		util.OrdersFailedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.GetOrderByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			s.logger.Info("Duplicate order request detected",
				zap.Int64("user_id", req.UserID),
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Int64("order_id", existing.ID))
			return existing, nil
		}
	}

	err = s.store.RunInTx(ctx, func(ctx context.Context, repo store.Repository) error {
		order, err := s.reserveAndPersist(ctx, repo, req)
		if err != nil {
			return err
		}
		placed = order
		return nil
	})
	if err != nil {
		if req.IdempotencyKey != "" && errors.Is(err, models.ErrDuplicateOrder) {
			return s.concurrentDuplicate(ctx, req.UserID, req.IdempotencyKey, err)
		}
		util.OrdersFailedTotal.WithLabelValues(failureReason(err)).Inc()
		s.logger.Warn("Order placement failed",
			zap.Int64("user_id", req.UserID),
			zap.Int("lines", len(req.Lines)),
			zap.Error(err))
		return nil, err
	}

	util.OrdersPlacedTotal.Inc()
	util.OrderPlacementLatency.Observe(time.Since(start).Seconds())
	s.logger.Info("Order placed",
		zap.Int64("order_id", placed.ID),
		zap.Int64("user_id", placed.UserID),
		zap.String("total_price", placed.TotalPrice.String()))

	s.afterCommit(ctx, placed)
	return placed, nil
}

// reserveAndPersist runs on the transaction-bound repo. Reserved lines are
// released in reverse order before any failure is returned.
func (s *OrderService) reserveAndPersist(ctx context.Context, repo store.Repository, req *PlaceOrderRequest) (*models.Order, error) {
	reserved := make([]models.OrderLine, 0, len(req.Lines))

	for _, line := range req.Lines {
		product, err := repo.ReserveStock(ctx, line.ProductID, line.Quantity)
		if err != nil {
			util.StockReservationsFailed.WithLabelValues(failureReason(err)).Inc()
			s.compensate(ctx, repo, reserved)
			return nil, fmt.Errorf("failed to reserve product %d: %w", line.ProductID, err)
		}
		reserved = append(reserved, models.NewOrderLine(line.ProductID, line.Quantity, product.Price))
	}

	order := &models.Order{
		UserID:          req.UserID,
		Status:          models.OrderStatusPending,
		TotalPrice:      models.SumLines(reserved),
		ShippingAddress: req.ShippingAddress,
		IdempotencyKey:  req.IdempotencyKey,
	}

	created, err := repo.CreateOrderWithLines(ctx, order, reserved)
	if err != nil {
		s.compensate(ctx, repo, reserved)
		return nil, fmt.Errorf("%w: failed to create order: %w", models.ErrPersistence, err)
	}

	return created, nil
}

// compensate releases reserved lines, last reservation first. Each line is
// released once; a failed release is logged and the rest still run.
func (s *OrderService) compensate(ctx context.Context, repo store.Repository, reserved []models.OrderLine) {
	for i := len(reserved) - 1; i >= 0; i-- {
		line := reserved[i]
		if err := repo.ReleaseStock(ctx, line.ProductID, line.Quantity); err != nil {
			s.logger.Error("Failed to compensate reservation",
				zap.Int64("product_id", line.ProductID),
				zap.Int("quantity", line.Quantity),
				zap.Error(err))
			continue
		}
		util.StockReleasesTotal.Inc()
	}
}

// concurrentDuplicate resolves a lost race on the user's idempotency key to
// the order that won it
func (s *OrderService) concurrentDuplicate(ctx context.Context, userID int64, key string, cause error) (*models.Order, error) {
	existing, err := s.store.GetOrderByIdempotencyKey(ctx, userID, key)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	if existing == nil {
		return nil, cause
	}
	s.logger.Info("Concurrent duplicate order resolved",
		zap.Int64("user_id", userID),
		zap.String("idempotency_key", key),
		zap.Int64("order_id", existing.ID))
	return existing, nil
}

func (s *OrderService) afterCommit(ctx context.Context, order *models.Order) {
	if err := s.listings.InvalidateAll(ctx); err != nil {
		s.logger.Error("Failed to invalidate listing cache",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}

	lines := make([]models.OrderLineData, 0, len(order.Lines))
	productIDs := make([]int64, 0, len(order.Lines))
	for _, l := range order.Lines {
		lines = append(lines, models.OrderLineData{
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
		})
		productIDs = append(productIDs, l.ProductID)
	}

	event := &models.OrderPlacedEvent{
		BaseEvent:  newBaseEvent(models.EventTypeOrderPlaced),
		OrderID:    order.ID,
		UserID:     order.UserID,
		TotalPrice: order.TotalPrice,
		Lines:      lines,
	}
	if err := s.eventPublisher.PublishOrderPlaced(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderPlaced event", zap.Error(err))
	}

	publishCatalogChanged(ctx, s.eventPublisher, s.logger, models.CatalogActionOrderPlaced, productIDs...)
}

// GetOrder retrieves an order with its lines
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	return s.store.GetOrderByID(ctx, orderID)
}

// ListOrdersByUser returns the user's orders oldest first
func (s *OrderService) ListOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrdersByUser")
	defer span.End()

	if userID <= 0 {
		return nil, fmt.Errorf("%w: user id is required", models.ErrValidation)
	}
	return s.store.ListOrdersByUser(ctx, userID)
}

// UpdateOrderStatus moves an order to a new fulfillment status
func (s *OrderService) UpdateOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateOrderStatus")
	defer span.End()

	if err := s.store.UpdateOrderStatus(ctx, orderID, status); err != nil {
		return nil, err
	}
	s.logger.Info("Order status updated",
		zap.Int64("order_id", orderID),
		zap.String("status", string(status)))

	return s.store.GetOrderByID(ctx, orderID)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrValidation):
		return "validation"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, models.ErrTxConflict):
		return "conflict"
	case errors.Is(err, models.ErrPersistence):
		return "persistence"
	default:
		return "error"
	}
}
