package store

import (
	"context"
	"fmt"

	"catalog-orders/internal/models"
	"catalog-orders/internal/util"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const orderColumns = `id, user_id, status, total_price, shipping_address,
	COALESCE(idempotency_key, '') AS idempotency_key, created_at, updated_at`

// PrepareOrder fills the defaults of a new order and computes its lines and
// total from the snapshot prices. Caller-supplied totals are ignored.
func PrepareOrder(order *models.Order, lines []models.OrderLine) ([]models.OrderLine, error) {
	if order.UserID <= 0 {
		return nil, fmt.Errorf("%w: user id is required", models.ErrValidation)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: order must contain at least one line", models.ErrValidation)
	}

	prepared := make([]models.OrderLine, len(lines))
	for i, l := range lines {
		if l.Quantity <= 0 {
			return nil, models.ErrInvalidQuantity
		}
		if l.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("%w: unit price must be non-negative", models.ErrValidation)
		}
		prepared[i] = models.NewOrderLine(l.ProductID, l.Quantity, l.UnitPrice)
	}

	if order.Status == "" {
		order.Status = models.OrderStatusPending
	}
	if !order.Status.Valid() {
		return nil, models.ErrInvalidStatus
	}
	order.TotalPrice = models.SumLines(prepared)
	return prepared, nil
}

// CreateOrderWithLines persists the order row and all of its lines as one
// unit. A failure on any line leaves neither the order nor earlier lines.
func (s *Store) CreateOrderWithLines(ctx context.Context, order *models.Order, lines []models.OrderLine) (_ *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "Store.CreateOrderWithLines")
	defer func() { util.EndSpan(span, err) }()

	prepared, err := PrepareOrder(order, lines)
	if err != nil {
		return nil, err
	}

	created := *order
	err = s.withSavepoint(ctx, "create_order", func(tx *Store) error {
		err := sqlx.GetContext(ctx, tx.ext, &created, `
			INSERT INTO orders (user_id, status, total_price, shipping_address, idempotency_key)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''))
			RETURNING id, created_at, updated_at`,
			created.UserID, created.Status, created.TotalPrice, created.ShippingAddress, created.IdempotencyKey)
		if err != nil {
			if code, _ := pqErrorCode(err); code == pqUniqueViolation {
				return models.ErrDuplicateOrder
			}
			return persistenceErr("insert order", err)
		}

		for i := range prepared {
			prepared[i].OrderID = created.ID
			if err := sqlx.GetContext(ctx, tx.ext, &prepared[i].ID, `
				INSERT INTO order_lines (order_id, product_id, quantity, unit_price, line_total)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING id`,
				created.ID, prepared[i].ProductID, prepared[i].Quantity,
				prepared[i].UnitPrice, prepared[i].LineTotal); err != nil {
				return persistenceErr("insert order line", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	created.Lines = prepared
	return &created, nil
}

// GetOrderByID retrieves an order with its lines
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Store.GetOrderByID")
	defer span.End()

	var order models.Order
	err := sqlx.GetContext(ctx, s.ext, &order,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, persistenceErr("get order", err)
	}

	orders := []models.Order{order}
	if err := s.attachLines(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// GetOrderByIdempotencyKey retrieves the user's order placed under key. Keys
// are scoped per user. It returns nil without error when the user has no
// order with the key.
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Store.GetOrderByIdempotencyKey")
	defer span.End()

	if key == "" {
		return nil, nil
	}

	var order models.Order
	err := sqlx.GetContext(ctx, s.ext, &order,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 AND idempotency_key = $2", userID, key)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, persistenceErr("get order by idempotency key", err)
	}

	orders := []models.Order{order}
	if err := s.attachLines(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// ListOrdersByUser retrieves a user's orders in creation order
func (s *Store) ListOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Store.ListOrdersByUser")
	defer span.End()

	orders := []models.Order{}
	if err := sqlx.SelectContext(ctx, s.ext, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY id", userID); err != nil {
		return nil, persistenceErr("list orders", err)
	}

	if err := s.attachLines(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// UpdateOrderStatus updates order status
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error {
	ctx, span := util.StartSpan(ctx, "Store.UpdateOrderStatus")
	defer span.End()

	if !status.Valid() {
		return models.ErrInvalidStatus
	}

	res, err := s.ext.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	if err != nil {
		return persistenceErr("update order status", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return persistenceErr("update order status", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", models.ErrOrderNotFound, orderID)
	}
	return nil
}

func (s *Store) attachLines(ctx context.Context, orders []models.Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]int64, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
	}

	var lines []models.OrderLine
	if err := sqlx.SelectContext(ctx, s.ext, &lines, `
		SELECT id, order_id, product_id, quantity, unit_price, line_total
		FROM order_lines
		WHERE order_id = ANY($1)
		ORDER BY id`, pq.Array(ids)); err != nil {
		return persistenceErr("load order lines", err)
	}

	byOrder := make(map[int64][]models.OrderLine, len(orders))
	for _, l := range lines {
		byOrder[l.OrderID] = append(byOrder[l.OrderID], l)
	}
	for i := range orders {
		orders[i].Lines = byOrder[orders[i].ID]
		if orders[i].Lines == nil {
			orders[i].Lines = []models.OrderLine{}
		}
	}
	return nil
}
