package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"catalog-orders/internal/models"
	"catalog-orders/internal/util"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ProductRepository owns product rows, their category links and stock
type ProductRepository interface {
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	ListProducts(ctx context.Context, filter models.ProductFilter, page, perPage int) (*models.ProductPage, error)
	ReserveStock(ctx context.Context, productID int64, quantity int) (*models.Product, error)
	ReleaseStock(ctx context.Context, productID int64, quantity int) error
	UpsertProduct(ctx context.Context, product *models.Product) error
	SoftDeleteProduct(ctx context.Context, id int64) error
}

// OrderRepository owns order and order line rows
type OrderRepository interface {
	CreateOrderWithLines(ctx context.Context, order *models.Order, lines []models.OrderLine) (*models.Order, error)
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error
}

// Repository is every store operation. It is implemented both by the pooled
// store and by the transaction-bound view handed to RunInTx callbacks.
type Repository interface {
	ProductRepository
	OrderRepository
}

// TxRunner runs fn inside one transaction. The transaction commits only when
// fn returns nil; any error rolls back every write made through repo.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}

const (
	defaultPerPage = 10
	maxPerPage     = 100
)

type Store struct {
	db  *sqlx.DB
	ext sqlx.ExtContext
	tx  *sqlx.Tx
}

var (
	_ Repository = (*Store)(nil)
	_ TxRunner   = (*Store)(nil)
)

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewStoreFromDB(db), nil
}

// NewStoreFromDB wraps an already opened connection pool
func NewStoreFromDB(db *sqlx.DB) *Store {
	return &Store{db: db, ext: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunInTx implements TxRunner. Calls made on a store that is already bound to
// a transaction join that transaction instead of opening a new one.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) (err error) {
	ctx, span := util.StartSpan(ctx, "Store.RunInTx")
	defer func() { util.EndSpan(span, err) }()

	return s.inTx(ctx, func(txStore *Store) error {
		return fn(ctx, txStore)
	})
}

func (s *Store) inTx(ctx context.Context, fn func(txStore *Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", models.ErrPersistence, err)
	}

	if err := fn(&Store{db: s.db, ext: tx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx: %w", models.ErrPersistence, err)
	}
	return nil
}

// withSavepoint runs fn so that a failing statement inside an outer
// transaction only undoes fn's own writes and leaves the transaction usable.
func (s *Store) withSavepoint(ctx context.Context, name string, fn func(txStore *Store) error) error {
	if s.tx == nil {
		return s.inTx(ctx, fn)
	}

	if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("%w: savepoint %s: %w", models.ErrPersistence, name, err)
	}

	if err := fn(s); err != nil {
		if _, rbErr := s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint %s: %w", name, rbErr))
		}
		return err
	}

	if _, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("%w: release savepoint %s: %w", models.ErrPersistence, name, err)
	}
	return nil
}

const (
	pqUniqueViolation      = "23505"
	pqForeignKeyViolation  = "23503"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

func pqErrorCode(err error) (pq.ErrorCode, string) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code, pqErr.Constraint
	}
	return "", ""
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// persistenceErr tags an unexpected driver error as a retryable store failure.
// Row locks are taken in request order, so two orders naming the same
// products in opposite orders can deadlock; Postgres aborts one of them.
func persistenceErr(op string, err error) error {
	switch code, _ := pqErrorCode(err); code {
	case pqDeadlockDetected, pqSerializationFailure:
		return fmt.Errorf("%w: %s: %w", models.ErrTxConflict, op, err)
	}
	return fmt.Errorf("%w: %s: %w", models.ErrPersistence, op, err)
}

// NormalizePage applies the listing defaults to page and perPage
func NormalizePage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	return page, perPage
}

// LastPage returns the number of the final page for total items
func LastPage(total, perPage int) int {
	if total == 0 {
		return 1
	}
	return (total + perPage - 1) / perPage
}
