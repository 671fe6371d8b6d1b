package models

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed request rejected before any side effect.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidQuantity is returned for a non-positive stock quantity.
	ErrInvalidQuantity = fmt.Errorf("%w: quantity must be greater than zero", ErrValidation)
	// ErrInvalidStatus is returned for an unknown order status.
	ErrInvalidStatus = fmt.Errorf("%w: unknown order status", ErrValidation)

	// ErrNotFound is matched by every not-found error below.
	ErrNotFound = errors.New("not found")
	// ErrProductNotFound is returned when a product id does not resolve.
	ErrProductNotFound = fmt.Errorf("product %w", ErrNotFound)
	// ErrOrderNotFound is returned when an order id does not resolve.
	ErrOrderNotFound = fmt.Errorf("order %w", ErrNotFound)

	// ErrInsufficientStock is matched by *InsufficientStockError.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrPersistence marks a store failure that left no durable state behind.
	// Callers may retry the whole operation.
	ErrPersistence = errors.New("persistence failure")
	// ErrTxConflict is a persistence failure caused by a deadlock or a
	// serialization failure between concurrent transactions.
	ErrTxConflict = fmt.Errorf("%w: transaction conflict", ErrPersistence)

	// ErrDuplicateSlug is returned when another product already uses the slug.
	ErrDuplicateSlug = errors.New("product slug already exists")
	// ErrDuplicateOrder is returned when an idempotency key is already taken.
	ErrDuplicateOrder = errors.New("order with idempotency key already exists")
)

// InsufficientStockError carries the numbers behind a failed reservation
type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: available=%d, requested=%d",
		e.ProductID, e.Available, e.Requested)
}

// Is makes errors.Is(err, ErrInsufficientStock) match
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// IsRetryable reports whether the caller can safely repeat the operation
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// IsNotFound reports whether err is any kind of not-found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
