package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category groups products in the catalog
type Category struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// Product represents a product in the catalog
type Product struct {
	ID            int64           `db:"id" json:"id"`
	Name          string          `db:"name" json:"name"`
	Slug          string          `db:"slug" json:"slug"`
	Description   string          `db:"description" json:"description"`
	Price         decimal.Decimal `db:"price" json:"price"`
	StockQuantity int             `db:"stock_quantity" json:"stock_quantity"`
	IsActive      bool            `db:"is_active" json:"is_active"`
	DeletedAt     *time.Time      `db:"deleted_at" json:"deleted_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`

	CategoryIDs []int64    `db:"-" json:"category_ids"`
	Categories  []Category `db:"-" json:"categories"`
	ImagePaths  []string   `db:"-" json:"image_paths,omitempty"`
}

// IsDeleted reports whether the product has been soft-deleted
func (p *Product) IsDeleted() bool {
	return p.DeletedAt != nil
}

// Orderable reports whether stock can be reserved against the product
func (p *Product) Orderable() bool {
	return p.IsActive && !p.IsDeleted()
}

// ProductFilter narrows a product listing. Empty fields are ignored and
// supplied fields are combined with AND.
type ProductFilter struct {
	CategoryIDs  []int64 `json:"category_ids,omitempty"`
	CategoryName string  `json:"category_name,omitempty"`
}

// ProductPage is one page of a filtered product listing
type ProductPage struct {
	Items    []Product `json:"items"`
	Page     int       `json:"page"`
	PerPage  int       `json:"per_page"`
	Total    int       `json:"total"`
	LastPage int       `json:"last_page"`
}

// OrderStatus is the fulfillment state of an order
type OrderStatus string

// Order statuses
const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Valid reports whether s is a known order status
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// Order represents a customer order
type Order struct {
	ID              int64           `db:"id" json:"id"`
	UserID          int64           `db:"user_id" json:"user_id"`
	Status          OrderStatus     `db:"status" json:"status"`
	TotalPrice      decimal.Decimal `db:"total_price" json:"total_price"`
	ShippingAddress string          `db:"shipping_address" json:"shipping_address"`
	IdempotencyKey  string          `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`

	Lines []OrderLine `db:"-" json:"lines"`
}

// OrderLine is a single product line of an order. UnitPrice is the product
// price captured when the stock was reserved.
type OrderLine struct {
	ID        int64           `db:"id" json:"id"`
	OrderID   int64           `db:"order_id" json:"order_id"`
	ProductID int64           `db:"product_id" json:"product_id"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
	LineTotal decimal.Decimal `db:"line_total" json:"line_total"`
}

// NewOrderLine builds a line with its total computed from the snapshot price
func NewOrderLine(productID int64, quantity int, unitPrice decimal.Decimal) OrderLine {
	return OrderLine{
		ProductID: productID,
		Quantity:  quantity,
		UnitPrice: unitPrice,
		LineTotal: unitPrice.Mul(decimal.NewFromInt(int64(quantity))),
	}
}

// SumLines returns the order total for the given lines
func SumLines(lines []OrderLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return total
}
