package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Order is a placed customer order with its pricing outcome.
type Order struct {
	ID           string
	UserID       string
	Items        []OrderItem
	Subtotal     decimal.Decimal
	Discounts    decimal.Decimal
	Total        decimal.Decimal
	PromotionID  string
	CouponCode   string
	FreeShipping bool
	CreatedAt    time.Time
}

// OrderItem represents a single line item in an order.
type OrderItem struct {
	ProductID string
	Quantity  int
}

// Repository defines persistence operations for orders.
type Repository interface {
	Create(ctx context.Context, order *Order) error
}
