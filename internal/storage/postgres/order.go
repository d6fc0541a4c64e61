package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/jx"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/promo-engine/internal/domain/order"
)

const createOrderSQL = `INSERT INTO orders (id, user_id, items, subtotal, discounts, total,
		promotion_id, coupon_code, free_shipping)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	RETURNING created_at`

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order and fills in CreatedAt. The order items are
// stored as a JSON array in the JSONB column.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	err := r.pool.QueryRow(ctx, createOrderSQL,
		o.ID, o.UserID, encodeItems(o.Items),
		o.Subtotal, o.Discounts, o.Total,
		nullString(o.PromotionID), nullString(o.CouponCode), o.FreeShipping,
	).Scan(&o.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

func encodeItems(items []order.OrderItem) []byte {
	var e jx.Encoder
	e.ArrStart()
	for _, item := range items {
		e.Obj(func(e *jx.Encoder) {
			e.FieldStart("product_id")
			e.Str(item.ProductID)
			e.FieldStart("quantity")
			e.Int(item.Quantity)
		})
	}
	e.ArrEnd()
	return e.Bytes()
}
