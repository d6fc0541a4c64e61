package order

import (
	"context"
	"fmt"

	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/promo-engine/internal/domain/product"
	"github.com/xenking/promo-engine/internal/domain/promotion"
)

// Sentinel errors for order validation.
var (
	ErrEmptyItems      = fmt.Errorf("items required")
	ErrInvalidQuantity = fmt.Errorf("quantity must be greater than 0")
)

// ProductNotFoundError indicates a requested product does not exist.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// InvalidQuantityError indicates a line item has a non-positive quantity.
type InvalidQuantityError struct {
	ProductID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %s", e.ProductID)
}

// Unwrap lets errors.Is match ErrInvalidQuantity.
func (e *InvalidQuantityError) Unwrap() error {
	return ErrInvalidQuantity
}

// CouponRejectedError wraps the reason a supplied coupon was refused.
type CouponRejectedError struct {
	Code string
	Err  error
}

func (e *CouponRejectedError) Error() string {
	return fmt.Sprintf("coupon %s rejected: %s", e.Code, e.Err)
}

func (e *CouponRejectedError) Unwrap() error {
	return e.Err
}

// Promotions prices carts. *promotion.Engine implements it.
type Promotions interface {
	ValidateCoupon(ctx context.Context, code string, subtotal decimal.Decimal, items []promotion.CartItem, userID string) (*promotion.Validation, error)
	FindBest(ctx context.Context, subtotal decimal.Decimal, items []promotion.CartItem, couponCode, userID string) (*promotion.Result, error)
	FindBestAutomatic(ctx context.Context, subtotal decimal.Decimal, items []promotion.CartItem, userID string) (*promotion.Result, error)
	ApplyToOrder(ctx context.Context, orderID, promotionID, userID, couponCode string) (bool, error)
}

// QuoteRequest is a cart to price.
type QuoteRequest struct {
	Items      []OrderItem
	CouponCode string
	UserID     string
}

// Quote is the priced cart.
type Quote struct {
	Cart         []promotion.CartItem
	Products     []product.Product
	Subtotal     decimal.Decimal
	Discount     decimal.Decimal
	Total        decimal.Decimal
	PromotionID  string
	CouponCode   string
	FreeShipping bool
}

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	Items      []OrderItem
	CouponCode string
	UserID     string
}

// PlaceOrderResult holds the output of a successfully placed order.
type PlaceOrderResult struct {
	Order    *Order
	Products []product.Product
}

// Service encapsulates cart pricing and order placement.
type Service struct {
	products   product.Repository
	promotions Promotions
	orders     Repository
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	products product.Repository,
	promotions Promotions,
	orders Repository,
) *Service {
	return &Service{
		products:   products,
		promotions: promotions,
		orders:     orders,
	}
}

// Cart validates items and resolves them into priced cart lines in request
// order, fetching all products in a single batch.
func (s *Service) Cart(ctx context.Context, items []OrderItem) ([]promotion.CartItem, []product.Product, error) {
	if len(items) == 0 {
		return nil, nil, ErrEmptyItems
	}

	ids := make([]string, len(items))
	for i, item := range items {
		if item.Quantity <= 0 {
			return nil, nil, &InvalidQuantityError{ProductID: item.ProductID}
		}
		ids[i] = item.ProductID
	}

	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("get products: %w", err)
	}

	productMap := make(map[string]product.Product, len(fetched))
	for _, p := range fetched {
		productMap[p.ID] = p
	}

	cart := make([]promotion.CartItem, len(items))
	products := make([]product.Product, len(items))
	for i, item := range items {
		p, ok := productMap[item.ProductID]
		if !ok {
			return nil, nil, &ProductNotFoundError{ProductID: item.ProductID}
		}
		products[i] = p
		cart[i] = promotion.CartItem{
			ProductID:  p.ID,
			CategoryID: p.CategoryID,
			SellerID:   p.SellerID,
			Price:      p.Price,
			Quantity:   item.Quantity,
		}
	}

	return cart, products, nil
}

// Quote prices the cart. An explicit coupon must validate, otherwise a
// *CouponRejectedError carrying the reason is returned. Without a coupon the
// best code-less offer, if any, is applied.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	cart, products, err := s.Cart(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	q := &Quote{
		Cart:     cart,
		Products: products,
		Subtotal: promotion.Subtotal(cart),
		Discount: decimal.Zero,
	}

	code := promotion.NormalizeCode(req.CouponCode)
	if code != "" {
		v, err := s.promotions.ValidateCoupon(ctx, code, q.Subtotal, cart, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("validate coupon: %w", err)
		}
		if !v.Valid {
			return nil, &CouponRejectedError{Code: code, Err: v.Err}
		}
		q.Discount = v.Discount
		q.PromotionID = v.Promotion.ID
		q.CouponCode = code
		q.FreeShipping = v.Promotion.Type == promotion.TypeFreeShipping
	} else {
		best, err := s.promotions.FindBestAutomatic(ctx, q.Subtotal, cart, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("find best promotion: %w", err)
		}
		if best != nil {
			q.Discount = best.DiscountAmount
			q.PromotionID = best.PromotionID
			q.FreeShipping = best.FreeShipping
		}
	}

	// Total = subtotal - discount, floored at zero and rounded to 2 decimal places.
	total := q.Subtotal.Sub(q.Discount)
	if total.IsNegative() {
		total = decimal.Zero
	}
	q.Total = total.Round(2)
	q.Discount = q.Discount.Round(2)

	return q, nil
}

// PlaceOrder prices the cart, persists the order and records the coupon
// redemption. A failed redemption record is logged and does not undo the
// order.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	q, err := s.Quote(ctx, QuoteRequest(req))
	if err != nil {
		return nil, err
	}

	o := &Order{
		ID:           uuid.New().String(),
		UserID:       req.UserID,
		Items:        req.Items,
		Subtotal:     q.Subtotal,
		Discounts:    q.Discount,
		Total:        q.Total,
		PromotionID:  q.PromotionID,
		CouponCode:   q.CouponCode,
		FreeShipping: q.FreeShipping,
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	if o.CouponCode != "" {
		if _, err := s.promotions.ApplyToOrder(ctx, o.ID, o.PromotionID, o.UserID, o.CouponCode); err != nil {
			zctx.From(ctx).Warn("Coupon redemption not recorded",
				zap.String("order_id", o.ID),
				zap.String("promotion_id", o.PromotionID),
				zap.Error(err),
			)
		}
	}

	return &PlaceOrderResult{
		Order:    o,
		Products: q.Products,
	}, nil
}
