// Package promotion implements discount calculation, applicability matching,
// coupon validation and best-offer selection over a cart.
package promotion

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Type enumerates the supported discount models.
type Type string

const (
	// TypePercentage takes a percentage of the discount base, optionally capped.
	TypePercentage Type = "percentage"
	// TypeFixed takes a fixed monetary amount capped at the discount base.
	TypeFixed Type = "fixed"
	// TypeBuyXGetY is recognised but not priced yet.
	TypeBuyXGetY Type = "buy_x_get_y"
	// TypeFreeShipping waives shipping and never reduces the item price.
	TypeFreeShipping Type = "free_shipping"
	// TypeBundle is recognised but not priced yet.
	TypeBundle Type = "bundle"
)

// Valid reports whether t is one of the known discount models.
func (t Type) Valid() bool {
	switch t {
	case TypePercentage, TypeFixed, TypeBuyXGetY, TypeFreeShipping, TypeBundle:
		return true
	default:
		return false
	}
}

// Scope selects which cart items a promotion is eligible for.
type Scope string

const (
	ScopeAll      Scope = "all"
	ScopeCategory Scope = "category"
	ScopeProduct  Scope = "product"
	ScopeSeller   Scope = "seller"
)

// Valid reports whether s is one of the known scopes.
func (s Scope) Valid() bool {
	switch s {
	case ScopeAll, ScopeCategory, ScopeProduct, ScopeSeller:
		return true
	default:
		return false
	}
}

var (
	// ErrCouponNotFound is returned when no live promotion carries the code.
	ErrCouponNotFound = errors.New("coupon not found or expired")
	// ErrUsageLimitReached is returned when a promotion exhausted its global cap.
	ErrUsageLimitReached = errors.New("coupon usage limit reached")
	// ErrUserLimitReached is returned when the user exhausted the per-user cap.
	ErrUserLimitReached = errors.New("coupon per-user limit reached")
	// ErrMinPurchaseNotMet matches any *MinPurchaseError.
	ErrMinPurchaseNotMet = errors.New("minimum purchase not met")
	// ErrNotApplicable is returned when no cart item falls into the promotion scope.
	ErrNotApplicable = errors.New("coupon not applicable to cart contents")
	// ErrPromotionNotFound is returned by stores for an unknown promotion id.
	ErrPromotionNotFound = errors.New("promotion not found")
)

// MinPurchaseError reports the subtotal a coupon requires.
type MinPurchaseError struct {
	Minimum decimal.Decimal
}

func (e *MinPurchaseError) Error() string {
	return "minimum purchase of " + e.Minimum.StringFixed(2) + " required"
}

// Is makes errors.Is(err, ErrMinPurchaseNotMet) match.
func (e *MinPurchaseError) Is(target error) bool {
	return target == ErrMinPurchaseNotMet
}

// Promotion is a stored discount rule.
type Promotion struct {
	ID          string
	SellerID    string // empty for platform-wide promotions
	Name        string
	Description string

	Type          Type
	DiscountValue decimal.Decimal
	// MinPurchaseAmount is the subtotal floor below which nothing is discounted.
	MinPurchaseAmount decimal.NullDecimal
	// MaxDiscountAmount caps percentage discounts only.
	MaxDiscountAmount decimal.NullDecimal

	ApplicableTo  Scope
	ApplicableIDs []string

	CouponCode string // empty for automatically applied promotions
	UsageLimit *int
	UsageCount int
	UserLimit  *int

	StartDate time.Time
	EndDate   time.Time
	IsActive  bool

	CreatedAt time.Time
}

// IsLive reports whether the promotion is switched on and now falls inside
// its inclusive validity window. Zero dates are never live.
func (p *Promotion) IsLive(now time.Time) bool {
	if p == nil || !p.IsActive || p.StartDate.IsZero() || p.EndDate.IsZero() {
		return false
	}
	return !now.Before(p.StartDate) && !now.After(p.EndDate)
}

// usageExhausted reports whether the global redemption cap is used up.
func (p *Promotion) usageExhausted() bool {
	return p.UsageLimit != nil && p.UsageCount >= *p.UsageLimit
}

// CartItem is a cart line as seen by the engine. The engine never mutates it.
type CartItem struct {
	ProductID  string
	CategoryID string // empty when the product has no category
	SellerID   string
	Price      decimal.Decimal
	Quantity   int
}

// LineTotal returns price * quantity.
func (i CartItem) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Subtotal returns the sum of line totals.
func Subtotal(items []CartItem) decimal.Decimal {
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(item.LineTotal())
	}
	return sum
}

// Usage is an append-only redemption receipt.
type Usage struct {
	CouponCode  string
	UserID      string
	OrderID     string
	PromotionID string
	UsedAt      time.Time
}

// Result is the priced outcome of one promotion against a cart.
type Result struct {
	PromotionID    string
	PromotionName  string
	DiscountAmount decimal.Decimal
	Type           Type
	// Applied is true iff DiscountAmount is positive.
	Applied bool
	// FreeShipping is set for an applicable free_shipping promotion; the
	// caller waives shipping separately.
	FreeShipping bool
	Reason       string
}

// Validation is the outcome of checking a coupon code.
type Validation struct {
	Valid     bool
	Promotion *Promotion
	Discount  decimal.Decimal
	// Err is the first failed check; Reason is its message.
	Err    error
	Reason string
}

func invalid(err error) *Validation {
	return &Validation{Err: err, Reason: err.Error()}
}

// Filter narrows a catalog read. Empty fields do not filter.
type Filter struct {
	CouponCode   string
	ApplicableTo Scope
	ApplicableID string
	// At is the instant the promotions must be live at.
	At time.Time
}

// Repository is the persistence boundary of the engine.
type Repository interface {
	// FindActive returns promotions that are active and live at filter.At,
	// ordered by creation time and id.
	FindActive(ctx context.Context, filter Filter) ([]Promotion, error)
	// CountUsage returns the number of recorded redemptions of code by user.
	CountUsage(ctx context.Context, couponCode, userID string) (int, error)
	// RecordUsage inserts the receipt and increments the promotion usage
	// counter in one transaction. It returns ErrUsageLimitReached when the
	// conditional increment finds the cap already used up.
	RecordUsage(ctx context.Context, u Usage) error
}
