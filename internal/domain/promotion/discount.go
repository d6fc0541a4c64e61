package promotion

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// CalculateDiscount returns the discount p yields against subtotal at now.
//
// When items are supplied and p is scoped to less than the whole cart, the
// percentage and fixed models are computed against the matching items only.
// The minimum purchase gate always uses subtotal. Non-live promotions,
// unpriced discount models and malformed input yield zero; the result is
// always within [0, subtotal].
func CalculateDiscount(p *Promotion, subtotal decimal.Decimal, items []CartItem, now time.Time) decimal.Decimal {
	if !p.IsLive(now) || !subtotal.IsPositive() {
		return decimal.Zero
	}
	if p.MinPurchaseAmount.Valid && subtotal.LessThan(p.MinPurchaseAmount.Decimal) {
		return decimal.Zero
	}

	base := discountBase(p, subtotal, items)

	var amount decimal.Decimal
	switch p.Type {
	case TypePercentage:
		amount = base.Mul(p.DiscountValue).Div(hundred)
		if p.MaxDiscountAmount.Valid {
			amount = decimal.Min(amount, p.MaxDiscountAmount.Decimal)
		}
	case TypeFixed:
		amount = decimal.Min(p.DiscountValue, base)
	case TypeFreeShipping:
		// Shipping is waived by the caller, not priced here.
		amount = decimal.Zero
	case TypeBuyXGetY, TypeBundle:
		// TODO: price per-item combinations once line-level rules are stored.
		amount = decimal.Zero
	default:
		amount = decimal.Zero
	}

	// Rounding can carry a sub-cent amount past the bound, so the bound is
	// floored to cents as well.
	upper := decimal.Min(base, subtotal)
	return clamp(clamp(amount, upper).Round(2), upper.RoundFloor(2))
}

// discountBase returns the amount percentage and fixed discounts apply to.
func discountBase(p *Promotion, subtotal decimal.Decimal, items []CartItem) decimal.Decimal {
	if p.ApplicableTo == ScopeAll || items == nil {
		return subtotal
	}
	base := decimal.Zero
	for _, item := range items {
		if matchesItem(p, item) {
			base = base.Add(item.LineTotal())
		}
	}
	return decimal.Min(base, subtotal)
}

// clamp bounds d to [0, upper].
func clamp(d, upper decimal.Decimal) decimal.Decimal {
	if d.IsNegative() || upper.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(d, upper)
}
