package promotion

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/xenking/promo-engine/internal/domain/promotion"

// Option configures an Engine.
type Option func(*Engine)

// WithMeterProvider sets the provider used for engine counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// WithTracerProvider sets the provider used for engine spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(instrumentationName) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine validates coupons, selects the best offer for a cart and records
// redemptions. It keeps no promotion state between calls.
type Engine struct {
	repo Repository
	now  func() time.Time

	meterProvider metric.MeterProvider
	tracer        trace.Tracer

	validations metric.Int64Counter
	selections  metric.Int64Counter
	redemptions metric.Int64Counter
}

// NewEngine creates an Engine backed by repo.
func NewEngine(repo Repository, opts ...Option) (*Engine, error) {
	e := &Engine{
		repo:          repo,
		now:           time.Now,
		meterProvider: noopmetric.NewMeterProvider(),
		tracer:        nooptrace.NewTracerProvider().Tracer(instrumentationName),
	}
	for _, o := range opts {
		o(e)
	}

	meter := e.meterProvider.Meter(instrumentationName)
	var err error
	if e.validations, err = meter.Int64Counter("promotion.validations",
		metric.WithDescription("Coupon validations by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "create validations counter")
	}
	if e.selections, err = meter.Int64Counter("promotion.selections",
		metric.WithDescription("Best-offer selections by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "create selections counter")
	}
	if e.redemptions, err = meter.Int64Counter("promotion.redemptions",
		metric.WithDescription("Recorded coupon redemptions by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "create redemptions counter")
	}

	return e, nil
}

// NormalizeCode trims and upper-cases a user supplied coupon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateCoupon checks whether code is redeemable for the cart right now.
//
// Checks run in a fixed order and the first failure decides the reported
// reason: not found, usage limit, per-user limit (only with a userID),
// minimum purchase, applicability. A rejected coupon is not an error; the
// error return is reserved for persistence failures.
func (e *Engine) ValidateCoupon(
	ctx context.Context,
	code string,
	subtotal decimal.Decimal,
	items []CartItem,
	userID string,
) (*Validation, error) {
	ctx, span := e.tracer.Start(ctx, "promotion.ValidateCoupon")
	defer span.End()

	v, err := e.validateCoupon(ctx, NormalizeCode(code), subtotal, items, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.validations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		return nil, err
	}

	outcome := "valid"
	if !v.Valid {
		outcome = outcomeOf(v.Err)
	}
	e.validations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	return v, nil
}

func (e *Engine) validateCoupon(
	ctx context.Context,
	code string,
	subtotal decimal.Decimal,
	items []CartItem,
	userID string,
) (*Validation, error) {
	if code == "" {
		return invalid(ErrCouponNotFound), nil
	}

	now := e.now()
	candidates, err := e.repo.FindActive(ctx, Filter{CouponCode: code, At: now})
	if err != nil {
		return nil, errors.Wrap(err, "find coupon")
	}

	var p *Promotion
	for i := range candidates {
		c := &candidates[i]
		if c.IsLive(now) && strings.EqualFold(c.CouponCode, code) {
			p = c
			break
		}
	}
	if p == nil {
		return invalid(ErrCouponNotFound), nil
	}

	if p.usageExhausted() {
		return invalid(ErrUsageLimitReached), nil
	}

	if userID != "" && p.UserLimit != nil {
		used, err := e.repo.CountUsage(ctx, code, userID)
		if err != nil {
			return nil, errors.Wrap(err, "count coupon usage")
		}
		if used >= *p.UserLimit {
			return invalid(ErrUserLimitReached), nil
		}
	}

	if p.MinPurchaseAmount.Valid && subtotal.LessThan(p.MinPurchaseAmount.Decimal) {
		return invalid(&MinPurchaseError{Minimum: p.MinPurchaseAmount.Decimal}), nil
	}

	if !IsApplicable(p, items, now) {
		return invalid(ErrNotApplicable), nil
	}

	return &Validation{
		Valid:     true,
		Promotion: p,
		Discount:  CalculateDiscount(p, subtotal, items, now),
	}, nil
}

// FindBest returns the applicable live promotion with the highest discount,
// or nil when nothing discounts the cart. With a couponCode only that code is
// considered. With a userID, candidates whose global or per-user cap is used
// up are dropped. Ties keep the earliest candidate in repository order.
func (e *Engine) FindBest(
	ctx context.Context,
	subtotal decimal.Decimal,
	items []CartItem,
	couponCode string,
	userID string,
) (*Result, error) {
	return e.selectBest(ctx, "promotion.FindBest", subtotal, items, NormalizeCode(couponCode), userID, false)
}

// FindBestAutomatic is FindBest restricted to promotions that apply without
// a coupon code. Checkout uses it when the shopper entered no code.
func (e *Engine) FindBestAutomatic(
	ctx context.Context,
	subtotal decimal.Decimal,
	items []CartItem,
	userID string,
) (*Result, error) {
	return e.selectBest(ctx, "promotion.FindBestAutomatic", subtotal, items, "", userID, true)
}

func (e *Engine) selectBest(
	ctx context.Context,
	spanName string,
	subtotal decimal.Decimal,
	items []CartItem,
	code string,
	userID string,
	automaticOnly bool,
) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, spanName)
	defer span.End()

	best, err := e.findBest(ctx, subtotal, items, code, userID, automaticOnly)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.selections.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		return nil, err
	}

	outcome := "none"
	if best != nil {
		outcome = "selected"
		span.SetAttributes(attribute.String("promotion.id", best.PromotionID))
	}
	e.selections.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	return best, nil
}

func (e *Engine) findBest(
	ctx context.Context,
	subtotal decimal.Decimal,
	items []CartItem,
	code string,
	userID string,
	automaticOnly bool,
) (*Result, error) {
	now := e.now()
	candidates, err := e.repo.FindActive(ctx, Filter{CouponCode: code, At: now})
	if err != nil {
		return nil, errors.Wrap(err, "find active promotions")
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	lg := zctx.From(ctx)
	var best *Result
	for i := range candidates {
		p := &candidates[i]
		if code != "" && !strings.EqualFold(p.CouponCode, code) {
			continue
		}
		if automaticOnly && p.CouponCode != "" {
			continue
		}
		if userID != "" {
			ok, err := e.withinLimits(ctx, p, userID)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		if !IsApplicable(p, items, now) {
			continue
		}

		r := priceResult(p, subtotal, items, now)
		lg.Debug("Promotion priced",
			zap.String("promotion_id", p.ID),
			zap.String("discount", r.DiscountAmount.String()),
			zap.String("reason", r.Reason),
		)
		// Strictly greater keeps the first maximum.
		if best == nil || r.DiscountAmount.GreaterThan(best.DiscountAmount) {
			best = r
		}
	}

	if best == nil || !best.Applied {
		return nil, nil
	}
	return best, nil
}

// withinLimits reports whether userID may still redeem p.
func (e *Engine) withinLimits(ctx context.Context, p *Promotion, userID string) (bool, error) {
	if p.usageExhausted() {
		return false, nil
	}
	if p.UserLimit == nil || p.CouponCode == "" {
		return true, nil
	}
	used, err := e.repo.CountUsage(ctx, NormalizeCode(p.CouponCode), userID)
	if err != nil {
		return false, errors.Wrapf(err, "count usage of %s", p.ID)
	}
	return used < *p.UserLimit, nil
}

func priceResult(p *Promotion, subtotal decimal.Decimal, items []CartItem, now time.Time) *Result {
	amount := CalculateDiscount(p, subtotal, items, now)
	r := &Result{
		PromotionID:    p.ID,
		PromotionName:  p.Name,
		DiscountAmount: amount,
		Type:           p.Type,
		Applied:        amount.IsPositive(),
		FreeShipping:   p.Type == TypeFreeShipping,
	}
	if !r.Applied {
		r.Reason = zeroReason(p, subtotal)
	}
	return r
}

func zeroReason(p *Promotion, subtotal decimal.Decimal) string {
	switch {
	case p.MinPurchaseAmount.Valid && subtotal.LessThan(p.MinPurchaseAmount.Decimal):
		return (&MinPurchaseError{Minimum: p.MinPurchaseAmount.Decimal}).Error()
	case p.Type == TypeFreeShipping:
		return "free shipping does not reduce the item price"
	case p.Type == TypeBuyXGetY, p.Type == TypeBundle:
		return "discount type " + string(p.Type) + " is not supported yet"
	default:
		return "no discount for current cart"
	}
}

// ApplyToOrder records a coupon redemption for a placed order. Promotions
// applied without a code are not tracked and report false with no error.
// On failure nothing is recorded and the usage counter is unchanged.
func (e *Engine) ApplyToOrder(ctx context.Context, orderID, promotionID, userID, couponCode string) (bool, error) {
	code := NormalizeCode(couponCode)
	if code == "" {
		return false, nil
	}
	if orderID == "" || promotionID == "" {
		return false, errors.New("order id and promotion id are required")
	}

	ctx, span := e.tracer.Start(ctx, "promotion.ApplyToOrder", trace.WithAttributes(
		attribute.String("promotion.id", promotionID),
		attribute.String("order.id", orderID),
	))
	defer span.End()

	err := e.repo.RecordUsage(ctx, Usage{
		CouponCode:  code,
		UserID:      userID,
		OrderID:     orderID,
		PromotionID: promotionID,
		UsedAt:      e.now(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.redemptions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcomeOf(err))))
		return false, errors.Wrap(err, "record usage")
	}

	e.redemptions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "recorded")))
	return true, nil
}

// outcomeOf maps a rejection to a low-cardinality metric label.
func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrCouponNotFound):
		return "not_found"
	case errors.Is(err, ErrUsageLimitReached):
		return "usage_limit"
	case errors.Is(err, ErrUserLimitReached):
		return "user_limit"
	case errors.Is(err, ErrMinPurchaseNotMet):
		return "min_purchase"
	case errors.Is(err, ErrNotApplicable):
		return "not_applicable"
	default:
		return "error"
	}
}
