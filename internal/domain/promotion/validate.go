package promotion

import (
	"regexp"

	"github.com/go-faster/errors"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

var couponCodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate checks that p is a well-formed rule before it is stored. It does
// not consider liveness or usage.
func (p *Promotion) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.ID, validation.Required),
		validation.Field(&p.Name,
			validation.Required.Error("name is required"),
			validation.Length(1, 200),
		),
		validation.Field(&p.Type,
			validation.Required.Error("type is required"),
			validation.By(func(any) error {
				if !p.Type.Valid() {
					return errors.Errorf("unknown type %q", p.Type)
				}
				return nil
			}),
		),
		validation.Field(&p.DiscountValue, validation.By(func(any) error {
			if p.DiscountValue.IsNegative() {
				return errors.New("must not be negative")
			}
			if p.Type == TypePercentage && p.DiscountValue.GreaterThan(hundred) {
				return errors.New("percentage must not exceed 100")
			}
			return nil
		})),
		validation.Field(&p.MinPurchaseAmount, validation.By(nonNegative(p.MinPurchaseAmount))),
		validation.Field(&p.MaxDiscountAmount, validation.By(nonNegative(p.MaxDiscountAmount))),
		validation.Field(&p.ApplicableTo, validation.By(func(any) error {
			if !p.ApplicableTo.Valid() {
				return errors.Errorf("unknown scope %q", p.ApplicableTo)
			}
			return nil
		})),
		validation.Field(&p.ApplicableIDs,
			validation.When(p.ApplicableTo != ScopeAll,
				validation.Required.Error("ids are required for a scoped promotion"),
			),
		),
		validation.Field(&p.CouponCode,
			validation.When(p.CouponCode != "",
				validation.Length(3, 50),
				validation.Match(couponCodePattern).Error("must contain only letters, digits, '-' and '_'"),
			),
		),
		validation.Field(&p.UsageLimit, validation.When(p.UsageLimit != nil, validation.Min(0))),
		validation.Field(&p.UserLimit, validation.When(p.UserLimit != nil, validation.Min(0))),
		validation.Field(&p.StartDate, validation.Required),
		validation.Field(&p.EndDate,
			validation.Required,
			validation.By(func(any) error {
				if p.EndDate.Before(p.StartDate) {
					return errors.New("must not be before start date")
				}
				return nil
			}),
		),
	)
}

func nonNegative(v decimal.NullDecimal) validation.RuleFunc {
	return func(any) error {
		if v.Valid && v.Decimal.IsNegative() {
			return errors.New("must not be negative")
		}
		return nil
	}
}
