package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/promo-engine/internal/domain/promotion"
)

const (
	promotionColumns = `id, COALESCE(seller_id, ''), name, description, type, discount_value,
		min_purchase_amount, max_discount_amount, applicable_to, applicable_ids,
		COALESCE(coupon_code, ''), usage_limit, usage_count, user_limit,
		start_date, end_date, is_active, created_at`

	findActivePromotionsSQL = `SELECT ` + promotionColumns + `
		FROM promotions
		WHERE is_active
			AND start_date <= $1 AND end_date >= $1
			AND ($2::text = '' OR UPPER(coupon_code) = UPPER($2::text))
			AND ($3::text = '' OR applicable_to = $3::text)
			AND ($4::text = '' OR $4::text = ANY(applicable_ids))
		ORDER BY created_at, id`

	getPromotionByIDSQL = `SELECT ` + promotionColumns + ` FROM promotions WHERE id = $1`

	createPromotionSQL = `INSERT INTO promotions (id, seller_id, name, description, type, discount_value,
		min_purchase_amount, max_discount_amount, applicable_to, applicable_ids,
		coupon_code, usage_limit, usage_count, user_limit, start_date, end_date, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			discount_value = EXCLUDED.discount_value,
			min_purchase_amount = EXCLUDED.min_purchase_amount,
			max_discount_amount = EXCLUDED.max_discount_amount,
			applicable_to = EXCLUDED.applicable_to,
			applicable_ids = EXCLUDED.applicable_ids,
			usage_limit = EXCLUDED.usage_limit,
			user_limit = EXCLUDED.user_limit,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			is_active = EXCLUDED.is_active`

	couponCodesWithPrefixSQL = `SELECT coupon_code FROM promotions
		WHERE coupon_code IS NOT NULL AND starts_with(UPPER(coupon_code), UPPER($1))`

	deactivatePromotionSQL = `UPDATE promotions SET is_active = FALSE WHERE id = $1`

	countUsageSQL = `SELECT COUNT(*) FROM coupon_usages
		WHERE UPPER(coupon_code) = UPPER($1) AND user_id = $2`

	// The limit check and increment are one statement so concurrent
	// redemptions cannot push usage_count past usage_limit.
	incrementUsageSQL = `UPDATE promotions SET usage_count = usage_count + 1
		WHERE id = $1 AND (usage_limit IS NULL OR usage_count < usage_limit)`

	promotionExistsSQL = `SELECT EXISTS (SELECT 1 FROM promotions WHERE id = $1)`

	insertUsageSQL = `INSERT INTO coupon_usages (coupon_code, user_id, order_id, promotion_id, used_at)
		VALUES ($1, $2, $3, $4, $5)`
)

var promotionCopyColumns = []string{
	"id", "seller_id", "name", "description", "type", "discount_value",
	"min_purchase_amount", "max_discount_amount", "applicable_to", "applicable_ids",
	"coupon_code", "usage_limit", "usage_count", "user_limit", "start_date", "end_date", "is_active",
}

var _ promotion.Repository = (*PromotionRepository)(nil)

// PromotionRepository implements promotion.Repository backed by PostgreSQL.
type PromotionRepository struct {
	pool *pgxpool.Pool
}

// NewPromotionRepository returns a PromotionRepository that uses the given pool.
func NewPromotionRepository(pool *pgxpool.Pool) *PromotionRepository {
	return &PromotionRepository{pool: pool}
}

// FindActive returns promotions live at filter.At, oldest first.
func (r *PromotionRepository) FindActive(ctx context.Context, filter promotion.Filter) ([]promotion.Promotion, error) {
	at := filter.At
	if at.IsZero() {
		at = time.Now()
	}
	rows, err := r.pool.Query(ctx, findActivePromotionsSQL,
		at, filter.CouponCode, string(filter.ApplicableTo), filter.ApplicableID,
	)
	if err != nil {
		return nil, fmt.Errorf("finding active promotions: %w", err)
	}
	promos, err := pgx.CollectRows(rows, scanPromotion)
	if err != nil {
		return nil, fmt.Errorf("finding active promotions: %w", err)
	}
	return promos, nil
}

// GetByID returns a promotion regardless of its liveness.
func (r *PromotionRepository) GetByID(ctx context.Context, id string) (*promotion.Promotion, error) {
	rows, err := r.pool.Query(ctx, getPromotionByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting promotion %q: %w", id, err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanPromotion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, promotion.ErrPromotionNotFound
		}
		return nil, fmt.Errorf("getting promotion %q: %w", id, err)
	}
	return &p, nil
}

// Create inserts a promotion or updates the rule fields of an existing one.
// Usage counters of an existing promotion are left untouched.
func (r *PromotionRepository) Create(ctx context.Context, p *promotion.Promotion) error {
	_, err := r.pool.Exec(ctx, createPromotionSQL, promotionArgs(p)...)
	if err != nil {
		return fmt.Errorf("creating promotion %q: %w", p.ID, err)
	}
	return nil
}

// CreateMany bulk-inserts new promotions with COPY.
func (r *PromotionRepository) CreateMany(ctx context.Context, promos []promotion.Promotion) (int64, error) {
	n, err := r.pool.CopyFrom(ctx, pgx.Identifier{"promotions"}, promotionCopyColumns,
		pgx.CopyFromSlice(len(promos), func(i int) ([]any, error) {
			return promotionArgs(&promos[i]), nil
		}),
	)
	if err != nil {
		return n, fmt.Errorf("copying %d promotions: %w", len(promos), err)
	}
	return n, nil
}

// CouponCodes calls fn for every stored coupon code starting with prefix,
// compared case-insensitively. Inactive and expired promotions are included
// since their codes still occupy the unique index.
func (r *PromotionRepository) CouponCodes(ctx context.Context, prefix string, fn func(code string)) (int, error) {
	rows, err := r.pool.Query(ctx, couponCodesWithPrefixSQL, prefix)
	if err != nil {
		return 0, fmt.Errorf("querying coupon codes with prefix %q: %w", prefix, err)
	}
	var (
		code string
		n    int
	)
	if _, err := pgx.ForEachRow(rows, []any{&code}, func() error {
		fn(code)
		n++
		return nil
	}); err != nil {
		return n, fmt.Errorf("scanning coupon codes: %w", err)
	}
	return n, nil
}

// Deactivate switches a promotion off. Usage history is kept.
func (r *PromotionRepository) Deactivate(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, deactivatePromotionSQL, id)
	if err != nil {
		return fmt.Errorf("deactivating promotion %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return promotion.ErrPromotionNotFound
	}
	return nil
}

// CountUsage returns how many times userID redeemed couponCode.
func (r *PromotionRepository) CountUsage(ctx context.Context, couponCode, userID string) (int, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, countUsageSQL, couponCode, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting usage of coupon %q: %w", couponCode, err)
	}
	return int(n), nil
}

// RecordUsage increments the usage counter and appends the receipt in one
// transaction. Returns promotion.ErrUsageLimitReached when the cap is used
// up and promotion.ErrPromotionNotFound for an unknown promotion; in both
// cases nothing is written.
func (r *PromotionRepository) RecordUsage(ctx context.Context, u promotion.Usage) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, incrementUsageSQL, u.PromotionID)
		if err != nil {
			return fmt.Errorf("incrementing usage of promotion %q: %w", u.PromotionID, err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, promotionExistsSQL, u.PromotionID).Scan(&exists); err != nil {
				return fmt.Errorf("checking promotion %q: %w", u.PromotionID, err)
			}
			if !exists {
				return promotion.ErrPromotionNotFound
			}
			return promotion.ErrUsageLimitReached
		}

		usedAt := u.UsedAt
		if usedAt.IsZero() {
			usedAt = time.Now()
		}
		if _, err := tx.Exec(ctx, insertUsageSQL,
			u.CouponCode, u.UserID, u.OrderID, u.PromotionID, usedAt,
		); err != nil {
			return fmt.Errorf("inserting usage for order %q: %w", u.OrderID, err)
		}
		return nil
	})
}

func promotionArgs(p *promotion.Promotion) []any {
	ids := p.ApplicableIDs
	if ids == nil {
		ids = []string{}
	}
	return []any{
		p.ID, nullString(p.SellerID), p.Name, p.Description, string(p.Type), p.DiscountValue,
		p.MinPurchaseAmount, p.MaxDiscountAmount, string(p.ApplicableTo), ids,
		nullString(p.CouponCode), nullInt(p.UsageLimit), int32(p.UsageCount), nullInt(p.UserLimit),
		p.StartDate, p.EndDate, p.IsActive,
	}
}

func scanPromotion(row pgx.CollectableRow) (promotion.Promotion, error) {
	var (
		p            promotion.Promotion
		typ          string
		applicableTo string
		value        decimal.Decimal
		usageLimit   *int32
		usageCount   int32
		userLimit    *int32
	)
	err := row.Scan(
		&p.ID, &p.SellerID, &p.Name, &p.Description, &typ, &value,
		&p.MinPurchaseAmount, &p.MaxDiscountAmount, &applicableTo, &p.ApplicableIDs,
		&p.CouponCode, &usageLimit, &usageCount, &userLimit,
		&p.StartDate, &p.EndDate, &p.IsActive, &p.CreatedAt,
	)
	p.Type = promotion.Type(typ)
	p.ApplicableTo = promotion.Scope(applicableTo)
	p.DiscountValue = value
	p.UsageLimit = intFromNull(usageLimit)
	p.UsageCount = int(usageCount)
	p.UserLimit = intFromNull(userLimit)
	return p, err
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(v *int) *int32 {
	if v == nil {
		return nil
	}
	n := int32(*v)
	return &n
}

func intFromNull(v *int32) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}
