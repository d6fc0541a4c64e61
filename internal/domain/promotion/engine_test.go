package promotion

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRepo struct {
	promotions []Promotion
	findErr    error
	lastFilter Filter

	usage    map[string]int // key: code|user
	countErr error

	recordErr error
	recorded  []Usage
}

func (m *mockRepo) FindActive(_ context.Context, f Filter) ([]Promotion, error) {
	m.lastFilter = f
	if m.findErr != nil {
		return nil, m.findErr
	}
	var out []Promotion
	for _, p := range m.promotions {
		if f.CouponCode != "" && !strings.EqualFold(p.CouponCode, f.CouponCode) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *mockRepo) CountUsage(_ context.Context, code, userID string) (int, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	return m.usage[code+"|"+userID], nil
}

func (m *mockRepo) RecordUsage(_ context.Context, u Usage) error {
	if m.recordErr != nil {
		return m.recordErr
	}
	m.recorded = append(m.recorded, u)
	return nil
}

func newTestEngine(t *testing.T, repo Repository) *Engine {
	t.Helper()
	e, err := NewEngine(repo, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return e
}

func coupon(code string, typ Type, value string) Promotion {
	p := livePromo(strings.ToLower(code), typ, value)
	p.CouponCode = code
	return p
}

var twoItemCart = []CartItem{
	{ProductID: "p1", CategoryID: "electronics", SellerID: "s1", Price: d("100"), Quantity: 1},
	{ProductID: "p2", CategoryID: "books", SellerID: "s2", Price: d("10"), Quantity: 2},
}

func TestEngine_ValidateCoupon(t *testing.T) {
	tests := []struct {
		name     string
		promos   func() []Promotion
		usage    map[string]int
		code     string
		subtotal string
		items    []CartItem
		userID   string
		wantErr  error
		reason   string
		discount string
	}{
		{
			name: "end to end percentage coupon, lower-case input",
			promos: func() []Promotion {
				p := coupon("SAVE20", TypePercentage, "20")
				p.MinPurchaseAmount = nd("100")
				return []Promotion{p}
			},
			code:     "save20",
			subtotal: "120",
			items:    twoItemCart,
			discount: "24",
		},
		{
			name:     "unknown code",
			promos:   func() []Promotion { return nil },
			code:     "NOPE",
			subtotal: "120",
			items:    twoItemCart,
			wantErr:  ErrCouponNotFound,
			reason:   "not found or expired",
		},
		{
			name:     "blank code",
			promos:   func() []Promotion { return nil },
			code:     "   ",
			subtotal: "120",
			wantErr:  ErrCouponNotFound,
		},
		{
			name: "expired code not returned as live",
			promos: func() []Promotion {
				p := coupon("OLD", TypeFixed, "5")
				p.EndDate = past
				return []Promotion{p}
			},
			code:     "OLD",
			subtotal: "120",
			items:    twoItemCart,
			wantErr:  ErrCouponNotFound,
		},
		{
			name: "usage limit wins over every other failure",
			promos: func() []Promotion {
				p := coupon("ONCE", TypePercentage, "10")
				p.UsageLimit = intp(1)
				p.UsageCount = 1
				p.UserLimit = intp(1)
				p.MinPurchaseAmount = nd("1000")
				p.ApplicableTo = ScopeCategory
				p.ApplicableIDs = []string{"none"}
				return []Promotion{p}
			},
			usage:    map[string]int{"ONCE|u1": 5},
			code:     "ONCE",
			subtotal: "120",
			items:    twoItemCart,
			userID:   "u1",
			wantErr:  ErrUsageLimitReached,
			reason:   "usage limit",
		},
		{
			name: "per-user limit reached",
			promos: func() []Promotion {
				p := coupon("PERUSER", TypeFixed, "5")
				p.UserLimit = intp(1)
				return []Promotion{p}
			},
			usage:    map[string]int{"PERUSER|u1": 1},
			code:     "peruser",
			subtotal: "120",
			items:    twoItemCart,
			userID:   "u1",
			wantErr:  ErrUserLimitReached,
			reason:   "per-user limit",
		},
		{
			name: "per-user limit ignored without user",
			promos: func() []Promotion {
				p := coupon("PERUSER", TypeFixed, "5")
				p.UserLimit = intp(1)
				return []Promotion{p}
			},
			usage:    map[string]int{"PERUSER|u1": 1},
			code:     "PERUSER",
			subtotal: "120",
			items:    twoItemCart,
			discount: "5",
		},
		{
			name: "per-user limit with room",
			promos: func() []Promotion {
				p := coupon("TWICE", TypeFixed, "5")
				p.UserLimit = intp(2)
				return []Promotion{p}
			},
			usage:    map[string]int{"TWICE|u1": 1},
			code:     "TWICE",
			subtotal: "120",
			items:    twoItemCart,
			userID:   "u1",
			discount: "5",
		},
		{
			name: "minimum purchase before applicability",
			promos: func() []Promotion {
				p := coupon("BIG", TypeFixed, "5")
				p.MinPurchaseAmount = nd("200")
				p.ApplicableTo = ScopeCategory
				p.ApplicableIDs = []string{"none"}
				return []Promotion{p}
			},
			code:     "BIG",
			subtotal: "120",
			items:    twoItemCart,
			wantErr:  ErrMinPurchaseNotMet,
			reason:   "200.00",
		},
		{
			name: "not applicable to cart",
			promos: func() []Promotion {
				p := coupon("TOYS", TypePercentage, "10")
				p.ApplicableTo = ScopeCategory
				p.ApplicableIDs = []string{"toys"}
				return []Promotion{p}
			},
			code:     "TOYS",
			subtotal: "120",
			items:    twoItemCart,
			wantErr:  ErrNotApplicable,
			reason:   "not applicable to cart contents",
		},
		{
			name: "scoped coupon discounts matching items only",
			promos: func() []Promotion {
				p := coupon("BOOKS50", TypePercentage, "50")
				p.ApplicableTo = ScopeCategory
				p.ApplicableIDs = []string{"books"}
				return []Promotion{p}
			},
			code:     "BOOKS50",
			subtotal: "120",
			items:    twoItemCart,
			discount: "10",
		},
		{
			name: "free shipping coupon is valid with zero discount",
			promos: func() []Promotion {
				return []Promotion{coupon("SHIPFREE", TypeFreeShipping, "0")}
			},
			code:     "SHIPFREE",
			subtotal: "120",
			items:    twoItemCart,
			discount: "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockRepo{promotions: tt.promos(), usage: tt.usage}
			e := newTestEngine(t, repo)

			got, err := e.ValidateCoupon(context.Background(), tt.code, d(tt.subtotal), tt.items, tt.userID)
			require.NoError(t, err)
			require.NotNil(t, got)

			if tt.wantErr != nil {
				assert.False(t, got.Valid)
				require.ErrorIs(t, got.Err, tt.wantErr)
				assert.Contains(t, got.Reason, tt.reason)
				return
			}

			assert.True(t, got.Valid)
			assert.Empty(t, got.Reason)
			require.NotNil(t, got.Promotion)
			assert.True(t, d(tt.discount).Equal(got.Discount),
				"expected discount %s, got %s", tt.discount, got.Discount)
		})
	}
}

func TestEngine_ValidateCoupon_NormalizesFilter(t *testing.T) {
	repo := &mockRepo{}
	e := newTestEngine(t, repo)

	_, err := e.ValidateCoupon(context.Background(), " save20 ", d("10"), nil, "")
	require.NoError(t, err)
	assert.Equal(t, "SAVE20", repo.lastFilter.CouponCode)
	assert.True(t, fixedNow.Equal(repo.lastFilter.At))
}

func TestEngine_ValidateCoupon_StoreErrors(t *testing.T) {
	t.Run("find", func(t *testing.T) {
		e := newTestEngine(t, &mockRepo{findErr: errors.New("connection reset")})

		got, err := e.ValidateCoupon(context.Background(), "X", d("10"), nil, "")
		require.Error(t, err)
		assert.Nil(t, got)
		assert.Contains(t, err.Error(), "find coupon")
	})
	t.Run("count", func(t *testing.T) {
		p := coupon("X", TypeFixed, "1")
		p.UserLimit = intp(1)
		e := newTestEngine(t, &mockRepo{
			promotions: []Promotion{p},
			countErr:   errors.New("timeout"),
		})

		got, err := e.ValidateCoupon(context.Background(), "X", d("10"), nil, "u1")
		require.Error(t, err)
		assert.Nil(t, got)
		assert.Contains(t, err.Error(), "count coupon usage")
	})
}

func TestEngine_FindBest(t *testing.T) {
	t.Run("highest discount wins", func(t *testing.T) {
		repo := &mockRepo{promotions: []Promotion{
			livePromo("five", TypeFixed, "5"),
			livePromo("fifteen", TypeFixed, "15"),
			livePromo("ten", TypeFixed, "10"),
		}}
		e := newTestEngine(t, repo)

		got, err := e.FindBest(context.Background(), d("120"), twoItemCart, "", "")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "fifteen", got.PromotionID)
		assert.True(t, d("15").Equal(got.DiscountAmount))
		assert.True(t, got.Applied)
		assert.Equal(t, TypeFixed, got.Type)
	})

	t.Run("tie keeps first candidate", func(t *testing.T) {
		repo := &mockRepo{promotions: []Promotion{
			livePromo("first", TypeFixed, "10"),
			livePromo("second", TypePercentage, "10"), // 10% of 100
		}}
		e := newTestEngine(t, repo)

		got, err := e.FindBest(context.Background(), d("100"), nil, "", "")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "first", got.PromotionID)
	})

	t.Run("all zero returns nil", func(t *testing.T) {
		a := livePromo("a", TypePercentage, "10")
		a.MinPurchaseAmount = nd("500")
		b := livePromo("b", TypeFixed, "10")
		b.MinPurchaseAmount = nd("1000")
		repo := &mockRepo{promotions: []Promotion{a, b, livePromo("ship", TypeFreeShipping, "0")}}
		e := newTestEngine(t, repo)

		got, err := e.FindBest(context.Background(), d("120"), twoItemCart, "", "")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("no candidates returns nil", func(t *testing.T) {
		e := newTestEngine(t, &mockRepo{})

		got, err := e.FindBest(context.Background(), d("120"), twoItemCart, "", "")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("inapplicable and non-live skipped", func(t *testing.T) {
		scoped := livePromo("toys", TypeFixed, "50")
		scoped.ApplicableTo = ScopeCategory
		scoped.ApplicableIDs = []string{"toys"}
		off := livePromo("off", TypeFixed, "60")
		off.IsActive = false
		repo := &mockRepo{promotions: []Promotion{scoped, off, livePromo("small", TypeFixed, "1")}}
		e := newTestEngine(t, repo)

		got, err := e.FindBest(context.Background(), d("120"), twoItemCart, "", "")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "small", got.PromotionID)
	})

	t.Run("coupon code restricts candidates", func(t *testing.T) {
		repo := &mockRepo{promotions: []Promotion{
			livePromo("auto", TypeFixed, "50"),
			coupon("SAVE5", TypeFixed, "5"),
		}}
		e := newTestEngine(t, repo)

		got, err := e.FindBest(context.Background(), d("120"), twoItemCart, "save5", "")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "save5", got.PromotionID)
		assert.Equal(t, "SAVE5", repo.lastFilter.CouponCode)
	})

	t.Run("exhausted candidates dropped for user", func(t *testing.T) {
		soldOut := coupon("SOLDOUT", TypeFixed, "40")
		soldOut.UsageLimit = intp(10)
		soldOut.UsageCount = 10
		perUser := coupon("ONCE", TypeFixed, "30")
		perUser.UserLimit = intp(1)
		repo := &mockRepo{
			promotions: []Promotion{soldOut, perUser, livePromo("auto", TypeFixed, "20")},
			usage:      map[string]int{"ONCE|u1": 1},
		}
		e := newTestEngine(t, repo)

		got, err := e.FindBest(context.Background(), d("120"), twoItemCart, "", "u1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "auto", got.PromotionID)

		got, err = e.FindBest(context.Background(), d("120"), twoItemCart, "", "u2")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "once", got.PromotionID)
	})

	t.Run("store error", func(t *testing.T) {
		e := newTestEngine(t, &mockRepo{findErr: errors.New("db down")})

		got, err := e.FindBest(context.Background(), d("120"), twoItemCart, "", "")
		require.Error(t, err)
		assert.Nil(t, got)
	})
}

func TestEngine_FindBestAutomatic(t *testing.T) {
	repo := &mockRepo{promotions: []Promotion{
		coupon("SAVE50", TypeFixed, "50"),
		livePromo("auto", TypeFixed, "20"),
	}}
	e := newTestEngine(t, repo)

	got, err := e.FindBestAutomatic(context.Background(), d("120"), twoItemCart, "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "auto", got.PromotionID)
	assert.Empty(t, repo.lastFilter.CouponCode)

	// The unrestricted selector still ranks coupon promotions.
	got, err = e.FindBest(context.Background(), d("120"), twoItemCart, "", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "save50", got.PromotionID)
}

func TestEngine_ApplyToOrder(t *testing.T) {
	t.Run("records normalized code", func(t *testing.T) {
		repo := &mockRepo{}
		e := newTestEngine(t, repo)

		ok, err := e.ApplyToOrder(context.Background(), "o1", "promo-1", "u1", "save20")
		require.NoError(t, err)
		assert.True(t, ok)
		require.Len(t, repo.recorded, 1)
		assert.Equal(t, Usage{
			CouponCode:  "SAVE20",
			UserID:      "u1",
			OrderID:     "o1",
			PromotionID: "promo-1",
			UsedAt:      fixedNow,
		}, repo.recorded[0])
	})

	t.Run("no code is not tracked", func(t *testing.T) {
		repo := &mockRepo{}
		e := newTestEngine(t, repo)

		ok, err := e.ApplyToOrder(context.Background(), "o1", "promo-1", "u1", "")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, repo.recorded)
	})

	t.Run("missing ids", func(t *testing.T) {
		e := newTestEngine(t, &mockRepo{})

		ok, err := e.ApplyToOrder(context.Background(), "", "promo-1", "u1", "X")
		require.Error(t, err)
		assert.False(t, ok)
	})

	t.Run("store failure", func(t *testing.T) {
		repo := &mockRepo{recordErr: ErrUsageLimitReached}
		e := newTestEngine(t, repo)

		ok, err := e.ApplyToOrder(context.Background(), "o1", "promo-1", "u1", "X")
		require.ErrorIs(t, err, ErrUsageLimitReached)
		assert.False(t, ok)
		assert.Contains(t, err.Error(), "record usage")
	})
}

func TestMinPurchaseError(t *testing.T) {
	err := error(&MinPurchaseError{Minimum: d("50")})
	assert.ErrorIs(t, err, ErrMinPurchaseNotMet)
	assert.ErrorIs(t, errors.Wrap(err, "validate"), ErrMinPurchaseNotMet)
	assert.Equal(t, "minimum purchase of 50.00 required", err.Error())
}
