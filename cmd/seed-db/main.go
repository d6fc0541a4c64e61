package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/promo-engine/internal/domain/auth"
	"github.com/xenking/promo-engine/internal/domain/product"
	"github.com/xenking/promo-engine/internal/domain/promotion"
	"github.com/xenking/promo-engine/internal/storage/postgres"
)

type productJSON struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	CategoryID string          `json:"categoryId"`
	SellerID   string          `json:"sellerId"`
}

type promotionJSON struct {
	ID                string              `json:"id"`
	SellerID          string              `json:"sellerId"`
	Name              string              `json:"name"`
	Description       string              `json:"description"`
	Type              string              `json:"type"`
	DiscountValue     decimal.Decimal     `json:"discountValue"`
	MinPurchaseAmount decimal.NullDecimal `json:"minPurchaseAmount"`
	MaxDiscountAmount decimal.NullDecimal `json:"maxDiscountAmount"`
	ApplicableTo      string              `json:"applicableTo"`
	ApplicableIDs     []string            `json:"applicableIds"`
	CouponCode        string              `json:"couponCode"`
	UsageLimit        *int                `json:"usageLimit"`
	UserLimit         *int                `json:"userLimit"`
	StartDate         time.Time           `json:"startDate"`
	EndDate           time.Time           `json:"endDate"`
	IsActive          bool                `json:"isActive"`
}

func (p promotionJSON) toDomain() promotion.Promotion {
	return promotion.Promotion{
		ID:                p.ID,
		SellerID:          p.SellerID,
		Name:              p.Name,
		Description:       p.Description,
		Type:              promotion.Type(p.Type),
		DiscountValue:     p.DiscountValue,
		MinPurchaseAmount: p.MinPurchaseAmount,
		MaxDiscountAmount: p.MaxDiscountAmount,
		ApplicableTo:      promotion.Scope(p.ApplicableTo),
		ApplicableIDs:     p.ApplicableIDs,
		CouponCode:        p.CouponCode,
		UsageLimit:        p.UsageLimit,
		UserLimit:         p.UserLimit,
		StartDate:         p.StartDate,
		EndDate:           p.EndDate,
		IsActive:          p.IsActive,
	}
}

type options struct {
	databaseURL    string
	productsFile   string
	promotionsFile string
	apiKey         string
	apiKeyPepper   string
}

func main() {
	var opts options

	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.StringVar(&opts.promotionsFile, "promotions-file", "db/seed/promotions.json", "path to promotions JSON file")
	flag.StringVar(&opts.apiKey, "api-key", "", "API key to seed (or PROMO_SEED_API_KEY env)")
	flag.StringVar(&opts.apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or PROMO_API_KEY_PEPPER env)")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("PROMO_DATABASE_URL")
	}
	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if opts.apiKey == "" {
		opts.apiKey = os.Getenv("PROMO_SEED_API_KEY")
	}
	if opts.apiKey == "" {
		slog.Error("API key is required: set --api-key or PROMO_SEED_API_KEY")
		os.Exit(1)
	}
	if opts.apiKeyPepper == "" {
		opts.apiKeyPepper = os.Getenv("PROMO_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, opts options) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedProducts(ctx, postgres.NewProductRepository(pool), opts.productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}

	if err := seedPromotions(ctx, postgres.NewPromotionRepository(pool), opts.promotionsFile); err != nil {
		return errors.Wrap(err, "seed promotions")
	}

	if err := seedAPIKey(ctx, postgres.NewAPIKeyRepository(pool), opts.apiKey, opts.apiKeyPepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	return nil
}

func seedProducts(ctx context.Context, repo *postgres.ProductRepository, path string) error {
	slog.Info("reading products file", slog.String("path", path))

	var products []productJSON
	if err := readJSON(path, &products); err != nil {
		return err
	}

	slog.Info("upserting products", slog.Int("count", len(products)))

	for _, p := range products {
		if err := repo.Upsert(ctx, product.Product{
			ID:         p.ID,
			Name:       p.Name,
			Price:      p.Price,
			CategoryID: p.CategoryID,
			SellerID:   p.SellerID,
		}); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}

		slog.Info("upserted product", slog.String("id", p.ID), slog.String("name", p.Name))
	}

	return nil
}

func seedPromotions(ctx context.Context, repo *postgres.PromotionRepository, path string) error {
	slog.Info("reading promotions file", slog.String("path", path))

	var promos []promotionJSON
	if err := readJSON(path, &promos); err != nil {
		return err
	}

	for _, raw := range promos {
		p := raw.toDomain()
		if err := p.Validate(); err != nil {
			return errors.Wrapf(err, "validate promotion %s", p.ID)
		}
		if err := repo.Create(ctx, &p); err != nil {
			return errors.Wrapf(err, "upsert promotion %s", p.ID)
		}

		slog.Info("upserted promotion",
			slog.String("id", p.ID),
			slog.String("type", string(p.Type)),
			slog.String("code", p.CouponCode),
		)
	}

	return nil
}

func seedAPIKey(ctx context.Context, repo *postgres.APIKeyRepository, apiKey, pepper string) error {
	slog.Info("seeding default API key")

	if err := repo.Upsert(ctx, auth.APIKeyInfo{
		ID:      "default",
		KeyHash: auth.HashKey(apiKey, []byte(pepper)),
		Name:    "Default checkout key",
		Scopes:  []string{auth.ScopePlaceOrder},
	}); err != nil {
		return errors.Wrap(err, "upsert default API key")
	}

	slog.Info("upserted API key", slog.String("id", "default"))

	return nil
}
