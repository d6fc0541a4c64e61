package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/promo-engine/internal/domain/promotion"
	"github.com/xenking/promo-engine/internal/promocode"
	"github.com/xenking/promo-engine/internal/storage/postgres"
)

const progressEvery = 10_000

type options struct {
	databaseURL    string
	templateID     string
	count          int
	prefix         string
	length         int
	usageLimit     int
	batchSize      int
	out            string
	existing       string
	retireTemplate bool
}

func main() {
	var opts options

	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.templateID, "template", "", "id of the promotion to clone")
	flag.IntVar(&opts.count, "count", 1000, "number of codes to issue")
	flag.StringVar(&opts.prefix, "prefix", "", "prefix prepended to every code")
	flag.IntVar(&opts.length, "length", 8, "number of random symbols per code")
	flag.IntVar(&opts.usageLimit, "usage-limit", 1, "redemptions allowed per code")
	flag.IntVar(&opts.batchSize, "batch-size", 1000, "promotions per COPY batch")
	flag.StringVar(&opts.out, "out", "codes.gz", "gzip manifest of issued codes")
	flag.StringVar(&opts.existing, "existing", "", "gzip manifest of codes issued earlier, never reissued")
	flag.BoolVar(&opts.retireTemplate, "retire-template", false, "deactivate the template once codes are issued")
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
	if opts.templateID == "" {
		slog.Error("template promotion is required: set --template")
		os.Exit(1)
	}
	if opts.count <= 0 || opts.batchSize <= 0 || opts.usageLimit <= 0 {
		slog.Error("count, batch-size and usage-limit must be positive")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("code generation failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("code generation completed successfully")
}

func run(ctx context.Context, opts options) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	repo := postgres.NewPromotionRepository(pool)

	template, err := repo.GetByID(ctx, opts.templateID)
	if err != nil {
		return errors.Wrapf(err, "load template %s", opts.templateID)
	}
	if err := template.Validate(); err != nil {
		return errors.Wrapf(err, "validate template %s", template.ID)
	}

	var stored []string
	if _, err := repo.CouponCodes(ctx, opts.prefix, func(code string) {
		stored = append(stored, code)
	}); err != nil {
		return errors.Wrap(err, "load stored codes")
	}

	gen, err := promocode.NewGenerator(opts.prefix, opts.length, uint(opts.count+len(stored)))
	if err != nil {
		return errors.Wrap(err, "create generator")
	}
	if template.CouponCode != "" {
		gen.Reserve(template.CouponCode)
	}
	for _, code := range stored {
		gen.Reserve(code)
	}
	slog.Info("reserved stored codes", slog.Int("count", len(stored)))

	if opts.existing != "" {
		var reserved int
		if err := promocode.ReadManifest(ctx, opts.existing, func(code string) {
			gen.Reserve(code)
			reserved++
		}); err != nil {
			return errors.Wrap(err, "read existing codes")
		}
		slog.Info("reserved existing codes", slog.Int("count", reserved))
	}

	manifest, err := promocode.CreateManifest(opts.out)
	if err != nil {
		return errors.Wrap(err, "create manifest")
	}

	err = issue(ctx, repo, gen, manifest, *template, opts)
	if cerr := manifest.Close(); cerr != nil && err == nil {
		err = errors.Wrap(cerr, "close manifest")
	}
	if err != nil {
		return err
	}

	if opts.retireTemplate {
		if err := repo.Deactivate(ctx, template.ID); err != nil {
			return errors.Wrapf(err, "retire template %s", template.ID)
		}
		slog.Info("template retired", slog.String("id", template.ID))
	}

	return nil
}

// issue generates clones of template in batches on one goroutine and writes
// them on another. A code reaches the manifest only after its batch is stored.
func issue(
	ctx context.Context,
	repo *postgres.PromotionRepository,
	gen *promocode.Generator,
	manifest *promocode.ManifestWriter,
	template promotion.Promotion,
	opts options,
) error {
	batches := make(chan []promotion.Promotion, 2)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(batches)

		batch := make([]promotion.Promotion, 0, opts.batchSize)
		for i := range opts.count {
			code, err := gen.Next()
			if err != nil {
				return errors.Wrapf(err, "generate code %d", i+1)
			}
			p := promocode.Clone(template, code, opts.usageLimit)
			if err := p.Validate(); err != nil {
				return errors.Wrapf(err, "validate code %s", code)
			}
			batch = append(batch, p)

			if len(batch) == opts.batchSize || i+1 == opts.count {
				select {
				case batches <- batch:
				case <-ctx.Done():
					return ctx.Err()
				}
				batch = make([]promotion.Promotion, 0, opts.batchSize)
			}
		}
		return nil
	})
	g.Go(func() error {
		var written int64
		for batch := range batches {
			n, err := repo.CreateMany(ctx, batch)
			if err != nil {
				return errors.Wrap(err, "store batch")
			}
			for _, p := range batch {
				if err := manifest.Write(p.CouponCode); err != nil {
					return errors.Wrap(err, "write manifest")
				}
			}

			prev := written
			written += n
			if written/progressEvery != prev/progressEvery || int(written) == opts.count {
				slog.Info("write progress",
					slog.Int64("written", written),
					slog.Int("total", opts.count),
				)
			}
		}
		return nil
	})

	return g.Wait()
}
