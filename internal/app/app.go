package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/promo-engine/internal/domain/auth"
	"github.com/xenking/promo-engine/internal/domain/order"
	"github.com/xenking/promo-engine/internal/domain/promotion"
	"github.com/xenking/promo-engine/internal/handler"
	"github.com/xenking/promo-engine/internal/storage/postgres"
	"github.com/xenking/promo-engine/pkg/health"
	"github.com/xenking/promo-engine/pkg/httpmiddleware"
)

const serviceName = "promo-api"

// Run wires storage, the promotion engine and checkout behind the HTTP API
// and serves until ctx is done.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	ctx = zctx.Base(ctx, lg)
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	threshold := health.WithThresholds(cfg.Health.Failures, 1)
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool), threshold)
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(cfg.Health.GoroutineLimit), threshold)
	healthSvc.Start(ctx, cfg.Health.Interval)
	healthSvc.SetReady(true)

	productRepo := postgres.NewProductRepository(pool)
	promotionRepo := postgres.NewPromotionRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)

	engine, err := promotion.NewEngine(promotionRepo,
		promotion.WithMeterProvider(m.MeterProvider()),
		promotion.WithTracerProvider(m.TracerProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create promotion engine")
	}
	orderService := order.NewService(productRepo, engine, orderRepo)

	h := routes(ctx, cfg, healthSvc, m,
		handler.NewHandler(productRepo, orderService, engine),
		handler.NewSecurityHandler(apikeyRepo, []byte(cfg.APIKeyPepper)),
	)
	return serve(ctx, lg, cfg, healthSvc, h)
}

// routes mounts probes and the API on a mux and wraps it in the middleware
// chain, outermost first.
func routes(
	ctx context.Context,
	cfg *Config,
	healthSvc *health.Health,
	m httpmiddleware.Telemetry,
	api *handler.Handler,
	security *handler.SecurityHandler,
) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	api.Register(mux, handler.Routes{
		PlaceOrder: security.Require(auth.ScopePlaceOrder),
		Validate: httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			Max:     cfg.Validate.Max,
			Window:  cfg.Validate.Window,
			KeyFunc: httpmiddleware.KeyByUserOrIP,
		}),
	})

	return httpmiddleware.Wrap(mux,
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(zctx.From(ctx)),
		httpmiddleware.Recovery(),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			AllowOrigins:     cfg.CORS.Origins,
			AllowHeaders:     []string{"Content-Type", handler.APIKeyHeader, handler.UserIDHeader},
			ExposeHeaders:    []string{httpmiddleware.RequestIDHeader},
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           int(cfg.CORS.MaxAge / time.Second),
		}),
		httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			Max:    cfg.RateLimit.Max,
			Window: cfg.RateLimit.Window,
		}),
		httpmiddleware.Instrument(serviceName, m),
		httpmiddleware.LogRequests(),
	)
}

// serve runs the server until ctx is done, then flips readiness off, waits
// for load balancers to notice and drains in-flight requests.
func serve(ctx context.Context, lg *zap.Logger, cfg *Config, healthSvc *health.Health, h http.Handler) error {
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		defer healthSvc.Stop()

		healthSvc.SetReady(false)
		lg.Info("Draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		if ctx.Err() != nil {
			time.Sleep(cfg.Graceful.ReadinessDelay)
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		lg.Info("Server stopped")
		return nil
	})
	return g.Wait()
}
