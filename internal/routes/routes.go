package routes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ledgerworks/wallet_ledger/internal/config"
	"github.com/ledgerworks/wallet_ledger/internal/ledger"
	"github.com/ledgerworks/wallet_ledger/internal/metrics"
	"github.com/ledgerworks/wallet_ledger/internal/middleware"
	"github.com/ledgerworks/wallet_ledger/internal/notification"
	"github.com/ledgerworks/wallet_ledger/internal/wallet"
)

const bootstrapTimeout = 30 * time.Second

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// Setup configures middlewares, bootstraps system wallets and registers all routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis presence outside of dev, even though config also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	var store ledger.Store
	if d.DB != nil {
		store = ledger.NewPostgresStore(d.DB, d.Cfg.LockTimeout)
	} else {
		d.Logger.Warn("DATABASE_URL not set; using in-memory ledger store")
		store = ledger.NewInMemory(ledger.WithLockTimeout(d.Cfg.LockTimeout))
	}

	coord := ledger.NewCoordinator(store,
		ledger.WithLogger(d.Logger),
		ledger.WithSystemSeed(d.Cfg.SystemWalletSeed))

	ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
	defer cancel()
	created, err := coord.InitializeSystemWallets(ctx)
	if err != nil {
		return fmt.Errorf("initialize system wallets: %w", err)
	}
	d.Metrics.ObserveSystemWalletsCreated(created)
	d.Logger.Info("system wallets initialized", slog.Int("created", created))

	opts := wallet.Options{
		DefaultAssetTypeID:    d.Cfg.DefaultAssetTypeID,
		RequireIdempotencyKey: d.Cfg.RequireIdempotencyKey,
		Metrics:               d.Metrics,
		Logger:                d.Logger,
	}
	notifiers := notification.Fanout{notification.NewLoggerNotifier(d.Logger)}
	if d.Cache != nil {
		opts.Cache = wallet.NewRedisBalanceCache(d.Cache, d.Cfg.BalanceTTL)
		notifiers = append(notifiers, notification.NewRedisStreamNotifier(d.Cache, d.Cfg.EventStream, d.Cfg.EventStreamMaxLen))
	}
	opts.Notifier = notifiers

	walletSvc := wallet.NewService(coord, opts)
	walletHandler := wallet.NewHandler(walletSvc, d.Logger)

	RegisterInfoRoutes(app)
	RegisterHealthRoutes(app, d)
	if d.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	mutations := []fiber.Handler{
		middleware.RateLimit(d.Cache, d.Cfg.RateLimitPerMinute, d.Metrics),
		middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger, d.Metrics),
	}
	api := app.Group("/api")
	RegisterWalletRoutes(api, walletHandler, mutations...)

	return nil
}
