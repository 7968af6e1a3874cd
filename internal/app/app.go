// Package app assembles the payment engine from configuration. The server and
// the operator CLI share it.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-learn/backend/config"
	"github.com/aura-learn/backend/internal/activation"
	"github.com/aura-learn/backend/internal/courses"
	"github.com/aura-learn/backend/internal/ledger"
	"github.com/aura-learn/backend/internal/payments"
	"github.com/aura-learn/backend/internal/providers"
	"github.com/aura-learn/backend/internal/resolution"
	"github.com/aura-learn/backend/internal/sideeffects"
	"github.com/aura-learn/backend/internal/store"
	"github.com/aura-learn/backend/pkg/database"
	"github.com/aura-learn/backend/pkg/queue"
	"github.com/aura-learn/backend/pkg/redis"
)

// App is a wired payment engine and the resources behind it.
type App struct {
	Service  *payments.Service
	Store    store.Store
	Adapters *providers.Factory
	Pool     *pgxpool.Pool // nil in development mode
	Redis    *redis.Client // nil when Redis is unreachable
	closers  []func()
}

// Close releases pools and clients in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// New connects to PostgreSQL and Redis and wires the engine. Without a
// database DSN it runs on the in-memory store; without Redis side effects are
// logged instead of queued.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Adapters: providers.NewFactory(cfg.Payments, logger)}

	var catalogue courses.Lookup
	if dsn := cfg.Database.DSN(); dsn != "" {
		pool, err := database.NewPostgresPool(ctx, dsn, logger)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := database.Migrate(ctx, pool, logger); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.Pool = pool
		a.Store = store.NewPostgres(pool)
		catalogue = courses.NewRepository(pool)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (development mode)")
		a.Store = store.NewMemory()
		catalogue = courses.NewMemory()
	}

	var effects interface {
		sideeffects.Notifier
		sideeffects.Gamifier
		sideeffects.Archiver
	}
	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Warn("redis unavailable, side effects will only be logged", zap.Error(err))
		effects = sideeffects.NewLogging(logger)
	} else {
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		a.Redis = rdb
		effects = sideeffects.NewQueued(queue.NewQueue(rdb.Client, logger))
		catalogue = courses.NewCachedRepository(catalogue, rdb, logger)
	}

	var archiver sideeffects.Archiver
	if cfg.AWS.ArchiveBucket != "" {
		archiver = effects
	}

	a.Service = payments.NewService(
		a.Adapters,
		a.Store,
		ledger.New(a.Store, logger),
		resolution.New(cfg.Payments.ReconcileWindow, logger),
		activation.NewDispatcher(effects, effects, catalogue, cfg.Gamification.EnrollmentPoints, logger),
		catalogue,
		archiver,
		payments.Options{
			ProviderTimeout: cfg.Payments.ProviderTimeout,
			ReconcileWindow: cfg.Payments.ReconcileWindow,
			ExpireAfter:     cfg.Payments.ExpireAfter,
			PublicURL:       cfg.Payments.PublicURL,
		},
		logger,
	)
	logger.Info("payment engine ready", zap.Strings("providers", a.Adapters.Names()))
	return a, nil
}

// NewLogger builds the production logger every binary uses.
func NewLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
