// Package bootstrap builds the dependencies every regimen binary shares: configuration,
// logger, tracer, metrics and the schedule store.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-regimen/internal/config"
	"github.com/drfirst/go-regimen/internal/domain/regimen"
	"github.com/drfirst/go-regimen/internal/infrastructure/memory"
	"github.com/drfirst/go-regimen/internal/infrastructure/postgres"
	"github.com/drfirst/go-regimen/internal/infrastructure/redpanda"
	"github.com/drfirst/go-regimen/internal/observability/logging"
	"github.com/drfirst/go-regimen/internal/observability/metrics"
	"github.com/drfirst/go-regimen/internal/observability/tracing"
)

// Runtime holds the process-wide dependencies
type Runtime struct {
	Config   *config.Config
	Logger   *zap.Logger
	Location *time.Location
	Metrics  *metrics.Metrics
	Store    regimen.Store
	// Pool is nil when the in-memory store is used
	Pool *pgxpool.Pool

	tracer *tracing.Provider
}

// Start loads and validates configuration and opens the store.
func Start(ctx context.Context, service string) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(service, cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	tcfg := tracing.DefaultConfig(service)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		Location: loc,
		Metrics:  metrics.New(nil),
		tracer:   tp,
	}

	if cfg.UsesMemoryStore() {
		logger.Warn("DATABASE_URL not set, using the in-memory store")
		rt.Store = memory.NewRegimenStore()
		return rt, nil
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	logger.Info("connected to database")
	rt.Pool = pool
	rt.Store = regimen.NewRepository(pool, redpanda.TopicRegimenEvents, logger.Named("repository"))
	return rt, nil
}

// Service builds the regimen application service over the runtime's store.
func (rt *Runtime) Service(opts ...regimen.Option) *regimen.Service {
	engine := regimen.NewEngine(rt.Location, rt.Logger.Named("engine"))
	opts = append([]regimen.Option{regimen.WithMetrics(rt.Metrics)}, opts...)
	return regimen.NewService(rt.Store, engine, rt.Logger.Named("service"), opts...)
}

// Ready reports whether the store is reachable
func (rt *Runtime) Ready(ctx context.Context) error {
	if rt.Pool == nil {
		return nil
	}
	return rt.Pool.Ping(ctx)
}

// Close flushes spans, closes the pool and syncs the logger.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if err := rt.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
	_ = rt.Logger.Sync()
	return errors.Join(errs...)
}
