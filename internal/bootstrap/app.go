package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cassiomorais/payflow/internal/infrastructure/config"
	"github.com/cassiomorais/payflow/internal/infrastructure/observability"
	infraRedis "github.com/cassiomorais/payflow/internal/infrastructure/redis"
	"github.com/cassiomorais/payflow/internal/repository/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics

	tracer  *sdktrace.TracerProvider
	closers []func() error
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout).
		With().Str("service", serviceName).Str("instance_id", cfg.InstanceID).Logger()
	logger.Info().Msg("Starting")

	app := &App{Config: cfg, Logger: logger}

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			app.tracer = tp
			logger.Info().Msg("Tracing enabled")
		}
	}

	// Collectors are always registered; observability.enable_metrics only
	// controls whether /metrics is served.
	app.Metrics = observability.NewMetrics(metricsNamespace, nil)

	pool, err := postgres.NewPool(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	app.Pool = pool
	logger.Info().Msg("Connected to PostgreSQL")

	redisClient, err := infraRedis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	app.Redis = redisClient
	logger.Info().Msg("Connected to Redis")

	return app, nil
}

// onClose registers fn to run on Close, in reverse registration order.
func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	errs = append(errs, a.Redis.Close())
	a.Pool.Close()
	if a.tracer != nil {
		errs = append(errs, observability.Shutdown(context.Background(), a.tracer))
	}
	if err := errors.Join(errs...); err != nil {
		a.Logger.Warn().Err(err).Msg("Errors during shutdown")
	}
}
