package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cassiomorais/payflow/internal/application/compensation"
	"github.com/cassiomorais/payflow/internal/bootstrap"
	"github.com/cassiomorais/payflow/internal/interfaces/http/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "payflow-worker: %v\n", err)
		stop()
		os.Exit(1)
	}
	stop()
}

// run owns every deferred cleanup so main can exit non-zero after them.
func run(ctx context.Context) error {
	app, err := bootstrap.New(ctx, "payflow-worker", "payflow")
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()

	cfg := app.Config
	features := cfg.Features
	svc, err := app.Build(ctx, bootstrap.Wiring{
		Consume: features.AsyncCommands,
		Relay:   features.OutboxPattern,
	})
	if err != nil {
		app.Logger.Error().Err(err).Msg("Failed to wire services")
		return fmt.Errorf("wire services: %w", err)
	}

	app.Logger.Info().
		Bool("async_commands", features.AsyncCommands).
		Bool("outbox_pattern", features.OutboxPattern).
		Bool("retry_logic", features.RetryLogic).
		Bool("compensation", features.Compensation).
		Str("event_bus", cfg.EventBus.Driver).
		Str("commands", cfg.Commands.Driver).
		Msg("Worker starting")

	// The outbox loop outlives the signal so shutdown can drain it.
	if svc.OutboxWorker != nil {
		svc.OutboxWorker.Start(context.WithoutCancel(ctx))
	} else {
		app.Logger.Warn().Msg("Outbox relay disabled, events stay in the outbox table")
	}

	g, gCtx := errgroup.WithContext(ctx)

	for _, src := range svc.Sources {
		g.Go(func() error {
			return svc.Consumer.Run(gCtx, src)
		})
	}

	if features.Compensation && compensation.Strategy(cfg.Compensation.Strategy).Reconcile() {
		g.Go(func() error {
			return svc.Reconciler.Run(gCtx)
		})
	}

	g.Go(func() error {
		return svc.CleanupIdempotency(gCtx)
	})

	var gatherer prometheus.Gatherer
	if cfg.Observability.EnableMetrics {
		gatherer = prometheus.DefaultGatherer
	}
	router := handlers.NewRouter(handlers.RouterDeps{
		Payments:    svc.Status,
		DeadLetters: svc.DeadLetters,
		Checks:      svc.Checks,
		Metrics:     app.Metrics,
		Gatherer:    gatherer,
		Ops:         cfg.Ops,
		Logger:      app.Logger,
	})
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Ops.Port),
		Handler:      router,
		ReadTimeout:  cfg.Ops.ReadTimeout,
		WriteTimeout: cfg.Ops.WriteTimeout,
		IdleTimeout:  cfg.Ops.IdleTimeout,
	}

	g.Go(func() error {
		app.Logger.Info().Str("addr", srv.Addr).Msg("Starting ops server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		app.Logger.Info().Msg("Shutting down worker...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Ops.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.Logger.Error().Err(err).Msg("Ops server forced to shutdown")
		}
		return nil
	})

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	if runErr != nil {
		app.Logger.Error().Err(runErr).Msg("Worker error")
	}

	if svc.OutboxWorker != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Ops.ShutdownTimeout)
		if err := svc.OutboxWorker.Drain(drainCtx); err != nil {
			app.Logger.Warn().Err(err).Msg("Outbox drain timed out, abandoning in-flight batch")
			svc.OutboxWorker.Stop()
		}
		cancel()
	}

	app.Logger.Info().Msg("Worker exited")
	return runErr
}
