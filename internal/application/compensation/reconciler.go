package compensation

import (
	"context"
	"errors"
	"fmt"
	"time"

	paymentApp "github.com/cassiomorais/payflow/internal/application/payment"
	domainErrors "github.com/cassiomorais/payflow/internal/domain/errors"
	"github.com/cassiomorais/payflow/internal/domain/payment"
	"github.com/cassiomorais/payflow/internal/providers"
	"github.com/rs/zerolog"
)

const reconcilerLock = "reconciler:processing"

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Scanned     int
	Compensated int
	Failed      int
	Skipped     int
	Escalated   int
}

// Reconciler resolves payments left in PROCESSING longer than StaleAfter by
// asking the provider what happened to their charge.
type Reconciler struct {
	payments  payment.Repository
	outbox    paymentApp.OutboxWriter
	txManager paymentApp.TransactionManager
	providers paymentApp.ProviderGateway
	handler   paymentApp.Compensator
	locker    paymentApp.Locker
	store     paymentApp.IdempotencyStore
	recorder  Recorder
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
}

// NewReconciler creates a Reconciler. recorder may be nil. store is the
// idempotency store the charge flow claims keys in.
func NewReconciler(
	payments payment.Repository,
	outboxWriter paymentApp.OutboxWriter,
	txManager paymentApp.TransactionManager,
	gateway paymentApp.ProviderGateway,
	handler paymentApp.Compensator,
	locker paymentApp.Locker,
	store paymentApp.IdempotencyStore,
	recorder Recorder,
	cfg Config,
	logger zerolog.Logger,
) *Reconciler {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultConfig().ReconcileInterval
	}
	return &Reconciler{
		payments:  payments,
		outbox:    outboxWriter,
		txManager: txManager,
		providers: gateway,
		handler:   handler,
		locker:    locker,
		store:     store,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger.With().Str("component", "reconciler").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the reconciler clock.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Run reconciles every ReconcileInterval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info().
		Dur("interval", r.cfg.ReconcileInterval).
		Dur("stale_after", r.cfg.StaleAfter).
		Msg("reconciler started")

	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reconciler stopped")
			return nil
		case <-ticker.C:
		}
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("reconciliation pass failed")
		}
	}
}

// RunOnce performs one pass. Only one instance reconciles at a time; the
// others skip the pass.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult

	obtainCtx, cancel := context.WithTimeout(ctx, time.Second)
	lock, err := r.locker.Obtain(obtainCtx, reconcilerLock, r.cfg.LockTTL)
	cancel()
	if errors.Is(err, domainErrors.ErrLockAcquisitionFailed) {
		r.logger.Debug().Msg("another instance is reconciling")
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("obtain reconciler lock: %w", err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn().Err(err).Msg("failed to release reconciler lock")
		}
	}()

	stale, err := r.payments.ListStale(ctx, payment.StatusProcessing, r.now().Add(-r.cfg.StaleAfter), r.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list stale payments: %w", err)
	}
	for _, p := range stale {
		res.Scanned++
		outcome := r.resolve(ctx, p)
		r.recorder.PaymentReconciled(outcome)
		switch outcome {
		case "compensated":
			res.Compensated++
		case "failed":
			res.Failed++
		case "escalated":
			res.Escalated++
		default:
			res.Skipped++
		}
	}

	if res.Scanned > 0 {
		r.logger.Info().
			Int("scanned", res.Scanned).
			Int("compensated", res.Compensated).
			Int("failed", res.Failed).
			Int("escalated", res.Escalated).
			Int("skipped", res.Skipped).
			Msg("reconciliation pass finished")
	}
	return res, nil
}

func (r *Reconciler) resolve(ctx context.Context, p *payment.Payment) string {
	log := r.logger.With().
		Str("payment_id", p.ID.String()).
		Str("idempotency_key", p.IdempotencyKey).
		Logger()

	// Claim the charge key so a redelivered command cannot run alongside.
	key := paymentApp.ChargeKey(p.IdempotencyKey)
	lookup, err := r.store.GetOrLock(ctx, key, r.cfg.LockTTL)
	if err != nil {
		log.Warn().Err(err).Msg("idempotency lookup failed, will retry next pass")
		return "skipped"
	}
	if lookup.State != paymentApp.LookupEmpty {
		log.Info().Str("state", lookup.State.String()).Msg("charge key is owned elsewhere, skipping")
		return "skipped"
	}
	// The stored payment answers replays once resolved.
	defer func() {
		if err := r.store.Release(context.WithoutCancel(ctx), key); err != nil {
			log.Warn().Err(err).Msg("failed to release charge key")
		}
	}()

	status, supported, err := r.providers.LookupCharge(ctx, p.Provider, p.IdempotencyKey)
	if err != nil {
		log.Warn().Err(err).Msg("charge lookup failed, will retry next pass")
		return "skipped"
	}
	if !supported {
		log.Warn().Str("provider", string(p.Provider)).Msg("provider cannot look up charges")
		return "skipped"
	}

	switch status.Outcome {
	case providers.ChargeSucceeded:
		if _, err := r.handler.Compensate(ctx, p, status.TransactionID); err != nil {
			return "escalated"
		}
		return "compensated"
	case providers.ChargeDeclined:
		return r.fail(ctx, p, status.DeclineReason, log)
	default:
		return r.fail(ctx, p, domainErrors.ErrChargeNotFound.Error(), log)
	}
}

func (r *Reconciler) fail(ctx context.Context, p *payment.Payment, reason string, log zerolog.Logger) string {
	if err := p.MarkFailed(reason); err != nil {
		log.Error().Err(err).Msg("cannot fail stale payment")
		return "skipped"
	}
	ev, err := paymentApp.NewPaymentEvent(p, paymentApp.EventPaymentFailed)
	if err != nil {
		log.Error().Err(err).Msg("cannot build payment.failed event")
		return "skipped"
	}
	err = r.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := r.payments.Update(txCtx, p, payment.StatusProcessing); err != nil {
			return err
		}
		return r.outbox.Insert(txCtx, ev)
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to persist reconciled failure")
		return "skipped"
	}
	p.ClearChanges()
	log.Info().Str("reason", reason).Msg("stale payment failed")
	return "failed"
}
