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
	"github.com/cassiomorais/payflow/pkg/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var errCompensationDisabled = errors.New("compensation disabled")

// Policy decides how an orphaned charge is repaired.
type Policy string

const (
	// PolicyBackfill completes the payment locally with the confirmed
	// provider reference.
	PolicyBackfill Policy = "backfill"
	// PolicyRefund refunds the charge and fails the payment.
	PolicyRefund Policy = "refund"
)

// Strategy decides when orphans are detected.
type Strategy string

const (
	StrategyReactive  Strategy = "reactive"
	StrategyReconcile Strategy = "reconcile"
	StrategyBoth      Strategy = "both"
)

func (s Strategy) Reactive() bool  { return s == StrategyReactive || s == StrategyBoth }
func (s Strategy) Reconcile() bool { return s == StrategyReconcile || s == StrategyBoth }

// Config tunes compensation.
type Config struct {
	// Enabled=false escalates orphans without repairing them.
	Enabled           bool
	Policy            Policy
	Strategy          Strategy
	PersistRetry      retry.Config
	ReconcileInterval time.Duration
	StaleAfter        time.Duration
	BatchSize         int
	LockTTL           time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		Policy:            PolicyBackfill,
		Strategy:          StrategyBoth,
		PersistRetry:      retry.DefaultConfig(),
		ReconcileInterval: time.Minute,
		StaleAfter:        10 * time.Minute,
		BatchSize:         50,
		LockTTL:           time.Minute,
	}
}

// Recorder receives compensation measurements.
type Recorder interface {
	CompensationSucceeded(policy string)
	CompensationFailed(policy string)
	PaymentReconciled(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) CompensationSucceeded(string) {}
func (nopRecorder) CompensationFailed(string)    {}
func (nopRecorder) PaymentReconciled(string)     {}

// Handler repairs payments whose charge succeeded at the provider but whose
// terminal state was never persisted.
type Handler struct {
	payments  payment.Repository
	outbox    paymentApp.OutboxWriter
	txManager paymentApp.TransactionManager
	providers paymentApp.ProviderGateway
	recorder  Recorder
	cfg       Config
	logger    zerolog.Logger
}

// NewHandler creates a Handler. recorder may be nil.
func NewHandler(
	payments payment.Repository,
	outboxWriter paymentApp.OutboxWriter,
	txManager paymentApp.TransactionManager,
	gateway paymentApp.ProviderGateway,
	recorder Recorder,
	cfg Config,
	logger zerolog.Logger,
) *Handler {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyBackfill
	}
	return &Handler{
		payments:  payments,
		outbox:    outboxWriter,
		txManager: txManager,
		providers: gateway,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger.With().Str("component", "compensation").Logger(),
	}
}

// Compensate repairs p according to the configured policy. Failures are
// returned as ErrCompensationFailed.
func (h *Handler) Compensate(ctx context.Context, p *payment.Payment, providerRef string) (*payment.Payment, error) {
	log := h.logger.With().
		Str("payment_id", p.ID.String()).
		Str("provider_transaction_id", providerRef).
		Str("policy", string(h.cfg.Policy)).
		Logger()

	if !h.cfg.Enabled {
		return nil, h.escalate(log, p, errCompensationDisabled)
	}

	var (
		repaired *payment.Payment
		err      error
	)
	switch h.cfg.Policy {
	case PolicyRefund:
		repaired, err = h.refund(ctx, p, providerRef)
	default:
		repaired, err = h.backfill(ctx, p.ID, providerRef)
	}
	if err != nil {
		return nil, h.escalate(log, p, err)
	}

	h.recorder.CompensationSucceeded(string(h.cfg.Policy))
	log.Info().Str("status", string(repaired.Status)).Msg("orphaned charge compensated")
	return repaired, nil
}

func (h *Handler) backfill(ctx context.Context, id uuid.UUID, ref string) (*payment.Payment, error) {
	return h.persist(ctx, id, func(p *payment.Payment) (string, error) {
		if err := p.MarkCompleted(ref); err != nil {
			return "", err
		}
		return paymentApp.EventPaymentCompleted, nil
	}, func(p *payment.Payment) bool {
		return p.Status == payment.StatusCompleted && p.ProviderTransactionID != nil && *p.ProviderTransactionID == ref
	})
}

func (h *Handler) refund(ctx context.Context, p *payment.Payment, ref string) (*payment.Payment, error) {
	// One compensation refund per payment, whatever the number of attempts.
	res, err := h.providers.Refund(ctx, p.Provider, providers.RefundRequest{
		PaymentID:      p.ID.String(),
		TransactionID:  ref,
		IdempotencyKey: "compensation:" + p.ID.String(),
		AmountCents:    p.Amount.ValueCents,
		Currency:       p.Amount.Currency,
	})
	if err != nil {
		return nil, fmt.Errorf("refund orphaned charge: %w", err)
	}

	reason := fmt.Sprintf("compensated: charge %s refunded as %s", ref, res.TransactionID)
	return h.persist(ctx, p.ID, func(p *payment.Payment) (string, error) {
		if err := p.MarkFailed(reason); err != nil {
			return "", err
		}
		return paymentApp.EventPaymentCompensated, nil
	}, func(p *payment.Payment) bool {
		return p.Status == payment.StatusFailed
	})
}

// persist reloads the payment, applies transition and writes it with its
// event, retrying transient failures. done reports a payment that an earlier
// attempt already repaired.
func (h *Handler) persist(
	ctx context.Context,
	id uuid.UUID,
	transition func(*payment.Payment) (string, error),
	done func(*payment.Payment) bool,
) (*payment.Payment, error) {
	cfg := h.cfg.PersistRetry
	cfg.RetryIf = func(err error) bool { return !domainErrors.IsPermanent(err) }

	return retry.DoWithResult(ctx, cfg, func() (*payment.Payment, error) {
		p, err := h.payments.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if done(p) {
			return p, nil
		}
		eventType, err := transition(p)
		if err != nil {
			return nil, err
		}
		ev, err := paymentApp.NewPaymentEvent(p, eventType)
		if err != nil {
			return nil, err
		}
		err = h.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
			if err := h.payments.Update(txCtx, p, payment.StatusProcessing); err != nil {
				return fmt.Errorf("update payment: %w", err)
			}
			return h.outbox.Insert(txCtx, ev)
		})
		if err != nil {
			return nil, err
		}
		p.ClearChanges()
		return p, nil
	})
}

func (h *Handler) escalate(log zerolog.Logger, p *payment.Payment, cause error) error {
	h.recorder.CompensationFailed(string(h.cfg.Policy))
	log.Error().Err(cause).Bool("alert", true).Msg("compensation failed, manual intervention required")
	return domainErrors.NewDomainError(
		domainErrors.CodeCompensationFailed,
		fmt.Sprintf("payment %s: %v", p.ID, cause),
		domainErrors.ErrCompensationFailed,
	)
}

var _ paymentApp.Compensator = (*Handler)(nil)
