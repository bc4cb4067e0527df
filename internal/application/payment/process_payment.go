package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/payflow/internal/domain/errors"
	"github.com/cassiomorais/payflow/internal/domain/outbox"
	"github.com/cassiomorais/payflow/internal/domain/payment"
	"github.com/cassiomorais/payflow/internal/providers"
	"github.com/cassiomorais/payflow/pkg/retry"
	"github.com/cassiomorais/payflow/pkg/saga"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/cassiomorais/payflow/internal/application/payment")

// Config tunes the payment use cases.
type Config struct {
	DefaultProvider payment.Provider
	IdempotencyTTL  time.Duration
	LockTTL         time.Duration
	// PersistRetry retries the refund unit of work after the provider
	// has already refunded.
	PersistRetry retry.Config
	// ReactiveCompensation repairs orphaned charges inline instead of
	// leaving them to the reconciler.
	ReactiveCompensation bool
}

func DefaultConfig() Config {
	return Config{
		DefaultProvider:      payment.ProviderMock,
		IdempotencyTTL:       24 * time.Hour,
		LockTTL:              30 * time.Second,
		PersistRetry:         retry.DefaultConfig(),
		ReactiveCompensation: true,
	}
}

// ProcessPaymentInput is the payload of a payment.process command.
type ProcessPaymentInput struct {
	IdempotencyKey string         `json:"idempotency_key" validate:"required,max=255"`
	CustomerID     string         `json:"customer_id" validate:"required,max=255"`
	Amount         string         `json:"amount,omitempty" validate:"omitempty,numeric"`
	AmountCents    int64          `json:"amount_cents,omitempty" validate:"omitempty,gt=0"`
	Currency       string         `json:"currency" validate:"required,len=3,alpha"`
	Method         string         `json:"payment_method" validate:"required,oneof=credit_card debit_card paypal bank_transfer"`
	Provider       string         `json:"provider,omitempty" validate:"omitempty,max=50"`
	Token          string         `json:"provider_token,omitempty" validate:"omitempty,max=255"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (in ProcessPaymentInput) amount() (payment.Amount, error) {
	if in.Amount != "" {
		return payment.ParseAmount(in.Amount, in.Currency)
	}
	return payment.NewAmount(in.AmountCents, in.Currency)
}

// ProcessPaymentUseCase charges a customer exactly once per idempotency key.
type ProcessPaymentUseCase struct {
	payments    payment.Repository
	outbox      OutboxWriter
	txManager   TransactionManager
	providers   ProviderGateway
	store       IdempotencyStore
	compensator Compensator
	recorder    Recorder
	cfg         Config
	logger      zerolog.Logger
}

// NewProcessPaymentUseCase creates a new ProcessPaymentUseCase. compensator
// and recorder may be nil.
func NewProcessPaymentUseCase(
	payments payment.Repository,
	outboxWriter OutboxWriter,
	txManager TransactionManager,
	gateway ProviderGateway,
	store IdempotencyStore,
	compensator Compensator,
	recorder Recorder,
	cfg Config,
	logger zerolog.Logger,
) *ProcessPaymentUseCase {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &ProcessPaymentUseCase{
		payments:    payments,
		outbox:      outboxWriter,
		txManager:   txManager,
		providers:   gateway,
		store:       store,
		compensator: compensator,
		recorder:    recorder,
		cfg:         cfg,
		logger:      logger.With().Str("component", "process_payment").Logger(),
	}
}

// Execute runs the charge flow. A replay of a completed key returns the
// stored result without contacting the provider.
func (uc *ProcessPaymentUseCase) Execute(ctx context.Context, in ProcessPaymentInput) (*PaymentSnapshot, error) {
	ctx, span := tracer.Start(ctx, "ProcessPayment")
	defer span.End()
	span.SetAttributes(attribute.String("idempotency_key", in.IdempotencyKey))

	if in.IdempotencyKey == "" {
		return nil, domainErrors.NewValidationError("idempotency_key", "cannot be empty")
	}
	key := ChargeKey(in.IdempotencyKey)

	lookup, err := uc.store.GetOrLock(ctx, key, uc.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	switch lookup.State {
	case LookupCompleted:
		span.SetAttributes(attribute.Bool("replayed", true))
		return replay[PaymentSnapshot](lookup.Record)
	case LookupInProgress:
		return nil, fmt.Errorf("charge %s: %w", in.IdempotencyKey, domainErrors.ErrOperationInProgress)
	}

	start := time.Now()
	result, err := uc.execute(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	uc.record(in, result, err, time.Since(start))
	return settle(ctx, uc.store, uc.logger, key, uc.cfg.IdempotencyTTL, result, err)
}

func (uc *ProcessPaymentUseCase) execute(ctx context.Context, in ProcessPaymentInput) (*PaymentSnapshot, error) {
	amount, err := in.amount()
	if err != nil {
		return nil, err
	}
	provider := payment.Provider(in.Provider)
	if provider == "" {
		provider = uc.cfg.DefaultProvider
	}
	if !uc.providers.Has(provider) {
		return nil, domainErrors.NewValidationError("provider", fmt.Sprintf("unknown provider %q", provider))
	}

	log := uc.logger.With().Str("idempotency_key", in.IdempotencyKey).Logger()

	existing, err := uc.payments.GetByIdempotencyKey(ctx, in.IdempotencyKey)
	switch {
	case err == nil:
		p, resume, rErr := uc.recover(ctx, existing, log)
		if !resume {
			return p, rErr
		}
		return uc.charge(ctx, existing, in.Token, log)
	case !errors.Is(err, domainErrors.ErrPaymentNotFound):
		return nil, fmt.Errorf("load payment by key: %w", err)
	}

	p, err := payment.NewPayment(in.IdempotencyKey, in.CustomerID, amount, payment.Method(in.Method), provider)
	if err != nil {
		return nil, err
	}
	if in.Metadata != nil {
		p.Metadata = in.Metadata
	}
	if err := p.MarkProcessing(); err != nil {
		return nil, err
	}

	err = uc.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := uc.payments.Create(txCtx, p); err != nil {
			return fmt.Errorf("create payment: %w", err)
		}
		return uc.emit(txCtx, p, EventPaymentProcessing)
	})
	if err != nil {
		return nil, err
	}
	p.ClearChanges()
	log.Info().Str("payment_id", p.ID.String()).Str("provider", string(p.Provider)).Msg("payment processing")

	return uc.charge(ctx, p, in.Token, log)
}

// recover handles a key whose payment row already exists. resume is true
// when the provider has no record of the charge and it must be issued.
func (uc *ProcessPaymentUseCase) recover(ctx context.Context, p *payment.Payment, log zerolog.Logger) (*PaymentSnapshot, bool, error) {
	log = log.With().Str("payment_id", p.ID.String()).Str("status", string(p.Status)).Logger()

	if p.IsTerminal() {
		log.Info().Msg("rebuilding result from persisted payment")
		snap, err := ResultOf(p)
		return snap, false, err
	}
	if p.Status != payment.StatusProcessing {
		return nil, false, fmt.Errorf("payment %s in status %s: %w", p.ID, p.Status, domainErrors.ErrInvalidStateTransition)
	}

	status, supported, err := uc.providers.LookupCharge(ctx, p.Provider, p.IdempotencyKey)
	if err != nil {
		return nil, false, fmt.Errorf("lookup charge: %w", err)
	}
	if !supported {
		return nil, false, fmt.Errorf("payment %s: %w", p.ID, domainErrors.ErrOutcomeUnknown)
	}

	switch status.Outcome {
	case providers.ChargeNotFound:
		log.Info().Msg("no charge at provider, resuming")
		return nil, true, nil
	case providers.ChargeDeclined:
		if err := uc.finalize(ctx, p, nil, status.DeclineReason); err != nil {
			return nil, false, err
		}
		snap, err := ResultOf(p)
		return snap, false, err
	default:
		log.Warn().Str("provider_transaction_id", status.TransactionID).Msg("orphaned charge found during recovery")
		if !uc.cfg.ReactiveCompensation || uc.compensator == nil {
			return nil, false, fmt.Errorf("payment %s charged but unpersisted: %w", p.ID, domainErrors.ErrOutcomeUnknown)
		}
		repaired, err := uc.compensator.Compensate(ctx, p, status.TransactionID)
		if err != nil {
			return nil, false, err
		}
		snap, err := ResultOf(repaired)
		return snap, false, err
	}
}

// charge calls the provider and persists the outcome. When persistence
// fails after a successful charge, the charge step is compensated.
func (uc *ProcessPaymentUseCase) charge(ctx context.Context, p *payment.Payment, token string, log zerolog.Logger) (*PaymentSnapshot, error) {
	log = log.With().Str("payment_id", p.ID.String()).Logger()

	var (
		result      *providers.ProviderResult
		declined    string
		compensated *payment.Payment
	)

	s := saga.New("charge").
		AddStep(saga.Step{
			Name: "charge",
			Execute: func(ctx context.Context) error {
				res, err := uc.providers.Charge(ctx, p.Provider, providers.ChargeRequest{
					PaymentID:      p.ID.String(),
					IdempotencyKey: p.IdempotencyKey,
					CustomerID:     p.CustomerID,
					AmountCents:    p.Amount.ValueCents,
					Currency:       p.Amount.Currency,
					Method:         string(p.Method),
					Token:          token,
					Metadata:       p.Metadata,
				})
				if errors.Is(err, domainErrors.ErrProviderDeclined) {
					declined = failureMessage(err)
					return nil
				}
				if err != nil {
					return err
				}
				result = res
				return nil
			},
			Compensate: func(ctx context.Context, cause error) error {
				if result == nil {
					return nil
				}
				log.Error().Err(cause).Str("provider_transaction_id", result.TransactionID).Msg("charge succeeded but outcome was not persisted")
				if !uc.cfg.ReactiveCompensation || uc.compensator == nil {
					return nil
				}
				repaired, err := uc.compensator.Compensate(ctx, p, result.TransactionID)
				if err != nil {
					return err
				}
				compensated = repaired
				return nil
			},
		}).
		AddStep(saga.Step{
			Name: "persist-outcome",
			Execute: func(ctx context.Context) error {
				return uc.finalize(ctx, p, result, declined)
			},
		})

	err := s.Execute(ctx)
	if err == nil {
		if result != nil {
			log.Info().Str("provider_transaction_id", result.TransactionID).Msg("payment completed")
		} else {
			log.Info().Str("reason", declined).Msg("payment declined")
		}
		return ResultOf(p)
	}

	var sagaErr *saga.Error
	if !errors.As(err, &sagaErr) {
		return nil, err
	}
	switch {
	case sagaErr.Step == "charge":
		// Outcome unknown: the payment stays PROCESSING.
		log.Warn().Err(sagaErr.Err).Msg("provider call failed")
		return nil, sagaErr.Err
	case sagaErr.CompensationErr != nil:
		return nil, err
	case compensated != nil:
		return ResultOf(compensated)
	default:
		return nil, sagaErr.Err
	}
}

// finalize is unit of work #2: the terminal transition and its outbox row,
// guarded by the PROCESSING status.
func (uc *ProcessPaymentUseCase) finalize(ctx context.Context, p *payment.Payment, result *providers.ProviderResult, declineReason string) error {
	eventType := EventPaymentFailed
	if result != nil {
		if err := p.MarkCompleted(result.TransactionID); err != nil {
			return err
		}
		eventType = EventPaymentCompleted
	} else if err := p.MarkFailed(declineReason); err != nil {
		return err
	}

	err := uc.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := uc.payments.Update(txCtx, p, payment.StatusProcessing); err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		return uc.emit(txCtx, p, eventType)
	})
	if err != nil {
		return err
	}
	p.ClearChanges()
	return nil
}

func (uc *ProcessPaymentUseCase) emit(ctx context.Context, p *payment.Payment, eventType string) error {
	ev, err := NewPaymentEvent(p, eventType)
	if err != nil {
		return fmt.Errorf("build %s event: %w", eventType, err)
	}
	if err := uc.outbox.Insert(ctx, ev); err != nil {
		return fmt.Errorf("insert %s event: %w", eventType, err)
	}
	return nil
}

func (uc *ProcessPaymentUseCase) record(in ProcessPaymentInput, result *PaymentSnapshot, err error, d time.Duration) {
	provider := in.Provider
	if provider == "" {
		provider = string(uc.cfg.DefaultProvider)
	}
	status := "error"
	switch {
	case result != nil:
		status = result.Status
	case domainErrors.IsPermanent(err):
		status = string(payment.StatusFailed)
	}
	uc.recorder.PaymentProcessed(provider, status, d)
}

// ResultOf maps a terminal payment to the result its charge command returns:
// the snapshot for a captured charge, a provider decline for a failed one.
func ResultOf(p *payment.Payment) (*PaymentSnapshot, error) {
	if p.Status == payment.StatusFailed {
		reason := "payment failed"
		if p.FailureReason != nil && *p.FailureReason != "" {
			reason = *p.FailureReason
		}
		return nil, domainErrors.NewDomainError(domainErrors.CodeProviderDeclined, reason, domainErrors.ErrProviderDeclined)
	}
	snap := SnapshotOf(p)
	return &snap, nil
}

var _ OutboxWriter = (outbox.Repository)(nil)
