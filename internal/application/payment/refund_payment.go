package payment

import (
	"context"
	"errors"
	"fmt"

	domainErrors "github.com/cassiomorais/payflow/internal/domain/errors"
	"github.com/cassiomorais/payflow/internal/domain/payment"
	"github.com/cassiomorais/payflow/internal/providers"
	"github.com/cassiomorais/payflow/pkg/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RefundPaymentInput is the payload of a payment.refund command. An empty
// amount refunds the remaining balance.
type RefundPaymentInput struct {
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=255"`
	PaymentID      string `json:"payment_id" validate:"required,uuid"`
	Amount         string `json:"amount,omitempty" validate:"omitempty,numeric"`
	AmountCents    int64  `json:"amount_cents,omitempty" validate:"omitempty,gt=0"`
	Currency       string `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	Reason         string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

func (in RefundPaymentInput) amount(p *payment.Payment) (payment.Amount, error) {
	currency := in.Currency
	if currency == "" {
		currency = p.Amount.Currency
	}
	switch {
	case in.Amount != "":
		return payment.ParseAmount(in.Amount, currency)
	case in.AmountCents != 0:
		return payment.NewAmount(in.AmountCents, currency)
	default:
		return p.RemainingRefundable(), nil
	}
}

// RefundPaymentUseCase refunds a captured payment, fully or partially.
type RefundPaymentUseCase struct {
	payments  payment.Repository
	outbox    OutboxWriter
	txManager TransactionManager
	providers ProviderGateway
	store     IdempotencyStore
	locker    Locker
	recorder  Recorder
	cfg       Config
	logger    zerolog.Logger
}

// NewRefundPaymentUseCase creates a new RefundPaymentUseCase.
func NewRefundPaymentUseCase(
	payments payment.Repository,
	outboxWriter OutboxWriter,
	txManager TransactionManager,
	gateway ProviderGateway,
	store IdempotencyStore,
	locker Locker,
	recorder Recorder,
	cfg Config,
	logger zerolog.Logger,
) *RefundPaymentUseCase {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &RefundPaymentUseCase{
		payments:  payments,
		outbox:    outboxWriter,
		txManager: txManager,
		providers: gateway,
		store:     store,
		locker:    locker,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger.With().Str("component", "refund_payment").Logger(),
	}
}

// Execute refunds in.PaymentID once per idempotency key.
func (uc *RefundPaymentUseCase) Execute(ctx context.Context, in RefundPaymentInput) (*RefundResult, error) {
	ctx, span := tracer.Start(ctx, "RefundPayment")
	defer span.End()
	span.SetAttributes(
		attribute.String("idempotency_key", in.IdempotencyKey),
		attribute.String("payment_id", in.PaymentID),
	)

	if in.IdempotencyKey == "" {
		return nil, domainErrors.NewValidationError("idempotency_key", "cannot be empty")
	}
	key := RefundKey(in.IdempotencyKey)

	lookup, err := uc.store.GetOrLock(ctx, key, uc.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	switch lookup.State {
	case LookupCompleted:
		span.SetAttributes(attribute.Bool("replayed", true))
		return replay[RefundResult](lookup.Record)
	case LookupInProgress:
		return nil, fmt.Errorf("refund %s: %w", in.IdempotencyKey, domainErrors.ErrOperationInProgress)
	}

	result, err := uc.execute(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	switch {
	case result != nil:
		uc.recorder.RefundProcessed(result.Refund.Status)
	case domainErrors.IsPermanent(err):
		uc.recorder.RefundProcessed(string(payment.RefundFailed))
	}
	return settle(ctx, uc.store, uc.logger, key, uc.cfg.IdempotencyTTL, result, err)
}

func (uc *RefundPaymentUseCase) execute(ctx context.Context, in RefundPaymentInput) (*RefundResult, error) {
	paymentID, err := uuid.Parse(in.PaymentID)
	if err != nil {
		return nil, domainErrors.NewValidationError("payment_id", "must be a UUID")
	}
	log := uc.logger.With().
		Str("idempotency_key", in.IdempotencyKey).
		Str("payment_id", paymentID.String()).
		Logger()

	if result, err := uc.recover(ctx, in.IdempotencyKey); !errors.Is(err, domainErrors.ErrRefundNotFound) {
		return result, err
	}

	lock, err := uc.locker.Obtain(ctx, "payment:"+paymentID.String(), uc.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock payment %s: %w", paymentID, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("failed to release payment lock")
		}
	}()

	p, err := uc.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	amount, err := in.amount(p)
	if err != nil {
		return nil, err
	}

	// Early rejection before money moves. The write path re-checks against
	// the locked row, since the distributed lock can lapse mid-call.
	check := *p
	if err := check.ApplyRefund(amount); err != nil {
		if errors.Is(err, domainErrors.ErrInvalidStateTransition) {
			log.Error().Err(err).Msg("refund rejected by state machine")
		}
		return nil, err
	}

	refund, err := payment.NewRefund(p.ID, in.IdempotencyKey, amount, in.Reason)
	if err != nil {
		return nil, err
	}

	res, err := uc.providers.Refund(ctx, p.Provider, providers.RefundRequest{
		PaymentID:      p.ID.String(),
		TransactionID:  deref(p.ProviderTransactionID),
		IdempotencyKey: RefundKey(in.IdempotencyKey),
		AmountCents:    amount.ValueCents,
		Currency:       amount.Currency,
	})
	switch {
	case errors.Is(err, domainErrors.ErrProviderDeclined):
		refund.MarkFailed(failureMessage(err))
		if err := uc.persistDecline(ctx, p, refund); err != nil {
			return nil, err
		}
		log.Info().Str("reason", *refund.FailureReason).Msg("refund declined")
		return nil, refundDeclined(refund)
	case err != nil:
		log.Warn().Err(err).Msg("provider refund failed")
		return nil, err
	}

	refund.MarkCompleted(res.TransactionID)
	persistRetry := uc.cfg.PersistRetry
	retryIf := persistRetry.RetryIf
	persistRetry.RetryIf = func(err error) bool {
		// A concurrent refund won the row; retrying cannot succeed.
		if errors.Is(err, domainErrors.ErrRefundExceedsAmount) || errors.Is(err, domainErrors.ErrInvalidStateTransition) {
			return false
		}
		return retryIf == nil || retryIf(err)
	}
	updated, err := retry.DoWithResult(ctx, persistRetry, func() (*payment.Payment, error) {
		return uc.persistRefund(ctx, p.ID, amount, refund)
	})
	if err != nil {
		log.Error().Err(err).Bool("alert", true).
			Str("provider_refund_id", res.TransactionID).
			Msg("refund succeeded at provider but could not be persisted")
		return nil, domainErrors.NewDomainError(
			domainErrors.CodeCompensationFailed,
			fmt.Sprintf("refund %s of payment %s not persisted: %v", res.TransactionID, p.ID, err),
			domainErrors.ErrCompensationFailed,
		)
	}

	log.Info().Str("status", string(updated.Status)).Int64("amount_cents", amount.ValueCents).Msg("refund completed")
	return &RefundResult{Refund: RefundSnapshotOf(refund), Payment: SnapshotOf(updated)}, nil
}

// recover rebuilds the result of a refund already persisted under key.
// It returns ErrRefundNotFound when there is nothing to recover.
func (uc *RefundPaymentUseCase) recover(ctx context.Context, key string) (*RefundResult, error) {
	refund, err := uc.payments.GetRefundByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if refund.Status == payment.RefundFailed {
		return nil, refundDeclined(refund)
	}
	p, err := uc.payments.GetByID(ctx, refund.PaymentID)
	if err != nil {
		return nil, err
	}
	uc.logger.Info().Str("refund_id", refund.ID.String()).Msg("rebuilding result from persisted refund")
	return &RefundResult{Refund: RefundSnapshotOf(refund), Payment: SnapshotOf(p)}, nil
}

// persistRefund applies amount to the row-locked payment and writes it with
// the refund and its event in one unit of work.
func (uc *RefundPaymentUseCase) persistRefund(ctx context.Context, id uuid.UUID, amount payment.Amount, refund *payment.Refund) (*payment.Payment, error) {
	var updated *payment.Payment
	err := uc.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		p, err := uc.payments.GetByIDForUpdate(txCtx, id)
		if err != nil {
			return fmt.Errorf("lock payment: %w", err)
		}
		expected := p.Status
		if err := p.ApplyRefund(amount); err != nil {
			return err
		}
		if err := uc.payments.Update(txCtx, p, expected); err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		if err := uc.payments.CreateRefund(txCtx, refund); err != nil {
			return fmt.Errorf("create refund: %w", err)
		}
		ev, err := NewRefundEvent(p, refund, RefundEventType(p))
		if err != nil {
			return err
		}
		if err := uc.outbox.Insert(txCtx, ev); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	updated.ClearChanges()
	return updated, nil
}

func (uc *RefundPaymentUseCase) persistDecline(ctx context.Context, p *payment.Payment, refund *payment.Refund) error {
	return uc.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := uc.payments.CreateRefund(txCtx, refund); err != nil {
			return fmt.Errorf("create refund: %w", err)
		}
		ev, err := NewRefundEvent(p, refund, EventRefundFailed)
		if err != nil {
			return err
		}
		return uc.outbox.Insert(txCtx, ev)
	})
}

func refundDeclined(r *payment.Refund) error {
	return domainErrors.NewDomainError(domainErrors.CodeProviderDeclined, deref(r.FailureReason), domainErrors.ErrProviderDeclined)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
