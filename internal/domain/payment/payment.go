package payment

import (
	"fmt"
	"time"

	"github.com/cassiomorais/payflow/internal/domain/errors"
	"github.com/google/uuid"
)

// PaymentStatus represents the payment status in the state machine
type PaymentStatus string

const (
	StatusPending           PaymentStatus = "pending"
	StatusProcessing        PaymentStatus = "processing"
	StatusCompleted         PaymentStatus = "completed"
	StatusFailed            PaymentStatus = "failed"
	StatusPartiallyRefunded PaymentStatus = "partially_refunded"
	StatusRefunded          PaymentStatus = "refunded"
)

// Provider represents the external payment provider
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderPayPal Provider = "paypal"
	ProviderMock   Provider = "mock"
)

// Method is the instrument the customer pays with.
type Method string

const (
	MethodCreditCard   Method = "credit_card"
	MethodDebitCard    Method = "debit_card"
	MethodPayPal       Method = "paypal"
	MethodBankTransfer Method = "bank_transfer"
)

// Valid reports whether m is a known payment method.
func (m Method) Valid() bool {
	switch m {
	case MethodCreditCard, MethodDebitCard, MethodPayPal, MethodBankTransfer:
		return true
	}
	return false
}

var transitions = map[PaymentStatus][]PaymentStatus{
	StatusPending:           {StatusProcessing},
	StatusProcessing:        {StatusCompleted, StatusFailed},
	StatusCompleted:         {StatusPartiallyRefunded, StatusRefunded},
	StatusPartiallyRefunded: {StatusPartiallyRefunded, StatusRefunded},
	StatusFailed:            {},
	StatusRefunded:          {},
}

// Payment is the aggregate root for a single charge intent.
type Payment struct {
	ID                    uuid.UUID
	CustomerID            string
	IdempotencyKey        string
	Amount                Amount
	RefundedCents         int64
	Method                Method
	Provider              Provider
	Status                PaymentStatus
	ProviderTransactionID *string
	FailureReason         *string
	Metadata              map[string]any
	CreatedAt             time.Time
	UpdatedAt             time.Time
	CompletedAt           *time.Time

	changes []StatusChange
}

// StatusChange is one row of the append-only status history.
type StatusChange struct {
	ID        uuid.UUID
	PaymentID uuid.UUID
	From      PaymentStatus
	To        PaymentStatus
	Reason    string
	CreatedAt time.Time
}

// NewPayment creates a payment in PENDING.
func NewPayment(
	idempotencyKey string,
	customerID string,
	amount Amount,
	method Method,
	provider Provider,
) (*Payment, error) {
	if idempotencyKey == "" {
		return nil, errors.NewValidationError("idempotency_key", "cannot be empty")
	}
	if customerID == "" {
		return nil, errors.NewValidationError("customer_id", "cannot be empty")
	}
	if err := amount.Validate(); err != nil {
		return nil, err
	}
	if !method.Valid() {
		return nil, errors.NewValidationError("payment_method", fmt.Sprintf("unsupported method %q", method))
	}
	if provider == "" {
		return nil, errors.NewValidationError("provider", "cannot be empty")
	}

	now := time.Now().UTC()
	return &Payment{
		ID:             uuid.New(),
		CustomerID:     customerID,
		IdempotencyKey: idempotencyKey,
		Amount:         amount,
		Method:         method,
		Provider:       provider,
		Status:         StatusPending,
		Metadata:       make(map[string]any),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// CanTransitionTo checks if the payment can transition to the given status
func (p *Payment) CanTransitionTo(newStatus PaymentStatus) bool {
	for _, allowed := range transitions[p.Status] {
		if allowed == newStatus {
			return true
		}
	}
	return false
}

// TransitionTo transitions the payment to a new status
func (p *Payment) TransitionTo(newStatus PaymentStatus, reason string) error {
	if !p.CanTransitionTo(newStatus) {
		return errors.NewDomainError(
			errors.CodeInvalidTransition,
			"cannot transition from "+string(p.Status)+" to "+string(newStatus),
			errors.ErrInvalidStateTransition,
		)
	}

	now := time.Now().UTC()
	p.changes = append(p.changes, StatusChange{
		ID:        uuid.New(),
		PaymentID: p.ID,
		From:      p.Status,
		To:        newStatus,
		Reason:    reason,
		CreatedAt: now,
	})
	p.Status = newStatus
	p.UpdatedAt = now

	if newStatus == StatusCompleted || newStatus == StatusFailed {
		p.CompletedAt = &now
	}
	return nil
}

// MarkProcessing transitions the payment to processing status
func (p *Payment) MarkProcessing() error {
	return p.TransitionTo(StatusProcessing, "")
}

// MarkCompleted records the provider reference and completes the charge.
func (p *Payment) MarkCompleted(providerRef string) error {
	if !p.CanTransitionTo(StatusCompleted) {
		return p.TransitionTo(StatusCompleted, "")
	}
	if providerRef == "" {
		return errors.NewValidationError("provider_ref", "cannot be empty")
	}
	if err := p.TransitionTo(StatusCompleted, ""); err != nil {
		return err
	}
	p.ProviderTransactionID = &providerRef
	return nil
}

// MarkFailed transitions the payment to failed status
func (p *Payment) MarkFailed(reason string) error {
	if err := p.TransitionTo(StatusFailed, reason); err != nil {
		return err
	}
	p.FailureReason = &reason
	return nil
}

// ApplyRefund adds amount to the refunded total and moves the payment to
// PARTIALLY_REFUNDED or REFUNDED.
func (p *Payment) ApplyRefund(amount Amount) error {
	if !p.CanRefund() {
		return errors.NewDomainError(
			errors.CodeInvalidTransition,
			"cannot refund payment in status "+string(p.Status),
			errors.ErrInvalidStateTransition,
		)
	}
	if amount.ValueCents <= 0 {
		return errors.NewValidationError("amount", "must be greater than 0")
	}
	if amount.Currency != p.Amount.Currency {
		return errors.NewValidationError("currency", fmt.Sprintf("refund currency %s does not match payment currency %s", amount.Currency, p.Amount.Currency))
	}

	remaining := p.RemainingRefundable()
	if amount.ValueCents > remaining.ValueCents {
		return errors.NewDomainError(
			errors.CodeRefundExceedsAmount,
			fmt.Sprintf("refund of %s exceeds refundable balance %s", amount, remaining),
			errors.ErrRefundExceedsAmount,
		)
	}

	next := StatusPartiallyRefunded
	if p.RefundedCents+amount.ValueCents == p.Amount.ValueCents {
		next = StatusRefunded
	}
	if err := p.TransitionTo(next, "refund "+amount.String()); err != nil {
		return err
	}
	p.RefundedCents += amount.ValueCents
	return nil
}

// CanRefund reports whether the payment is in a refundable state.
func (p *Payment) CanRefund() bool {
	return p.Status == StatusCompleted || p.Status == StatusPartiallyRefunded
}

// RemainingRefundable returns how much can still be refunded.
func (p *Payment) RemainingRefundable() Amount {
	return Amount{ValueCents: p.Amount.ValueCents - p.RefundedCents, Currency: p.Amount.Currency}
}

// IsTerminal reports whether the charge flow has finished.
func (p *Payment) IsTerminal() bool {
	return p.Status != StatusPending && p.Status != StatusProcessing
}

// PendingChanges returns status changes not yet persisted.
func (p *Payment) PendingChanges() []StatusChange {
	return p.changes
}

// ClearChanges is called by repositories once history rows are written.
func (p *Payment) ClearChanges() {
	p.changes = nil
}
