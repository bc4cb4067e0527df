package payment

import (
	"time"

	"github.com/cassiomorais/payflow/internal/domain/errors"
	"github.com/google/uuid"
)

// RefundStatus is the outcome of a refund attempt.
type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundCompleted RefundStatus = "completed"
	RefundFailed    RefundStatus = "failed"
)

// Refund is a child entity of Payment.
type Refund struct {
	ID               uuid.UUID
	PaymentID        uuid.UUID
	IdempotencyKey   string
	Amount           Amount
	Status           RefundStatus
	ProviderRefundID *string
	Reason           string
	FailureReason    *string
	CreatedAt        time.Time
}

// NewRefund creates a pending refund for paymentID.
func NewRefund(paymentID uuid.UUID, idempotencyKey string, amount Amount, reason string) (*Refund, error) {
	if idempotencyKey == "" {
		return nil, errors.NewValidationError("idempotency_key", "cannot be empty")
	}
	if err := amount.Validate(); err != nil {
		return nil, err
	}
	return &Refund{
		ID:             uuid.New(),
		PaymentID:      paymentID,
		IdempotencyKey: idempotencyKey,
		Amount:         amount,
		Status:         RefundPending,
		Reason:         reason,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func (r *Refund) MarkCompleted(providerRefundID string) {
	r.Status = RefundCompleted
	r.ProviderRefundID = &providerRefundID
}

func (r *Refund) MarkFailed(reason string) {
	r.Status = RefundFailed
	r.FailureReason = &reason
}
