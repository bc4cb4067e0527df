package payment

import (
	"time"

	"github.com/cassiomorais/payflow/internal/domain/outbox"
	"github.com/cassiomorais/payflow/internal/domain/payment"
)

// AggregatePayment is the aggregate type of every payment event.
const AggregatePayment = "payment"

// Event types written to the outbox.
const (
	EventPaymentProcessing        = "payment.processing"
	EventPaymentCompleted         = "payment.completed"
	EventPaymentFailed            = "payment.failed"
	EventPaymentRefunded          = "payment.refunded"
	EventPaymentPartiallyRefunded = "payment.partially_refunded"
	EventRefundFailed             = "refund.failed"
	EventPaymentCompensated       = "payment.compensated"
)

// PaymentSnapshot is the serialized state of a payment, used both as the
// event payload and as the stored command result.
type PaymentSnapshot struct {
	PaymentID             string         `json:"payment_id"`
	CustomerID            string         `json:"customer_id"`
	IdempotencyKey        string         `json:"idempotency_key"`
	AmountCents           int64          `json:"amount_cents"`
	Amount                string         `json:"amount"`
	Currency              string         `json:"currency"`
	RefundedCents         int64          `json:"refunded_cents"`
	Method                string         `json:"payment_method"`
	Provider              string         `json:"provider"`
	Status                string         `json:"status"`
	ProviderTransactionID string         `json:"provider_transaction_id,omitempty"`
	FailureReason         string         `json:"failure_reason,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	CompletedAt           *time.Time     `json:"completed_at,omitempty"`
}

// SnapshotOf captures p.
func SnapshotOf(p *payment.Payment) PaymentSnapshot {
	s := PaymentSnapshot{
		PaymentID:      p.ID.String(),
		CustomerID:     p.CustomerID,
		IdempotencyKey: p.IdempotencyKey,
		AmountCents:    p.Amount.ValueCents,
		Amount:         p.Amount.Decimal().StringFixed(2),
		Currency:       p.Amount.Currency,
		RefundedCents:  p.RefundedCents,
		Method:         string(p.Method),
		Provider:       string(p.Provider),
		Status:         string(p.Status),
		Metadata:       p.Metadata,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
		CompletedAt:    p.CompletedAt,
	}
	if p.ProviderTransactionID != nil {
		s.ProviderTransactionID = *p.ProviderTransactionID
	}
	if p.FailureReason != nil {
		s.FailureReason = *p.FailureReason
	}
	return s
}

// RefundSnapshot is the serialized state of a refund.
type RefundSnapshot struct {
	RefundID         string    `json:"refund_id"`
	PaymentID        string    `json:"payment_id"`
	IdempotencyKey   string    `json:"idempotency_key"`
	AmountCents      int64     `json:"amount_cents"`
	Currency         string    `json:"currency"`
	Status           string    `json:"status"`
	ProviderRefundID string    `json:"provider_refund_id,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	FailureReason    string    `json:"failure_reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// RefundSnapshotOf captures r.
func RefundSnapshotOf(r *payment.Refund) RefundSnapshot {
	s := RefundSnapshot{
		RefundID:       r.ID.String(),
		PaymentID:      r.PaymentID.String(),
		IdempotencyKey: r.IdempotencyKey,
		AmountCents:    r.Amount.ValueCents,
		Currency:       r.Amount.Currency,
		Status:         string(r.Status),
		Reason:         r.Reason,
		CreatedAt:      r.CreatedAt,
	}
	if r.ProviderRefundID != nil {
		s.ProviderRefundID = *r.ProviderRefundID
	}
	if r.FailureReason != nil {
		s.FailureReason = *r.FailureReason
	}
	return s
}

// RefundResult is the payload of refund events and the stored result of a
// refund command.
type RefundResult struct {
	Refund  RefundSnapshot  `json:"refund"`
	Payment PaymentSnapshot `json:"payment"`
}

// NewPaymentEvent builds an outbox row carrying the full snapshot of p.
func NewPaymentEvent(p *payment.Payment, eventType string) (*outbox.Event, error) {
	return outbox.NewEvent(AggregatePayment, p.ID, eventType, SnapshotOf(p))
}

// NewRefundEvent builds an outbox row for a refund of p.
func NewRefundEvent(p *payment.Payment, r *payment.Refund, eventType string) (*outbox.Event, error) {
	return outbox.NewEvent(AggregatePayment, p.ID, eventType, RefundResult{
		Refund:  RefundSnapshotOf(r),
		Payment: SnapshotOf(p),
	})
}

// RefundEventType picks the event for a completed refund.
func RefundEventType(p *payment.Payment) string {
	if p.Status == payment.StatusRefunded {
		return EventPaymentRefunded
	}
	return EventPaymentPartiallyRefunded
}
