package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for payment persistence.
// Writes join the caller's transaction when one is present in ctx.
type Repository interface {
	// Create inserts a new payment and its pending status changes.
	Create(ctx context.Context, payment *Payment) error

	// GetByID retrieves a payment by ID
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)

	// GetByIDForUpdate retrieves a payment and row-locks it for the
	// enclosing transaction.
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Payment, error)

	// GetByIdempotencyKey retrieves a payment by idempotency key
	GetByIdempotencyKey(ctx context.Context, key string) (*Payment, error)

	// Update persists payment only if its stored status still equals
	// expected; otherwise it returns ErrOptimisticLockFailed.
	Update(ctx context.Context, payment *Payment, expected PaymentStatus) error

	// ListStale lists payments stuck in status since before olderThan.
	ListStale(ctx context.Context, status PaymentStatus, olderThan time.Time, limit int) ([]*Payment, error)

	// History returns the status history of a payment, oldest first.
	History(ctx context.Context, paymentID uuid.UUID) ([]StatusChange, error)

	// CreateRefund inserts a refund record.
	CreateRefund(ctx context.Context, refund *Refund) error

	// GetRefundByIdempotencyKey retrieves a refund by its own key.
	GetRefundByIdempotencyKey(ctx context.Context, key string) (*Refund, error)

	// ListRefunds lists the refunds of a payment, oldest first.
	ListRefunds(ctx context.Context, paymentID uuid.UUID) ([]*Refund, error)
}
