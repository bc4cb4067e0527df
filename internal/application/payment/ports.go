package payment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cassiomorais/payflow/internal/domain/outbox"
	"github.com/cassiomorais/payflow/internal/domain/payment"
	"github.com/cassiomorais/payflow/internal/providers"
)

// TransactionManager defines the interface for transaction management.
// This is an application-layer port, not a domain concern.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// OutboxWriter defines the interface for writing to the transactional outbox.
// Insert joins the transaction carried by ctx.
type OutboxWriter interface {
	Insert(ctx context.Context, event *outbox.Event) error
}

// LookupState is the state of an idempotency key.
type LookupState int

const (
	LookupEmpty LookupState = iota
	LookupInProgress
	LookupCompleted
)

func (s LookupState) String() string {
	switch s {
	case LookupInProgress:
		return "in_progress"
	case LookupCompleted:
		return "completed"
	default:
		return "empty"
	}
}

// Outcome is the terminal outcome of a command.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Record is the stored result of a completed command.
type Record struct {
	Outcome      Outcome         `json:"outcome"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Lookup is the answer of IdempotencyStore.GetOrLock. Record is set only
// for LookupCompleted.
type Lookup struct {
	State  LookupState
	Record *Record
}

// IdempotencyStore deduplicates command execution by key.
type IdempotencyStore interface {
	// Get returns the completed record for key, or nil when the key is
	// absent or still in progress.
	Get(ctx context.Context, key string) (*Record, error)

	// GetOrLock atomically reads key and, when it is absent, places an
	// in-progress marker that expires after lockTTL.
	GetOrLock(ctx context.Context, key string, lockTTL time.Duration) (Lookup, error)

	// Complete stores the terminal record for ttl. A completed record is
	// never overwritten.
	Complete(ctx context.Context, key string, record Record, ttl time.Duration) error

	// Release drops an in-progress marker so the command can be retried.
	Release(ctx context.Context, key string) error
}

// Lock is a held distributed lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker obtains named distributed locks. Obtain returns an error wrapping
// ErrLockAcquisitionFailed when the lock stays busy.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// ProviderGateway is the provider surface the use cases depend on.
// *providers.Factory implements it.
type ProviderGateway interface {
	Has(name payment.Provider) bool
	Charge(ctx context.Context, name payment.Provider, req providers.ChargeRequest) (*providers.ProviderResult, error)
	Refund(ctx context.Context, name payment.Provider, req providers.RefundRequest) (*providers.ProviderResult, error)
	LookupCharge(ctx context.Context, name payment.Provider, idempotencyKey string) (*providers.ChargeStatus, bool, error)
}

// Compensator repairs a payment whose provider charge succeeded but whose
// local state is still PROCESSING.
type Compensator interface {
	Compensate(ctx context.Context, p *payment.Payment, providerRef string) (*payment.Payment, error)
}

// Recorder receives use case measurements.
type Recorder interface {
	PaymentProcessed(provider, status string, duration time.Duration)
	RefundProcessed(status string)
}

type nopRecorder struct{}

func (nopRecorder) PaymentProcessed(string, string, time.Duration) {}
func (nopRecorder) RefundProcessed(string)                          {}
