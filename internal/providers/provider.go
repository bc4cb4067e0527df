package providers

import (
	"context"
)

type ProviderResult struct {
	TransactionID string
	Status        string // "success", "declined"
	ErrorMessage  string
}

// Provider is the charge/refund capability of an external PSP.
//
// Charge returns an error wrapping ErrProviderDeclined for business declines
// and ErrProviderTimeout/ErrProviderUnavailable when the outcome is unknown.
type Provider interface {
	// Name returns the provider name.
	Name() string
	// Charge captures funds. Repeating a call with the same idempotency key
	// must not create a second charge.
	Charge(ctx context.Context, req ChargeRequest) (*ProviderResult, error)
	// Refund returns funds for an existing charge.
	Refund(ctx context.Context, req RefundRequest) (*ProviderResult, error)
}

// ChargeLookup is implemented by providers that can report a charge by the
// idempotency key it was created with.
type ChargeLookup interface {
	LookupCharge(ctx context.Context, idempotencyKey string) (*ChargeStatus, error)
}

type ChargeRequest struct {
	PaymentID      string
	IdempotencyKey string
	CustomerID     string
	AmountCents    int64 // in cents
	Currency       string
	Method         string
	Token          string
	Metadata       map[string]any
}

type RefundRequest struct {
	PaymentID      string
	TransactionID  string
	IdempotencyKey string
	AmountCents    int64 // in cents
	Currency       string
}

// ChargeOutcome is what the provider knows about a charge.
type ChargeOutcome string

const (
	ChargeSucceeded ChargeOutcome = "succeeded"
	ChargeDeclined  ChargeOutcome = "declined"
	ChargeNotFound  ChargeOutcome = "not_found"
)

type ChargeStatus struct {
	Outcome       ChargeOutcome
	TransactionID string
	DeclineReason string
}
