package errors

import (
	"errors"
	"fmt"
)

var (
	// Payment errors
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrRefundNotFound         = errors.New("refund not found")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidCurrency        = errors.New("invalid currency")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrRefundExceedsAmount    = errors.New("refund exceeds payment amount")
	ErrOptimisticLockFailed   = errors.New("optimistic lock conflict")

	// Provider errors
	ErrProviderNotFound    = errors.New("payment provider not found")
	ErrProviderDeclined    = errors.New("payment declined by provider")
	ErrProviderTransient   = errors.New("provider temporarily unavailable")
	ErrProviderTimeout     = errors.New("provider request timeout")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrChargeNotFound      = errors.New("charge not found at provider")

	// Idempotency errors
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrOperationInProgress     = errors.New("operation already in progress for idempotency key")
	ErrOutcomeUnknown          = errors.New("provider outcome unknown")

	// Lock errors
	ErrLockAcquisitionFailed = errors.New("failed to acquire lock")
	ErrLockNotHeld           = errors.New("lock not held")

	// Delivery errors
	ErrPublishFailed    = errors.New("event publish failed")
	ErrDeadLetter       = errors.New("event exhausted delivery attempts")
	ErrMalformedPayload = errors.New("malformed event payload")
	ErrMalformedCommand = errors.New("malformed command")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrEventNotFound    = errors.New("outbox event not found")

	// Compensation errors
	ErrCompensationFailed = errors.New("compensation failed")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// Stable error codes persisted with idempotency records.
const (
	CodeValidation          = "validation_error"
	CodeInvalidTransition   = "invalid_transition"
	CodeProviderDeclined    = "provider_declined"
	CodeProviderTransient   = "provider_transient"
	CodeRefundExceedsAmount = "refund_exceeds_amount"
	CodePaymentNotFound     = "payment_not_found"
	CodeProviderNotFound    = "provider_not_found"
	CodeCompensationFailed  = "compensation_failed"
	CodePublishFailed       = "publish_failed"
	CodeDeadLetter          = "dead_letter"
	CodeInternal            = "internal_error"
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

// Is lets errors.Is(err, ErrValidationFailed) match any field error.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

var transient = []error{
	ErrProviderTransient,
	ErrProviderTimeout,
	ErrProviderUnavailable,
	ErrOperationInProgress,
	ErrOutcomeUnknown,
	ErrOptimisticLockFailed,
	ErrLockAcquisitionFailed,
	ErrPublishFailed,
}

var permanent = []error{
	ErrValidationFailed,
	ErrInvalidInput,
	ErrInvalidAmount,
	ErrInvalidCurrency,
	ErrInvalidStateTransition,
	ErrRefundExceedsAmount,
	ErrProviderDeclined,
	ErrPaymentNotFound,
	ErrProviderNotFound,
	ErrDuplicateIdempotencyKey,
	ErrMalformedCommand,
	ErrUnknownCommand,
	ErrCompensationFailed,
}

// IsTransient reports whether err is worth retrying at the broker level.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	for _, t := range transient {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// IsPermanent reports whether err is a business or validation outcome that
// will fail the same way on every retry.
func IsPermanent(err error) bool {
	if err == nil || IsTransient(err) {
		return false
	}
	for _, p := range permanent {
		if errors.Is(err, p) {
			return true
		}
	}
	return false
}

// Code maps err to its stable code.
func Code(err error) string {
	var de *DomainError
	if errors.As(err, &de) && de.Code != "" {
		return de.Code
	}
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidationFailed), errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidCurrency):
		return CodeValidation
	case errors.Is(err, ErrInvalidStateTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrRefundExceedsAmount):
		return CodeRefundExceedsAmount
	case errors.Is(err, ErrProviderDeclined):
		return CodeProviderDeclined
	case errors.Is(err, ErrPaymentNotFound):
		return CodePaymentNotFound
	case errors.Is(err, ErrProviderNotFound):
		return CodeProviderNotFound
	case errors.Is(err, ErrCompensationFailed):
		return CodeCompensationFailed
	case IsTransient(err):
		return CodeProviderTransient
	default:
		return CodeInternal
	}
}

// FromCode rebuilds a typed error from a stored code so that replays return
// the same failure the first execution produced.
func FromCode(code, message string) error {
	var sentinel error
	switch code {
	case CodeValidation:
		sentinel = ErrValidationFailed
	case CodeInvalidTransition:
		sentinel = ErrInvalidStateTransition
	case CodeRefundExceedsAmount:
		sentinel = ErrRefundExceedsAmount
	case CodeProviderDeclined:
		sentinel = ErrProviderDeclined
	case CodePaymentNotFound:
		sentinel = ErrPaymentNotFound
	case CodeProviderNotFound:
		sentinel = ErrProviderNotFound
	case CodeCompensationFailed:
		sentinel = ErrCompensationFailed
	default:
		sentinel = ErrInvalidInput
	}
	return NewDomainError(code, message, sentinel)
}
