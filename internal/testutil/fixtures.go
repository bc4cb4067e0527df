package testutil

import (
	"time"

	paymentApp "github.com/cassiomorais/payflow/internal/application/payment"
	"github.com/cassiomorais/payflow/internal/domain/payment"
	"github.com/google/uuid"
)

// NewTestPayment returns a PENDING payment on the mock provider.
func NewTestPayment(amountCents int64, currency string) *payment.Payment {
	now := time.Now().UTC()
	return &payment.Payment{
		ID:             uuid.New(),
		CustomerID:     "cus_test",
		IdempotencyKey: uuid.New().String(),
		Amount:         payment.Amount{ValueCents: amountCents, Currency: currency},
		Method:         payment.MethodCreditCard,
		Provider:       payment.ProviderMock,
		Status:         payment.StatusPending,
		Metadata:       make(map[string]any),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewProcessingPayment returns a payment stuck in PROCESSING since at.
func NewProcessingPayment(amountCents int64, currency string, at time.Time) *payment.Payment {
	p := NewTestPayment(amountCents, currency)
	p.Status = payment.StatusProcessing
	p.CreatedAt = at
	p.UpdatedAt = at
	return p
}

// NewCompletedPayment returns a captured payment with a provider reference.
func NewCompletedPayment(amountCents int64, currency string) *payment.Payment {
	p := NewTestPayment(amountCents, currency)
	p.Status = payment.StatusCompleted
	ref := "mock_ch_" + p.IdempotencyKey
	p.ProviderTransactionID = &ref
	completedAt := time.Now().UTC()
	p.CompletedAt = &completedAt
	return p
}

// NewProcessInput returns a valid charge command payload.
func NewProcessInput(key string, amountCents int64) paymentApp.ProcessPaymentInput {
	return paymentApp.ProcessPaymentInput{
		IdempotencyKey: key,
		CustomerID:     "cus_test",
		AmountCents:    amountCents,
		Currency:       "USD",
		Method:         string(payment.MethodCreditCard),
		Provider:       string(payment.ProviderMock),
		Token:          "tok_visa",
	}
}
