package payment_test

import (
	"testing"

	"github.com/cassiomorais/payflow/internal/domain/errors"
	"github.com/cassiomorais/payflow/internal/domain/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usd(cents int64) payment.Amount {
	return payment.Amount{ValueCents: cents, Currency: "USD"}
}

func newPayment(t *testing.T, cents int64) *payment.Payment {
	t.Helper()
	p, err := payment.NewPayment("key-1", "cust-1", usd(cents), payment.MethodCreditCard, payment.ProviderStripe)
	require.NoError(t, err)
	return p
}

func completedPayment(t *testing.T, cents int64) *payment.Payment {
	t.Helper()
	p := newPayment(t, cents)
	require.NoError(t, p.MarkProcessing())
	require.NoError(t, p.MarkCompleted("ch_123"))
	return p
}

func TestNewPayment_Valid(t *testing.T) {
	p := newPayment(t, 9999)

	assert.Equal(t, payment.StatusPending, p.Status)
	assert.Equal(t, "key-1", p.IdempotencyKey)
	assert.Equal(t, "cust-1", p.CustomerID)
	assert.Equal(t, int64(9999), p.Amount.ValueCents)
	assert.Equal(t, int64(0), p.RefundedCents)
	assert.Nil(t, p.ProviderTransactionID)
	assert.Empty(t, p.PendingChanges())
}

func TestNewPayment_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		amount payment.Amount
		method payment.Method
	}{
		{"empty key", "", usd(100), payment.MethodCreditCard},
		{"zero amount", "k", usd(0), payment.MethodCreditCard},
		{"negative amount", "k", usd(-100), payment.MethodCreditCard},
		{"empty currency", "k", payment.Amount{ValueCents: 100}, payment.MethodCreditCard},
		{"short currency", "k", payment.Amount{ValueCents: 100, Currency: "US"}, payment.MethodCreditCard},
		{"lower-case currency", "k", payment.Amount{ValueCents: 100, Currency: "usd"}, payment.MethodCreditCard},
		{"unknown currency", "k", payment.Amount{ValueCents: 100, Currency: "ZZZ"}, payment.MethodCreditCard},
		{"unknown method", "k", usd(100), payment.Method("cash")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := payment.NewPayment(tt.key, "cust-1", tt.amount, tt.method, payment.ProviderStripe)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrValidationFailed)
		})
	}
}

func TestStateMachine_HappyPath(t *testing.T) {
	p := newPayment(t, 10000)

	require.NoError(t, p.MarkProcessing())
	assert.Equal(t, payment.StatusProcessing, p.Status)
	assert.Nil(t, p.CompletedAt)

	require.NoError(t, p.MarkCompleted("ch_abc"))
	assert.Equal(t, payment.StatusCompleted, p.Status)
	require.NotNil(t, p.ProviderTransactionID)
	assert.Equal(t, "ch_abc", *p.ProviderTransactionID)
	assert.NotNil(t, p.CompletedAt)

	changes := p.PendingChanges()
	require.Len(t, changes, 2)
	assert.Equal(t, payment.StatusPending, changes[0].From)
	assert.Equal(t, payment.StatusProcessing, changes[0].To)
	assert.Equal(t, payment.StatusCompleted, changes[1].To)

	p.ClearChanges()
	assert.Empty(t, p.PendingChanges())
}

func TestStateMachine_MarkFailed(t *testing.T) {
	p := newPayment(t, 10000)
	require.NoError(t, p.MarkProcessing())

	require.NoError(t, p.MarkFailed("card declined"))
	assert.Equal(t, payment.StatusFailed, p.Status)
	require.NotNil(t, p.FailureReason)
	assert.Equal(t, "card declined", *p.FailureReason)
	assert.True(t, p.IsTerminal())
}

func TestStateMachine_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		run  func(p *payment.Payment) error
	}{
		{"complete from pending", func(p *payment.Payment) error { return p.MarkCompleted("ch_1") }},
		{"fail from pending", func(p *payment.Payment) error { return p.MarkFailed("x") }},
		{"processing twice", func(p *payment.Payment) error {
			_ = p.MarkProcessing()
			return p.MarkProcessing()
		}},
		{"complete after fail", func(p *payment.Payment) error {
			_ = p.MarkProcessing()
			_ = p.MarkFailed("x")
			return p.MarkCompleted("ch_1")
		}},
		{"refund from pending", func(p *payment.Payment) error { return p.ApplyRefund(usd(100)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPayment(t, 10000)
			err := tt.run(p)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidStateTransition)
		})
	}
}

func TestStateMachine_RejectedTransitionLeavesStateUntouched(t *testing.T) {
	p := newPayment(t, 10000)

	require.Error(t, p.MarkCompleted("ch_1"))
	assert.Equal(t, payment.StatusPending, p.Status)
	assert.Nil(t, p.ProviderTransactionID)
	assert.Empty(t, p.PendingChanges())
}

func TestStateMachine_MarkCompleted_RequiresRef(t *testing.T) {
	p := newPayment(t, 10000)
	require.NoError(t, p.MarkProcessing())

	err := p.MarkCompleted("")
	assert.ErrorIs(t, err, errors.ErrValidationFailed)
	assert.Equal(t, payment.StatusProcessing, p.Status)
}

func TestApplyRefund_PartialThenFull(t *testing.T) {
	p := completedPayment(t, 10000)

	require.NoError(t, p.ApplyRefund(usd(3000)))
	assert.Equal(t, payment.StatusPartiallyRefunded, p.Status)
	assert.Equal(t, int64(3000), p.RefundedCents)
	assert.Equal(t, int64(7000), p.RemainingRefundable().ValueCents)

	require.NoError(t, p.ApplyRefund(usd(2000)))
	assert.Equal(t, payment.StatusPartiallyRefunded, p.Status)
	assert.Equal(t, int64(5000), p.RefundedCents)

	require.NoError(t, p.ApplyRefund(usd(5000)))
	assert.Equal(t, payment.StatusRefunded, p.Status)
	assert.Equal(t, int64(10000), p.RefundedCents)
	assert.False(t, p.CanRefund())
}

func TestApplyRefund_ExceedsAmount(t *testing.T) {
	p := completedPayment(t, 10000)

	err := p.ApplyRefund(usd(15000))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRefundExceedsAmount)
	assert.Equal(t, payment.StatusCompleted, p.Status)
	assert.Equal(t, int64(0), p.RefundedCents)
}

func TestApplyRefund_CumulativeExceedsAmount(t *testing.T) {
	amounts := [][]int64{
		{6000, 5000},
		{9999, 2},
		{2500, 2500, 2500, 2501},
	}

	for _, seq := range amounts {
		p := completedPayment(t, 10000)
		var err error
		var applied int64
		for _, a := range seq {
			if err = p.ApplyRefund(usd(a)); err != nil {
				break
			}
			applied += a
		}
		require.ErrorIs(t, err, errors.ErrRefundExceedsAmount)
		assert.Equal(t, applied, p.RefundedCents)
		assert.LessOrEqual(t, p.RefundedCents, p.Amount.ValueCents)
	}
}

func TestApplyRefund_Validation(t *testing.T) {
	p := completedPayment(t, 10000)

	assert.ErrorIs(t, p.ApplyRefund(usd(0)), errors.ErrValidationFailed)
	assert.ErrorIs(t, p.ApplyRefund(payment.Amount{ValueCents: 100, Currency: "EUR"}), errors.ErrValidationFailed)
	assert.Equal(t, payment.StatusCompleted, p.Status)
}

func TestApplyRefund_FailedPaymentNotRefundable(t *testing.T) {
	p := newPayment(t, 10000)
	require.NoError(t, p.MarkProcessing())
	require.NoError(t, p.MarkFailed("declined"))

	err := p.ApplyRefund(usd(100))
	assert.ErrorIs(t, err, errors.ErrInvalidStateTransition)
	assert.Equal(t, payment.StatusFailed, p.Status)
}
