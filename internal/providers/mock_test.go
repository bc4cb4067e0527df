package providers

import (
	"context"
	"testing"
	"time"

	domainErrors "github.com/cassiomorais/payflow/internal/domain/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chargeReq(key, token string) ChargeRequest {
	return ChargeRequest{
		PaymentID:      "pay_123",
		IdempotencyKey: key,
		AmountCents:    9999,
		Currency:       "USD",
		Method:         "credit_card",
		Token:          token,
	}
}

func TestNewMockProvider(t *testing.T) {
	provider := NewMockProvider("test")

	assert.Equal(t, "test", provider.Name())
	assert.Equal(t, 0, provider.Calls())
}

func TestMockProvider_Charge_Success(t *testing.T) {
	provider := NewMockProvider("test", WithLatency(0))

	result, err := provider.Charge(context.Background(), chargeReq("unique_001", TokenVisa))
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, "test_ch_unique_001", result.TransactionID)
}

func TestMockProvider_Charge_SameKeyReturnsSameCharge(t *testing.T) {
	provider := NewMockProvider("test", WithLatency(0))
	ctx := context.Background()

	first, err := provider.Charge(ctx, chargeReq("k1", TokenVisa))
	require.NoError(t, err)
	second, err := provider.Charge(ctx, chargeReq("k1", TokenVisa))
	require.NoError(t, err)

	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, 2, provider.Calls())
}

func TestMockProvider_Charge_Declined(t *testing.T) {
	tests := []struct {
		token  string
		reason string
	}{
		{TokenChargeDeclined, "card_declined"},
		{TokenInsufficientFunds, "insufficient_funds"},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			provider := NewMockProvider("test", WithLatency(0))

			result, err := provider.Charge(context.Background(), chargeReq("k-"+tt.token, tt.token))
			require.Error(t, err)
			assert.ErrorIs(t, err, domainErrors.ErrProviderDeclined)
			assert.Equal(t, "declined", result.Status)
			assert.Equal(t, tt.reason, result.ErrorMessage)
		})
	}
}

func TestMockProvider_Charge_Timeout(t *testing.T) {
	provider := NewMockProvider("test", WithLatency(0))

	_, err := provider.Charge(context.Background(), chargeReq("k1", TokenTimeout))
	assert.ErrorIs(t, err, domainErrors.ErrProviderTimeout)

	status, err := provider.LookupCharge(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, ChargeNotFound, status.Outcome)
}

func TestMockProvider_Charge_ContextCancelled(t *testing.T) {
	provider := NewMockProvider("test", WithLatency(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := provider.Charge(ctx, chargeReq("k1", TokenVisa))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMockProvider_LookupCharge(t *testing.T) {
	provider := NewMockProvider("test", WithLatency(0))
	ctx := context.Background()

	_, err := provider.Charge(ctx, chargeReq("ok", TokenVisa))
	require.NoError(t, err)
	_, _ = provider.Charge(ctx, chargeReq("nope", TokenChargeDeclined))

	ok, err := provider.LookupCharge(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, ChargeSucceeded, ok.Outcome)
	assert.Equal(t, "test_ch_ok", ok.TransactionID)

	declined, err := provider.LookupCharge(ctx, "nope")
	require.NoError(t, err)
	assert.Equal(t, ChargeDeclined, declined.Outcome)

	missing, err := provider.LookupCharge(ctx, "never")
	require.NoError(t, err)
	assert.Equal(t, ChargeNotFound, missing.Outcome)
}

func TestMockProvider_Refund(t *testing.T) {
	provider := NewMockProvider("test", WithLatency(0))
	ctx := context.Background()

	req := RefundRequest{
		PaymentID:      "pay_123",
		TransactionID:  "test_ch_k1",
		IdempotencyKey: "r1",
		AmountCents:    5000,
		Currency:       "USD",
	}
	result, err := provider.Refund(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, "test_re_r1", result.TransactionID)

	again, err := provider.Refund(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, result, again)
}

func TestMockProvider_Refund_Failure(t *testing.T) {
	provider := NewMockProvider("test", WithLatency(0), WithFailureRate(1.0))

	result, err := provider.Refund(context.Background(), RefundRequest{TransactionID: "txn_456", IdempotencyKey: "r1", AmountCents: 100, Currency: "USD"})
	assert.ErrorIs(t, err, domainErrors.ErrProviderDeclined)
	assert.Equal(t, "declined", result.Status)
	assert.Contains(t, result.ErrorMessage, "simulated")
}

func TestMockProvider_Latency(t *testing.T) {
	latency := 50 * time.Millisecond
	provider := NewMockProvider("test", WithLatency(latency))

	start := time.Now()
	_, err := provider.Charge(context.Background(), chargeReq("k1", TokenVisa))
	duration := time.Since(start)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, duration, latency)
}
