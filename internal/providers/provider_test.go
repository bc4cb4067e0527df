package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	domainErrors "github.com/cassiomorais/payflow/internal/domain/errors"
	"github.com/cassiomorais/payflow/internal/domain/payment"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyProvider struct {
	err error
}

func (p *flakyProvider) Name() string { return "flaky" }

func (p *flakyProvider) Charge(ctx context.Context, req ChargeRequest) (*ProviderResult, error) {
	return nil, p.err
}

func (p *flakyProvider) Refund(ctx context.Context, req RefundRequest) (*ProviderResult, error) {
	return nil, p.err
}

func TestNewFactory_WithDefaultProviders(t *testing.T) {
	factory := NewFactory(nil)

	assert.Len(t, factory.providers, 3)
	assert.Len(t, factory.circuitBreakers, 3)
	for _, name := range []payment.Provider{payment.ProviderStripe, payment.ProviderPayPal, payment.ProviderMock} {
		p, breaker, err := factory.Get(name)
		require.NoError(t, err)
		assert.Equal(t, string(name), p.Name())
		assert.NotNil(t, breaker)
	}
}

func TestFactory_Get_UnknownProvider_Error(t *testing.T) {
	factory := NewFactory(nil)

	provider, breaker, err := factory.Get(payment.Provider("unknown"))
	assert.ErrorIs(t, err, domainErrors.ErrProviderNotFound)
	assert.Nil(t, provider)
	assert.Nil(t, breaker)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestFactory_Charge_DeclineDoesNotTripBreaker(t *testing.T) {
	settings := DefaultBreakerSettings()
	settings.MinRequests = 2
	factory := NewFactory([]Provider{NewMockProvider("mock", WithLatency(0))}, WithBreakerSettings(settings))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := factory.Charge(ctx, "mock", chargeReq("k"+string(rune('a'+i)), TokenChargeDeclined))
		require.ErrorIs(t, err, domainErrors.ErrProviderDeclined)
		assert.False(t, domainErrors.IsTransient(err))
	}

	_, breaker, _ := factory.Get("mock")
	assert.Equal(t, gobreaker.StateClosed, breaker.State())
}

func TestFactory_Charge_TimeoutIsTransient(t *testing.T) {
	factory := NewFactory([]Provider{NewMockProvider("mock", WithLatency(time.Second))}, WithCallTimeout(5*time.Millisecond))

	_, err := factory.Charge(context.Background(), "mock", chargeReq("k1", TokenVisa))
	require.Error(t, err)
	assert.ErrorIs(t, err, domainErrors.ErrProviderTimeout)
	assert.True(t, domainErrors.IsTransient(err))
}

func TestFactory_Charge_OpenBreakerIsTransient(t *testing.T) {
	settings := DefaultBreakerSettings()
	settings.MinRequests = 2
	settings.FailureRatio = 0.5
	var transitions []gobreaker.State
	factory := NewFactory(
		[]Provider{&flakyProvider{err: errors.New("connection refused")}},
		WithBreakerSettings(settings),
		WithStateChangeHook(func(_ string, _, to gobreaker.State) { transitions = append(transitions, to) }),
	)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := factory.Charge(ctx, "flaky", ChargeRequest{})
		require.Error(t, err)
		assert.True(t, domainErrors.IsTransient(err))
	}

	_, err := factory.Charge(ctx, "flaky", ChargeRequest{})
	assert.ErrorIs(t, err, domainErrors.ErrProviderTransient)
	assert.Contains(t, err.Error(), "circuit")
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)
}

func TestFactory_LookupCharge(t *testing.T) {
	mock := NewMockProvider("mock", WithLatency(0))
	factory := NewFactory([]Provider{mock, &flakyProvider{}})
	ctx := context.Background()

	_, err := factory.Charge(ctx, "mock", chargeReq("k1", TokenVisa))
	require.NoError(t, err)

	status, supported, err := factory.LookupCharge(ctx, "mock", "k1")
	require.NoError(t, err)
	assert.True(t, supported)
	assert.Equal(t, ChargeSucceeded, status.Outcome)

	_, supported, err = factory.LookupCharge(ctx, "flaky", "k1")
	require.NoError(t, err)
	assert.False(t, supported)
}
