package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/payflow/internal/domain/errors"
	"github.com/cassiomorais/payflow/internal/domain/payment"
	"github.com/sony/gobreaker/v2"
)

// BreakerSettings tunes the per-provider circuit breaker.
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultBreakerSettings trips at a 60% failure ratio over 10 requests.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  10,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  10,
		FailureRatio: 0.6,
	}
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(provider string, from, to gobreaker.State)

// Factory resolves providers by name and runs every call through the
// provider's circuit breaker with a bounded timeout.
type Factory struct {
	providers       map[string]Provider
	circuitBreakers map[string]*gobreaker.CircuitBreaker[*ProviderResult]
	settings        BreakerSettings
	callTimeout     time.Duration
	onStateChange   StateChangeFunc
}

type FactoryOption func(*Factory)

func WithBreakerSettings(s BreakerSettings) FactoryOption {
	return func(f *Factory) { f.settings = s }
}

func WithCallTimeout(d time.Duration) FactoryOption {
	return func(f *Factory) { f.callTimeout = d }
}

func WithStateChangeHook(fn StateChangeFunc) FactoryOption {
	return func(f *Factory) { f.onStateChange = fn }
}

// NewFactory registers providersList, or mock-backed stripe, paypal and
// mock providers when none are given.
func NewFactory(providersList []Provider, opts ...FactoryOption) *Factory {
	f := &Factory{
		providers:       make(map[string]Provider),
		circuitBreakers: make(map[string]*gobreaker.CircuitBreaker[*ProviderResult]),
		settings:        DefaultBreakerSettings(),
		callTimeout:     10 * time.Second,
	}
	for _, o := range opts {
		o(f)
	}

	if len(providersList) == 0 {
		providersList = []Provider{
			NewMockProvider(string(payment.ProviderStripe), WithLatency(200*time.Millisecond)),
			NewMockProvider(string(payment.ProviderPayPal), WithLatency(300*time.Millisecond)),
			NewMockProvider(string(payment.ProviderMock), WithLatency(0)),
		}
	}
	for _, p := range providersList {
		f.Register(p)
	}
	return f
}

func (f *Factory) Register(p Provider) {
	s := f.settings
	f.providers[p.Name()] = p
	f.circuitBreakers[p.Name()] = gobreaker.NewCircuitBreaker[*ProviderResult](gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
		},
		// A decline is a healthy answer from the provider.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domainErrors.ErrProviderDeclined)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if f.onStateChange != nil {
				f.onStateChange(name, from, to)
			}
		},
	})
}

// Has reports whether name is registered.
func (f *Factory) Has(name payment.Provider) bool {
	_, ok := f.providers[string(name)]
	return ok
}

func (f *Factory) Get(name payment.Provider) (Provider, *gobreaker.CircuitBreaker[*ProviderResult], error) {
	p, ok := f.providers[string(name)]
	if !ok {
		return nil, nil, fmt.Errorf("unknown provider %q: %w", name, domainErrors.ErrProviderNotFound)
	}
	return p, f.circuitBreakers[string(name)], nil
}

// Charge runs p.Charge under the breaker and call timeout.
func (f *Factory) Charge(ctx context.Context, name payment.Provider, req ChargeRequest) (*ProviderResult, error) {
	p, breaker, err := f.Get(name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.callTimeout)
	defer cancel()

	result, err := breaker.Execute(func() (*ProviderResult, error) {
		return p.Charge(ctx, req)
	})
	return result, classify(name, err)
}

// Refund runs p.Refund under the breaker and call timeout.
func (f *Factory) Refund(ctx context.Context, name payment.Provider, req RefundRequest) (*ProviderResult, error) {
	p, breaker, err := f.Get(name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.callTimeout)
	defer cancel()

	result, err := breaker.Execute(func() (*ProviderResult, error) {
		return p.Refund(ctx, req)
	})
	return result, classify(name, err)
}

// LookupCharge asks the provider about a charge by idempotency key.
// supported is false when the provider has no lookup capability.
func (f *Factory) LookupCharge(ctx context.Context, name payment.Provider, idempotencyKey string) (status *ChargeStatus, supported bool, err error) {
	p, _, err := f.Get(name)
	if err != nil {
		return nil, false, err
	}
	lookup, ok := p.(ChargeLookup)
	if !ok {
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, f.callTimeout)
	defer cancel()

	status, err = lookup.LookupCharge(ctx, idempotencyKey)
	return status, true, classify(name, err)
}

// classify maps transport-level failures to ErrProviderTransient so callers
// can tell "outcome unknown" apart from a decline.
func classify(name payment.Provider, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domainErrors.ErrProviderDeclined):
		return err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%s circuit %v: %w", name, err, domainErrors.ErrProviderTransient)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domainErrors.ErrProviderTimeout):
		return fmt.Errorf("%s: %w: %w", name, domainErrors.ErrProviderTimeout, domainErrors.ErrProviderTransient)
	default:
		return fmt.Errorf("%s: %v: %w", name, err, domainErrors.ErrProviderTransient)
	}
}
