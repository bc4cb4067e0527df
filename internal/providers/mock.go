package providers

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/payflow/internal/domain/errors"
)

// Well-known tokens with deterministic outcomes.
const (
	TokenVisa              = "tok_visa"
	TokenMastercard        = "tok_mastercard"
	TokenChargeDeclined    = "tok_chargeDeclined"
	TokenInsufficientFunds = "tok_insufficient_funds"
	TokenTimeout           = "tok_timeout"
)

// MockProvider simulates a PSP. Charges and refunds are remembered by
// idempotency key, so replays return the original result.
type MockProvider struct {
	name        string
	failureRate float64 // 0.0 to 1.0
	latency     time.Duration
	timeoutRate float64 // 0.0 to 1.0

	mu      sync.Mutex
	charges map[string]*ChargeStatus
	refunds map[string]*ProviderResult
	calls   int
}

type MockProviderOption func(*MockProvider)

func WithFailureRate(rate float64) MockProviderOption {
	return func(p *MockProvider) { p.failureRate = rate }
}

func WithLatency(d time.Duration) MockProviderOption {
	return func(p *MockProvider) { p.latency = d }
}

func WithTimeoutRate(rate float64) MockProviderOption {
	return func(p *MockProvider) { p.timeoutRate = rate }
}

func NewMockProvider(name string, opts ...MockProviderOption) *MockProvider {
	p := &MockProvider{
		name:    name,
		latency: 100 * time.Millisecond,
		charges: make(map[string]*ChargeStatus),
		refunds: make(map[string]*ProviderResult),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *MockProvider) Name() string { return p.name }

// Calls returns how many Charge requests reached the provider.
func (p *MockProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *MockProvider) Charge(ctx context.Context, req ChargeRequest) (*ProviderResult, error) {
	p.mu.Lock()
	p.calls++
	if prev, ok := p.charges[req.IdempotencyKey]; ok {
		p.mu.Unlock()
		return chargeResult(prev)
	}
	p.mu.Unlock()

	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	if req.Token == TokenTimeout || rand.Float64() < p.timeoutRate {
		return nil, domainErrors.ErrProviderTimeout
	}

	status := &ChargeStatus{
		Outcome:       ChargeSucceeded,
		TransactionID: fmt.Sprintf("%s_ch_%s", p.name, req.IdempotencyKey),
	}
	switch {
	case req.Token == TokenChargeDeclined:
		status = &ChargeStatus{Outcome: ChargeDeclined, DeclineReason: "card_declined"}
	case req.Token == TokenInsufficientFunds:
		status = &ChargeStatus{Outcome: ChargeDeclined, DeclineReason: "insufficient_funds"}
	case rand.Float64() < p.failureRate:
		status = &ChargeStatus{Outcome: ChargeDeclined, DeclineReason: "simulated decline"}
	}

	p.mu.Lock()
	p.charges[req.IdempotencyKey] = status
	p.mu.Unlock()
	return chargeResult(status)
}

func (p *MockProvider) Refund(ctx context.Context, req RefundRequest) (*ProviderResult, error) {
	p.mu.Lock()
	if prev, ok := p.refunds[req.IdempotencyKey]; ok {
		p.mu.Unlock()
		return prev, nil
	}
	p.mu.Unlock()

	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	if req.TransactionID == "" {
		return &ProviderResult{Status: "declined", ErrorMessage: "no such charge"},
			fmt.Errorf("%s: refund without charge: %w", p.name, domainErrors.ErrProviderDeclined)
	}
	if rand.Float64() < p.failureRate {
		return &ProviderResult{Status: "declined", ErrorMessage: fmt.Sprintf("%s: simulated refund failure", p.name)},
			fmt.Errorf("%s: simulated refund failure: %w", p.name, domainErrors.ErrProviderDeclined)
	}

	result := &ProviderResult{
		TransactionID: fmt.Sprintf("%s_re_%s", p.name, req.IdempotencyKey),
		Status:        "success",
	}
	p.mu.Lock()
	p.refunds[req.IdempotencyKey] = result
	p.mu.Unlock()
	return result, nil
}

func (p *MockProvider) LookupCharge(ctx context.Context, idempotencyKey string) (*ChargeStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.charges[idempotencyKey]; ok {
		cp := *s
		return &cp, nil
	}
	return &ChargeStatus{Outcome: ChargeNotFound}, nil
}

func (p *MockProvider) wait(ctx context.Context) error {
	if p.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(p.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func chargeResult(s *ChargeStatus) (*ProviderResult, error) {
	if s.Outcome == ChargeDeclined {
		return &ProviderResult{Status: "declined", ErrorMessage: s.DeclineReason},
			domainErrors.NewDomainError(domainErrors.CodeProviderDeclined, s.DeclineReason, domainErrors.ErrProviderDeclined)
	}
	return &ProviderResult{TransactionID: s.TransactionID, Status: "success"}, nil
}
