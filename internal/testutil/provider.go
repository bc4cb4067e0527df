package testutil

import (
	"context"
	"sync"

	"github.com/cassiomorais/payflow/internal/providers"
)

// StubProvider is a providers.Provider whose behaviour is set per test.
// Unset funcs succeed with a transaction id derived from the request key.
type StubProvider struct {
	NameValue string

	ChargeFunc func(ctx context.Context, req providers.ChargeRequest) (*providers.ProviderResult, error)
	RefundFunc func(ctx context.Context, req providers.RefundRequest) (*providers.ProviderResult, error)
	LookupFunc func(ctx context.Context, key string) (*providers.ChargeStatus, error)

	mu      sync.Mutex
	charges int
	refunds int
	lookups int
}

func NewStubProvider(name string) *StubProvider {
	return &StubProvider{NameValue: name}
}

func (p *StubProvider) Name() string { return p.NameValue }

func (p *StubProvider) Charge(ctx context.Context, req providers.ChargeRequest) (*providers.ProviderResult, error) {
	p.mu.Lock()
	p.charges++
	p.mu.Unlock()
	if p.ChargeFunc != nil {
		return p.ChargeFunc(ctx, req)
	}
	return &providers.ProviderResult{TransactionID: "ch_" + req.IdempotencyKey, Status: "success"}, nil
}

func (p *StubProvider) Refund(ctx context.Context, req providers.RefundRequest) (*providers.ProviderResult, error) {
	p.mu.Lock()
	p.refunds++
	p.mu.Unlock()
	if p.RefundFunc != nil {
		return p.RefundFunc(ctx, req)
	}
	return &providers.ProviderResult{TransactionID: "re_" + req.IdempotencyKey, Status: "success"}, nil
}

func (p *StubProvider) LookupCharge(ctx context.Context, key string) (*providers.ChargeStatus, error) {
	p.mu.Lock()
	p.lookups++
	p.mu.Unlock()
	if p.LookupFunc != nil {
		return p.LookupFunc(ctx, key)
	}
	return &providers.ChargeStatus{Outcome: providers.ChargeNotFound}, nil
}

func (p *StubProvider) Charges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.charges
}

func (p *StubProvider) Refunds() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refunds
}

func (p *StubProvider) Lookups() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookups
}

var (
	_ providers.Provider     = (*StubProvider)(nil)
	_ providers.ChargeLookup = (*StubProvider)(nil)
)
