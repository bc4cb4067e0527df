package command_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cassiomorais/payflow/internal/application/command"
	paymentApp "github.com/cassiomorais/payflow/internal/application/payment"
	domainErrors "github.com/cassiomorais/payflow/internal/domain/errors"
	domainPayment "github.com/cassiomorais/payflow/internal/domain/payment"
	"github.com/cassiomorais/payflow/internal/providers"
	"github.com/cassiomorais/payflow/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Helpers ---

type fakeDelivery struct {
	body    []byte
	headers map[string]string
	count   int

	mu      sync.Mutex
	settled []command.Decision
}

func newDelivery(t *testing.T, env command.Envelope, count int) *fakeDelivery {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return &fakeDelivery{body: body, headers: map[string]string{}, count: count}
}

func (d *fakeDelivery) Body() []byte               { return d.body }
func (d *fakeDelivery) Headers() map[string]string { return d.headers }
func (d *fakeDelivery) DeliveryCount() int         { return d.count }

func (d *fakeDelivery) settle(decision command.Decision) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settled = append(d.settled, decision)
	return nil
}

func (d *fakeDelivery) Ack(context.Context) error     { return d.settle(command.Ack) }
func (d *fakeDelivery) Requeue(context.Context) error { return d.settle(command.Requeue) }
func (d *fakeDelivery) Reject(context.Context) error  { return d.settle(command.Reject) }

func (d *fakeDelivery) Settled() []command.Decision {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]command.Decision(nil), d.settled...)
}

type chanSource struct {
	ch chan command.Delivery
}

func (s *chanSource) Deliveries(context.Context) (<-chan command.Delivery, error) {
	return s.ch, nil
}

type processorFunc func(ctx context.Context, in paymentApp.ProcessPaymentInput) (*paymentApp.PaymentSnapshot, error)

func (f processorFunc) Execute(ctx context.Context, in paymentApp.ProcessPaymentInput) (*paymentApp.PaymentSnapshot, error) {
	return f(ctx, in)
}

type refunderFunc func(ctx context.Context, in paymentApp.RefundPaymentInput) (*paymentApp.RefundResult, error)

func (f refunderFunc) Execute(ctx context.Context, in paymentApp.RefundPaymentInput) (*paymentApp.RefundResult, error) {
	return f(ctx, in)
}

func failingProcessor(err error) processorFunc {
	return func(context.Context, paymentApp.ProcessPaymentInput) (*paymentApp.PaymentSnapshot, error) {
		return nil, err
	}
}

func noRefunds(t *testing.T) refunderFunc {
	return func(context.Context, paymentApp.RefundPaymentInput) (*paymentApp.RefundResult, error) {
		t.Fatal("unexpected refund")
		return nil, nil
	}
}

func testConsumerConfig() command.Config {
	cfg := command.DefaultConfig()
	cfg.MaxRedeliveries = 3
	return cfg
}

func processEnvelope(t *testing.T, key string, amountCents int64) command.Envelope {
	t.Helper()
	env, err := command.NewEnvelope(command.ProcessPayment, key, testutil.NewProcessInput(key, amountCents))
	require.NoError(t, err)
	return env
}

// --- Routing ---

func TestConsumer_ProcessCommand_Acked(t *testing.T) {
	var got paymentApp.ProcessPaymentInput
	processor := processorFunc(func(_ context.Context, in paymentApp.ProcessPaymentInput) (*paymentApp.PaymentSnapshot, error) {
		got = in
		return &paymentApp.PaymentSnapshot{Status: "completed"}, nil
	})
	c := command.NewConsumer(processor, noRefunds(t), testutil.NewMemoryIdempotencyStore(), nil, testConsumerConfig(), zerolog.Nop())

	d := newDelivery(t, processEnvelope(t, "cmd-1", 25_00), 0)
	assert.Equal(t, command.Ack, c.Handle(context.Background(), d))
	assert.Equal(t, []command.Decision{command.Ack}, d.Settled())
	assert.Equal(t, "cmd-1", got.IdempotencyKey)
	assert.Equal(t, int64(25_00), got.AmountCents)
}

func TestConsumer_RefundCommand_Acked(t *testing.T) {
	var got paymentApp.RefundPaymentInput
	refunder := refunderFunc(func(_ context.Context, in paymentApp.RefundPaymentInput) (*paymentApp.RefundResult, error) {
		got = in
		return &paymentApp.RefundResult{}, nil
	})
	c := command.NewConsumer(failingProcessor(errors.New("unexpected")), refunder, testutil.NewMemoryIdempotencyStore(), nil, testConsumerConfig(), zerolog.Nop())

	env, err := command.NewEnvelope(command.RefundPayment, "refund-1", map[string]any{
		"payment_id":   "4b1c8a64-7f1e-4b8e-9a55-0c2f3f9f6d10",
		"amount_cents": 500,
	})
	require.NoError(t, err)

	d := newDelivery(t, env, 0)
	assert.Equal(t, command.Ack, c.Handle(context.Background(), d))
	assert.Equal(t, "refund-1", got.IdempotencyKey)
	assert.Equal(t, int64(500), got.AmountCents)
}

func TestConsumer_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{name: "undecodable envelope", body: []byte(`{"command":`)},
		{name: "unknown command", body: []byte(`{"command":"payment.capture","idempotency_key":"k","payload":{}}`)},
		{name: "missing idempotency key", body: []byte(`{"command":"payment.process","payload":{}}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := command.NewConsumer(failingProcessor(errors.New("unexpected")), noRefunds(t), testutil.NewMemoryIdempotencyStore(), nil, testConsumerConfig(), zerolog.Nop())
			d := &fakeDelivery{body: tt.body, headers: map[string]string{}}
			assert.Equal(t, command.Reject, c.Handle(context.Background(), d))
			assert.Equal(t, []command.Decision{command.Reject}, d.Settled())
		})
	}
}

// --- Idempotency ---

func TestConsumer_DuplicateOfCompletedCommand_AckedWithoutExecution(t *testing.T) {
	store := testutil.NewMemoryIdempotencyStore()
	require.NoError(t, store.Complete(context.Background(), paymentApp.ChargeKey("cmd-dup"),
		paymentApp.Record{Outcome: paymentApp.OutcomeSucceeded, Result: json.RawMessage(`{}`)}, time.Hour))

	c := command.NewConsumer(failingProcessor(errors.New("must not run")), noRefunds(t), store, nil, testConsumerConfig(), zerolog.Nop())
	d := newDelivery(t, processEnvelope(t, "cmd-dup", 10_00), 1)
	assert.Equal(t, command.Ack, c.Handle(context.Background(), d))
}

func TestConsumer_InvalidPayload_StoredAndAcked(t *testing.T) {
	store := testutil.NewMemoryIdempotencyStore()
	c := command.NewConsumer(failingProcessor(errors.New("must not run")), noRefunds(t), store, nil, testConsumerConfig(), zerolog.Nop())

	in := testutil.NewProcessInput("cmd-invalid", 10_00)
	in.Currency = "dollars"
	in.Method = "cash"
	env, err := command.NewEnvelope(command.ProcessPayment, "cmd-invalid", in)
	require.NoError(t, err)

	d := newDelivery(t, env, 0)
	assert.Equal(t, command.Ack, c.Handle(context.Background(), d))

	rec, err := store.Get(context.Background(), paymentApp.ChargeKey("cmd-invalid"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, paymentApp.OutcomeFailed, rec.Outcome)
	assert.Equal(t, domainErrors.CodeValidation, rec.ErrorCode)
	assert.ErrorIs(t, rec.Err(), domainErrors.ErrValidationFailed)

	// The redelivery short-circuits on the stored failure.
	assert.Equal(t, command.Ack, c.Handle(context.Background(), newDelivery(t, env, 1)))
}

func TestConsumer_MissingPayload_StoredAndAcked(t *testing.T) {
	store := testutil.NewMemoryIdempotencyStore()
	c := command.NewConsumer(failingProcessor(errors.New("must not run")), noRefunds(t), store, nil, testConsumerConfig(), zerolog.Nop())

	d := &fakeDelivery{body: []byte(`{"command":"payment.refund","idempotency_key":"r-empty"}`), headers: map[string]string{}}
	assert.Equal(t, command.Ack, c.Handle(context.Background(), d))

	rec, err := store.Get(context.Background(), paymentApp.RefundKey("r-empty"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domainErrors.CodeValidation, rec.ErrorCode)
}

// --- Error classification ---

func TestConsumer_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		count    int
		expected command.Decision
	}{
		{name: "permanent", err: domainErrors.ErrProviderDeclined, expected: command.Ack},
		{name: "transient", err: domainErrors.ErrProviderTimeout, expected: command.Requeue},
		{name: "in progress", err: domainErrors.ErrOperationInProgress, count: 1, expected: command.Requeue},
		{name: "unclassified", err: errors.New("connection reset by peer"), expected: command.Requeue},
		{name: "transient at max redeliveries", err: domainErrors.ErrProviderTimeout, count: 3, expected: command.Reject},
		{name: "compensation failed", err: domainErrors.ErrCompensationFailed, expected: command.Requeue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := command.NewConsumer(failingProcessor(tt.err), noRefunds(t), testutil.NewMemoryIdempotencyStore(), nil, testConsumerConfig(), zerolog.Nop())
			d := newDelivery(t, processEnvelope(t, "cmd-err", 10_00), tt.count)
			assert.Equal(t, tt.expected, c.Handle(context.Background(), d))
			assert.Equal(t, []command.Decision{tt.expected}, d.Settled())
		})
	}
}

func TestConsumer_IdempotencyStoreDown_Requeued(t *testing.T) {
	c := command.NewConsumer(failingProcessor(errors.New("must not run")), noRefunds(t), brokenStore{}, nil, testConsumerConfig(), zerolog.Nop())

	d := newDelivery(t, processEnvelope(t, "cmd-redis", 10_00), 0)
	assert.Equal(t, command.Requeue, c.Handle(context.Background(), d))
}

type brokenStore struct {
	paymentApp.IdempotencyStore
}

func (brokenStore) Get(context.Context, string) (*paymentApp.Record, error) {
	return nil, errors.New("redis: connection refused")
}

// --- End to end through the use case ---

func TestConsumer_ConcurrentDuplicateDeliveries_OneCharge(t *testing.T) {
	repo := testutil.NewStore()
	idem := testutil.NewMemoryIdempotencyStore()
	stub := testutil.NewStubProvider(string(domainPayment.ProviderMock))
	stub.ChargeFunc = func(_ context.Context, req providers.ChargeRequest) (*providers.ProviderResult, error) {
		time.Sleep(20 * time.Millisecond)
		return &providers.ProviderResult{TransactionID: "ch_" + req.IdempotencyKey, Status: "success"}, nil
	}
	factory := providers.NewFactory([]providers.Provider{stub})
	processor := paymentApp.NewProcessPaymentUseCase(repo, repo, repo, factory, idem, nil, nil, paymentApp.DefaultConfig(), zerolog.Nop())

	cfg := testConsumerConfig()
	cfg.Concurrency = 4
	c := command.NewConsumer(processor, noRefunds(t), idem, nil, cfg, zerolog.Nop())

	env := processEnvelope(t, "cmd-race", 10_00)
	deliveries := make([]*fakeDelivery, 4)
	src := &chanSource{ch: make(chan command.Delivery, len(deliveries))}
	for i := range deliveries {
		deliveries[i] = newDelivery(t, env, 0)
		src.ch <- deliveries[i]
	}
	close(src.ch)

	require.NoError(t, c.Run(context.Background(), src))

	assert.Equal(t, 1, stub.Charges())
	assert.Len(t, repo.Payments(), 1)
	for _, d := range deliveries {
		require.Len(t, d.Settled(), 1)
		assert.Contains(t, []command.Decision{command.Ack, command.Requeue}, d.Settled()[0])
	}
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	c := command.NewConsumer(failingProcessor(nil), noRefunds(t), testutil.NewMemoryIdempotencyStore(), nil, testConsumerConfig(), zerolog.Nop())
	src := &chanSource{ch: make(chan command.Delivery)}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, src) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}
