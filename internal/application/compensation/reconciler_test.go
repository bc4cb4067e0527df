package compensation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cassiomorais/payflow/internal/application/compensation"
	paymentApp "github.com/cassiomorais/payflow/internal/application/payment"
	domainPayment "github.com/cassiomorais/payflow/internal/domain/payment"
	"github.com/cassiomorais/payflow/internal/providers"
	"github.com/cassiomorais/payflow/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reconcilerFixture struct {
	*handlerFixture
	reconciler *compensation.Reconciler
	locker     *testutil.MemoryLocker
	idem       *testutil.MemoryIdempotencyStore
	now        time.Time
}

func newReconcilerFixture(t *testing.T, mutate func(*compensation.Config)) *reconcilerFixture {
	t.Helper()
	hf := newHandlerFixture(t, mutate)
	locker := testutil.NewMemoryLocker()
	idem := testutil.NewMemoryIdempotencyStore()
	f := &reconcilerFixture{handlerFixture: hf, locker: locker, idem: idem, now: time.Now().UTC()}
	f.reconciler = compensation.NewReconciler(hf.store, hf.store, hf.store, hf.factory, hf.handler, locker, idem, hf.recorder, testConfig(mutate), zerolog.Nop()).
		WithClock(func() time.Time { return f.now })
	return f
}

func (f *reconcilerFixture) seedStale(key string) *domainPayment.Payment {
	p := testutil.NewProcessingPayment(10_00, "USD", f.now.Add(-time.Hour))
	p.IdempotencyKey = key
	f.store.Seed(p)
	return p
}

func (f *reconcilerFixture) lookups(outcomes map[string]*providers.ChargeStatus) {
	f.provider.LookupFunc = func(_ context.Context, key string) (*providers.ChargeStatus, error) {
		if s, ok := outcomes[key]; ok {
			return s, nil
		}
		return &providers.ChargeStatus{Outcome: providers.ChargeNotFound}, nil
	}
}

func (f *reconcilerFixture) status(t *testing.T, p *domainPayment.Payment) domainPayment.PaymentStatus {
	t.Helper()
	stored, err := f.store.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	return stored.Status
}

func TestReconciler_ResolvesStalePayments(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	charged := f.seedStale("stale-charged")
	declined := f.seedStale("stale-declined")
	missing := f.seedStale("stale-missing")

	fresh := testutil.NewProcessingPayment(10_00, "USD", f.now.Add(-time.Minute))
	f.store.Seed(fresh)

	f.lookups(map[string]*providers.ChargeStatus{
		"stale-charged":  {Outcome: providers.ChargeSucceeded, TransactionID: "ch_late"},
		"stale-declined": {Outcome: providers.ChargeDeclined, DeclineReason: "card_declined"},
	})

	res, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, compensation.ReconcileResult{Scanned: 3, Compensated: 1, Failed: 2}, res)

	assert.Equal(t, domainPayment.StatusCompleted, f.status(t, charged))
	assert.Equal(t, domainPayment.StatusFailed, f.status(t, declined))
	assert.Equal(t, domainPayment.StatusFailed, f.status(t, missing))
	assert.Equal(t, domainPayment.StatusProcessing, f.status(t, fresh))

	assert.Equal(t, []string{paymentApp.EventPaymentCompleted}, f.store.EventTypes(charged.ID))
	assert.Equal(t, []string{paymentApp.EventPaymentFailed}, f.store.EventTypes(declined.ID))
	assert.Equal(t, 1, f.recorder.reconciled["compensated"])
	assert.Equal(t, 2, f.recorder.reconciled["failed"])
	assert.Zero(t, f.provider.Charges())

	stored, err := f.store.GetByID(context.Background(), declined.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.FailureReason)
	assert.Equal(t, "card_declined", *stored.FailureReason)
}

func TestReconciler_LookupError_Skipped(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	p := f.seedStale("stale-unreachable")
	f.provider.LookupFunc = func(context.Context, string) (*providers.ChargeStatus, error) {
		return nil, errors.New("connection refused")
	}

	res, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, compensation.ReconcileResult{Scanned: 1, Skipped: 1}, res)
	assert.Equal(t, domainPayment.StatusProcessing, f.status(t, p))
}

func TestReconciler_LookupUnsupported_Skipped(t *testing.T) {
	store := testutil.NewStore()
	stub := testutil.NewStubProvider(string(domainPayment.ProviderMock))
	factory := providers.NewFactory([]providers.Provider{blindProvider{stub}})
	handler := compensation.NewHandler(store, store, store, factory, nil, testConfig(nil), zerolog.Nop())
	r := compensation.NewReconciler(store, store, store, factory, handler, testutil.NewMemoryLocker(), testutil.NewMemoryIdempotencyStore(), nil, testConfig(nil), zerolog.Nop())

	p := testutil.NewProcessingPayment(10_00, "USD", time.Now().Add(-time.Hour))
	store.Seed(p)

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, stub.Lookups())
}

// blindProvider hides the lookup capability of a provider.
type blindProvider struct {
	providers.Provider
}

func TestReconciler_CompensationDisabled_Escalates(t *testing.T) {
	f := newReconcilerFixture(t, func(c *compensation.Config) { c.Enabled = false })
	p := f.seedStale("stale-escalate")
	f.lookups(map[string]*providers.ChargeStatus{
		"stale-escalate": {Outcome: providers.ChargeSucceeded, TransactionID: "ch_late"},
	})

	res, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Escalated)
	assert.Equal(t, domainPayment.StatusProcessing, f.status(t, p))
	assert.Equal(t, 1, f.recorder.failed)
}

func TestReconciler_RespectsBatchSize(t *testing.T) {
	f := newReconcilerFixture(t, func(c *compensation.Config) { c.BatchSize = 2 })
	for _, key := range []string{"b-1", "b-2", "b-3"} {
		f.seedStale(key)
	}

	res, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)

	res, err = f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
}

func TestReconciler_LockHeldElsewhere_SkipsPass(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	f.seedStale("stale-locked")

	held, err := f.locker.Obtain(context.Background(), "reconciler:processing", time.Minute)
	require.NoError(t, err)
	defer held.Release(context.Background())

	res, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
	assert.Zero(t, f.provider.Lookups())
}

func TestReconciler_ChargeKeyOwnedElsewhere_Skipped(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	inFlight := f.seedStale("stale-inflight")
	done := f.seedStale("stale-done")
	f.idem.Lock(paymentApp.ChargeKey("stale-inflight"), time.Minute)
	require.NoError(t, f.idem.Complete(context.Background(), paymentApp.ChargeKey("stale-done"),
		paymentApp.Record{Outcome: paymentApp.OutcomeSucceeded}, time.Hour))

	res, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, compensation.ReconcileResult{Scanned: 2, Skipped: 2}, res)
	assert.Zero(t, f.provider.Lookups())
	assert.Equal(t, domainPayment.StatusProcessing, f.status(t, inFlight))
	assert.Equal(t, domainPayment.StatusProcessing, f.status(t, done))
}

func TestReconciler_ReleasesChargeKeyAfterResolving(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	f.seedStale("stale-release")

	res, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, f.idem.Releases())

	got, err := f.idem.GetOrLock(context.Background(), paymentApp.ChargeKey("stale-release"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, paymentApp.LookupEmpty, got.State)
}
