package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	outboxApp "github.com/cassiomorais/payflow/internal/application/outbox"
	"github.com/cassiomorais/payflow/internal/domain/outbox"
	"github.com/cassiomorais/payflow/internal/testutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- Test Helpers ---

type recorder struct {
	mu           sync.Mutex
	published    int
	failed       int
	deadLettered int
	count        int64
}

func (r *recorder) EventPublished(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published++
}

func (r *recorder) PublishFailed(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
}

func (r *recorder) EventDeadLettered(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadLettered++
}

func (r *recorder) DeadLetterCount(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count = n
}

type workerFixture struct {
	worker   *outboxApp.Worker
	store    *testutil.Store
	bus      *testutil.RecordingBus
	recorder *recorder
	now      time.Time
}

func newWorkerFixture(t *testing.T, mutate func(*outboxApp.Config)) *workerFixture {
	t.Helper()
	cfg := outboxApp.DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.BaseBackoff = time.Second
	cfg.MaxBackoff = time.Minute
	if mutate != nil {
		mutate(&cfg)
	}

	f := &workerFixture{
		store:    testutil.NewStore(),
		bus:      testutil.NewRecordingBus(),
		recorder: &recorder{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.worker = outboxApp.NewWorker(f.store, f.store, f.bus, f.recorder, cfg, zerolog.Nop()).
		WithClock(func() time.Time { return f.now })
	return f
}

func (f *workerFixture) insert(t *testing.T, eventType string) *outbox.Event {
	t.Helper()
	e, err := outbox.NewEvent("payment", uuid.New(), eventType, map[string]any{"status": "completed"})
	require.NoError(t, err)
	require.NoError(t, f.store.Insert(context.Background(), e))
	return e
}

func (f *workerFixture) event(t *testing.T, id uuid.UUID) outbox.Event {
	t.Helper()
	for _, e := range f.store.Events() {
		if e.ID == id {
			return e
		}
	}
	t.Fatalf("event %s not found", id)
	return outbox.Event{}
}

var errBroker = errors.New("broker unreachable")

// --- Publishing ---

func TestWorker_PublishesDueEvents(t *testing.T) {
	f := newWorkerFixture(t, nil)
	completed := f.insert(t, "payment.completed")
	f.insert(t, "payment.failed")

	res, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, outboxApp.BatchResult{Fetched: 2, Published: 2}, res)

	published := f.bus.Published()
	require.Len(t, published, 2)
	assert.Equal(t, "payments.payment.completed", published[0].Topic)
	assert.Equal(t, completed.AggregateID.String(), published[0].Message.Key)
	assert.Equal(t, completed.ID.String(), published[0].Message.ID)
	assert.Equal(t, "payment.completed", published[0].Message.Headers["event_type"])

	var env outbox.Envelope
	require.NoError(t, json.Unmarshal(published[0].Message.Body, &env))
	assert.Equal(t, completed.ID, env.EventID)
	assert.True(t, f.now.Equal(env.EmittedAt))
	assert.JSONEq(t, `{"status":"completed"}`, string(env.Data))

	stored := f.event(t, completed.ID)
	require.NotNil(t, stored.PublishedAt)
	assert.Equal(t, 0, stored.Attempts)

	res, err = f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Fetched)
	assert.Equal(t, 2, f.recorder.published)
}

func TestWorker_PublishesThroughEventBusPort(t *testing.T) {
	store := testutil.NewStore()
	bus := &testutil.MockEventBus{}
	e, err := outbox.NewEvent("payment", uuid.New(), "payment.refunded", map[string]any{})
	require.NoError(t, err)
	require.NoError(t, store.Insert(context.Background(), e))

	bus.On("Publish", mock.Anything, "payments.payment.refunded", mock.MatchedBy(func(m outboxApp.Message) bool {
		return m.ID == e.ID.String() && m.Type == "payment.refunded"
	})).Return(nil).Once()

	w := outboxApp.NewWorker(store, store, bus, nil, outboxApp.DefaultConfig(), zerolog.Nop())
	res, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)
	bus.AssertExpectations(t)
}

// --- Failures ---

func TestWorker_FailedPublish_BacksOff(t *testing.T) {
	f := newWorkerFixture(t, nil)
	f.bus.FailWith = func(string, outboxApp.Message) error { return errBroker }
	e := f.insert(t, "payment.completed")
	ctx := context.Background()

	res, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	stored := f.event(t, e.ID)
	assert.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "broker unreachable")
	require.NotNil(t, stored.NextAttemptAt)
	assert.Equal(t, f.now.Add(2*time.Second), *stored.NextAttemptAt)

	// Not due yet.
	f.now = f.now.Add(time.Second)
	res, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Fetched)

	f.now = f.now.Add(time.Second)
	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	stored = f.event(t, e.ID)
	assert.Equal(t, 2, stored.Attempts)
	assert.Equal(t, f.now.Add(4*time.Second), *stored.NextAttemptAt)
}

func TestWorker_DeadLettersAfterMaxAttempts(t *testing.T) {
	f := newWorkerFixture(t, nil)
	f.bus.FailWith = func(string, outboxApp.Message) error { return errBroker }
	e := f.insert(t, "payment.completed")
	ctx := context.Background()

	var dead int
	for i := 0; i < 3; i++ {
		res, err := f.worker.RunOnce(ctx)
		require.NoError(t, err)
		dead += res.DeadLettered
		f.now = f.now.Add(time.Minute)
	}

	assert.Equal(t, 1, dead)
	deadEvent := f.event(t, e.ID)
	assert.True(t, deadEvent.IsDeadLettered(3))
	assert.Equal(t, int64(1), f.recorder.count)
	assert.Equal(t, 3, f.bus.Attempts())

	res, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Fetched)
	assert.Equal(t, 3, f.bus.Attempts())
}

func TestWorker_RetryDisabled_DeadLettersOnFirstFailure(t *testing.T) {
	f := newWorkerFixture(t, func(c *outboxApp.Config) { c.RetryEnabled = false })
	f.bus.FailWith = func(string, outboxApp.Message) error { return errBroker }
	e := f.insert(t, "payment.completed")

	res, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)
	deadEvent := f.event(t, e.ID)
	assert.True(t, deadEvent.IsDeadLettered(1))
}

func TestWorker_MalformedPayload_DeadLetteredWithoutPublish(t *testing.T) {
	f := newWorkerFixture(t, nil)
	bad := &outbox.Event{
		ID:          uuid.New(),
		AggregateID: uuid.New(),
		EventType:   "payment.completed",
		Payload:     json.RawMessage(`{"status":`),
		CreatedAt:   f.now,
	}
	require.NoError(t, f.store.Insert(context.Background(), bad))

	res, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)
	assert.Zero(t, f.bus.Attempts())

	stored := f.event(t, bad.ID)
	assert.Equal(t, 3, stored.Attempts)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "malformed")
}

func TestWorker_OneFailureDoesNotBlockOthers(t *testing.T) {
	f := newWorkerFixture(t, nil)
	f.bus.FailWith = func(_ string, m outboxApp.Message) error {
		if m.Type == "payment.failed" {
			return errBroker
		}
		return nil
	}
	f.insert(t, "payment.failed")
	ok := f.insert(t, "payment.completed")

	res, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)
	assert.Equal(t, 1, res.Failed)
	assert.NotNil(t, f.event(t, ok.ID).PublishedAt)
}

func TestWorker_CommitFailure_ReturnsError(t *testing.T) {
	f := newWorkerFixture(t, nil)
	e := f.insert(t, "payment.completed")
	f.store.FailCommits(errors.New("connection reset"), f.store.Commits()+1)

	_, err := f.worker.RunOnce(context.Background())
	require.Error(t, err)
	assert.Nil(t, f.event(t, e.ID).PublishedAt)

	// At-least-once: the row is published again on the next poll.
	_, err = f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, f.event(t, e.ID).PublishedAt)
	assert.Len(t, f.bus.Published(), 2)
}

func TestWorker_SucceedsOnThirdAttempt_NeverRepublished(t *testing.T) {
	f := newWorkerFixture(t, nil)
	calls := 0
	f.bus.FailWith = func(string, outboxApp.Message) error {
		calls++
		if calls <= 2 {
			return errBroker
		}
		return nil
	}
	e := f.insert(t, "payment.completed")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.worker.RunOnce(ctx)
		require.NoError(t, err)
		f.now = f.now.Add(time.Minute)
	}

	stored := f.event(t, e.ID)
	require.NotNil(t, stored.PublishedAt)
	assert.Equal(t, 2, stored.Attempts)
	assert.False(t, stored.IsDeadLettered(3))
	assert.Len(t, f.bus.Published(), 1)

	for i := 0; i < 3; i++ {
		f.now = f.now.Add(time.Hour)
		res, err := f.worker.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Fetched)
	}
	assert.Equal(t, 3, f.bus.Attempts())
	assert.Len(t, f.bus.Published(), 1)
}

func TestWorker_DefaultMaxAttempts_NoSixthTry(t *testing.T) {
	f := newWorkerFixture(t, func(c *outboxApp.Config) { c.MaxAttempts = outboxApp.DefaultConfig().MaxAttempts })
	f.bus.FailWith = func(string, outboxApp.Message) error { return errBroker }
	e := f.insert(t, "payment.completed")
	ctx := context.Background()

	var dead int
	for i := 0; i < 10; i++ {
		res, err := f.worker.RunOnce(ctx)
		require.NoError(t, err)
		dead += res.DeadLettered
		f.now = f.now.Add(time.Hour)
	}

	assert.Equal(t, outbox.DefaultMaxAttempts, f.bus.Attempts())
	assert.Equal(t, 5, f.event(t, e.ID).Attempts)
	assert.Equal(t, 1, dead)
	assert.Equal(t, int64(1), f.recorder.count)
}

// markFailingStore fails MarkPublished for one row.
type markFailingStore struct {
	*testutil.Store
	failID uuid.UUID
}

func (s *markFailingStore) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	if id == s.failID {
		return errors.New("deadlock detected")
	}
	return s.Store.MarkPublished(ctx, id, at)
}

func TestWorker_MarkError_KeepsRestOfBatch(t *testing.T) {
	f := newWorkerFixture(t, nil)
	stuck := f.insert(t, "payment.completed")
	ok := f.insert(t, "payment.failed")
	repo := &markFailingStore{Store: f.store, failID: stuck.ID}
	w := outboxApp.NewWorker(repo, f.store, f.bus, f.recorder, outboxApp.DefaultConfig(), zerolog.Nop())
	ctx := context.Background()

	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 1, res.Published)
	assert.NotNil(t, f.event(t, ok.ID).PublishedAt)
	assert.Nil(t, f.event(t, stuck.ID).PublishedAt)

	// The unmarked row goes out again; the marked one does not.
	repo.failID = uuid.Nil
	res, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)
	assert.NotNil(t, f.event(t, stuck.ID).PublishedAt)
	assert.Len(t, f.bus.Published(), 3)
}

// --- Dead-letter administration ---

func TestDeadLetters_ListAndRequeue(t *testing.T) {
	f := newWorkerFixture(t, func(c *outboxApp.Config) { c.RetryEnabled = false })
	f.bus.FailWith = func(string, outboxApp.Message) error { return errBroker }
	e := f.insert(t, "payment.completed")
	ctx := context.Background()

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)

	admin := outboxApp.NewDeadLetters(f.store, outboxApp.Config{RetryEnabled: false})
	views, err := admin.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, e.ID.String(), views[0].ID)
	assert.Contains(t, views[0].LastError, "broker unreachable")

	count, err := admin.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, admin.Requeue(ctx, e.ID))
	f.bus.FailWith = nil
	res, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)

	count, err = admin.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

// --- Lifecycle ---

func TestWorker_StartAndDrain(t *testing.T) {
	f := newWorkerFixture(t, func(c *outboxApp.Config) { c.PollInterval = 10 * time.Millisecond })
	f.insert(t, "payment.completed")

	f.worker.Start(context.Background())
	assert.Eventually(t, func() bool { return len(f.bus.Published()) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.worker.Drain(ctx))
	f.worker.Stop()
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	f := newWorkerFixture(t, func(c *outboxApp.Config) { c.PollInterval = 10 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestConfig_EffectiveMaxAttempts(t *testing.T) {
	assert.Equal(t, 5, outboxApp.Config{RetryEnabled: true, MaxAttempts: 5}.EffectiveMaxAttempts())
	assert.Equal(t, outbox.DefaultMaxAttempts, outboxApp.Config{RetryEnabled: true}.EffectiveMaxAttempts())
	assert.Equal(t, 1, outboxApp.Config{RetryEnabled: false, MaxAttempts: 5}.EffectiveMaxAttempts())
}
