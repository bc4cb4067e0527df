package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/payflow/internal/domain/errors"
	"github.com/cassiomorais/payflow/internal/domain/outbox"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/cassiomorais/payflow/internal/application/outbox")

// Message is what the worker hands to the event bus.
type Message struct {
	ID      string
	Key     string
	Type    string
	Body    []byte
	Headers map[string]string
}

// EventBus publishes messages to a topic. Publishing the same message twice
// must be harmless to consumers.
type EventBus interface {
	Publish(ctx context.Context, topic string, msg Message) error
}

// TransactionManager scopes the batch row locks.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Recorder receives worker measurements.
type Recorder interface {
	EventPublished(eventType string)
	PublishFailed(eventType string)
	EventDeadLettered(eventType string)
	DeadLetterCount(n int64)
}

type nopRecorder struct{}

func (nopRecorder) EventPublished(string)    {}
func (nopRecorder) PublishFailed(string)     {}
func (nopRecorder) EventDeadLettered(string) {}
func (nopRecorder) DeadLetterCount(int64)    {}

// Config tunes the worker.
type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	PublishTimeout time.Duration
	// RetryEnabled=false dead-letters a row on its first failed publish.
	RetryEnabled bool
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   5 * time.Second,
		BatchSize:      100,
		MaxAttempts:    outbox.DefaultMaxAttempts,
		BaseBackoff:    time.Second,
		MaxBackoff:     5 * time.Minute,
		PublishTimeout: 5 * time.Second,
		RetryEnabled:   true,
	}
}

// EffectiveMaxAttempts is the publish budget of a row.
func (c Config) EffectiveMaxAttempts() int {
	if !c.RetryEnabled {
		return 1
	}
	if c.MaxAttempts <= 0 {
		return outbox.DefaultMaxAttempts
	}
	return c.MaxAttempts
}

// BatchResult summarizes one poll.
type BatchResult struct {
	Fetched      int
	Published    int
	Failed       int
	DeadLettered int
}

// Worker relays outbox rows to the event bus.
type Worker struct {
	repo     outbox.Repository
	tx       TransactionManager
	bus      EventBus
	recorder Recorder
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	drain     chan struct{}
	drainOnce sync.Once
}

// NewWorker creates a worker. recorder may be nil.
func NewWorker(repo outbox.Repository, tx TransactionManager, bus EventBus, recorder Recorder, cfg Config, logger zerolog.Logger) *Worker {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Worker{
		repo:     repo,
		tx:       tx,
		bus:      bus,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger.With().Str("component", "outbox_worker").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		drain:    make(chan struct{}),
	}
}

// WithClock replaces the worker clock.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// Start runs the poll loop in the background until Drain or Stop.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		_ = w.Run(ctx)
	}()
}

// Drain stops polling after the in-flight batch and waits for the loop to
// exit or ctx to expire.
func (w *Worker) Drain(ctx context.Context) error {
	w.drainOnce.Do(func() { close(w.drain) })
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the loop, abandoning any in-flight publish, and waits.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run polls every PollInterval until ctx is cancelled or the worker is
// drained. It always returns nil so it can sit in an errgroup.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().
		Dur("poll_interval", w.cfg.PollInterval).
		Int("batch_size", w.cfg.BatchSize).
		Int("max_attempts", w.cfg.EffectiveMaxAttempts()).
		Msg("outbox worker started")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("outbox worker stopped")
			return nil
		case <-w.drain:
			w.logger.Info().Msg("outbox worker drained")
			return nil
		case <-ticker.C:
		}

		// A drain lets the batch finish; only cancellation interrupts it.
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("outbox batch failed")
		}
	}
}

// RunOnce fetches and publishes one batch, then refreshes the dead-letter
// count.
func (w *Worker) RunOnce(ctx context.Context) (BatchResult, error) {
	var res BatchResult
	maxAttempts := w.cfg.EffectiveMaxAttempts()

	err := w.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		res = BatchResult{}
		events, err := w.repo.FetchDue(txCtx, w.cfg.BatchSize, maxAttempts, w.now())
		if err != nil {
			return fmt.Errorf("fetch due events: %w", err)
		}
		res.Fetched = len(events)
		for _, e := range events {
			w.process(ctx, txCtx, e, maxAttempts, &res)
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	count, err := w.repo.CountDeadLettered(ctx, maxAttempts)
	if err != nil {
		return res, fmt.Errorf("count dead-lettered events: %w", err)
	}
	w.recorder.DeadLetterCount(count)

	if res.Fetched > 0 {
		w.logger.Debug().
			Int("fetched", res.Fetched).
			Int("published", res.Published).
			Int("failed", res.Failed).
			Int("dead_lettered", res.DeadLettered).
			Int64("dead_letter_total", count).
			Msg("outbox batch processed")
	}
	return res, nil
}

// process publishes one row and records the outcome. A failed write is
// logged and leaves the row for the next poll without touching the rest of
// the batch.
func (w *Worker) process(ctx, txCtx context.Context, e *outbox.Event, maxAttempts int, res *BatchResult) {
	log := w.logger.With().
		Str("event_id", e.ID.String()).
		Str("event_type", e.EventType).
		Str("aggregate_id", e.AggregateID.String()).
		Logger()

	if !e.Validate() {
		if err := w.mark(txCtx, func(rowCtx context.Context) error {
			return w.repo.MarkFailed(rowCtx, e.ID, maxAttempts, domainErrors.ErrMalformedPayload.Error(), w.now())
		}); err != nil {
			log.Error().Err(err).Msg("failed to dead-letter malformed event")
			return
		}
		res.DeadLettered++
		w.recorder.EventDeadLettered(e.EventType)
		log.Warn().Err(domainErrors.ErrMalformedPayload).Msg("malformed outbox event dead-lettered")
		return
	}

	if err := w.publish(ctx, e); err != nil {
		attempts := e.Attempts + 1
		next := w.now().Add(outbox.Backoff(attempts, w.cfg.BaseBackoff, w.cfg.MaxBackoff))
		res.Failed++
		w.recorder.PublishFailed(e.EventType)
		if mErr := w.mark(txCtx, func(rowCtx context.Context) error {
			return w.repo.MarkFailed(rowCtx, e.ID, attempts, err.Error(), next)
		}); mErr != nil {
			log.Error().Err(mErr).AnErr("publish_error", err).Msg("failed to record failed publish")
			return
		}
		if attempts >= maxAttempts {
			res.DeadLettered++
			w.recorder.EventDeadLettered(e.EventType)
			log.Warn().Err(err).Int("attempts", attempts).Msg(domainErrors.ErrDeadLetter.Error())
			return
		}
		log.Warn().Err(err).Int("attempts", attempts).Time("next_attempt_at", next).Msg("outbox publish failed")
		return
	}

	// The message is out; a failed mark means it goes out again next poll.
	if err := w.mark(txCtx, func(rowCtx context.Context) error {
		return w.repo.MarkPublished(rowCtx, e.ID, w.now())
	}); err != nil {
		log.Error().Err(err).Msg("failed to mark event published")
		return
	}
	res.Published++
	w.recorder.EventPublished(e.EventType)
}

// mark runs one row write in a savepoint of the batch transaction.
func (w *Worker) mark(txCtx context.Context, fn func(ctx context.Context) error) error {
	return w.tx.WithTransaction(txCtx, fn)
}

func (w *Worker) publish(ctx context.Context, e *outbox.Event) error {
	ctx, span := tracer.Start(ctx, "outbox.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("event_id", e.ID.String()),
			attribute.String("event_type", e.EventType),
		),
	)
	defer span.End()

	if w.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.PublishTimeout)
		defer cancel()
	}

	body, err := json.Marshal(outbox.NewEnvelope(e, w.now()))
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	headers := map[string]string{
		"event_id":       e.ID.String(),
		"event_type":     e.EventType,
		"aggregate_type": e.AggregateType,
		"aggregate_id":   e.AggregateID.String(),
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))

	err = w.bus.Publish(ctx, outbox.TopicFor(e.EventType), Message{
		ID:      e.ID.String(),
		Key:     e.AggregateID.String(),
		Type:    e.EventType,
		Body:    body,
		Headers: headers,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %w", domainErrors.ErrPublishFailed, err)
	}
	return nil
}
