package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	paymentApp "github.com/cassiomorais/payflow/internal/application/payment"
	domainErrors "github.com/cassiomorais/payflow/internal/domain/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/cassiomorais/payflow/internal/application/command")

// Delivery is one message received from the command queue.
type Delivery interface {
	Body() []byte
	Headers() map[string]string
	// DeliveryCount is the number of earlier deliveries of this message.
	DeliveryCount() int
	Ack(ctx context.Context) error
	// Requeue returns the message to the queue for redelivery.
	Requeue(ctx context.Context) error
	// Reject drops the message to the dead-letter exchange.
	Reject(ctx context.Context) error
}

// Source yields deliveries until ctx is cancelled or the channel closes.
type Source interface {
	Deliveries(ctx context.Context) (<-chan Delivery, error)
}

// PaymentProcessor runs payment.process commands.
type PaymentProcessor interface {
	Execute(ctx context.Context, in paymentApp.ProcessPaymentInput) (*paymentApp.PaymentSnapshot, error)
}

// PaymentRefunder runs payment.refund commands.
type PaymentRefunder interface {
	Execute(ctx context.Context, in paymentApp.RefundPaymentInput) (*paymentApp.RefundResult, error)
}

// Decision is what happens to a delivery.
type Decision string

const (
	Ack     Decision = "ack"
	Requeue Decision = "requeue"
	Reject  Decision = "reject"
)

// Recorder receives consumer measurements.
type Recorder interface {
	CommandHandled(command string, decision string, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) CommandHandled(string, string, time.Duration) {}

// Config tunes the consumer.
type Config struct {
	Concurrency     int
	MaxRedeliveries int
	IdempotencyTTL  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:     8,
		MaxRedeliveries: 5,
		IdempotencyTTL:  24 * time.Hour,
	}
}

// Consumer turns queued commands into use case executions.
type Consumer struct {
	processor PaymentProcessor
	refunder  PaymentRefunder
	store     paymentApp.IdempotencyStore
	validate  *validator.Validate
	recorder  Recorder
	cfg       Config
	logger    zerolog.Logger
}

// NewConsumer creates a Consumer. recorder may be nil.
func NewConsumer(
	processor PaymentProcessor,
	refunder PaymentRefunder,
	store paymentApp.IdempotencyStore,
	recorder Recorder,
	cfg Config,
	logger zerolog.Logger,
) *Consumer {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Consumer{
		processor: processor,
		refunder:  refunder,
		store:     store,
		validate:  validator.New(),
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger.With().Str("component", "command_consumer").Logger(),
	}
}

// Run handles deliveries from src with at most Concurrency in flight until
// ctx is cancelled or the source closes.
func (c *Consumer) Run(ctx context.Context, src Source) error {
	deliveries, err := src.Deliveries(ctx)
	if err != nil {
		return fmt.Errorf("open command source: %w", err)
	}

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Concurrency)

	c.logger.Info().Int("concurrency", c.cfg.Concurrency).Msg("command consumer started")
	defer c.logger.Info().Msg("command consumer stopped")

	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case d, ok := <-deliveries:
			if !ok {
				return g.Wait()
			}
			// Settle in-flight deliveries even when ctx is cancelled.
			handleCtx := context.WithoutCancel(ctx)
			g.Go(func() error {
				c.Handle(handleCtx, d)
				return nil
			})
		}
	}
}

// Handle decides the fate of d and settles it with the broker.
func (c *Consumer) Handle(ctx context.Context, d Delivery) Decision {
	start := time.Now()
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(d.Headers()))
	ctx, span := tracer.Start(ctx, "command.handle", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	env, decision, err := c.decide(ctx, d)
	span.SetAttributes(
		attribute.String("command", env.Command),
		attribute.String("idempotency_key", env.IdempotencyKey),
		attribute.String("decision", string(decision)),
	)
	if err != nil {
		span.RecordError(err)
	}

	log := c.logger.With().
		Str("command", env.Command).
		Str("command_id", env.CommandID).
		Str("idempotency_key", env.IdempotencyKey).
		Int("delivery_count", d.DeliveryCount()).
		Str("decision", string(decision)).
		Logger()

	var settleErr error
	switch decision {
	case Ack:
		settleErr = d.Ack(ctx)
	case Requeue:
		settleErr = d.Requeue(ctx)
	default:
		settleErr = d.Reject(ctx)
	}
	if settleErr != nil {
		log.Error().Err(settleErr).Msg("failed to settle delivery")
	}

	switch {
	case decision == Reject:
		log.Warn().Err(err).Msg("command dead-lettered")
	case decision == Requeue:
		log.Warn().Err(err).Msg("command requeued")
	case err != nil:
		log.Info().Err(err).Msg("command failed permanently")
	default:
		log.Debug().Msg("command handled")
	}

	c.recorder.CommandHandled(env.Command, string(decision), time.Since(start))
	return decision
}

func (c *Consumer) decide(ctx context.Context, d Delivery) (Envelope, Decision, error) {
	var env Envelope
	if err := json.Unmarshal(d.Body(), &env); err != nil {
		return env, Reject, fmt.Errorf("%w: %v", domainErrors.ErrMalformedCommand, err)
	}
	if !Known(env.Command) {
		return env, Reject, fmt.Errorf("%w: %q", domainErrors.ErrUnknownCommand, env.Command)
	}
	if env.IdempotencyKey == "" {
		return env, Reject, fmt.Errorf("%w: missing idempotency key", domainErrors.ErrMalformedCommand)
	}

	key := paymentApp.ChargeKey(env.IdempotencyKey)
	if env.Command == RefundPayment {
		key = paymentApp.RefundKey(env.IdempotencyKey)
	}

	rec, err := c.store.Get(ctx, key)
	if err != nil {
		return env, c.retryOrReject(d), fmt.Errorf("idempotency lookup: %w", err)
	}
	if rec != nil {
		return env, Ack, nil
	}

	switch env.Command {
	case ProcessPayment:
		var in paymentApp.ProcessPaymentInput
		if err := c.decode(env, &in); err != nil {
			return env, c.invalid(ctx, key, err), err
		}
		in.IdempotencyKey = env.IdempotencyKey
		if err := c.check(in); err != nil {
			return env, c.invalid(ctx, key, err), err
		}
		_, err = c.processor.Execute(ctx, in)
	case RefundPayment:
		var in paymentApp.RefundPaymentInput
		if err := c.decode(env, &in); err != nil {
			return env, c.invalid(ctx, key, err), err
		}
		in.IdempotencyKey = env.IdempotencyKey
		if err := c.check(in); err != nil {
			return env, c.invalid(ctx, key, err), err
		}
		_, err = c.refunder.Execute(ctx, in)
	}

	switch {
	case err == nil:
		return env, Ack, nil
	case domainErrors.IsTransient(err):
		return env, c.retryOrReject(d), err
	case errors.Is(err, domainErrors.ErrCompensationFailed):
		// Not stored: a redelivery re-enters recovery and tries again.
		return env, c.retryOrReject(d), err
	case domainErrors.IsPermanent(err):
		return env, Ack, err
	default:
		// Unclassified failures (database, broker) are retried.
		return env, c.retryOrReject(d), err
	}
}

func (c *Consumer) decode(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return domainErrors.NewValidationError("payload", "missing")
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return domainErrors.NewValidationError("payload", "invalid JSON: "+err.Error())
	}
	return nil
}

// check validates a payload struct and converts validator errors into
// domain validation errors.
func (c *Consumer) check(in any) error {
	err := c.validate.Struct(in)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return domainErrors.NewValidationError("payload", err.Error())
	}
	errs := make([]error, 0, len(ve))
	for _, fe := range ve {
		errs = append(errs, domainErrors.NewValidationError(fe.Field(), fmt.Sprintf("failed on %q", fe.Tag())))
	}
	return errors.Join(errs...)
}

// invalid stores a validation failure under key so that redeliveries and
// replays short-circuit to it.
func (c *Consumer) invalid(ctx context.Context, key string, err error) Decision {
	if cErr := c.store.Complete(ctx, key, paymentApp.FailureRecord(err), c.cfg.IdempotencyTTL); cErr != nil {
		c.logger.Error().Err(cErr).Str("idempotency_key", key).Msg("failed to store validation failure")
	}
	return Ack
}

func (c *Consumer) retryOrReject(d Delivery) Decision {
	if c.cfg.MaxRedeliveries > 0 && d.DeliveryCount() >= c.cfg.MaxRedeliveries {
		return Reject
	}
	return Requeue
}
