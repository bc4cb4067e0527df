package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cassiomorais/payflow/internal/application/command"
	outboxApp "github.com/cassiomorais/payflow/internal/application/outbox"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	CommandStream = "payments:commands"
	DLQStream     = "payments:dlq"
)

// Stream entry fields.
const (
	fieldID      = "id"
	fieldKey     = "key"
	fieldType    = "type"
	fieldBody    = "body"
	fieldHeaders = "headers"
	fieldReason  = "reason"
)

func encodeHeaders(h map[string]string) string {
	if len(h) == 0 {
		return "{}"
	}
	raw, _ := json.Marshal(h)
	return string(raw)
}

func decodeHeaders(v any) map[string]string {
	s, _ := v.(string)
	h := make(map[string]string)
	if s != "" {
		_ = json.Unmarshal([]byte(s), &h)
	}
	return h
}

func fieldString(values map[string]any, name string) string {
	s, _ := values[name].(string)
	return s
}

// --- Event bus ---

// StreamEventBus implements outboxApp.EventBus with one stream per topic.
type StreamEventBus struct {
	client *redis.Client
	maxLen int64
}

// NewStreamEventBus creates the bus. maxLen > 0 trims each stream
// approximately to that many entries.
func NewStreamEventBus(client *redis.Client, maxLen int64) *StreamEventBus {
	return &StreamEventBus{client: client, maxLen: maxLen}
}

func (b *StreamEventBus) Publish(ctx context.Context, topic string, msg outboxApp.Message) error {
	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{
			fieldID:      msg.ID,
			fieldKey:     msg.Key,
			fieldType:    msg.Type,
			fieldBody:    string(msg.Body),
			fieldHeaders: encodeHeaders(msg.Headers),
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", topic, err)
	}
	return nil
}

var _ outboxApp.EventBus = (*StreamEventBus)(nil)

// --- Command publisher ---

// StreamCommandPublisher appends command envelopes to the command stream.
type StreamCommandPublisher struct {
	client *redis.Client
	stream string
}

func NewStreamCommandPublisher(client *redis.Client, stream string) *StreamCommandPublisher {
	if stream == "" {
		stream = CommandStream
	}
	return &StreamCommandPublisher{client: client, stream: stream}
}

func (p *StreamCommandPublisher) Publish(ctx context.Context, env command.Envelope, headers map[string]string) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			fieldID:      env.CommandID,
			fieldKey:     env.IdempotencyKey,
			fieldType:    env.Command,
			fieldBody:    string(body),
			fieldHeaders: encodeHeaders(headers),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish command: %w", err)
	}
	return nil
}

// --- Command source ---

// StreamSourceConfig configures a consumer-group reader.
type StreamSourceConfig struct {
	Stream    string
	Group     string
	Consumer  string
	DLQStream string
	BatchSize int64
	Block     time.Duration
	// ClaimMinIdle is how long an unacknowledged entry waits before
	// another reader takes it over as a redelivery.
	ClaimMinIdle time.Duration
}

// StreamSource implements command.Source over a Redis Streams consumer
// group. Requeued entries stay pending and are reclaimed after
// ClaimMinIdle; rejected entries are copied to the DLQ stream.
type StreamSource struct {
	client *redis.Client
	cfg    StreamSourceConfig
	logger zerolog.Logger
}

func NewStreamSource(client *redis.Client, cfg StreamSourceConfig, logger zerolog.Logger) *StreamSource {
	if cfg.Stream == "" {
		cfg.Stream = CommandStream
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = DLQStream
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = 30 * time.Second
	}
	return &StreamSource{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "redis_stream_source").Str("stream", cfg.Stream).Logger(),
	}
}

// CreateGroup creates the stream and group if they do not exist.
func (s *StreamSource) CreateGroup(ctx context.Context) error {
	const busyGroupMsg = "BUSYGROUP"
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), busyGroupMsg) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func (s *StreamSource) Deliveries(ctx context.Context) (<-chan command.Delivery, error) {
	if err := s.CreateGroup(ctx); err != nil {
		return nil, err
	}
	out := make(chan command.Delivery)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			if err := s.poll(ctx, out); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("stream read failed")
				select {
				case <-ctx.Done():
				case <-time.After(s.cfg.Block):
				}
			}
		}
	}()
	return out, nil
}

// poll hands over stale pending entries first, then new ones.
func (s *StreamSource) poll(ctx context.Context, out chan<- command.Delivery) error {
	claimed, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.cfg.Stream,
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		MinIdle:  s.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    s.cfg.BatchSize,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to claim messages: %w", err)
	}
	for _, msg := range claimed {
		count, err := s.deliveryCount(ctx, msg.ID)
		if err != nil {
			return err
		}
		if !s.emit(ctx, out, msg, count) {
			return nil
		}
	}

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		Streams:  []string{s.cfg.Stream, ">"},
		Count:    s.cfg.BatchSize,
		Block:    s.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("failed to read from stream: %w", err)
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			if !s.emit(ctx, out, msg, 0) {
				return nil
			}
		}
	}
	return nil
}

// deliveryCount returns how many times id was delivered before this claim.
func (s *StreamSource) deliveryCount(ctx context.Context, id string) (int, error) {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.cfg.Stream,
		Group:  s.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read pending entry: %w", err)
	}
	if len(pending) == 0 || pending[0].RetryCount < 1 {
		return 0, nil
	}
	return int(pending[0].RetryCount - 1), nil
}

func (s *StreamSource) emit(ctx context.Context, out chan<- command.Delivery, msg redis.XMessage, count int) bool {
	d := &streamDelivery{source: s, msg: msg, count: count}
	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

type streamDelivery struct {
	source *StreamSource
	msg    redis.XMessage
	count  int
}

func (d *streamDelivery) Body() []byte {
	return []byte(fieldString(d.msg.Values, fieldBody))
}

func (d *streamDelivery) Headers() map[string]string {
	return decodeHeaders(d.msg.Values[fieldHeaders])
}

func (d *streamDelivery) DeliveryCount() int {
	return d.count
}

func (d *streamDelivery) Ack(ctx context.Context) error {
	if err := d.source.client.XAck(ctx, d.source.cfg.Stream, d.source.cfg.Group, d.msg.ID).Err(); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Requeue leaves the entry pending; it is reclaimed after ClaimMinIdle.
func (d *streamDelivery) Requeue(context.Context) error {
	return nil
}

func (d *streamDelivery) Reject(ctx context.Context) error {
	values := make(map[string]any, len(d.msg.Values)+1)
	for k, v := range d.msg.Values {
		values[k] = v
	}
	values[fieldReason] = fmt.Sprintf("rejected after %d deliveries", d.count+1)

	_, err := d.source.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: d.source.cfg.DLQStream, Values: values})
		pipe.XAck(ctx, d.source.cfg.Stream, d.source.cfg.Group, d.msg.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}
	return nil
}

var _ command.Source = (*StreamSource)(nil)
