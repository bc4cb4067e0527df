package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cassiomorais/payflow/internal/application/command"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// CommandPublisher sends command envelopes to the commands exchange.
type CommandPublisher struct {
	mu      sync.Mutex
	channel *amqp.Channel
}

func NewCommandPublisher(conn *amqp.Connection) (*CommandPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return &CommandPublisher{channel: ch}, nil
}

func (p *CommandPublisher) Publish(ctx context.Context, env command.Envelope, headers map[string]string) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(ctx,
		CommandsExchange,
		env.Command,
		true, // mandatory: an unroutable command is an error, not a drop
		false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     env.CommandID,
			CorrelationId: env.IdempotencyKey,
			Type:          env.Command,
			Headers:       toTable(headers),
			Body:          body,
			Timestamp:     time.Now().UTC(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish command: %w", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to await confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker nacked command %s", env.CommandID)
	}
	return nil
}

func (p *CommandPublisher) Close() error {
	return p.channel.Close()
}

// CommandSource implements command.Source for one queue with manual acks.
type CommandSource struct {
	conn     *amqp.Connection
	queue    string
	prefetch int
	logger   zerolog.Logger
}

func NewCommandSource(conn *amqp.Connection, queue string, prefetch int, logger zerolog.Logger) *CommandSource {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &CommandSource{
		conn:     conn,
		queue:    queue,
		prefetch: prefetch,
		logger:   logger.With().Str("component", "rabbitmq_source").Str("queue", queue).Logger(),
	}
}

// Deliveries consumes the queue until ctx is cancelled or the channel
// closes. Unsettled messages are returned to the queue by the broker when
// the channel closes.
func (s *CommandSource) Deliveries(ctx context.Context) (<-chan command.Delivery, error) {
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(s.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	msgs, err := ch.Consume(
		s.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	out := make(chan command.Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					s.logger.Warn().Msg("broker closed the consumer channel")
					return
				}
				select {
				case out <- &delivery{msg: msg}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

type delivery struct {
	msg amqp.Delivery
}

func (d *delivery) Body() []byte {
	return d.msg.Body
}

func (d *delivery) Headers() map[string]string {
	return fromTable(d.msg.Headers)
}

func (d *delivery) DeliveryCount() int {
	return deliveryCount(d.msg.Headers)
}

func (d *delivery) Ack(context.Context) error {
	return d.msg.Ack(false)
}

func (d *delivery) Requeue(context.Context) error {
	return d.msg.Nack(false, true)
}

func (d *delivery) Reject(context.Context) error {
	return d.msg.Reject(false)
}

// deliveryCount reads the quorum queue x-delivery-count header. The broker
// omits it on first delivery.
func deliveryCount(h amqp.Table) int {
	switch v := h["x-delivery-count"].(type) {
	case int:
		return v
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	default:
		return 0
	}
}

var _ command.Source = (*CommandSource)(nil)
