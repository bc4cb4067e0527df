package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	outboxApp "github.com/cassiomorais/payflow/internal/application/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
)

// EventBus implements outboxApp.EventBus on the payment.events topic
// exchange. Publishes wait for the broker confirm so a nil error means the
// message is durable.
type EventBus struct {
	mu      sync.Mutex
	channel *amqp.Channel
}

func NewEventBus(conn *amqp.Connection) (*EventBus, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return &EventBus{channel: ch}, nil
}

// Publish routes by event type; topic is implied by the exchange.
func (b *EventBus) Publish(ctx context.Context, _ string, msg outboxApp.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	confirm, err := b.channel.PublishWithDeferredConfirmWithContext(ctx,
		EventsExchange,
		msg.Type,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     msg.ID,
			CorrelationId: msg.Key,
			Type:          msg.Type,
			Headers:       toTable(msg.Headers),
			Body:          msg.Body,
			Timestamp:     time.Now().UTC(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to await confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker nacked message %s", msg.ID)
	}
	return nil
}

func (b *EventBus) Close() error {
	return b.channel.Close()
}

var _ outboxApp.EventBus = (*EventBus)(nil)
