package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/payflow/internal/infrastructure/config"
	"github.com/cassiomorais/payflow/pkg/retry"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology names. Command queues are quorum queues so that the broker
// tracks x-delivery-count across requeues.
const (
	EventsExchange     = "payment.events"
	CommandsExchange   = "payment.commands"
	DeadLetterExchange = "payment.commands.dlx"
	DeadLetterQueue    = "payment.commands.dead"
	ProcessQueue       = "payment.commands.process"
	RefundQueue        = "payment.commands.refund"
)

// QueueFor maps a command name to its queue.
func QueueFor(cmd string) string {
	switch cmd {
	case "payment.refund":
		return RefundQueue
	default:
		return ProcessQueue
	}
}

// Dial connects to the broker, retrying while it comes up.
func Dial(ctx context.Context, cfg *config.RabbitMQConfig) (*amqp.Connection, error) {
	attempts := cfg.ConnectRetries
	if attempts <= 0 {
		attempts = 5
	}
	delay := cfg.ConnectRetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	conn, err := retry.DoWithResult(ctx, retry.Config{MaxAttempts: uint(attempts), InitialDelay: delay, MaxDelay: 10 * delay},
		func() (*amqp.Connection, error) {
			return amqp.Dial(cfg.URL)
		})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// DeclareTopology declares the exchanges and queues both sides rely on.
// Declarations are idempotent.
func DeclareTopology(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	exchanges := []struct {
		name string
		kind string
	}{
		{EventsExchange, amqp.ExchangeTopic},
		{CommandsExchange, amqp.ExchangeDirect},
		{DeadLetterExchange, amqp.ExchangeFanout},
	}
	for _, ex := range exchanges {
		if err := ch.ExchangeDeclare(ex.name, ex.kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", ex.name, err)
		}
	}

	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, amqp.Table{
		amqp.QueueTypeArg: amqp.QueueTypeQuorum,
	}); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", DeadLetterQueue, err)
	}
	if err := ch.QueueBind(DeadLetterQueue, "", DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", DeadLetterQueue, err)
	}

	bindings := map[string]string{
		ProcessQueue: "payment.process",
		RefundQueue:  "payment.refund",
	}
	for queue, key := range bindings {
		_, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
			amqp.QueueTypeArg:        amqp.QueueTypeQuorum,
			"x-dead-letter-exchange": DeadLetterExchange,
		})
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, key, CommandsExchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", queue, err)
		}
	}
	return nil
}

func toTable(h map[string]string) amqp.Table {
	t := make(amqp.Table, len(h))
	for k, v := range h {
		t[k] = v
	}
	return t
}

func fromTable(t amqp.Table) map[string]string {
	h := make(map[string]string, len(t))
	for k, v := range t {
		if s, ok := v.(string); ok {
			h[k] = s
		}
	}
	return h
}
