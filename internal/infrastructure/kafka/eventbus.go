package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	outboxApp "github.com/cassiomorais/payflow/internal/application/outbox"
	"github.com/cassiomorais/payflow/internal/infrastructure/config"
	"github.com/rs/zerolog"
)

// NewSyncProducer builds a producer that waits for all in-sync replicas.
func NewSyncProducer(cfg *config.KafkaConfig) (sarama.SyncProducer, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.Return.Successes = true
	sc.Producer.Retry.Max = 3
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Idempotent = cfg.Idempotent
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.MaxMessageBytes = 1000000
	if cfg.Idempotent {
		// Required by the idempotent producer.
		sc.Net.MaxOpenRequests = 1
		sc.Version = sarama.V2_6_0_0
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return producer, nil
}

// EventBus implements outboxApp.EventBus on Kafka. Messages are keyed by
// aggregate id so events of one payment stay ordered within a partition.
type EventBus struct {
	producer sarama.SyncProducer
	logger   zerolog.Logger
}

func NewEventBus(producer sarama.SyncProducer, logger zerolog.Logger) *EventBus {
	return &EventBus{
		producer: producer,
		logger:   logger.With().Str("component", "kafka_event_bus").Logger(),
	}
}

func (b *EventBus) Publish(ctx context.Context, topic string, msg outboxApp.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	headers := make([]sarama.RecordHeader, 0, len(msg.Headers)+2)
	headers = append(headers,
		sarama.RecordHeader{Key: []byte("event_type"), Value: []byte(msg.Type)},
		sarama.RecordHeader{Key: []byte("event_id"), Value: []byte(msg.ID)},
	)
	for k, v := range msg.Headers {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	partition, offset, err := b.producer.SendMessage(&sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(msg.Key),
		Value:   sarama.ByteEncoder(msg.Body),
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("failed to send message to Kafka: %w", err)
	}

	b.logger.Debug().
		Str("event_id", msg.ID).
		Str("topic", topic).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("event sent")
	return nil
}

// Close closes the Kafka producer
func (b *EventBus) Close() error {
	return b.producer.Close()
}

var _ outboxApp.EventBus = (*EventBus)(nil)
