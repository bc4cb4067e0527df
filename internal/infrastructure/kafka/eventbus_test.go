package kafka_test

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	outboxApp "github.com/cassiomorais/payflow/internal/application/outbox"
	"github.com/cassiomorais/payflow/internal/infrastructure/kafka"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage() outboxApp.Message {
	return outboxApp.Message{
		ID:      "evt-1",
		Key:     "pay-1",
		Type:    "payment.completed",
		Body:    []byte(`{"event_id":"evt-1"}`),
		Headers: map[string]string{"traceparent": "00-a-b-01"},
	}
}

func TestEventBus_Publish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	var sent *sarama.ProducerMessage
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		sent = msg
		return nil
	})

	bus := kafka.NewEventBus(producer, zerolog.Nop())
	require.NoError(t, bus.Publish(context.Background(), "payments.payment.completed", testMessage()))
	require.NoError(t, bus.Close())

	require.NotNil(t, sent)
	assert.Equal(t, "payments.payment.completed", sent.Topic)
	key, err := sent.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "pay-1", string(key))

	headers := make(map[string]string)
	for _, h := range sent.Headers {
		headers[string(h.Key)] = string(h.Value)
	}
	assert.Equal(t, "payment.completed", headers["event_type"])
	assert.Equal(t, "evt-1", headers["event_id"])
	assert.Equal(t, "00-a-b-01", headers["traceparent"])
}

func TestEventBus_PublishFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrNotEnoughReplicas)

	bus := kafka.NewEventBus(producer, zerolog.Nop())
	err := bus.Publish(context.Background(), "payments.payment.completed", testMessage())
	require.Error(t, err)
	assert.True(t, errors.Is(err, sarama.ErrNotEnoughReplicas))
	require.NoError(t, bus.Close())
}

func TestEventBus_CancelledContext(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	bus := kafka.NewEventBus(producer, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, bus.Publish(ctx, "payments.payment.completed", testMessage()), context.Canceled)
	require.NoError(t, bus.Close())
}
