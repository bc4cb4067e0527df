package outbox

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	aggregateID := uuid.New()
	payload := map[string]any{"payment_id": aggregateID.String(), "amount_cents": 9999}

	e, err := NewEvent("payment", aggregateID, "payment.completed", payload)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.Equal(t, "payment", e.AggregateType)
	assert.Equal(t, aggregateID, e.AggregateID)
	assert.Equal(t, "payment.completed", e.EventType)
	assert.JSONEq(t, `{"payment_id":"`+aggregateID.String()+`","amount_cents":9999}`, string(e.Payload))
	assert.Equal(t, 0, e.Attempts)
	assert.Nil(t, e.PublishedAt)
	assert.Nil(t, e.LastError)
	assert.False(t, e.CreatedAt.IsZero())
	assert.True(t, e.Validate())
}

func TestNewEvent_UnserializablePayload(t *testing.T) {
	_, err := NewEvent("payment", uuid.New(), "payment.completed", map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestEvent_Validate(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		valid bool
	}{
		{"valid", Event{EventType: "payment.failed", Payload: json.RawMessage(`{"a":1}`)}, true},
		{"empty type", Event{Payload: json.RawMessage(`{}`)}, false},
		{"empty payload", Event{EventType: "payment.failed"}, false},
		{"broken json", Event{EventType: "payment.failed", Payload: json.RawMessage(`{"a":`)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.event.Validate())
		})
	}
}

func TestEvent_IsDeadLettered(t *testing.T) {
	now := time.Now()
	assert.False(t, (&Event{Attempts: 4}).IsDeadLettered(DefaultMaxAttempts))
	assert.True(t, (&Event{Attempts: 5}).IsDeadLettered(DefaultMaxAttempts))
	assert.False(t, (&Event{Attempts: 5, PublishedAt: &now}).IsDeadLettered(DefaultMaxAttempts))
}

func TestBackoff(t *testing.T) {
	base := time.Second
	ceiling := 30 * time.Second

	tests := []struct {
		attempts int
		expected time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{200, 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, Backoff(tt.attempts, base, ceiling), "attempts=%d", tt.attempts)
	}
}

func TestTopicFor(t *testing.T) {
	assert.Equal(t, "payments.payment.completed", TopicFor("payment.completed"))
}

func TestNewEnvelope(t *testing.T) {
	e, err := NewEvent("payment", uuid.New(), "payment.refunded", map[string]string{"status": "refunded"})
	require.NoError(t, err)
	emitted := time.Now().UTC()

	env := NewEnvelope(e, emitted)

	assert.Equal(t, e.ID, env.EventID)
	assert.Equal(t, "payment.refunded", env.EventType)
	assert.Equal(t, e.CreatedAt, env.OccurredAt)
	assert.Equal(t, emitted, env.EmittedAt)
	assert.JSONEq(t, `{"status":"refunded"}`, string(env.Data))
}
