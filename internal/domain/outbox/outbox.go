package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts is the publish budget of a row before it is dead-lettered.
const DefaultMaxAttempts = 5

// Event is one row of the transactional outbox.
type Event struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       json.RawMessage
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Attempts      int
	LastError     *string
	NextAttemptAt *time.Time
}

// NewEvent serializes payload and builds an unpublished row.
func NewEvent(aggregateType string, aggregateID uuid.UUID, eventType string, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// IsPublished reports whether the row has been delivered.
func (e *Event) IsPublished() bool {
	return e.PublishedAt != nil
}

// IsDeadLettered reports whether the row exhausted its attempts.
func (e *Event) IsDeadLettered(maxAttempts int) bool {
	return e.PublishedAt == nil && e.Attempts >= maxAttempts
}

// Validate reports rows that can never be published.
func (e *Event) Validate() bool {
	return e.EventType != "" && len(e.Payload) > 0 && json.Valid(e.Payload)
}

// Backoff returns base * 2^attempts, capped, where attempts counts the
// failed publishes so far. The first retry therefore waits 2*base.
func Backoff(attempts int, base, ceiling time.Duration) time.Duration {
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// TopicFor derives the bus topic from an event type.
func TopicFor(eventType string) string {
	return "payments." + eventType
}

// Envelope is the message body published for every row.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	EmittedAt     time.Time       `json:"emitted_at"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope wraps e for publication at emittedAt.
func NewEnvelope(e *Event, emittedAt time.Time) Envelope {
	return Envelope{
		EventID:       e.ID,
		EventType:     e.EventType,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		OccurredAt:    e.CreatedAt,
		EmittedAt:     emittedAt,
		Data:          e.Payload,
	}
}
