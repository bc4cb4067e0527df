package testutil

import (
	"context"
	"sync"

	outboxApp "github.com/cassiomorais/payflow/internal/application/outbox"
	"github.com/stretchr/testify/mock"
)

// Published is one message seen by a RecordingBus.
type Published struct {
	Topic   string
	Message outboxApp.Message
}

// RecordingBus records every publish. FailWith, when set, decides the
// result of each publish.
type RecordingBus struct {
	mu        sync.Mutex
	published []Published
	attempts  int

	FailWith func(topic string, msg outboxApp.Message) error
}

func NewRecordingBus() *RecordingBus {
	return &RecordingBus{}
}

func (b *RecordingBus) Publish(ctx context.Context, topic string, msg outboxApp.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if b.FailWith != nil {
		if err := b.FailWith(topic, msg); err != nil {
			return err
		}
	}
	b.published = append(b.published, Published{Topic: topic, Message: msg})
	return nil
}

// Published returns the successful publishes in order.
func (b *RecordingBus) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Attempts returns how many publishes were attempted.
func (b *RecordingBus) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// MockEventBus is a testify mock of the event bus port.
type MockEventBus struct {
	mock.Mock
}

func (m *MockEventBus) Publish(ctx context.Context, topic string, msg outboxApp.Message) error {
	args := m.Called(ctx, topic, msg)
	return args.Error(0)
}

var (
	_ outboxApp.EventBus = (*RecordingBus)(nil)
	_ outboxApp.EventBus = (*MockEventBus)(nil)
)
