package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Command names.
const (
	ProcessPayment = "payment.process"
	RefundPayment  = "payment.refund"
)

// Envelope is the wire format of every command.
type Envelope struct {
	Command        string          `json:"command"`
	CommandID      string          `json:"command_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	IssuedAt       time.Time       `json:"issued_at"`
	Payload        json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload for command under idempotencyKey.
func NewEnvelope(command, idempotencyKey string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", command, err)
	}
	return Envelope{
		Command:        command,
		CommandID:      uuid.NewString(),
		IdempotencyKey: idempotencyKey,
		IssuedAt:       time.Now().UTC(),
		Payload:        raw,
	}, nil
}

// Known reports whether the command has a handler.
func Known(command string) bool {
	return command == ProcessPayment || command == RefundPayment
}

// Publisher enqueues a command envelope. headers carry trace context.
type Publisher interface {
	Publish(ctx context.Context, env Envelope, headers map[string]string) error
}
