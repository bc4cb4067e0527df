package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/payflow/internal/domain/outbox"
	"github.com/google/uuid"
)

// DeadLetterView is an operator-facing dead-lettered row.
type DeadLetterView struct {
	ID          string `json:"id"`
	AggregateID string `json:"aggregate_id"`
	EventType   string `json:"event_type"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// DeadLetters lets operators inspect and requeue dead-lettered rows.
type DeadLetters struct {
	repo        outbox.Repository
	maxAttempts int
}

func NewDeadLetters(repo outbox.Repository, cfg Config) *DeadLetters {
	return &DeadLetters{repo: repo, maxAttempts: cfg.EffectiveMaxAttempts()}
}

func (d *DeadLetters) List(ctx context.Context, limit int) ([]DeadLetterView, error) {
	events, err := d.repo.ListDeadLettered(ctx, d.maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]DeadLetterView, 0, len(events))
	for _, e := range events {
		v := DeadLetterView{
			ID:          e.ID.String(),
			AggregateID: e.AggregateID.String(),
			EventType:   e.EventType,
			Attempts:    e.Attempts,
			CreatedAt:   e.CreatedAt.Format(time.RFC3339),
		}
		if e.LastError != nil {
			v.LastError = *e.LastError
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *DeadLetters) Count(ctx context.Context) (int64, error) {
	return d.repo.CountDeadLettered(ctx, d.maxAttempts)
}

// Requeue resets the attempts of row id so the worker retries it.
func (d *DeadLetters) Requeue(ctx context.Context, id uuid.UUID) error {
	if err := d.repo.Requeue(ctx, id); err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	return nil
}
