package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Insert creates a new outbox row (inside the producer's transaction)
	Insert(ctx context.Context, event *Event) error

	// FetchDue locks and returns up to limit unpublished rows with
	// attempts < maxAttempts whose backoff has elapsed, oldest first.
	FetchDue(ctx context.Context, limit, maxAttempts int, now time.Time) ([]*Event, error)

	// MarkPublished sets published_at; attempts is left unchanged.
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error

	// MarkFailed records a failed publish attempt.
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastError string, nextAttemptAt time.Time) error

	// CountDeadLettered counts unpublished rows with attempts >= maxAttempts.
	CountDeadLettered(ctx context.Context, maxAttempts int) (int64, error)

	// ListDeadLettered lists dead-lettered rows, oldest first.
	ListDeadLettered(ctx context.Context, maxAttempts, limit int) ([]*Event, error)

	// Requeue resets a dead-lettered row so the worker picks it up again.
	Requeue(ctx context.Context, id uuid.UUID) error
}
