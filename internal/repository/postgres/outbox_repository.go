package postgres

import (
	"context"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/payflow/internal/domain/errors"
	"github.com/cassiomorais/payflow/internal/domain/outbox"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, payload, created_at,
		published_at, attempts, last_error, next_attempt_at`

type OutboxRepository struct {
	pool *pgxpool.Pool
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *OutboxRepository) Insert(ctx context.Context, e *outbox.Event) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at, attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.AggregateType, e.AggregateID, e.EventType, []byte(e.Payload), e.CreatedAt, e.Attempts,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// FetchDue must run inside a transaction: the returned rows stay locked
// against other workers until it ends.
func (r *OutboxRepository) FetchDue(ctx context.Context, limit, maxAttempts int, now time.Time) ([]*outbox.Event, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+outboxColumns+` FROM outbox
		 WHERE published_at IS NULL
		   AND attempts < $1
		   AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		 ORDER BY created_at ASC
		 LIMIT $3
		 FOR UPDATE SKIP LOCKED`, maxAttempts, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch due outbox events: %w", err)
	}
	return collectEvents(rows)
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox SET published_at = $1 WHERE id = $2`, at, id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastError string, nextAttemptAt time.Time) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox SET attempts = $1, last_error = $2, next_attempt_at = $3 WHERE id = $4`,
		attempts, lastError, nextAttemptAt, id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}

func (r *OutboxRepository) CountDeadLettered(ctx context.Context, maxAttempts int) (int64, error) {
	var n int64
	err := r.db(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE published_at IS NULL AND attempts >= $1`, maxAttempts,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dead-lettered events: %w", err)
	}
	return n, nil
}

func (r *OutboxRepository) ListDeadLettered(ctx context.Context, maxAttempts, limit int) ([]*outbox.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+outboxColumns+` FROM outbox
		 WHERE published_at IS NULL AND attempts >= $1
		 ORDER BY created_at ASC
		 LIMIT $2`, maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead-lettered events: %w", err)
	}
	return collectEvents(rows)
}

func (r *OutboxRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox SET attempts = 0, last_error = NULL, next_attempt_at = NULL
		 WHERE id = $1 AND published_at IS NULL`, id,
	)
	if err != nil {
		return fmt.Errorf("requeue outbox event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrEventNotFound
	}
	return nil
}

type eventRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

func collectEvents(rows eventRows) ([]*outbox.Event, error) {
	defer rows.Close()

	var events []*outbox.Event
	for rows.Next() {
		e := &outbox.Event{}
		var payload []byte
		if err := rows.Scan(
			&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &payload, &e.CreatedAt,
			&e.PublishedAt, &e.Attempts, &e.LastError, &e.NextAttemptAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}
