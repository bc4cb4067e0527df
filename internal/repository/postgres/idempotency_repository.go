package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	paymentApp "github.com/cassiomorais/payflow/internal/application/payment"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	stateInProgress = "in_progress"
	stateCompleted  = "completed"
)

// IdempotencyRepository implements paymentApp.IdempotencyStore on the
// idempotency_keys table. Expired rows are treated as absent and removed by
// Cleanup.
type IdempotencyRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewIdempotencyRepository(pool *pgxpool.Pool) *IdempotencyRepository {
	return &IdempotencyRepository{pool: pool, now: time.Now}
}

func (r *IdempotencyRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *IdempotencyRepository) Get(ctx context.Context, key string) (*paymentApp.Record, error) {
	var raw []byte
	err := r.db(ctx).QueryRow(ctx,
		`SELECT record FROM idempotency_keys
		 WHERE key = $1 AND state = $2 AND expires_at > $3`, key, stateCompleted, r.now().UTC(),
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	return decodeRecord(raw)
}

// GetOrLock claims key with an in-progress row, taking over an expired row
// in the same statement. When the claim loses, the live row is read back.
func (r *IdempotencyRepository) GetOrLock(ctx context.Context, key string, lockTTL time.Duration) (paymentApp.Lookup, error) {
	now := r.now().UTC()
	var claimed string
	err := r.db(ctx).QueryRow(ctx,
		`INSERT INTO idempotency_keys (key, state, record, created_at, expires_at)
		 VALUES ($1, $2, NULL, $3, $4)
		 ON CONFLICT (key) DO UPDATE
		   SET state = EXCLUDED.state, record = NULL,
		       created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
		   WHERE idempotency_keys.expires_at <= $3
		 RETURNING key`, key, stateInProgress, now, now.Add(lockTTL),
	).Scan(&claimed)
	if err == nil {
		return paymentApp.Lookup{State: paymentApp.LookupEmpty}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return paymentApp.Lookup{}, fmt.Errorf("lock idempotency key: %w", err)
	}

	var (
		state string
		raw   []byte
	)
	err = r.db(ctx).QueryRow(ctx,
		`SELECT state, record FROM idempotency_keys WHERE key = $1`, key,
	).Scan(&state, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Released between the two statements; the caller retries later.
			return paymentApp.Lookup{State: paymentApp.LookupInProgress}, nil
		}
		return paymentApp.Lookup{}, fmt.Errorf("read idempotency key: %w", err)
	}
	if state != stateCompleted {
		return paymentApp.Lookup{State: paymentApp.LookupInProgress}, nil
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return paymentApp.Lookup{}, err
	}
	return paymentApp.Lookup{State: paymentApp.LookupCompleted, Record: rec}, nil
}

// Complete stores record unless a live completed record already exists.
func (r *IdempotencyRepository) Complete(ctx context.Context, key string, record paymentApp.Record, ttl time.Duration) error {
	now := r.now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO idempotency_keys (key, state, record, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE
		   SET state = EXCLUDED.state, record = EXCLUDED.record, expires_at = EXCLUDED.expires_at
		   WHERE idempotency_keys.state <> $2 OR idempotency_keys.expires_at <= $4`,
		key, stateCompleted, raw, now, now.Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

func (r *IdempotencyRepository) Release(ctx context.Context, key string) error {
	_, err := r.db(ctx).Exec(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 AND state = $2`, key, stateInProgress,
	)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Cleanup purges expired rows.
func (r *IdempotencyRepository) Cleanup(ctx context.Context) (int64, error) {
	tag, err := r.db(ctx).Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < $1`, r.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

func decodeRecord(raw []byte) (*paymentApp.Record, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var rec paymentApp.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal idempotency record: %w", err)
	}
	return &rec, nil
}
