package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

type ctxKey int

const txKey ctxKey = iota

var tracer = otel.Tracer("payflow/postgres")

// DBTX is the common query interface satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// TxManager runs units of work. The open transaction travels in the context
// so repositories join it without extra parameters.
type TxManager struct {
	pool *pgxpool.Pool
}

func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// WithTransaction commits when fn returns nil and rolls back otherwise.
// A call made with a transaction already in ctx runs in a savepoint of it,
// so a failed nested call leaves the outer transaction usable.
func (m *TxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if outer, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return savepoint(ctx, outer, fn)
	}

	ctx, span := tracer.Start(ctx, "postgres.unit_of_work")
	defer span.End()

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "begin")
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey, tx)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rolled back")
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback failed (%v) after error: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit")
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func savepoint(ctx context.Context, outer pgx.Tx, fn func(ctx context.Context) error) error {
	sp, err := outer.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey, sp)); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback to savepoint failed (%v) after error: %w", rbErr, err)
		}
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// InTransaction reports whether ctx carries an open unit of work.
func InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey).(pgx.Tx)
	return ok
}

// ConnFromCtx returns the transaction from context if present, otherwise the pool.
func ConnFromCtx(ctx context.Context, pool *pgxpool.Pool) DBTX {
	if tx, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return tx
	}
	return pool
}

// inTx runs fn on the transaction in ctx, or on a short transaction of its
// own so multi-statement writes stay atomic outside a unit of work.
func inTx(ctx context.Context, pool *pgxpool.Pool, fn func(db DBTX) error) error {
	if tx, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return fn(tx)
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
}
