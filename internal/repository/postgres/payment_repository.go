package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/payflow/internal/domain/errors"
	"github.com/cassiomorais/payflow/internal/domain/payment"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const paymentColumns = `id, idempotency_key, customer_id, amount::text, currency, refunded_amount::text,
		payment_method, provider, status, provider_transaction_id, failure_reason,
		metadata, created_at, updated_at, completed_at`

const refundColumns = `id, payment_id, idempotency_key, amount::text, currency, status,
		provider_refund_id, reason, failure_reason, created_at`

// PaymentRepository implements payment.Repository using PostgreSQL.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository creates a new PaymentRepository.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Create inserts a new payment together with its pending status changes.
func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	return inTx(ctx, r.pool, func(db DBTX) error {
		_, err := db.Exec(ctx,
			`INSERT INTO payments
			 (id, idempotency_key, customer_id, amount, currency, refunded_amount,
			  payment_method, provider, status, provider_transaction_id, failure_reason,
			  metadata, created_at, updated_at, completed_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			p.ID, p.IdempotencyKey, p.CustomerID, centsToNumeric(p.Amount.ValueCents), p.Amount.Currency,
			centsToNumeric(p.RefundedCents), string(p.Method), string(p.Provider), string(p.Status),
			p.ProviderTransactionID, p.FailureReason, metadata, p.CreatedAt, p.UpdatedAt, p.CompletedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domainErrors.ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("insert payment: %w", err)
		}
		return insertHistory(ctx, db, p.PendingChanges())
	})
}

// GetByID retrieves a payment by its ID.
func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	return scanPayment(r.db(ctx).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

// GetByIDForUpdate retrieves a payment and holds its row lock until the
// enclosing transaction ends.
func (r *PaymentRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	return scanPayment(r.db(ctx).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
}

// GetByIdempotencyKey retrieves a payment by idempotency key.
func (r *PaymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*payment.Payment, error) {
	return scanPayment(r.db(ctx).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = $1`, key))
}

// Update writes p only when the stored status still equals expected.
func (r *PaymentRepository) Update(ctx context.Context, p *payment.Payment, expected payment.PaymentStatus) error {
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	return inTx(ctx, r.pool, func(db DBTX) error {
		tag, err := db.Exec(ctx,
			`UPDATE payments SET
			  status=$1, refunded_amount=$2, provider_transaction_id=$3, failure_reason=$4,
			  metadata=$5, updated_at=$6, completed_at=$7
			 WHERE id=$8 AND status=$9`,
			string(p.Status), centsToNumeric(p.RefundedCents), p.ProviderTransactionID, p.FailureReason,
			metadata, p.UpdatedAt, p.CompletedAt, p.ID, string(expected),
		)
		if err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check payment: %w", err)
			}
			if !exists {
				return domainErrors.ErrPaymentNotFound
			}
			return domainErrors.ErrOptimisticLockFailed
		}
		return insertHistory(ctx, db, p.PendingChanges())
	})
}

// ListStale lists payments that have sat in status since before olderThan,
// oldest first.
func (r *PaymentRepository) ListStale(ctx context.Context, status payment.PaymentStatus, olderThan time.Time, limit int) ([]*payment.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at ASC
		 LIMIT $3`, string(status), olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale payments: %w", err)
	}
	defer rows.Close()

	var payments []*payment.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// History returns the status history of a payment, oldest first.
func (r *PaymentRepository) History(ctx context.Context, paymentID uuid.UUID) ([]payment.StatusChange, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT id, payment_id, from_status, to_status, reason, created_at
		 FROM payment_status_history WHERE payment_id = $1 ORDER BY created_at ASC, id ASC`, paymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	defer rows.Close()

	var history []payment.StatusChange
	for rows.Next() {
		var (
			c        payment.StatusChange
			from, to string
		)
		if err := rows.Scan(&c.ID, &c.PaymentID, &from, &to, &c.Reason, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan status change: %w", err)
		}
		c.From = payment.PaymentStatus(from)
		c.To = payment.PaymentStatus(to)
		history = append(history, c)
	}
	return history, rows.Err()
}

// CreateRefund inserts a refund record.
func (r *PaymentRepository) CreateRefund(ctx context.Context, refund *payment.Refund) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO refunds
		 (id, payment_id, idempotency_key, amount, currency, status,
		  provider_refund_id, reason, failure_reason, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		refund.ID, refund.PaymentID, refund.IdempotencyKey, centsToNumeric(refund.Amount.ValueCents),
		refund.Amount.Currency, string(refund.Status), refund.ProviderRefundID, refund.Reason,
		refund.FailureReason, refund.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domainErrors.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert refund: %w", err)
	}
	return nil
}

// GetRefundByIdempotencyKey retrieves a refund by its own key.
func (r *PaymentRepository) GetRefundByIdempotencyKey(ctx context.Context, key string) (*payment.Refund, error) {
	return scanRefund(r.db(ctx).QueryRow(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE idempotency_key = $1`, key))
}

// ListRefunds lists the refunds of a payment, oldest first.
func (r *PaymentRepository) ListRefunds(ctx context.Context, paymentID uuid.UUID) ([]*payment.Refund, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE payment_id = $1 ORDER BY created_at ASC`, paymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	defer rows.Close()

	var refunds []*payment.Refund
	for rows.Next() {
		refund, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, refund)
	}
	return refunds, rows.Err()
}

func insertHistory(ctx context.Context, db DBTX, changes []payment.StatusChange) error {
	for _, c := range changes {
		_, err := db.Exec(ctx,
			`INSERT INTO payment_status_history (id, payment_id, from_status, to_status, reason, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ID, c.PaymentID, string(c.From), string(c.To), c.Reason, c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert status change: %w", err)
		}
	}
	return nil
}

// --- scanning helpers ---

// scanPayment scans a payment from any source implementing the scanner interface.
func scanPayment(s scanner) (*payment.Payment, error) {
	p := &payment.Payment{Metadata: make(map[string]any)}
	var (
		amountStr   string
		refundedStr string
		method      string
		provider    string
		status      string
		metadata    []byte
	)
	err := s.Scan(
		&p.ID, &p.IdempotencyKey, &p.CustomerID, &amountStr, &p.Amount.Currency, &refundedStr,
		&method, &provider, &status, &p.ProviderTransactionID, &p.FailureReason,
		&metadata, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}

	if p.Amount.ValueCents, err = numericToCents(amountStr); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if p.RefundedCents, err = numericToCents(refundedStr); err != nil {
		return nil, fmt.Errorf("parse refunded amount: %w", err)
	}

	p.Method = payment.Method(method)
	p.Provider = payment.Provider(provider)
	p.Status = payment.PaymentStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal payment metadata: %w", err)
		}
	}
	return p, nil
}

func scanRefund(s scanner) (*payment.Refund, error) {
	refund := &payment.Refund{}
	var amountStr, status string
	err := s.Scan(
		&refund.ID, &refund.PaymentID, &refund.IdempotencyKey, &amountStr, &refund.Amount.Currency, &status,
		&refund.ProviderRefundID, &refund.Reason, &refund.FailureReason, &refund.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrRefundNotFound
		}
		return nil, fmt.Errorf("scan refund: %w", err)
	}
	if refund.Amount.ValueCents, err = numericToCents(amountStr); err != nil {
		return nil, fmt.Errorf("parse refund amount: %w", err)
	}
	refund.Status = payment.RefundStatus(status)
	return refund, nil
}
