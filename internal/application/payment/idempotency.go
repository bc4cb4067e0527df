package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/payflow/internal/domain/errors"
	"github.com/rs/zerolog"
)

// Idempotency key namespaces.
const (
	ChargeKeyPrefix = "charge:"
	RefundKeyPrefix = "refund:"
)

func ChargeKey(key string) string { return ChargeKeyPrefix + key }
func RefundKey(key string) string { return RefundKeyPrefix + key }

// Err rebuilds the typed error of a failed record, or nil for a success.
func (r *Record) Err() error {
	if r == nil || r.Outcome != OutcomeFailed {
		return nil
	}
	return domainErrors.FromCode(r.ErrorCode, r.ErrorMessage)
}

// Normalize converts a permanent error into the exact error a replay of its
// stored record returns.
func Normalize(err error) error {
	return domainErrors.FromCode(domainErrors.Code(err), failureMessage(err))
}

// FailureRecord builds the record stored for a permanent failure.
func FailureRecord(err error) Record {
	return Record{
		Outcome:      OutcomeFailed,
		ErrorCode:    domainErrors.Code(err),
		ErrorMessage: failureMessage(err),
		CreatedAt:    time.Now().UTC(),
	}
}

func successRecord(result any) (Record, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Record{}, fmt.Errorf("encode result: %w", err)
	}
	return Record{Outcome: OutcomeSucceeded, Result: raw, CreatedAt: time.Now().UTC()}, nil
}

func failureMessage(err error) string {
	var de *domainErrors.DomainError
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	return err.Error()
}

// storable reports whether err is final for its key. Compensation failures
// stay retryable so the next delivery re-enters recovery.
func storable(err error) bool {
	return domainErrors.IsPermanent(err) && !errors.Is(err, domainErrors.ErrCompensationFailed)
}

func replay[T any](rec *Record) (*T, error) {
	if err := rec.Err(); err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(rec.Result, &out); err != nil {
		return nil, fmt.Errorf("decode stored result: %w", err)
	}
	return &out, nil
}

// settle finalizes key after an execution: successes and permanent failures
// are stored for ttl, anything else releases the in-progress marker.
func settle[T any](ctx context.Context, store IdempotencyStore, log zerolog.Logger, key string, ttl time.Duration, result *T, err error) (*T, error) {
	if err == nil {
		rec, encErr := successRecord(result)
		if encErr != nil {
			if rErr := store.Release(ctx, key); rErr != nil {
				log.Warn().Err(rErr).Str("idempotency_key", key).Msg("failed to release idempotency marker")
			}
			return nil, encErr
		}
		if cErr := store.Complete(ctx, key, rec, ttl); cErr != nil {
			// The persisted payment still answers the replay through recovery.
			log.Error().Err(cErr).Str("idempotency_key", key).Msg("failed to store idempotency result")
		}
		return result, nil
	}

	if storable(err) {
		if cErr := store.Complete(ctx, key, FailureRecord(err), ttl); cErr != nil {
			log.Error().Err(cErr).Str("idempotency_key", key).Msg("failed to store idempotency failure")
		}
		return nil, Normalize(err)
	}

	if rErr := store.Release(ctx, key); rErr != nil {
		log.Warn().Err(rErr).Str("idempotency_key", key).Msg("failed to release idempotency marker")
	}
	return nil, err
}
