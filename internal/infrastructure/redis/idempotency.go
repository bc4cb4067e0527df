package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	paymentApp "github.com/cassiomorais/payflow/internal/application/payment"
	"github.com/redis/go-redis/v9"
)

// inProgress marks a claimed key. Completed keys hold the JSON record.
const inProgress = "in_progress"

var (
	// Returns the current value, or claims the key and returns nil.
	getOrLockScript = redis.NewScript(`
		local v = redis.call("get", KEYS[1])
		if v then
			return v
		end
		redis.call("set", KEYS[1], ARGV[1], "px", ARGV[2])
		return false
	`)

	// Writes the record unless a completed record is already there.
	completeScript = redis.NewScript(`
		local v = redis.call("get", KEYS[1])
		if v and v ~= ARGV[3] then
			return 0
		end
		redis.call("set", KEYS[1], ARGV[1], "px", ARGV[2])
		return 1
	`)

	releaseMarkerScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
)

// IdempotencyStore implements paymentApp.IdempotencyStore on Redis strings
// with compare-and-set scripts.
type IdempotencyStore struct {
	client *redis.Client
}

func NewIdempotencyStore(client *redis.Client) *IdempotencyStore {
	return &IdempotencyStore{client: client}
}

func idempotencyKey(key string) string {
	return "idempotency:" + key
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (*paymentApp.Record, error) {
	v, err := s.client.Get(ctx, idempotencyKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	if v == inProgress {
		return nil, nil
	}
	return decodeRecord(v)
}

func (s *IdempotencyStore) GetOrLock(ctx context.Context, key string, lockTTL time.Duration) (paymentApp.Lookup, error) {
	v, err := getOrLockScript.Run(ctx, s.client, []string{idempotencyKey(key)}, inProgress, lockTTL.Milliseconds()).Text()
	if errors.Is(err, redis.Nil) {
		return paymentApp.Lookup{State: paymentApp.LookupEmpty}, nil
	}
	if err != nil {
		return paymentApp.Lookup{}, fmt.Errorf("lock idempotency key: %w", err)
	}
	if v == inProgress {
		return paymentApp.Lookup{State: paymentApp.LookupInProgress}, nil
	}
	rec, err := decodeRecord(v)
	if err != nil {
		return paymentApp.Lookup{}, err
	}
	return paymentApp.Lookup{State: paymentApp.LookupCompleted, Record: rec}, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, key string, record paymentApp.Record, ttl time.Duration) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	err = completeScript.Run(ctx, s.client, []string{idempotencyKey(key)}, string(raw), ttl.Milliseconds(), inProgress).Err()
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if err := releaseMarkerScript.Run(ctx, s.client, []string{idempotencyKey(key)}, inProgress).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func decodeRecord(v string) (*paymentApp.Record, error) {
	var rec paymentApp.Record
	if err := json.Unmarshal([]byte(v), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal idempotency record: %w", err)
	}
	return &rec, nil
}

var _ paymentApp.IdempotencyStore = (*IdempotencyStore)(nil)
