package redis

import (
	"context"
	"fmt"
	"time"

	paymentApp "github.com/cassiomorais/payflow/internal/application/payment"
	domainErrors "github.com/cassiomorais/payflow/internal/domain/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lua script for safe lock release (only owner can release)
var releaseLockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// DistributedLock represents a distributed lock using Redis
type DistributedLock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
}

// NewDistributedLock creates a new distributed lock
func NewDistributedLock(client *redis.Client, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client: client,
		key:    lockKey(key),
		value:  uuid.New().String(),
		ttl:    ttl,
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire attempts to acquire the lock once.
func (l *DistributedLock) Acquire(ctx context.Context) (bool, error) {
	// SET NX PX: the lock expires on its own if the holder dies.
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return ok, nil
}

// Release releases the lock if this holder still owns it.
func (l *DistributedLock) Release(ctx context.Context) error {
	n, err := releaseLockScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if n == 0 {
		return domainErrors.ErrLockNotHeld
	}
	return nil
}

// Locker implements paymentApp.Locker. Obtain polls until the lock is free
// or ctx is done.
type Locker struct {
	client     *redis.Client
	retryDelay time.Duration
}

func NewLocker(client *redis.Client, retryDelay time.Duration) *Locker {
	if retryDelay <= 0 {
		retryDelay = 50 * time.Millisecond
	}
	return &Locker{client: client, retryDelay: retryDelay}
}

func (l *Locker) Obtain(ctx context.Context, key string, ttl time.Duration) (paymentApp.Lock, error) {
	lock := NewDistributedLock(l.client, key, ttl)
	for {
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			return lock, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", key, domainErrors.ErrLockAcquisitionFailed)
		case <-time.After(l.retryDelay):
		}
	}
}

var _ paymentApp.Locker = (*Locker)(nil)
