package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	paymentApp "github.com/cassiomorais/payflow/internal/application/payment"
	"github.com/cassiomorais/payflow/internal/domain/errors"
)

// MemoryLocker implements paymentApp.Locker with one semaphore per key.
// Obtain blocks until the key is free or ctx is done.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}

	obtained int
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]chan struct{})}
}

func (l *MemoryLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[key] = s
	}
	return s
}

func (l *MemoryLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (paymentApp.Lock, error) {
	s := l.slot(key)
	select {
	case s <- struct{}{}:
		l.mu.Lock()
		l.obtained++
		l.mu.Unlock()
		return &memoryLock{slot: s}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", key, errors.ErrLockAcquisitionFailed)
	}
}

// Obtained returns how many locks were handed out.
func (l *MemoryLocker) Obtained() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.obtained
}

type memoryLock struct {
	once sync.Once
	slot chan struct{}
}

func (m *memoryLock) Release(ctx context.Context) error {
	released := false
	m.once.Do(func() {
		<-m.slot
		released = true
	})
	if !released {
		return errors.ErrLockNotHeld
	}
	return nil
}

var _ paymentApp.Locker = (*MemoryLocker)(nil)
