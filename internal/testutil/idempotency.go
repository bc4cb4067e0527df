package testutil

import (
	"context"
	"sync"
	"time"

	paymentApp "github.com/cassiomorais/payflow/internal/application/payment"
	"github.com/cassiomorais/payflow/internal/domain/errors"
)

type idemEntry struct {
	record    *paymentApp.Record
	expiresAt time.Time
}

// MemoryIdempotencyStore implements paymentApp.IdempotencyStore in memory.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]idemEntry
	now     func() time.Time

	completes int
	releases  int

	// GetOrLockErr, when set, is returned by GetOrLock.
	GetOrLockErr error
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]idemEntry),
		now:     time.Now,
	}
}

// SetClock replaces the clock used for expiry.
func (s *MemoryIdempotencyStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryIdempotencyStore) live(key string) (idemEntry, bool) {
	e, ok := s.entries[key]
	if ok && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return idemEntry{}, false
	}
	return e, ok
}

func (s *MemoryIdempotencyStore) Get(ctx context.Context, key string) (*paymentApp.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok || e.record == nil {
		return nil, nil
	}
	rec := *e.record
	return &rec, nil
}

func (s *MemoryIdempotencyStore) GetOrLock(ctx context.Context, key string, lockTTL time.Duration) (paymentApp.Lookup, error) {
	if s.GetOrLockErr != nil {
		return paymentApp.Lookup{}, s.GetOrLockErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	switch {
	case !ok:
		s.entries[key] = idemEntry{expiresAt: s.now().Add(lockTTL)}
		return paymentApp.Lookup{State: paymentApp.LookupEmpty}, nil
	case e.record == nil:
		return paymentApp.Lookup{State: paymentApp.LookupInProgress}, nil
	default:
		rec := *e.record
		return paymentApp.Lookup{State: paymentApp.LookupCompleted, Record: &rec}, nil
	}
}

func (s *MemoryIdempotencyStore) Complete(ctx context.Context, key string, record paymentApp.Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.live(key); ok && e.record != nil {
		return errors.ErrDuplicateIdempotencyKey
	}
	s.completes++
	s.entries[key] = idemEntry{record: &record, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryIdempotencyStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.live(key); ok && e.record == nil {
		delete(s.entries, key)
		s.releases++
	}
	return nil
}

// Completes returns how many records were stored.
func (s *MemoryIdempotencyStore) Completes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completes
}

// Releases returns how many in-progress markers were dropped.
func (s *MemoryIdempotencyStore) Releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

// Lock places an in-progress marker on key, as a concurrent execution would.
func (s *MemoryIdempotencyStore) Lock(key string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = idemEntry{expiresAt: s.now().Add(ttl)}
}

var _ paymentApp.IdempotencyStore = (*MemoryIdempotencyStore)(nil)
