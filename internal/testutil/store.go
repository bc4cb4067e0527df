package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/payflow/internal/domain/errors"
	"github.com/cassiomorais/payflow/internal/domain/outbox"
	"github.com/cassiomorais/payflow/internal/domain/payment"
	"github.com/google/uuid"
)

// --- Transactional in-memory store ---

type ctxKey struct{}

type tx struct {
	ops  []func(*state) error
	held map[uuid.UUID]chan struct{}
	// root is the outermost transaction of a savepoint; it owns the locks.
	root *tx
}

func (t *tx) owner() *tx {
	if t.root != nil {
		return t.root
	}
	return t
}

func (t *tx) unlock() {
	for _, l := range t.held {
		<-l
	}
}

type state struct {
	payments map[uuid.UUID]payment.Payment
	history  map[uuid.UUID][]payment.StatusChange
	refunds  map[uuid.UUID]payment.Refund
	events   []outbox.Event
}

func (s *state) clone() *state {
	c := &state{
		payments: make(map[uuid.UUID]payment.Payment, len(s.payments)),
		history:  make(map[uuid.UUID][]payment.StatusChange, len(s.history)),
		refunds:  make(map[uuid.UUID]payment.Refund, len(s.refunds)),
		events:   make([]outbox.Event, len(s.events)),
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.history {
		c.history[k] = append([]payment.StatusChange(nil), v...)
	}
	for k, v := range s.refunds {
		c.refunds[k] = v
	}
	copy(c.events, s.events)
	return c
}

// Store implements payment.Repository, outbox.Repository and the
// TransactionManager port in memory. Writes made inside WithTransaction are
// staged and applied atomically on commit.
type Store struct {
	mu      sync.Mutex
	state   *state
	commits int
	rows    map[uuid.UUID]chan struct{}

	// CommitHook runs before each commit with its 1-based ordinal. A
	// non-nil error aborts the commit.
	CommitHook func(commit int) error
	// UpdateFunc overrides Update when set.
	UpdateFunc func(ctx context.Context, p *payment.Payment, expected payment.PaymentStatus) error
}

func NewStore() *Store {
	return &Store{state: (&state{}).clone()}
}

// FailCommits makes the commits with the given ordinals fail with err.
func (s *Store) FailCommits(err error, ordinals ...int) {
	fail := make(map[int]bool, len(ordinals))
	for _, o := range ordinals {
		fail[o] = true
	}
	s.CommitHook = func(commit int) error {
		if fail[commit] {
			return err
		}
		return nil
	}
}

// Commits returns the number of attempted commits.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if parent, nested := ctx.Value(ctxKey{}).(*tx); nested {
		// Savepoint: nested writes reach the parent only when fn succeeds.
		sp := &tx{root: parent.owner()}
		if err := fn(context.WithValue(ctx, ctxKey{}, sp)); err != nil {
			return err
		}
		parent.ops = append(parent.ops, sp.ops...)
		return nil
	}
	t := &tx{}
	defer t.unlock()
	if err := fn(context.WithValue(ctx, ctxKey{}, t)); err != nil {
		return err
	}
	return s.commit(t.ops)
}

func (s *Store) commit(ops []func(*state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	if s.CommitHook != nil {
		if err := s.CommitHook(s.commits); err != nil {
			return err
		}
	}
	next := s.state.clone()
	for _, op := range ops {
		if err := op(next); err != nil {
			return err
		}
	}
	s.state = next
	return nil
}

// write stages op in the caller's transaction or applies it immediately.
func (s *Store) write(ctx context.Context, op func(*state) error) error {
	if t, ok := ctx.Value(ctxKey{}).(*tx); ok {
		t.ops = append(t.ops, op)
		return nil
	}
	return s.commit([]func(*state) error{op})
}

func (s *Store) read(fn func(*state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

// --- payment.Repository ---

func (s *Store) Create(ctx context.Context, p *payment.Payment) error {
	stored := clonePayment(p)
	changes := append([]payment.StatusChange(nil), p.PendingChanges()...)
	return s.write(ctx, func(st *state) error {
		for _, existing := range st.payments {
			if existing.IdempotencyKey == stored.IdempotencyKey {
				return domainErrors.ErrDuplicateIdempotencyKey
			}
		}
		st.payments[stored.ID] = stored
		st.history[stored.ID] = append(st.history[stored.ID], changes...)
		return nil
	})
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	var (
		p  payment.Payment
		ok bool
	)
	s.read(func(st *state) { p, ok = st.payments[id] })
	if !ok {
		return nil, domainErrors.ErrPaymentNotFound
	}
	return &p, nil
}

// GetByIDForUpdate holds the payment's row lock until the enclosing
// transaction commits or rolls back. Outside a transaction it is a plain read.
func (s *Store) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	if t, ok := ctx.Value(ctxKey{}).(*tx); ok {
		t = t.owner()
		if _, held := t.held[id]; !held {
			row := s.rowLock(id)
			select {
			case row <- struct{}{}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if t.held == nil {
				t.held = make(map[uuid.UUID]chan struct{})
			}
			t.held[id] = row
		}
	}
	return s.GetByID(ctx, id)
}

func (s *Store) rowLock(id uuid.UUID) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows == nil {
		s.rows = make(map[uuid.UUID]chan struct{})
	}
	row, ok := s.rows[id]
	if !ok {
		row = make(chan struct{}, 1)
		s.rows[id] = row
	}
	return row
}

func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*payment.Payment, error) {
	var found *payment.Payment
	s.read(func(st *state) {
		for _, p := range st.payments {
			if p.IdempotencyKey == key {
				p := p
				found = &p
				return
			}
		}
	})
	if found == nil {
		return nil, domainErrors.ErrPaymentNotFound
	}
	return found, nil
}

func (s *Store) Update(ctx context.Context, p *payment.Payment, expected payment.PaymentStatus) error {
	if s.UpdateFunc != nil {
		return s.UpdateFunc(ctx, p, expected)
	}
	stored := clonePayment(p)
	changes := append([]payment.StatusChange(nil), p.PendingChanges()...)
	op := func(st *state) error {
		current, ok := st.payments[stored.ID]
		if !ok {
			return domainErrors.ErrPaymentNotFound
		}
		if current.Status != expected {
			return domainErrors.ErrOptimisticLockFailed
		}
		st.payments[stored.ID] = stored
		st.history[stored.ID] = append(st.history[stored.ID], changes...)
		return nil
	}
	// Surface a stale expectation at call time, as the SQL update would.
	var err error
	s.read(func(st *state) { err = op(st.clone()) })
	if err != nil {
		return err
	}
	return s.write(ctx, op)
}

func (s *Store) ListStale(ctx context.Context, status payment.PaymentStatus, olderThan time.Time, limit int) ([]*payment.Payment, error) {
	var out []*payment.Payment
	s.read(func(st *state) {
		for _, p := range st.payments {
			if p.Status == status && p.UpdatedAt.Before(olderThan) {
				p := p
				out = append(out, &p)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) History(ctx context.Context, paymentID uuid.UUID) ([]payment.StatusChange, error) {
	var out []payment.StatusChange
	s.read(func(st *state) { out = append(out, st.history[paymentID]...) })
	return out, nil
}

func (s *Store) CreateRefund(ctx context.Context, r *payment.Refund) error {
	stored := *r
	return s.write(ctx, func(st *state) error {
		for _, existing := range st.refunds {
			if existing.IdempotencyKey == stored.IdempotencyKey {
				return domainErrors.ErrDuplicateIdempotencyKey
			}
		}
		st.refunds[stored.ID] = stored
		return nil
	})
}

func (s *Store) GetRefundByIdempotencyKey(ctx context.Context, key string) (*payment.Refund, error) {
	var found *payment.Refund
	s.read(func(st *state) {
		for _, r := range st.refunds {
			if r.IdempotencyKey == key {
				r := r
				found = &r
				return
			}
		}
	})
	if found == nil {
		return nil, domainErrors.ErrRefundNotFound
	}
	return found, nil
}

func (s *Store) ListRefunds(ctx context.Context, paymentID uuid.UUID) ([]*payment.Refund, error) {
	var out []*payment.Refund
	s.read(func(st *state) {
		for _, r := range st.refunds {
			if r.PaymentID == paymentID {
				r := r
				out = append(out, &r)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Seed stores p as already committed.
func (s *Store) Seed(p *payment.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.payments[p.ID] = clonePayment(p)
}

// --- outbox.Repository ---

func (s *Store) Insert(ctx context.Context, e *outbox.Event) error {
	stored := *e
	return s.write(ctx, func(st *state) error {
		st.events = append(st.events, stored)
		return nil
	})
}

func (s *Store) FetchDue(ctx context.Context, limit, maxAttempts int, now time.Time) ([]*outbox.Event, error) {
	var out []*outbox.Event
	s.read(func(st *state) {
		for _, e := range st.events {
			if e.PublishedAt != nil || e.Attempts >= maxAttempts {
				continue
			}
			if e.NextAttemptAt != nil && e.NextAttemptAt.After(now) {
				continue
			}
			e := e
			out = append(out, &e)
			if len(out) == limit {
				return
			}
		}
	})
	return out, nil
}

func (s *Store) updateEvent(ctx context.Context, id uuid.UUID, fn func(*outbox.Event)) error {
	return s.write(ctx, func(st *state) error {
		for i := range st.events {
			if st.events[i].ID == id {
				fn(&st.events[i])
				return nil
			}
		}
		return domainErrors.ErrEventNotFound
	})
}

func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.updateEvent(ctx, id, func(e *outbox.Event) { e.PublishedAt = &at })
}

func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastError string, nextAttemptAt time.Time) error {
	return s.updateEvent(ctx, id, func(e *outbox.Event) {
		e.Attempts = attempts
		e.LastError = &lastError
		e.NextAttemptAt = &nextAttemptAt
	})
}

func (s *Store) CountDeadLettered(ctx context.Context, maxAttempts int) (int64, error) {
	var n int64
	s.read(func(st *state) {
		for _, e := range st.events {
			if e.IsDeadLettered(maxAttempts) {
				n++
			}
		}
	})
	return n, nil
}

func (s *Store) ListDeadLettered(ctx context.Context, maxAttempts, limit int) ([]*outbox.Event, error) {
	var out []*outbox.Event
	s.read(func(st *state) {
		for _, e := range st.events {
			if e.IsDeadLettered(maxAttempts) {
				e := e
				out = append(out, &e)
			}
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Requeue(ctx context.Context, id uuid.UUID) error {
	return s.updateEvent(ctx, id, func(e *outbox.Event) {
		e.Attempts = 0
		e.LastError = nil
		e.NextAttemptAt = nil
	})
}

// Events returns every outbox row in insertion order.
func (s *Store) Events() []outbox.Event {
	var out []outbox.Event
	s.read(func(st *state) { out = append(out, st.events...) })
	return out
}

// EventTypes returns the event type of every outbox row for aggregateID.
func (s *Store) EventTypes(aggregateID uuid.UUID) []string {
	var out []string
	for _, e := range s.Events() {
		if e.AggregateID == aggregateID {
			out = append(out, e.EventType)
		}
	}
	return out
}

// Payments returns every committed payment.
func (s *Store) Payments() []*payment.Payment {
	var out []*payment.Payment
	s.read(func(st *state) {
		for _, p := range st.payments {
			p := p
			out = append(out, &p)
		}
	})
	return out
}

func clonePayment(p *payment.Payment) payment.Payment {
	c := *p
	c.ClearChanges()
	return c
}

var (
	_ payment.Repository = (*Store)(nil)
	_ outbox.Repository  = (*Store)(nil)
)
