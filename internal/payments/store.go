package payments

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/taskescrow/internal/pagination"
)

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	after *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// After restricts a newest-first listing to rows older than c.
func After(c *pagination.Cursor) ListOption {
	return func(o *listOpts) { o.after = c }
}

// Store persists payments.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	// Transition applies t atomically. Moving a terminal payment is a
	// no-op that returns it unchanged.
	Transition(ctx context.Context, id string, t Transition) (*Payment, error)
	// ListByTask returns a task's payments newest first.
	ListByTask(ctx context.Context, taskID string, limit int, opts ...ListOption) ([]*Payment, error)
	// ListPending returns payments with an unresolved ledger call, oldest first.
	ListPending(ctx context.Context, limit int) ([]*Payment, error)
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*Payment
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*Payment), now: time.Now}
}

func (m *MemoryStore) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; ok {
		return ErrDuplicatePayment
	}
	m.payments[p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, t Transition) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	next := p.Clone()
	applied, err := apply(next, t, m.now())
	if err != nil {
		return p.Clone(), err
	}
	if applied {
		m.payments[id] = next
	}
	return m.payments[id].Clone(), nil
}

func (m *MemoryStore) ListByTask(_ context.Context, taskID string, limit int, opts ...ListOption) ([]*Payment, error) {
	o := applyListOpts(opts)
	return m.list(func(p *Payment) bool {
		return p.TaskID == taskID && o.after.After(p.CreatedAt, p.ID)
	}, limit, false), nil
}

func (m *MemoryStore) ListPending(_ context.Context, limit int) ([]*Payment, error) {
	return m.list(func(p *Payment) bool { return p.PendingTxID != "" }, limit, true), nil
}

func (m *MemoryStore) list(match func(*Payment) bool, limit int, oldestFirst bool) []*Payment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Payment
	for _, p := range m.payments {
		if match(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if oldestFirst {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
