package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[uint64]*Escrow
	ids     *idgen.Sequence
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[uint64]*Escrow),
		ids:     idgen.NewSequence(0),
	}
}

func (m *MemoryStore) Create(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.ID = m.ids.Next()
	m.escrows[e.ID] = e.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uint64) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.clone(), nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*Escrow, error) {
	return pagination.Apply(m.filter(func(e *Escrow) bool {
		if f.Status != "" && e.Status != f.Status {
			return false
		}
		return f.Account == "" || e.Sender == f.Account || e.Receiver == f.Account
	}), f.Params), nil
}

func (m *MemoryStore) ListLockedBefore(_ context.Context, cutoff time.Time) ([]*Escrow, error) {
	return m.filter(func(e *Escrow) bool {
		return e.Status == StatusLocked && e.CreatedAt.Before(cutoff)
	}), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status) ([]*Escrow, error) {
	return m.filter(func(e *Escrow) bool { return e.Status == status }), nil
}

func (m *MemoryStore) Transition(_ context.Context, id uint64, from, to Status, mutate func(*Escrow)) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if e.Status != from {
		return nil, fmt.Errorf("escrow %d is %s, not %s: %w", id, e.Status, from, errs.ErrConflict)
	}

	next := e.clone()
	if mutate != nil {
		mutate(next)
	}
	next.ID = id
	next.Status = to
	m.escrows[id] = next
	return next.clone(), nil
}

// filter returns copies of matching escrows ordered by id.
func (m *MemoryStore) filter(match func(*Escrow) bool) []*Escrow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Escrow, 0)
	for _, e := range m.escrows {
		if match(e) {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
