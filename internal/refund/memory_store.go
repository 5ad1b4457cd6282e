package refund

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/pagination"
)

// MemoryStore is an in-memory refund store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[uint64]*RefundRequest
	ids      *idgen.Sequence
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[uint64]*RefundRequest),
		ids:      idgen.NewSequence(0),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *RefundRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.ID = m.ids.Next()
	m.requests[r.ID] = r.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uint64) (*RefundRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRefundNotFound
	}
	return r.clone(), nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*RefundRequest, error) {
	return pagination.Apply(m.filter(f.Matches), f.Params), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status) ([]*RefundRequest, error) {
	return m.filter(func(r *RefundRequest) bool { return r.Status == status }), nil
}

func (m *MemoryStore) Transition(_ context.Context, id uint64, from, to Status, mutate func(*RefundRequest)) (*RefundRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRefundNotFound
	}
	if r.Status != from {
		return nil, fmt.Errorf("refund %d is %s, not %s: %w", id, r.Status, from, errs.ErrConflict)
	}

	next := r.clone()
	if mutate != nil {
		mutate(next)
	}
	next.ID = id
	next.Status = to
	m.requests[id] = next
	return next.clone(), nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := newStats()
	for _, r := range m.requests {
		s.add(r.Status, r.Amount, 1)
	}
	return s, nil
}

func (m *MemoryStore) filter(match func(*RefundRequest) bool) []*RefundRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*RefundRequest, 0)
	for _, r := range m.requests {
		if match(r) {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
