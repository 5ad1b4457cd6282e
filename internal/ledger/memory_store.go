package ledger

import (
	"context"
	"math"
	"sync"

	"github.com/mbd888/escrowd/internal/idgen"
)

type balanceKey struct {
	account string
	asset   uint32
}

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[balanceKey]uint64
	entries  []*Entry
	refs     map[string]struct{}
	ids      *idgen.Sequence
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[balanceKey]uint64),
		refs:     make(map[string]struct{}),
		ids:      idgen.NewSequence(0),
	}
}

func (m *MemoryStore) Apply(_ context.Context, e *Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.refs[e.Reference]; ok {
		return false, nil
	}

	key := balanceKey{e.Account, e.AssetTag}
	bal := m.balances[key]
	switch e.Type {
	case EntryDebit:
		if bal < e.Amount {
			return false, ErrInsufficientBalance
		}
		bal -= e.Amount
	case EntryCredit:
		if bal > math.MaxUint64-e.Amount {
			return false, ErrOverflow
		}
		bal += e.Amount
	}
	m.balances[key] = bal

	cp := *e
	cp.ID = m.ids.Next()
	m.entries = append(m.entries, &cp)
	m.refs[e.Reference] = struct{}{}
	e.ID = cp.ID
	return true, nil
}

func (m *MemoryStore) Balance(_ context.Context, account string, asset uint32) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[balanceKey{account, asset}], nil
}

func (m *MemoryStore) HasReference(_ context.Context, reference string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.refs[reference]
	return ok, nil
}

func (m *MemoryStore) History(_ context.Context, account string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Entry, 0)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].Account == account {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}
