// Package idgen provides identifier allocation for stored records and events.
package idgen

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Sequence allocates strictly increasing uint64 identifiers. The zero value
// is ready to use and hands out 1 first. Safe for concurrent use; two callers
// in the same instant never receive the same value.
type Sequence struct {
	last atomic.Uint64
}

// NewSequence returns a sequence whose next value is start+1.
func NewSequence(start uint64) *Sequence {
	s := &Sequence{}
	s.last.Store(start)
	return s
}

// Next returns the next identifier.
func (s *Sequence) Next() uint64 {
	return s.last.Add(1)
}

// Current returns the last identifier handed out (0 if none).
func (s *Sequence) Current() uint64 {
	return s.last.Load()
}

// WithPrefix generates a random ID with a prefix (e.g. "evt_", "req_").
func WithPrefix(prefix string) string {
	return prefix + uuid.NewString()
}
