// Package idempotency replays the stored response for a repeated
// Idempotency-Key so client retries of a create never lock funds twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Header is the request header carrying the client's key.
const Header = "Idempotency-Key"

var ErrKeyTooLong = errors.New("idempotency key too long")

// MaxKeyLength bounds accepted keys.
const MaxKeyLength = 255

// RecordStatus tracks where the original request is.
type RecordStatus string

const (
	StatusPending   RecordStatus = "pending"
	StatusCompleted RecordStatus = "completed"
)

// Record is a previously accepted request and, once completed, its response.
type Record struct {
	Key          string       `json:"key"`
	RequestHash  string       `json:"requestHash"`
	Status       RecordStatus `json:"status"`
	ResponseCode int          `json:"responseCode,omitempty"`
	ResponseBody []byte       `json:"responseBody,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Store holds idempotency records.
type Store interface {
	// Reserve claims key for a new request. If key is already held it returns
	// the existing record and false.
	Reserve(ctx context.Context, key, requestHash string, ttl time.Duration) (*Record, bool, error)
	// Complete stores the response for a reserved key.
	Complete(ctx context.Context, key string, code int, body []byte, ttl time.Duration) error
	// Release drops a reservation so the request can be retried.
	Release(ctx context.Context, key string) error
}

var outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "idempotency",
	Name:      "requests_total",
	Help:      "Requests carrying an Idempotency-Key by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(outcomes)
}

// HashRequest fingerprints a request body for reuse detection.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

type memoryEntry struct {
	record    Record
	expiresAt time.Time
}

// MemoryStore is an in-memory Store for single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	nowFn   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry), nowFn: time.Now}
}

func (m *MemoryStore) Reserve(_ context.Context, key, requestHash string, ttl time.Duration) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	if e, ok := m.entries[key]; ok && now.Before(e.expiresAt) {
		rec := e.record
		rec.ResponseBody = append([]byte(nil), e.record.ResponseBody...)
		return &rec, false, nil
	}
	m.entries[key] = &memoryEntry{
		record:    Record{Key: key, RequestHash: requestHash, Status: StatusPending, CreatedAt: now},
		expiresAt: now.Add(ttl),
	}
	m.sweep(now)
	return nil, true, nil
}

func (m *MemoryStore) Complete(_ context.Context, key string, code int, body []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	e.record.Status = StatusCompleted
	e.record.ResponseCode = code
	e.record.ResponseBody = append([]byte(nil), body...)
	e.expiresAt = m.nowFn().Add(ttl)
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// sweep drops expired entries. Caller holds mu.
func (m *MemoryStore) sweep(now time.Time) {
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}
