// Package auth decides which identities may perform administrative
// operations.
//
// Authorization model:
// - Reads and escrow/refund creation: no admin check
// - Refund approval/denial, timeout sweeps, deposits: admin identity required
// - Admin identities are seeded from configuration and can be granted or
//   revoked at runtime by an existing admin
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/validation"
)

var (
	ErrIdentityNotFound = fmt.Errorf("admin identity %w", errs.ErrNotFound)
	ErrInvalidIdentity  = fmt.Errorf("%w: invalid admin identity", errs.ErrValidation)
	ErrLastAdmin        = fmt.Errorf("cannot revoke the last admin identity: %w", errs.ErrInvalidState)
)

// Admin is an identity allowed to make admin decisions.
type Admin struct {
	Identity  string    `json:"identity"`
	GrantedBy string    `json:"grantedBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists admin identities.
type Store interface {
	// Add stores a; adding an existing identity is a no-op.
	Add(ctx context.Context, a *Admin) error
	Get(ctx context.Context, identity string) (*Admin, error)
	List(ctx context.Context) ([]*Admin, error)
	Remove(ctx context.Context, identity string) error
}

// Gate is an allow-list of admin identities.
type Gate struct {
	store  Store
	logger *slog.Logger
}

// NewGate creates a gate backed by store.
func NewGate(store Store) *Gate {
	return &Gate{store: store, logger: logging.Discard()}
}

func (g *Gate) WithLogger(l *slog.Logger) *Gate {
	g.logger = l
	return g
}

// Seed grants every identity in ids. Used at startup with configured admins.
func (g *Gate) Seed(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := g.Grant(ctx, id, "config"); err != nil {
			return fmt.Errorf("seed admin %q: %w", id, err)
		}
	}
	return nil
}

// CheckAdmin reports whether identity is an admin. Lookup failures deny.
func (g *Gate) CheckAdmin(ctx context.Context, identity string) bool {
	if identity == "" {
		return false
	}
	_, err := g.store.Get(ctx, identity)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			g.logger.Error("admin lookup failed", "identity", identity, "error", err)
		}
		return false
	}
	return true
}

// Grant adds identity to the allow-list.
func (g *Gate) Grant(ctx context.Context, identity, grantedBy string) (*Admin, error) {
	if !validation.IsValidAccount(identity) {
		return nil, ErrInvalidIdentity
	}
	a := &Admin{Identity: identity, GrantedBy: grantedBy, CreatedAt: time.Now().UTC()}
	if err := g.store.Add(ctx, a); err != nil {
		return nil, err
	}
	g.logger.Info("admin identity granted", "identity", identity, "granted_by", grantedBy)
	return a, nil
}

// Revoke removes identity from the allow-list. The last admin cannot be
// revoked.
func (g *Gate) Revoke(ctx context.Context, identity, revokedBy string) error {
	admins, err := g.store.List(ctx)
	if err != nil {
		return err
	}
	found := false
	for _, a := range admins {
		if a.Identity == identity {
			found = true
		}
	}
	if !found {
		return ErrIdentityNotFound
	}
	if len(admins) == 1 {
		return ErrLastAdmin
	}
	if err := g.store.Remove(ctx, identity); err != nil {
		return err
	}
	g.logger.Warn("admin identity revoked", "identity", identity, "revoked_by", revokedBy)
	return nil
}

func (g *Gate) List(ctx context.Context) ([]*Admin, error) {
	return g.store.List(ctx)
}

// SecretMatches compares a presented secret to the configured one in
// constant time.
func SecretMatches(presented, configured string) bool {
	p := sha256.Sum256([]byte(presented))
	c := sha256.Sum256([]byte(configured))
	return subtle.ConstantTimeCompare(p[:], c[:]) == 1
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu     sync.RWMutex
	admins map[string]*Admin
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{admins: make(map[string]*Admin)}
}

func (s *MemoryStore) Add(_ context.Context, a *Admin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.admins[a.Identity]; !ok {
		cp := *a
		s.admins[a.Identity] = &cp
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, identity string) (*Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.admins[identity]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Admin, 0, len(s.admins))
	for _, a := range s.admins {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (s *MemoryStore) Remove(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.admins, identity)
	return nil
}
