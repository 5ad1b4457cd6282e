// Package escrow holds value debited from a sender until it is released to
// the receiver, cancelled back to the sender, or timed out.
//
// Lifecycle:
//
//	create:  debit sender → record locked
//	release: locked → settling(pending=released) → credit receiver → released
//	cancel:  locked → settling(pending=cancelled) → credit sender   → cancelled
//	timeout: locked → settling(pending=timed_out) → credit sender   → timed_out
//
// The settling marker is taken with a compare-and-set before any wallet call,
// so only one caller ever credits a given escrow. A failed credit puts the
// escrow back to locked. RecoverInFlight resolves escrows left in settling by
// a crash using the wallet's transfer references.
package escrow

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/pagination"
)

var (
	ErrEscrowNotFound     = fmt.Errorf("escrow %w", errs.ErrNotFound)
	ErrInvalidAmount      = fmt.Errorf("%w: amount must be greater than zero", errs.ErrValidation)
	ErrSameParty          = fmt.Errorf("%w: sender and receiver must differ", errs.ErrValidation)
	ErrInvalidThreshold   = fmt.Errorf("%w: threshold must not be negative", errs.ErrValidation)
	ErrInvalidStatus      = fmt.Errorf("%w: unknown escrow status", errs.ErrValidation)
	ErrAlreadyResolved    = fmt.Errorf("escrow already resolved: %w", errs.ErrInvalidState)
	ErrSettlementInFlight = fmt.Errorf("escrow settlement in progress: %w", errs.ErrConflict)
	ErrStatusChanged      = fmt.Errorf("escrow status changed concurrently: %w", errs.ErrConflict)
)

// Status represents the state of an escrow.
type Status string

const (
	StatusLocked    Status = "locked"
	StatusSettling  Status = "settling" // credit in flight, see PendingStatus
	StatusReleased  Status = "released"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusLocked, StatusSettling, StatusReleased, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusCancelled || s == StatusTimedOut
}

// Escrow is a conditional transfer record.
type Escrow struct {
	ID            uint64     `json:"id"`
	Sender        string     `json:"sender"`
	Receiver      string     `json:"receiver"`
	AssetTag      uint32     `json:"assetTag"`
	Amount        uint64     `json:"amount"`
	Conditions    string     `json:"conditions"`
	Status        Status     `json:"status"`
	PendingStatus Status     `json:"pendingStatus,omitempty"`
	LockReference string     `json:"lockReference"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.Status.Terminal()
}

// payee returns who is credited when the escrow settles to target.
func (e *Escrow) payee(target Status) string {
	if target == StatusReleased {
		return e.Receiver
	}
	return e.Sender
}

func (e *Escrow) EventAccounts() []string { return []string{e.Sender, e.Receiver} }

func (e *Escrow) EventKey() string { return "escrow:" + strconv.FormatUint(e.ID, 10) }

func (e *Escrow) clone() *Escrow {
	cp := *e
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// settleReference is the wallet reference for the credit that settles
// escrow id to target. It is stable so retries and recovery can find it.
func settleReference(id uint64, target Status) string {
	return "escrow:" + strconv.FormatUint(id, 10) + ":" + string(target)
}

// ListFilter selects escrows. Zero fields match everything.
type ListFilter struct {
	Status  Status
	Account string // sender or receiver
	pagination.Params
}

// Store persists escrows.
type Store interface {
	// Create assigns e.ID and stores e.
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id uint64) (*Escrow, error)
	// List returns matches ordered by id, paginated by f.Params.
	List(ctx context.Context, f ListFilter) ([]*Escrow, error)
	// ListLockedBefore returns locked escrows created strictly before cutoff.
	ListLockedBefore(ctx context.Context, cutoff time.Time) ([]*Escrow, error)
	ListByStatus(ctx context.Context, status Status) ([]*Escrow, error)
	// Transition atomically moves escrow id from status from to status to,
	// applying mutate to the stored record. It returns errs.ErrConflict if the
	// current status is not from.
	Transition(ctx context.Context, id uint64, from, to Status, mutate func(*Escrow)) (*Escrow, error)
}

// WalletGateway moves balances. A repeated reference must be a successful
// no-op.
type WalletGateway interface {
	Debit(ctx context.Context, account string, amount uint64, asset uint32, reference string) error
	Credit(ctx context.Context, account string, amount uint64, asset uint32, reference string) error
	GetBalance(ctx context.Context, account string, asset uint32) (uint64, error)
	HasTransfer(ctx context.Context, reference string) (bool, error)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	Sender     string `json:"sender"`
	Receiver   string `json:"receiver"`
	AssetTag   uint32 `json:"assetTag"`
	Amount     uint64 `json:"amount"`
	Conditions string `json:"conditions"`
}

// RecoveryReport summarizes one RecoverInFlight pass.
type RecoveryReport struct {
	Examined  int `json:"examined"`
	Finalized int `json:"finalized"`
	Reverted  int `json:"reverted"`
	Failed    int `json:"failed"`
}
