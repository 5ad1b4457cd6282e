// Package refund manages refund requests against escrows and other
// transactions: a request is created pending, an administrator approves or
// denies it, and a separate processing step credits the requester.
//
// Processing uses the same in-flight marker as escrow settlement:
//
//	approved → processing → credit requester → processed
//	                      ↘ credit failed     → failed
//
// A processing request abandoned by a crash is resolved by RecoverInFlight.
package refund

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/pagination"
)

var (
	ErrRefundNotFound     = fmt.Errorf("refund request %w", errs.ErrNotFound)
	ErrInvalidAmount      = fmt.Errorf("%w: amount must be greater than zero", errs.ErrValidation)
	ErrMissingRequester   = fmt.Errorf("%w: requestedBy is required", errs.ErrValidation)
	ErrInvalidStatus      = fmt.Errorf("%w: unknown refund status", errs.ErrValidation)
	ErrInvalidRange       = fmt.Errorf("%w: from must not be after to", errs.ErrValidation)
	ErrNotAdmin           = fmt.Errorf("admin identity not authorized: %w", errs.ErrUnauthorized)
	ErrNotPending         = fmt.Errorf("refund request is not pending: %w", errs.ErrInvalidState)
	ErrNotApproved        = fmt.Errorf("refund request is not approved: %w", errs.ErrInvalidState)
	ErrProcessingInFlight = fmt.Errorf("refund request is being processed: %w", errs.ErrConflict)
	ErrStatusChanged      = fmt.Errorf("refund status changed concurrently: %w", errs.ErrConflict)
)

// Status represents the state of a refund request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusDenied     Status = "denied"
	StatusProcessing Status = "processing" // credit in flight
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusApproved, StatusDenied, StatusProcessing, StatusProcessed, StatusFailed}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusDenied || s == StatusProcessed || s == StatusFailed
}

// RefundRequest asks for amount to be credited back to RequestedBy.
type RefundRequest struct {
	ID           uint64     `json:"id"`
	EscrowID     uint64     `json:"escrowId"`
	RequestedBy  string     `json:"requestedBy"`
	AssetTag     uint32     `json:"assetTag"`
	Amount       uint64     `json:"amount"`
	Reason       string     `json:"reason,omitempty"`
	Status       Status     `json:"status"`
	AdminNote    string     `json:"adminNote,omitempty"`
	DecidedBy    string     `json:"decidedBy,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	DecidedAt    *time.Time `json:"decidedAt,omitempty"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`
}

func (r *RefundRequest) EventAccounts() []string { return []string{r.RequestedBy} }

func (r *RefundRequest) EventKey() string { return "refund:" + strconv.FormatUint(r.ID, 10) }

func (r *RefundRequest) clone() *RefundRequest {
	cp := *r
	cp.DecidedAt = cloneTime(r.DecidedAt)
	cp.ProcessedAt = cloneTime(r.ProcessedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// creditReference is the wallet reference for the credit of refund id.
func creditReference(id uint64) string {
	return "refund:" + strconv.FormatUint(id, 10) + ":credit"
}

// ListFilter selects refund requests. All set fields must match.
type ListFilter struct {
	Status      Status
	RequestedBy string
	From        *time.Time // CreatedAt >= From
	To          *time.Time // CreatedAt <= To
	pagination.Params
}

// Matches reports whether r satisfies every set field of f.
func (f ListFilter) Matches(r *RefundRequest) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.RequestedBy != "" && r.RequestedBy != f.RequestedBy {
		return false
	}
	if f.From != nil && r.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && r.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

// Stats aggregates refund requests. Totals saturate at the uint64 maximum.
type Stats struct {
	Counts         map[Status]int `json:"counts"`
	Total          int            `json:"total"`
	TotalRequested uint64         `json:"totalRequested"`
	TotalPending   uint64         `json:"totalPending"`
	TotalApproved  uint64         `json:"totalApproved"`
	TotalProcessed uint64         `json:"totalProcessed"`
}

func newStats() Stats {
	s := Stats{Counts: make(map[Status]int, len(AllStatuses))}
	for _, st := range AllStatuses {
		s.Counts[st] = 0
	}
	return s
}

// add counts n requests in status totalling amount.
func (s *Stats) add(status Status, amount uint64, n int) {
	s.Counts[status] += n
	s.Total += n
	s.TotalRequested = saturatingAdd(s.TotalRequested, amount)
	switch status {
	case StatusPending:
		s.TotalPending = saturatingAdd(s.TotalPending, amount)
	case StatusApproved, StatusProcessing:
		s.TotalApproved = saturatingAdd(s.TotalApproved, amount)
	case StatusProcessed:
		s.TotalProcessed = saturatingAdd(s.TotalProcessed, amount)
	}
}

func saturatingAdd(a, b uint64) uint64 {
	if a+b < a {
		return ^uint64(0)
	}
	return a + b
}

// Store persists refund requests.
type Store interface {
	// Create assigns r.ID and stores r.
	Create(ctx context.Context, r *RefundRequest) error
	Get(ctx context.Context, id uint64) (*RefundRequest, error)
	// List returns matches ordered by id, paginated by f.Params.
	List(ctx context.Context, f ListFilter) ([]*RefundRequest, error)
	ListByStatus(ctx context.Context, status Status) ([]*RefundRequest, error)
	// Transition atomically moves request id from status from to status to,
	// applying mutate to the stored record. It returns errs.ErrConflict if the
	// current status is not from.
	Transition(ctx context.Context, id uint64, from, to Status, mutate func(*RefundRequest)) (*RefundRequest, error)
	Stats(ctx context.Context) (Stats, error)
}

// WalletGateway is the part of the wallet the workflow needs.
type WalletGateway interface {
	Credit(ctx context.Context, account string, amount uint64, asset uint32, reference string) error
	HasTransfer(ctx context.Context, reference string) (bool, error)
}

// AuthorizationGate decides whether identity may approve or deny refunds.
type AuthorizationGate interface {
	CheckAdmin(ctx context.Context, identity string) bool
}

// EscrowReader resolves the escrow a request refers to.
type EscrowReader interface {
	Get(ctx context.Context, id uint64) (*escrow.Escrow, error)
}

// CreateRequest contains the parameters for a new refund request. A nil
// AssetTag is taken from the referenced escrow, or the default asset if the
// escrow is unknown.
type CreateRequest struct {
	EscrowID    uint64  `json:"escrowId"`
	RequestedBy string  `json:"requestedBy"`
	Amount      uint64  `json:"amount"`
	Reason      string  `json:"reason"`
	AssetTag    *uint32 `json:"assetTag,omitempty"`
}

// RecoveryReport summarizes one RecoverInFlight pass.
type RecoveryReport struct {
	Examined  int `json:"examined"`
	Finalized int `json:"finalized"`
	Reverted  int `json:"reverted"`
	Failed    int `json:"failed"`
}
