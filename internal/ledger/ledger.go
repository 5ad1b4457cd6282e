// Package ledger is the in-process wallet: per-(account, asset) balances
// moved by reference-keyed debits and credits.
//
// Every movement carries a caller-chosen reference. A reference is applied at
// most once; repeating it is a successful no-op, which lets callers retry a
// credit whose outcome they could not observe, and lets recovery ask
// HasTransfer whether a movement already happened.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = fmt.Errorf("%w: amount must be greater than zero", errs.ErrValidation)
	ErrInvalidAccount      = fmt.Errorf("%w: malformed account identifier", errs.ErrValidation)
	ErrMissingReference    = fmt.Errorf("%w: reference is required", errs.ErrValidation)
	ErrOverflow            = errors.New("balance overflow")
)

// EntryType distinguishes the direction of a movement.
type EntryType string

const (
	EntryDebit  EntryType = "debit"
	EntryCredit EntryType = "credit"
)

// Entry is one applied balance movement.
type Entry struct {
	ID        uint64    `json:"id"`
	Account   string    `json:"account"`
	AssetTag  uint32    `json:"assetTag"`
	Type      EntryType `json:"type"`
	Amount    uint64    `json:"amount"`
	Reference string    `json:"reference"`
	CreatedAt time.Time `json:"createdAt"`
}

// Balance is the available amount of one asset held by one account.
type Balance struct {
	Account   string `json:"account"`
	AssetTag  uint32 `json:"assetTag"`
	Available uint64 `json:"available"`
}

// Store persists balances and entries.
type Store interface {
	// Apply records e and adjusts the balance atomically. If e.Reference was
	// already applied it returns (false, nil) and changes nothing. A debit
	// larger than the balance returns ErrInsufficientBalance.
	Apply(ctx context.Context, e *Entry) (applied bool, err error)
	Balance(ctx context.Context, account string, asset uint32) (uint64, error)
	HasReference(ctx context.Context, reference string) (bool, error)
	History(ctx context.Context, account string, limit int) ([]*Entry, error)
}

// Ledger validates movements and applies them to a Store.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger's logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

// New creates a ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, logger: logging.Discard()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Debit removes amount of asset from account.
func (l *Ledger) Debit(ctx context.Context, account string, amount uint64, asset uint32, reference string) error {
	return l.apply(ctx, EntryDebit, account, amount, asset, reference)
}

// Credit adds amount of asset to account.
func (l *Ledger) Credit(ctx context.Context, account string, amount uint64, asset uint32, reference string) error {
	return l.apply(ctx, EntryCredit, account, amount, asset, reference)
}

// Deposit funds an account from outside the system. The reference makes
// repeated deposit notifications harmless.
func (l *Ledger) Deposit(ctx context.Context, account string, amount uint64, asset uint32, reference string) error {
	return l.Credit(ctx, account, amount, asset, "deposit:"+reference)
}

// GetBalance returns the available balance; unknown accounts hold zero.
func (l *Ledger) GetBalance(ctx context.Context, account string, asset uint32) (uint64, error) {
	if !validation.IsValidAccount(account) {
		return 0, ErrInvalidAccount
	}
	done := observeOp("balance")
	defer done()
	return l.store.Balance(ctx, account, asset)
}

// HasTransfer reports whether a movement with reference was applied.
func (l *Ledger) HasTransfer(ctx context.Context, reference string) (bool, error) {
	if reference == "" {
		return false, ErrMissingReference
	}
	return l.store.HasReference(ctx, reference)
}

// History returns the most recent entries for account, newest first.
func (l *Ledger) History(ctx context.Context, account string, limit int) ([]*Entry, error) {
	if !validation.IsValidAccount(account) {
		return nil, ErrInvalidAccount
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.History(ctx, account, limit)
}

func (l *Ledger) apply(ctx context.Context, typ EntryType, account string, amount uint64, asset uint32, reference string) (err error) {
	switch {
	case amount == 0:
		return ErrInvalidAmount
	case !validation.IsValidAccount(account):
		return ErrInvalidAccount
	case reference == "":
		return ErrMissingReference
	}

	ctx, span := traces.StartSpan(ctx, "ledger."+string(typ),
		traces.Account(account), traces.Amount(amount), traces.Asset(asset), traces.Reference(reference))
	defer func() { traces.End(span, err) }()

	done := observeOp(string(typ))
	defer done()

	applied, err := l.store.Apply(ctx, &Entry{
		Account:   account,
		AssetTag:  asset,
		Type:      typ,
		Amount:    amount,
		Reference: reference,
		CreatedAt: time.Now(),
	})
	if err != nil {
		opFailures.WithLabelValues(string(typ)).Inc()
		return err
	}
	if !applied {
		duplicateRefs.Inc()
		l.logger.Debug("ledger reference already applied", "reference", reference, "type", typ)
	}
	return nil
}
