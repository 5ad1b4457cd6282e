package ledger

import (
	"context"
	"errors"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/errs"
)

// Wallet is the movement surface shared by Ledger and Guarded.
type Wallet interface {
	Debit(ctx context.Context, account string, amount uint64, asset uint32, reference string) error
	Credit(ctx context.Context, account string, amount uint64, asset uint32, reference string) error
	GetBalance(ctx context.Context, account string, asset uint32) (uint64, error)
	HasTransfer(ctx context.Context, reference string) (bool, error)
}

// Guarded wraps a Wallet with a circuit breaker keyed by operation. Caller
// errors (validation, insufficient balance) never trip the circuit.
type Guarded struct {
	inner   Wallet
	breaker *circuitbreaker.Breaker
}

func NewGuarded(inner Wallet, breaker *circuitbreaker.Breaker) *Guarded {
	return &Guarded{inner: inner, breaker: breaker}
}

func countable(err error) bool {
	return !errors.Is(err, errs.ErrValidation) && !errors.Is(err, ErrInsufficientBalance)
}

func (g *Guarded) Debit(ctx context.Context, account string, amount uint64, asset uint32, reference string) error {
	return g.breaker.Execute("wallet.debit", countable, func() error {
		return g.inner.Debit(ctx, account, amount, asset, reference)
	})
}

func (g *Guarded) Credit(ctx context.Context, account string, amount uint64, asset uint32, reference string) error {
	return g.breaker.Execute("wallet.credit", countable, func() error {
		return g.inner.Credit(ctx, account, amount, asset, reference)
	})
}

func (g *Guarded) GetBalance(ctx context.Context, account string, asset uint32) (uint64, error) {
	var bal uint64
	err := g.breaker.Execute("wallet.read", countable, func() error {
		var err error
		bal, err = g.inner.GetBalance(ctx, account, asset)
		return err
	})
	return bal, err
}

func (g *Guarded) HasTransfer(ctx context.Context, reference string) (bool, error) {
	var ok bool
	err := g.breaker.Execute("wallet.read", countable, func() error {
		var err error
		ok, err = g.inner.HasTransfer(ctx, reference)
		return err
	})
	return ok, err
}
