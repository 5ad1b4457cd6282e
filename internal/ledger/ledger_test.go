package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/errs"
)

func newTestLedger() *Ledger {
	return New(NewMemoryStore())
}

func TestLedger_DepositDebitCredit(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	require.NoError(t, l.Deposit(ctx, "A", 1000, 1, "seed-A"))
	require.NoError(t, l.Debit(ctx, "A", 100, 1, "escrow-lock-1"))
	require.NoError(t, l.Credit(ctx, "B", 100, 1, "escrow:1:released"))

	balA, err := l.GetBalance(ctx, "A", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(900), balA)

	balB, err := l.GetBalance(ctx, "B", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), balB)

	other, err := l.GetBalance(ctx, "A", 2)
	require.NoError(t, err)
	assert.Zero(t, other, "assets are tracked separately")
}

func TestLedger_ReferenceAppliedOnce(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	require.NoError(t, l.Credit(ctx, "A", 50, 1, "refund:1:credit"))
	require.NoError(t, l.Credit(ctx, "A", 50, 1, "refund:1:credit"))

	bal, _ := l.GetBalance(ctx, "A", 1)
	assert.Equal(t, uint64(50), bal)

	ok, err := l.HasTransfer(ctx, "refund:1:credit")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.HasTransfer(ctx, "refund:2:credit")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedger_InsufficientBalance(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	require.NoError(t, l.Deposit(ctx, "A", 10, 1, "seed"))

	err := l.Debit(ctx, "A", 11, 1, "too-much")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// A failed debit does not consume its reference.
	ok, _ := l.HasTransfer(ctx, "too-much")
	assert.False(t, ok)

	bal, _ := l.GetBalance(ctx, "A", 1)
	assert.Equal(t, uint64(10), bal)
}

func TestLedger_Validation(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	assert.ErrorIs(t, l.Credit(ctx, "A", 0, 1, "r"), errs.ErrValidation)
	assert.ErrorIs(t, l.Credit(ctx, "bad account", 1, 1, "r"), ErrInvalidAccount)
	assert.ErrorIs(t, l.Credit(ctx, "A", 1, 1, ""), ErrMissingReference)
	_, err := l.HasTransfer(ctx, "")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestLedger_CreditOverflow(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	require.NoError(t, l.Credit(ctx, "A", math.MaxUint64, 1, "max"))
	assert.ErrorIs(t, l.Credit(ctx, "A", 1, 1, "one-more"), ErrOverflow)
}

func TestLedger_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	require.NoError(t, l.Deposit(ctx, "A", 100, 1, "seed"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := l.Debit(ctx, "A", 10, 1, fmt.Sprintf("d-%d", i)); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	bal, _ := l.GetBalance(ctx, "A", 1)
	assert.Zero(t, bal)
}

func TestLedger_HistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	require.NoError(t, l.Deposit(ctx, "A", 100, 1, "seed"))
	require.NoError(t, l.Debit(ctx, "A", 40, 1, "lock"))
	require.NoError(t, l.Credit(ctx, "B", 40, 1, "release"))

	entries, err := l.History(ctx, "A", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EntryDebit, entries[0].Type)
	assert.Equal(t, "deposit:seed", entries[1].Reference)
}

type flakyWallet struct {
	Wallet
	err error
}

func (f *flakyWallet) Credit(context.Context, string, uint64, uint32, string) error { return f.err }

func TestGuarded_TripsOnUpstreamOnly(t *testing.T) {
	ctx := context.Background()
	inner := &flakyWallet{Wallet: newTestLedger(), err: ErrInsufficientBalance}
	g := NewGuarded(inner, circuitbreaker.New(2, 0))

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, g.Credit(ctx, "A", 1, 1, "r"), ErrInsufficientBalance)
	}

	inner.err = errors.New("connection reset")
	_ = g.Credit(ctx, "A", 1, 1, "r")
	_ = g.Credit(ctx, "A", 1, 1, "r")
	assert.ErrorIs(t, g.Credit(ctx, "A", 1, 1, "r"), circuitbreaker.ErrOpen)

	// Debits use their own circuit.
	assert.ErrorIs(t, g.Debit(ctx, "A", 1, 1, "d"), ErrInsufficientBalance)
}

func TestIsRangeViolation(t *testing.T) {
	rangeErr := &pq.Error{Code: "23514", Constraint: "chk_available_range"}
	assert.True(t, isRangeViolation(rangeErr))
	assert.True(t, isRangeViolation(fmt.Errorf("exec: %w", rangeErr)))

	assert.False(t, isRangeViolation(&pq.Error{Code: "23514", Constraint: "other_check"}))
	assert.False(t, isRangeViolation(&pq.Error{Code: "57014"}))
	assert.False(t, isRangeViolation(errors.New("driver: bad connection")))
	assert.False(t, isRangeViolation(nil))
}
