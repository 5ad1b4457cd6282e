//go:build integration

package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/testutil"
)

func TestPostgres_ApplyAndBalance(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	l := New(NewPostgresStore(db))

	require.NoError(t, l.Deposit(ctx, "A", 1000, 1, "seed"))
	require.NoError(t, l.Debit(ctx, "A", 100, 1, "lock-1"))
	require.NoError(t, l.Credit(ctx, "B", 100, 1, "escrow:1:released"))
	require.NoError(t, l.Credit(ctx, "B", 100, 1, "escrow:1:released"))

	a, err := l.GetBalance(ctx, "A", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(900), a)

	b, err := l.GetBalance(ctx, "B", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), b)

	ok, err := l.HasTransfer(ctx, "escrow:1:released")
	require.NoError(t, err)
	assert.True(t, ok)

	entries, err := l.History(ctx, "B", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPostgres_InsufficientBalanceRollsBack(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	l := New(NewPostgresStore(db))
	require.NoError(t, l.Deposit(ctx, "A", 10, 1, "seed"))

	assert.ErrorIs(t, l.Debit(ctx, "A", 11, 1, "over"), ErrInsufficientBalance)
	ok, err := l.HasTransfer(ctx, "over")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, l.Debit(ctx, "nobody", 1, 1, "ghost"), ErrInsufficientBalance)
}

func TestPostgres_ConcurrentDebits(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	l := New(NewPostgresStore(db))
	require.NoError(t, l.Deposit(ctx, "A", 100, 1, "seed"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = l.Debit(ctx, "A", 10, 1, fmt.Sprintf("d-%d", i))
		}(i)
	}
	wg.Wait()

	bal, err := l.GetBalance(ctx, "A", 1)
	require.NoError(t, err)
	assert.Zero(t, bal)
}
