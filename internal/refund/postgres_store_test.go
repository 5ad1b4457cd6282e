//go:build integration

package refund

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/testutil"
)

func TestPostgresStore_CRUDAndStats(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i, by := range []string{"A", "B", "A"} {
		at := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.Create(ctx, &RefundRequest{
			EscrowID: 1, RequestedBy: by, AssetTag: 1, Amount: uint64(10 * (i + 1)),
			Reason: "dispute", Status: StatusPending, CreatedAt: at, UpdatedAt: at,
		}))
	}

	got, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.Amount)
	assert.Nil(t, got.DecidedAt)

	_, err = store.Get(ctx, 404)
	assert.ErrorIs(t, err, ErrRefundNotFound)

	decided := base.Add(time.Minute)
	approved, err := store.Transition(ctx, 1, StatusPending, StatusApproved, func(r *RefundRequest) {
		r.DecidedBy = "admin"
		r.AdminNote = "ok"
		r.DecidedAt = &decided
	})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)

	_, err = store.Transition(ctx, 1, StatusPending, StatusDenied, nil)
	assert.ErrorIs(t, err, errs.ErrConflict)

	from := base.Add(30 * time.Minute)
	list, err := store.List(ctx, ListFilter{RequestedBy: "A", From: &from, Params: pagination.Params{Limit: 10}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uint64(3), list[0].ID)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Counts[StatusApproved])
	assert.Equal(t, 2, stats.Counts[StatusPending])
	assert.Equal(t, uint64(60), stats.TotalRequested)
	assert.Equal(t, uint64(50), stats.TotalPending)
}

func TestPostgresStore_WorkflowWithLedger(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	wallet := ledger.New(ledger.NewPostgresStore(db))
	w := NewWorkflow(NewPostgresStore(db), wallet, allowList{"admin": true}).WithDefaultAsset(1)

	r, err := w.Create(ctx, CreateRequest{EscrowID: 7, RequestedBy: "A", Amount: 50, Reason: "dispute"})
	require.NoError(t, err)
	_, err = w.Approve(ctx, r.ID, "admin", "verified")
	require.NoError(t, err)
	_, err = w.MarkProcessed(ctx, r.ID, true, "")
	require.NoError(t, err)

	bal, err := wallet.GetBalance(ctx, "A", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), bal)

	ok, err := wallet.HasTransfer(ctx, creditReference(r.ID))
	require.NoError(t, err)
	assert.True(t, ok)
}
