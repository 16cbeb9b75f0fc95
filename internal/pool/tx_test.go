package pool_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/txpool/internal/driver"
	"github.com/joao-brasil/txpool/internal/driver/drivertest"
	"github.com/joao-brasil/txpool/internal/pool"
	"github.com/joao-brasil/txpool/internal/transaction"
)

func beginTx(t *testing.T, tm *transaction.Manager) (context.Context, *transaction.Transaction) {
	t.Helper()
	ctx := tm.Bind(context.Background())
	tx, err := tm.Begin(ctx)
	require.NoError(t, err)
	return ctx, tx
}

func TestTransaction_HandlesShareOneConnection(t *testing.T) {
	tm := newTM()
	f := drivertest.NewFactory()
	p := newPool(t, testConfig(), f, tm)
	ctx, _ := beginTx(t, tm)

	h1, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	h2, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)

	assert.Equal(t, h1.ItemID(), h2.ItemID())
	assert.False(t, h1.Shared())
	assert.True(t, h2.Shared())
	assert.Equal(t, 1, f.Created())

	c := connOf(t, h1)
	require.NoError(t, tm.Commit(ctx))
	assert.Equal(t, []string{"start", "end", "commit-1p"}, c.XA().Calls())

	// After completion the borrowing handle has its own connection.
	assert.False(t, h2.Shared())
	assert.NotEqual(t, h1.ItemID(), h2.ItemID())
	assert.Equal(t, c.ID(), connOf(t, h1).ID(), "the owner keeps its connection")

	require.NoError(t, h1.Close())
	require.NoError(t, h2.Close())
	assert.Equal(t, 2, p.Stats().Idle)
}

func TestTransaction_OwnerClosedFirst(t *testing.T) {
	tm := newTM()
	f := drivertest.NewFactory()
	p := newPool(t, testConfig(), f, tm)
	ctx, _ := beginTx(t, tm)

	h1, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	h2, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	id := h1.ItemID()
	require.NoError(t, h1.Close())

	require.NoError(t, tm.Commit(ctx))
	assert.Equal(t, id, h2.ItemID(), "the remaining handle adopts the connection")
	assert.False(t, h2.Shared())
	assert.Equal(t, 1, f.Created())
	require.NoError(t, h2.Close())
}

func TestTransaction_ItemHeldUntilCompletion(t *testing.T) {
	tm := newTM()
	f := drivertest.NewFactory()
	p := newPool(t, testConfig(), f, tm)
	ctx, _ := beginTx(t, tm)

	h, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	c := connOf(t, h)
	require.NoError(t, h.Close())
	assert.Equal(t, 0, p.Stats().Idle, "an enlisted connection stays out of the idle list")

	require.NoError(t, tm.Rollback(ctx))
	assert.Equal(t, []string{"start", "end-fail", "rollback"}, c.XA().Calls())
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestTransaction_NotShareable(t *testing.T) {
	tm := newTM()
	f := drivertest.NewFactory()
	cfg := testConfig()
	cfg.Shareable = false
	p := newPool(t, cfg, f, tm)
	ctx, tx := beginTx(t, tm)

	h1, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	h2, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	assert.NotEqual(t, h1.ItemID(), h2.ItemID())
	assert.Len(t, tx.Participants(), 2)

	c1, c2 := connOf(t, h1), connOf(t, h2)
	require.NoError(t, tm.Commit(ctx))

	for _, c := range []*drivertest.Conn{c1, c2} {
		assert.Equal(t, []string{"start", "end", "prepare", "commit"}, c.XA().Calls())
	}
	committed, err := tm.XALog().IsCommitted(context.Background(), tx.Xid().Global)
	require.NoError(t, err)
	assert.True(t, committed)
	assert.True(t, f.RM.Committed(tx.Xid().WithBranch(1)))
}

func TestTransaction_DifferentCredentialsNotShared(t *testing.T) {
	tm := newTM()
	p := newPool(t, testConfig(), drivertest.NewFactory(), tm)
	ctx, _ := beginTx(t, tm)

	h1, err := p.Allocate(ctx, driver.Credentials{User: "alice"}, anyInfo)
	require.NoError(t, err)
	h2, err := p.Allocate(ctx, driver.Credentials{User: "bob"}, anyInfo)
	require.NoError(t, err)
	assert.NotEqual(t, h1.ItemID(), h2.ItemID())
	require.NoError(t, tm.Commit(ctx))
}

func TestTransaction_NoLocalOptimizationForcesTwoPhase(t *testing.T) {
	tm := newTM()
	cfg := testConfig()
	cfg.LocalTransactionOptimization = false
	p := newPool(t, cfg, drivertest.NewFactory(), tm)
	ctx, _ := beginTx(t, tm)

	h, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	c := connOf(t, h)
	require.NoError(t, tm.Commit(ctx))
	assert.Equal(t, []string{"start", "end", "prepare", "commit"}, c.XA().Calls())
}

func TestTransaction_LocalOnlyConnection(t *testing.T) {
	tm := newTM()
	f := drivertest.NewFactory()
	f.NoXA = true
	p := newPool(t, testConfig(), f, tm)
	ctx, _ := beginTx(t, tm)

	h, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	c := connOf(t, h)
	require.NoError(t, tm.Commit(ctx))

	assert.Equal(t, int64(1), c.Local().Begins.Load())
	assert.Equal(t, int64(1), c.Local().Commits.Load())
	require.NoError(t, h.Close())
}

func TestTransaction_LocalOnlyMustBeSoleResource(t *testing.T) {
	tm := newTM()
	fa, fb := drivertest.NewFactory(), drivertest.NewFactory()
	fa.NoXA, fb.NoXA = true, true
	pa := newPool(t, testConfig(), fa, tm)
	pb := newPool(t, testConfig(), fb, tm)
	ctx, tx := beginTx(t, tm)

	ha, err := pa.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	a := connOf(t, ha)

	_, err = pb.Allocate(ctx, anyCreds, anyInfo)
	require.Error(t, err)
	assert.True(t, transaction.IsIllegalState(err), "got %v", err)
	assert.Equal(t, transaction.StatusMarkedRollback, tx.Status())
	assert.Equal(t, 1, pb.Stats().Idle, "the refused connection goes back to its pool")

	require.NoError(t, tm.Rollback(ctx))
	assert.Equal(t, int64(1), a.Local().Rollbacks.Load())
}

func TestTransaction_DestroyedConnectionDoomsTransaction(t *testing.T) {
	tm := newTM()
	p := newPool(t, testConfig(), drivertest.NewFactory(), tm)
	ctx, tx := beginTx(t, tm)

	_, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	assert.Equal(t, transaction.StatusMarkedRollback, tx.Status())
	assert.True(t, transaction.IsRollback(tm.Commit(ctx)))
}

func TestTransaction_SuspendedWorkUsesSeparateConnection(t *testing.T) {
	tm := newTM()
	f := drivertest.NewFactory()
	p := newPool(t, testConfig(), f, tm)
	ctx, _ := beginTx(t, tm)

	outer, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)

	d := transaction.NewDemarcation(tm)
	err = d.Run(ctx, transaction.RequiresNew, func(ctx context.Context) error {
		inner, err := p.Allocate(ctx, anyCreds, anyInfo)
		if err != nil {
			return err
		}
		defer inner.Close()
		assert.NotEqual(t, outer.ItemID(), inner.ItemID())
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, tm.Commit(ctx))
	assert.Equal(t, 2, f.Created())
	require.NoError(t, outer.Close())
}

func TestRelease_ClosesDanglingHandles(t *testing.T) {
	tm := newTM()
	p := newPool(t, testConfig(), drivertest.NewFactory(), tm)
	ctx := tm.Bind(context.Background())

	h, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	closed, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	require.NoError(t, closed.Close())

	err = tm.Release(ctx)
	require.Error(t, err)
	assert.True(t, transaction.IsIllegalState(err))
	assert.Equal(t, 2, p.Stats().Idle)

	_, err = h.Conn(ctx)
	assert.True(t, pool.IsConnectionInvalid(err))
}
