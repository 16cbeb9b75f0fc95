package transaction_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/txpool/internal/transaction"
)

func TestRequiresNew_SuspendsAndResumesOuter(t *testing.T) {
	tm, _, ctx := newManager(t)
	d := transaction.NewDemarcation(tm)

	t1 := begin(t, tm, ctx)
	outer := newFake("outer")
	require.NoError(t, t1.Enlist(ctx, outer))
	before := t1.Status()

	scope, err := d.RequiresNew(ctx)
	require.NoError(t, err)
	t2 := scope.Started()
	require.NotNil(t, t2)
	assert.Same(t, t1, scope.Prior())
	assert.NotEqual(t, t1.Xid(), t2.Xid())
	assert.Same(t, t2, tm.Active(ctx))

	require.NoError(t, tm.Commit(ctx))
	assert.Equal(t, transaction.StatusCommitted, t2.Status())

	assert.Same(t, t1, tm.Active(ctx), "outer is resumed when the inner commits")
	assert.Equal(t, before, t1.Status())
	require.NoError(t, scope.End(ctx, nil))
	assert.Same(t, t1, tm.Active(ctx))
	assert.Equal(t, []string{"start:none", "end:suspend", "start:resume"}, outer.Calls())
}

func TestRequiresNew_RollbackResumesOuter(t *testing.T) {
	tm, _, ctx := newManager(t)
	d := transaction.NewDemarcation(tm)
	t1 := begin(t, tm, ctx)

	err := d.Run(ctx, transaction.RequiresNew, func(ctx context.Context) error {
		assert.NotSame(t, t1, tm.Active(ctx))
		return errors.New("inner failed")
	})
	require.EqualError(t, err, "inner failed")
	assert.Same(t, t1, tm.Active(ctx))
	assert.Equal(t, transaction.StatusActive, t1.Status())
}

func TestRequired(t *testing.T) {
	tm, _, ctx := newManager(t)
	d := transaction.NewDemarcation(tm)

	scope, err := d.Required(ctx)
	require.NoError(t, err)
	started := scope.Started()
	require.NotNil(t, started)

	inner, err := d.Required(ctx)
	require.NoError(t, err)
	assert.Nil(t, inner.Started(), "an active transaction is joined")
	assert.Nil(t, inner.Prior())
	require.NoError(t, inner.End(ctx, nil))
	assert.Same(t, started, tm.Active(ctx))

	require.NoError(t, scope.End(ctx, nil))
	assert.Equal(t, transaction.StatusCommitted, started.Status())
	require.NoError(t, scope.End(ctx, nil), "End is idempotent")
}

func TestMandatoryAndNever(t *testing.T) {
	tm, _, ctx := newManager(t)
	d := transaction.NewDemarcation(tm)

	_, err := d.Mandatory(ctx)
	assert.True(t, transaction.IsIllegalState(err))
	_, err = d.Never(ctx)
	assert.NoError(t, err)

	begin(t, tm, ctx)
	_, err = d.Mandatory(ctx)
	assert.NoError(t, err)
	_, err = d.Never(ctx)
	assert.True(t, transaction.IsIllegalState(err))
}

func TestSuspendPolicy(t *testing.T) {
	tm, _, ctx := newManager(t)
	d := transaction.NewDemarcation(tm)
	t1 := begin(t, tm, ctx)

	err := d.Run(ctx, transaction.Suspend, func(ctx context.Context) error {
		assert.Nil(t, tm.Active(ctx))
		return nil
	})
	require.NoError(t, err)
	assert.Same(t, t1, tm.Active(ctx))
}

func TestRun_CommitRollbackPanic(t *testing.T) {
	tm, _, ctx := newManager(t)
	d := transaction.NewDemarcation(tm)

	var tx *transaction.Transaction
	require.NoError(t, d.Run(ctx, transaction.Required, func(ctx context.Context) error {
		tx = tm.Active(ctx)
		return nil
	}))
	assert.Equal(t, transaction.StatusCommitted, tx.Status())

	err := d.Run(ctx, transaction.Required, func(ctx context.Context) error {
		tx = tm.Active(ctx)
		return errors.New("nope")
	})
	require.Error(t, err)
	assert.Equal(t, transaction.StatusRolledBack, tx.Status())

	assert.Panics(t, func() {
		_ = d.Run(ctx, transaction.Required, func(ctx context.Context) error {
			tx = tm.Active(ctx)
			panic("boom")
		})
	})
	assert.Equal(t, transaction.StatusRolledBack, tx.Status())
	assert.Nil(t, tm.Active(ctx))
}

func TestParsePolicy(t *testing.T) {
	for _, p := range []transaction.Policy{
		transaction.Required, transaction.RequiresNew, transaction.Mandatory,
		transaction.Never, transaction.Suspend, transaction.Supports,
	} {
		got, err := transaction.ParsePolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := transaction.ParsePolicy("sometimes")
	assert.Error(t, err)
}
