package pool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/txpool/internal/driver"
	"github.com/joao-brasil/txpool/internal/driver/drivertest"
	"github.com/joao-brasil/txpool/internal/pool"
	"github.com/joao-brasil/txpool/internal/transaction"
	"github.com/joao-brasil/txpool/internal/xalog"
)

var (
	anyCreds = driver.Credentials{}
	anyInfo  = driver.Info{}
)

func testConfig() pool.Config {
	cfg := pool.DefaultConfig()
	cfg.ConnectionWaitTime = 100 * time.Millisecond
	return cfg
}

func newPool(t *testing.T, cfg pool.Config, f *drivertest.Factory, tm *transaction.Manager) *pool.Pool {
	t.Helper()
	p, err := pool.New(pool.Options{
		Name:        t.Name(),
		Config:      cfg,
		Factory:     f,
		Manager:     tm,
		Credentials: driver.Credentials{User: "app"},
		Info:        driver.Info{Database: "orders"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func newTM() *transaction.Manager {
	return transaction.NewManager(transaction.Options{ServerID: "node1", Log: xalog.NewMemory()})
}

func connOf(t *testing.T, h *pool.Handle) *drivertest.Conn {
	t.Helper()
	c, err := h.Conn(context.Background())
	require.NoError(t, err)
	return c.(*drivertest.Conn)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := pool.DefaultConfig()
	cfg.MaxConnections = 0
	_, err := pool.New(pool.Options{Name: "bad", Config: cfg, Factory: drivertest.NewFactory()})
	assert.Error(t, err)
}

func TestAllocate_DefaultsApplied(t *testing.T) {
	p := newPool(t, testConfig(), drivertest.NewFactory(), nil)

	h, err := p.Allocate(context.Background(), anyCreds, anyInfo)
	require.NoError(t, err)
	c := connOf(t, h)
	assert.Equal(t, "app", c.Credentials().User)
	assert.Equal(t, "orders", c.Info().Database)
	require.NoError(t, h.Close())
}

func TestAllocate_ExhaustedAfterWait(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 2
	cfg.MaxOverflowConnections = 0
	f := drivertest.NewFactory()
	p := newPool(t, cfg, f, nil)
	ctx := context.Background()

	var ok, exhausted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			_, err := p.Allocate(ctx, anyCreds, anyInfo)
			switch {
			case err == nil:
				ok.Add(1)
			case pool.IsResourceExhausted(err):
				assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
				exhausted.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), ok.Load())
	assert.Equal(t, int32(1), exhausted.Load())
	assert.Equal(t, 2, f.Created())
	assert.Equal(t, 2, p.Stats().Active)
}

func TestAllocate_ZeroWaitFailsImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	cfg.MaxOverflowConnections = 0
	cfg.ConnectionWaitTime = 0
	p := newPool(t, cfg, drivertest.NewFactory(), nil)
	ctx := context.Background()

	_, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Allocate(ctx, anyCreds, anyInfo)
	assert.True(t, pool.IsResourceExhausted(err), "got %v", err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestAllocate_OverflowThenShrinkOnRelease(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	cfg.MaxOverflowConnections = 1
	cfg.ConnectionWaitTime = 20 * time.Millisecond
	f := drivertest.NewFactory()
	p := newPool(t, cfg, f, nil)
	ctx := context.Background()

	h1, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	h2, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err, "overflow connection after the wait")
	_, err = p.Allocate(ctx, anyCreds, anyInfo)
	require.True(t, pool.IsResourceExhausted(err), "got %v", err)

	var pe *pool.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 2, pe.Limit)

	c2 := connOf(t, h2)
	require.NoError(t, h2.Close())
	assert.True(t, c2.Destroyed(), "items above max-connections are destroyed on release")

	c1 := connOf(t, h1)
	require.NoError(t, h1.Close())
	assert.False(t, c1.Destroyed())
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestAllocate_WaiterWokenByRelease(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	cfg.ConnectionWaitTime = 2 * time.Second
	f := drivertest.NewFactory()
	p := newPool(t, cfg, f, nil)
	ctx := context.Background()

	h1, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	id := h1.ItemID()

	got := make(chan *pool.Handle, 1)
	go func() {
		h, err := p.Allocate(ctx, anyCreds, anyInfo)
		assert.NoError(t, err)
		got <- h
	}()

	require.Eventually(t, func() bool { return p.Stats().Waiters == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h1.Close())

	select {
	case h := <-got:
		assert.Equal(t, id, h.ItemID(), "the released connection is handed to the waiter")
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
	assert.Equal(t, 1, f.Created())
}

func TestAllocate_ContextCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	cfg.ConnectionWaitTime = 5 * time.Second
	p := newPool(t, cfg, drivertest.NewFactory(), nil)

	_, err := p.Allocate(context.Background(), anyCreds, anyInfo)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Allocate(ctx, anyCreds, anyInfo)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, p.Stats().Waiters)
}

func TestAllocate_CreateFailure(t *testing.T) {
	f := drivertest.NewFactory()
	f.FailCreates(errors.New("connection refused"))
	p := newPool(t, testConfig(), f, nil)

	_, err := p.Allocate(context.Background(), anyCreds, anyInfo)
	require.True(t, pool.IsCreateFailed(err), "got %v", err)
	assert.ErrorContains(t, err, "connection refused")

	st := p.Stats()
	assert.Equal(t, uint64(1), st.CreateFailed)
	assert.Equal(t, 0, st.Total)
	assert.False(t, st.LastCreateFailure.IsZero())
}

func TestIdle_ReusedMostRecentFirst(t *testing.T) {
	f := drivertest.NewFactory()
	p := newPool(t, testConfig(), f, nil)
	ctx := context.Background()

	h1, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	h2, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	id2 := h2.ItemID()
	c2 := connOf(t, h2)

	require.NoError(t, h1.Close())
	require.NoError(t, h2.Close())
	assert.Equal(t, 1, c2.Resets(), "released connections are reset")

	h3, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	assert.Equal(t, id2, h3.ItemID())
	assert.Equal(t, 2, f.Created())
}

func TestIdle_MatchesCredentials(t *testing.T) {
	f := drivertest.NewFactory()
	p := newPool(t, testConfig(), f, nil)
	ctx := context.Background()

	h, err := p.Allocate(ctx, driver.Credentials{User: "alice"}, anyInfo)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	h, err = p.Allocate(ctx, driver.Credentials{User: "bob"}, anyInfo)
	require.NoError(t, err)
	assert.Equal(t, "bob", connOf(t, h).Credentials().User)
	assert.Equal(t, 2, f.Created())
}

func TestIdle_FullPoolEvictsForOtherCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	f := drivertest.NewFactory()
	p := newPool(t, cfg, f, nil)
	ctx := context.Background()

	h, err := p.Allocate(ctx, driver.Credentials{User: "alice"}, anyInfo)
	require.NoError(t, err)
	alice := connOf(t, h)
	require.NoError(t, h.Close())

	h, err = p.Allocate(ctx, driver.Credentials{User: "bob"}, anyInfo)
	require.NoError(t, err)
	assert.True(t, alice.Destroyed())
	assert.Equal(t, 1, p.Stats().Total)
}

func TestIdle_InvalidConnectionDestroyed(t *testing.T) {
	f := drivertest.NewFactory()
	p := newPool(t, testConfig(), f, nil)
	ctx := context.Background()

	h, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	c := connOf(t, h)
	require.NoError(t, h.Close())
	c.Invalidate()

	h, err = p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	assert.True(t, c.Destroyed())
	assert.NotEqual(t, c.ID(), connOf(t, h).ID())
	assert.Equal(t, 2, f.Created())
}

// An idle item returned after the idle horizon has passed shrinks the
// pool instead of growing the idle list.
func TestRelease_IdleHorizonShrinksPool(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIdleTime = 50 * time.Millisecond
	f := drivertest.NewFactory()
	p := newPool(t, cfg, f, nil)
	ctx := context.Background()

	h1, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	h2, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	c2 := connOf(t, h2)

	require.NoError(t, h1.Close())
	time.Sleep(80 * time.Millisecond)
	require.NoError(t, h2.Close())

	assert.True(t, c2.Destroyed())
	st := p.Stats()
	assert.Equal(t, 1, st.Idle)
	assert.Equal(t, 1, st.Total)
}

func TestRelease_MaxIdleCount(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIdleCount = 1
	f := drivertest.NewFactory()
	p := newPool(t, cfg, f, nil)
	ctx := context.Background()

	h1, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	h2, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	require.NoError(t, h1.Close())
	require.NoError(t, h2.Close())

	assert.Equal(t, 1, p.Stats().Idle)
	assert.Equal(t, 1, f.Live())
}

func TestRelease_BrokenConnectionsDestroyed(t *testing.T) {
	f := drivertest.NewFactory()
	p := newPool(t, testConfig(), f, nil)
	ctx := context.Background()

	h1, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	c1 := connOf(t, h1)
	h1.ReportError()

	h2, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	c2 := connOf(t, h2)
	c2.FailResets(errors.New("server closed the connection"))

	h3, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	c3 := connOf(t, h3)
	p.MarkForRemoval(c3)

	for _, h := range []*pool.Handle{h1, h2, h3} {
		require.NoError(t, h.Close())
	}
	assert.True(t, c1.Destroyed())
	assert.True(t, c2.Destroyed())
	assert.True(t, c3.Destroyed())
	assert.Equal(t, 0, p.Stats().Total)
}

func TestHandle_CloseIsIdempotent(t *testing.T) {
	p := newPool(t, testConfig(), drivertest.NewFactory(), nil)

	h, err := p.Allocate(context.Background(), anyCreds, anyInfo)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.Equal(t, 1, p.Stats().Idle)

	_, err = h.Conn(context.Background())
	assert.True(t, pool.IsConnectionInvalid(err))
}

func TestConcurrentAllocationRespectsLimits(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 5
	cfg.MaxOverflowConnections = 0
	cfg.MaxCreateConnections = 2
	cfg.ConnectionWaitTime = 5 * time.Second
	f := drivertest.NewFactory()
	f.CreateDelay = 5 * time.Millisecond
	p := newPool(t, cfg, f, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Allocate(ctx, anyCreds, anyInfo)
			if !assert.NoError(t, err) {
				return
			}
			assert.LessOrEqual(t, p.Stats().Total, 5)
			time.Sleep(time.Millisecond)
			assert.NoError(t, h.Close())
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, f.MaxConcurrentCreates(), 2)
	assert.LessOrEqual(t, f.Created(), 5)
	st := p.Stats()
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, st.Total, st.Idle)
}

func TestSweep_DropsExpiredIdle(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIdleTime = 30 * time.Millisecond
	f := drivertest.NewFactory()
	p := newPool(t, cfg, f, nil)
	ctx := context.Background()

	h1, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	h2, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	expired := connOf(t, h1)
	inUse := connOf(t, h2)
	require.NoError(t, h1.Close())
	time.Sleep(50 * time.Millisecond)

	p.Sweep()

	assert.True(t, expired.Destroyed())
	assert.False(t, inUse.Destroyed(), "connections in use are left alone")
	st := p.Stats()
	assert.Equal(t, 0, st.Idle)
	assert.Equal(t, 1, st.Active)
}

func TestSweep_DropsDeadIdle(t *testing.T) {
	f := drivertest.NewFactory()
	p := newPool(t, testConfig(), f, nil)

	h, err := p.Allocate(context.Background(), anyCreds, anyInfo)
	require.NoError(t, err)
	dead := connOf(t, h)
	require.NoError(t, h.Close())
	dead.Invalidate()

	p.Sweep()
	assert.True(t, dead.Destroyed())
	assert.Equal(t, 0, p.Stats().Total)
}

func TestSweep_KeepsHealthyIdle(t *testing.T) {
	f := drivertest.NewFactory()
	p := newPool(t, testConfig(), f, nil)

	h, err := p.Allocate(context.Background(), anyCreds, anyInfo)
	require.NoError(t, err)
	c := connOf(t, h)
	require.NoError(t, h.Close())

	p.Sweep()
	assert.False(t, c.Destroyed())
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestClear(t *testing.T) {
	f := drivertest.NewFactory()
	p := newPool(t, testConfig(), f, nil)
	ctx := context.Background()

	h1, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	h2, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	idle := connOf(t, h1)
	inUse := connOf(t, h2)
	require.NoError(t, h1.Close())

	p.Clear()
	assert.True(t, idle.Destroyed())
	assert.False(t, inUse.Destroyed())

	require.NoError(t, h2.Close())
	assert.True(t, inUse.Destroyed(), "retired connections do not go idle")
	assert.Equal(t, 0, p.Stats().Total)
}

func TestClose(t *testing.T) {
	f := drivertest.NewFactory()
	p := newPool(t, testConfig(), f, nil)
	ctx := context.Background()

	h1, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	h2, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	require.NoError(t, h2.Close())

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 0, f.Live())

	_, err = p.Allocate(ctx, anyCreds, anyInfo)
	assert.True(t, pool.IsClosed(err), "got %v", err)
	assert.NoError(t, h1.Close(), "closing a handle after the pool is harmless")
}

func TestStart_RunsSweepAndRecovery(t *testing.T) {
	tm := newTM()
	ctx := context.Background()
	f := drivertest.NewFactory()

	committed := transaction.Xid{Global: "node1.0000abcd.1", Branch: 1}
	orphan := transaction.Xid{Global: "node1.0000abcd.2", Branch: 1}
	foreign := transaction.Xid{Global: "node2.0000abcd.1", Branch: 1}
	for _, x := range []transaction.Xid{committed, orphan, foreign} {
		f.RM.AddPrepared(x)
	}
	require.NoError(t, tm.XALog().Append(ctx, committed.Global, xalog.OutcomeCommit))

	cfg := testConfig()
	cfg.MaxIdleTime = time.Second
	p := newPool(t, cfg, f, tm)
	require.NoError(t, p.Start(ctx))

	assert.True(t, f.RM.Committed(committed))
	assert.False(t, f.RM.Committed(orphan))
	assert.Equal(t, []transaction.Xid{foreign}, f.RM.Prepared(), "other servers' branches are left alone")
	assert.Equal(t, 0, f.Live(), "the recovery connection is closed")

	h, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	c := connOf(t, h)
	require.NoError(t, h.Close())
	c.Invalidate()
	require.Eventually(t, c.Destroyed, 3*time.Second, 50*time.Millisecond, "background sweep drops dead connections")
}

func TestManager(t *testing.T) {
	ctx := context.Background()
	tm := newTM()
	m, err := pool.NewManager(ctx, tm, []pool.Options{
		{Name: "orders", Config: testConfig(), Factory: drivertest.NewFactory()},
		{Name: "billing", Config: testConfig(), Factory: drivertest.NewFactory()},
	})
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, []string{"billing", "orders"}, m.Names())

	h, err := m.Allocate(ctx, "orders", anyCreds, anyInfo)
	require.NoError(t, err)
	stats := m.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "billing", stats[0].Name)
	assert.Equal(t, 1, stats[1].Active)
	require.NoError(t, h.Close())

	_, err = m.Allocate(ctx, "nope", anyCreds, anyInfo)
	assert.Error(t, err)

	_, err = pool.NewManager(ctx, tm, []pool.Options{
		{Name: "dup", Config: testConfig(), Factory: drivertest.NewFactory()},
		{Name: "dup", Config: testConfig(), Factory: drivertest.NewFactory()},
	})
	assert.ErrorContains(t, err, "duplicate")
}

func TestConcurrentAllocationRespectsOverflowLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 2
	cfg.MaxOverflowConnections = 1
	cfg.MaxCreateConnections = 1
	cfg.ConnectionWaitTime = 5 * time.Millisecond
	f := drivertest.NewFactory()
	f.CreateDelay = time.Millisecond
	p := newPool(t, cfg, f, nil)
	ctx := context.Background()

	var peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Allocate(ctx, anyCreds, anyInfo)
			if err != nil {
				assert.True(t, pool.IsResourceExhausted(err), "unexpected error: %v", err)
				return
			}
			live := int64(f.Live())
			for {
				cur := peak.Load()
				if live <= cur || peak.CompareAndSwap(cur, live) {
					break
				}
			}
			assert.LessOrEqual(t, p.Stats().Total, 3)
			time.Sleep(time.Millisecond)
			assert.NoError(t, h.Close())
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.LessOrEqual(t, f.Live(), 3)
	assert.LessOrEqual(t, p.Stats().Total, 2, "overflow connections are not kept idle")
}

func TestSweep_ClosesConnectionsPastActiveTime(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	cfg.MaxOverflowConnections = 0
	cfg.MaxActiveTime = 10 * time.Millisecond
	f := drivertest.NewFactory()
	p := newPool(t, cfg, f, nil)
	ctx := context.Background()

	leaked, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	c := connOf(t, leaked)

	time.Sleep(30 * time.Millisecond)
	p.Sweep()

	assert.True(t, c.Destroyed())
	assert.Equal(t, 0, p.Stats().Total)
	_, err = leaked.Conn(ctx)
	assert.True(t, pool.IsConnectionInvalid(err))

	h, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err, "the slot is free again")
	assert.NotSame(t, c, connOf(t, h))
	require.NoError(t, h.Close())
	require.NoError(t, leaked.Close())
	assert.Equal(t, 1, p.Stats().Total)
}

func TestSweep_ActiveTimeoutDoomsTransaction(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActiveTime = 10 * time.Millisecond
	tm := newTM()
	p := newPool(t, cfg, drivertest.NewFactory(), tm)
	ctx := tm.Bind(context.Background())
	tx, err := tm.Begin(ctx)
	require.NoError(t, err)

	h, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	p.Sweep()

	assert.Equal(t, transaction.StatusMarkedRollback, tx.Status())
	require.NoError(t, h.Close())
	require.Error(t, tm.Commit(ctx))
}

// hookedFactory lets a test interfere with matching and validation.
type hookedFactory struct {
	*drivertest.Factory
	// misses makes that many Match calls report nothing idle.
	misses     atomic.Int32
	onValidate func()
}

func (f *hookedFactory) Match(idle []driver.Conn, creds driver.Credentials, info driver.Info) driver.Conn {
	if f.misses.Add(-1) >= 0 {
		return nil
	}
	return f.Factory.Match(idle, creds, info)
}

func (f *hookedFactory) Validate(ctx context.Context, conn driver.Conn) bool {
	if hook := f.onValidate; hook != nil {
		f.onValidate = nil
		hook()
	}
	return f.Factory.Validate(ctx, conn)
}

func newHookedPool(t *testing.T, cfg pool.Config, f *hookedFactory) *pool.Pool {
	t.Helper()
	p, err := pool.New(pool.Options{Name: t.Name(), Config: cfg, Factory: f})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestIdle_FullPoolNeverEvictsMatchingConnection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	f := &hookedFactory{Factory: drivertest.NewFactory()}
	p := newHookedPool(t, cfg, f)
	ctx := context.Background()
	alice := driver.Credentials{User: "alice"}

	h, err := p.Allocate(ctx, alice, anyInfo)
	require.NoError(t, err)
	first := connOf(t, h)
	require.NoError(t, h.Close())

	// The idle lookup misses alice's connection, as if it went idle just
	// after the lookup. The full pool must hand it out, not evict it.
	f.misses.Store(1)
	h, err = p.Allocate(ctx, alice, anyInfo)
	require.NoError(t, err)
	assert.Same(t, first, connOf(t, h))
	assert.False(t, first.Destroyed())
	assert.Equal(t, 1, f.Created())
	require.NoError(t, h.Close())
}

func TestSweep_ClearDuringValidationDestroys(t *testing.T) {
	f := &hookedFactory{Factory: drivertest.NewFactory()}
	p := newHookedPool(t, testConfig(), f)
	ctx := context.Background()

	h, err := p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	c := connOf(t, h)
	require.NoError(t, h.Close())

	f.onValidate = p.Clear
	p.Sweep()

	assert.True(t, c.Destroyed(), "a cleared connection must not go back to idle")
	assert.Equal(t, 0, p.Stats().Total)

	h, err = p.Allocate(ctx, anyCreds, anyInfo)
	require.NoError(t, err)
	assert.NotSame(t, c, connOf(t, h))
	assert.Equal(t, 2, f.Created())
	require.NoError(t, h.Close())
}
