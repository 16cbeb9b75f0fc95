// Package drivertest provides an in-memory backend: a Factory whose
// connections carry an XA resource backed by a shared, server-like
// ResourceManager. The pool tests and the load generator run against it.
package drivertest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joao-brasil/txpool/internal/driver"
	"github.com/joao-brasil/txpool/internal/transaction"
)

// ErrDestroyed is returned by operations on a destroyed connection.
var ErrDestroyed = errors.New("drivertest: connection destroyed")

// Factory creates in-memory connections.
type Factory struct {
	// CreateDelay simulates connection setup latency.
	CreateDelay time.Duration
	// NoXA makes connections report no XA resource.
	NoXA bool

	RM *ResourceManager

	nextID    atomic.Uint64
	createErr atomic.Pointer[error]
	created   atomic.Int64
	destroyed atomic.Int64
	inFlight  atomic.Int64
	maxFlight atomic.Int64

	mu    sync.Mutex
	conns []*Conn
}

func NewFactory() *Factory {
	return &Factory{RM: NewResourceManager()}
}

// FailCreates makes every following Create fail with err; nil restores it.
func (f *Factory) FailCreates(err error) {
	if err == nil {
		f.createErr.Store(nil)
		return
	}
	f.createErr.Store(&err)
}

func (f *Factory) Create(ctx context.Context, creds driver.Credentials, info driver.Info) (driver.Conn, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxFlight.Load()
		if n <= max || f.maxFlight.CompareAndSwap(max, n) {
			break
		}
	}

	if f.CreateDelay > 0 {
		select {
		case <-time.After(f.CreateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if errp := f.createErr.Load(); errp != nil {
		return nil, *errp
	}

	c := &Conn{id: f.nextID.Add(1), creds: creds, info: info, f: f}
	if !f.NoXA {
		c.xa = &XAResource{conn: c, rm: f.RM}
	}
	f.created.Add(1)
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *Factory) Match(idle []driver.Conn, creds driver.Credentials, info driver.Info) driver.Conn {
	return driver.MatchExact(idle, creds, info)
}

func (f *Factory) Validate(_ context.Context, conn driver.Conn) bool {
	c, ok := conn.(*Conn)
	return ok && !c.invalid.Load() && !c.destroyed.Load()
}

func (f *Factory) Destroy(conn driver.Conn) error {
	c, ok := conn.(*Conn)
	if !ok {
		return fmt.Errorf("drivertest: foreign connection %T", conn)
	}
	if c.destroyed.CompareAndSwap(false, true) {
		f.destroyed.Add(1)
	}
	return nil
}

// Created returns the number of successful creations.
func (f *Factory) Created() int { return int(f.created.Load()) }

// Destroyed returns the number of distinct connections destroyed.
func (f *Factory) Destroyed() int { return int(f.destroyed.Load()) }

// Live returns the number of created connections not yet destroyed.
func (f *Factory) Live() int { return f.Created() - f.Destroyed() }

// MaxConcurrentCreates returns the highest number of overlapping Create calls.
func (f *Factory) MaxConcurrentCreates() int { return int(f.maxFlight.Load()) }

// Conns returns every connection created so far.
func (f *Factory) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.conns)
}

// Conn is an in-memory connection.
type Conn struct {
	id    uint64
	creds driver.Credentials
	info  driver.Info
	f     *Factory
	xa    *XAResource
	local LocalTx

	invalid   atomic.Bool
	destroyed atomic.Bool
	resets    atomic.Int64
	resetErr  atomic.Pointer[error]
}

// ID identifies the physical connection.
func (c *Conn) ID() uint64 { return c.id }

// Invalidate makes the next Validate fail.
func (c *Conn) Invalidate() { c.invalid.Store(true) }

// Destroyed reports whether the factory destroyed c.
func (c *Conn) Destroyed() bool { return c.destroyed.Load() }

// Resets returns how many times c was reset.
func (c *Conn) Resets() int { return int(c.resets.Load()) }

// FailResets makes every following Reset fail with err.
func (c *Conn) FailResets(err error) { c.resetErr.Store(&err) }

func (c *Conn) Credentials() driver.Credentials { return c.creds }
func (c *Conn) Info() driver.Info               { return c.info }

func (c *Conn) Reset(context.Context) error {
	if c.destroyed.Load() {
		return ErrDestroyed
	}
	c.resets.Add(1)
	if errp := c.resetErr.Load(); errp != nil {
		return *errp
	}
	return nil
}

func (c *Conn) XAResource() transaction.Resource {
	if c.xa == nil {
		return nil
	}
	return c.xa
}

func (c *Conn) LocalTransaction() driver.LocalTx { return &c.local }

// XA returns the concrete XA resource for inspection, nil when NoXA.
func (c *Conn) XA() *XAResource { return c.xa }

// Local returns the local transaction for inspection.
func (c *Conn) Local() *LocalTx { return &c.local }

// LocalTx counts local transaction calls.
type LocalTx struct {
	Begins, Commits, Rollbacks atomic.Int64
}

func (t *LocalTx) Begin(context.Context) error    { t.Begins.Add(1); return nil }
func (t *LocalTx) Commit(context.Context) error   { t.Commits.Add(1); return nil }
func (t *LocalTx) Rollback(context.Context) error { t.Rollbacks.Add(1); return nil }

// ── XA ───────────────────────────────────────────────────────────────────

// ResourceManager plays the database server: it remembers prepared
// branches across connections, so recovery through any connection sees
// them.
type ResourceManager struct {
	mu        sync.Mutex
	prepared  map[transaction.Xid]bool
	committed map[transaction.Xid]bool
}

func NewResourceManager() *ResourceManager {
	return &ResourceManager{
		prepared:  make(map[transaction.Xid]bool),
		committed: make(map[transaction.Xid]bool),
	}
}

// Prepared returns the branches currently in doubt.
func (rm *ResourceManager) Prepared() []transaction.Xid {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]transaction.Xid, 0, len(rm.prepared))
	for x := range rm.prepared {
		out = append(out, x)
	}
	return out
}

// AddPrepared injects an in-doubt branch, as left behind by a crash.
func (rm *ResourceManager) AddPrepared(xid transaction.Xid) {
	rm.mu.Lock()
	rm.prepared[xid] = true
	rm.mu.Unlock()
}

// Committed reports whether xid was committed.
func (rm *ResourceManager) Committed(xid transaction.Xid) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.committed[xid]
}

// XAResource is the participant of one in-memory connection.
type XAResource struct {
	conn *Conn
	rm   *ResourceManager

	// PrepareErr and CommitErr are returned by the next calls when set.
	PrepareErr error
	CommitErr  error

	mu    sync.Mutex
	calls []string
}

// Calls returns the operations received, e.g. "start", "commit-1p".
func (r *XAResource) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

func (r *XAResource) record(op string) {
	r.mu.Lock()
	r.calls = append(r.calls, op)
	r.mu.Unlock()
}

func (r *XAResource) Start(_ context.Context, _ transaction.Xid, flags transaction.Flags) error {
	if r.conn.destroyed.Load() {
		return &transaction.XAError{Code: transaction.XAErrRMFail, Err: ErrDestroyed}
	}
	switch flags {
	case transaction.FlagJoin:
		r.record("start-join")
	case transaction.FlagResume:
		r.record("start-resume")
	default:
		r.record("start")
	}
	return nil
}

func (r *XAResource) End(_ context.Context, _ transaction.Xid, flags transaction.Flags) error {
	switch flags {
	case transaction.FlagFail:
		r.record("end-fail")
	case transaction.FlagSuspend:
		r.record("end-suspend")
	default:
		r.record("end")
	}
	return nil
}

func (r *XAResource) Prepare(_ context.Context, xid transaction.Xid) (transaction.Vote, error) {
	r.record("prepare")
	if r.PrepareErr != nil {
		return transaction.VoteOK, r.PrepareErr
	}
	r.rm.mu.Lock()
	r.rm.prepared[xid] = true
	r.rm.mu.Unlock()
	return transaction.VoteOK, nil
}

func (r *XAResource) Commit(_ context.Context, xid transaction.Xid, onePhase bool) error {
	if onePhase {
		r.record("commit-1p")
	} else {
		r.record("commit")
	}
	if r.CommitErr != nil {
		return r.CommitErr
	}
	r.rm.mu.Lock()
	defer r.rm.mu.Unlock()
	if !onePhase {
		if !r.rm.prepared[xid] {
			return &transaction.XAError{Code: transaction.XAErrNotA}
		}
		delete(r.rm.prepared, xid)
	}
	r.rm.committed[xid] = true
	return nil
}

func (r *XAResource) Rollback(_ context.Context, xid transaction.Xid) error {
	r.record("rollback")
	r.rm.mu.Lock()
	delete(r.rm.prepared, xid)
	r.rm.mu.Unlock()
	return nil
}

func (r *XAResource) Forget(_ context.Context, xid transaction.Xid) error {
	r.record("forget")
	r.rm.mu.Lock()
	delete(r.rm.prepared, xid)
	r.rm.mu.Unlock()
	return nil
}

func (r *XAResource) Recover(context.Context) ([]transaction.Xid, error) {
	r.record("recover")
	return r.rm.Prepared(), nil
}

func (r *XAResource) IsSameRM(other transaction.Resource) bool {
	o, ok := other.(*XAResource)
	return ok && o.conn == r.conn
}
