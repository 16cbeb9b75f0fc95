package pool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/txpool/internal/driver"
	"github.com/joao-brasil/txpool/internal/transaction"
)

// ItemState is the lifecycle state of a pooled connection.
type ItemState int

const (
	ItemIdle ItemState = iota
	ItemActive
	ItemError
	ItemDestroyed
)

func (s ItemState) String() string {
	switch s {
	case ItemIdle:
		return "idle"
	case ItemActive:
		return "active"
	case ItemError:
		return "error"
	case ItemDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// ManagedItem wraps one physical connection. It is the transaction
// participant for the connection: it drives XA when the backend supports
// it and falls back to a local transaction otherwise. Handles sharing the
// connection inside a transaction hang off its share list.
type ManagedItem struct {
	pool      *Pool
	id        uint64
	conn      driver.Conn
	xa        transaction.Resource
	local     driver.LocalTx
	createdAt time.Time

	mu          sync.Mutex
	state       ItemState
	activeSince time.Time
	idleSince   time.Time
	retire      bool // destroy instead of going idle
	handles     []*Handle
	tx          *transaction.Transaction
	useLocal    bool
	stack       string
}

func newManagedItem(p *Pool, id uint64, conn driver.Conn) *ManagedItem {
	it := &ManagedItem{pool: p, id: id, conn: conn, createdAt: time.Now()}
	if p.cfg.EnableXA {
		it.xa = conn.XAResource()
	}
	if p.cfg.EnableLocalTransaction {
		it.local = conn.LocalTransaction()
	}
	return it
}

// ID identifies the item within its pool.
func (it *ManagedItem) ID() uint64 { return it.id }

// Conn returns the physical connection.
func (it *ManagedItem) Conn() driver.Conn { return it.conn }

// State returns the current lifecycle state.
func (it *ManagedItem) State() ItemState {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.state
}

// AllocationStack returns where the item was last handed out, when the
// pool records it.
func (it *ManagedItem) AllocationStack() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.stack
}

func (it *ManagedItem) String() string {
	return fmt.Sprintf("%s#%d", it.pool.name, it.id)
}

func (it *ManagedItem) transactional() bool {
	return it.xa != nil || it.local != nil
}

func (it *ManagedItem) toActive(stack string) {
	it.mu.Lock()
	it.state = ItemActive
	it.activeSince = time.Now()
	it.stack = stack
	it.mu.Unlock()
}

func (it *ManagedItem) toIdle() {
	it.mu.Lock()
	it.state = ItemIdle
	it.idleSince = time.Now()
	it.stack = ""
	it.mu.Unlock()
}

// ReportError marks the connection as broken; it is destroyed instead of
// being reused.
func (it *ManagedItem) ReportError() {
	it.mu.Lock()
	if it.state != ItemDestroyed {
		it.state = ItemError
	}
	it.mu.Unlock()
}

func (it *ManagedItem) markRetire() {
	it.mu.Lock()
	it.retire = true
	it.mu.Unlock()
}

func (it *ManagedItem) retired() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.retire
}

// markDestroyed flips the item to destroyed, returning false if it
// already was.
func (it *ManagedItem) markDestroyed() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.state == ItemDestroyed {
		return false
	}
	it.state = ItemDestroyed
	return true
}

// reusable reports whether the item may go back to the idle list.
func (it *ManagedItem) reusable() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.state != ItemActive || it.retire {
		return false
	}
	return it.pool.cfg.MaxPoolTime <= 0 || time.Since(it.createdAt) <= it.pool.cfg.MaxPoolTime
}

// checkValid is the sweep's view of the item. Idle items past their idle
// or pool lifetime and items checked out past max-active-time are invalid.
func (it *ManagedItem) checkValid(now time.Time) (bool, string) {
	cfg := it.pool.cfg
	it.mu.Lock()
	defer it.mu.Unlock()

	switch it.state {
	case ItemDestroyed:
		return false, "destroyed"
	case ItemError:
		return false, "error"
	case ItemIdle:
		if it.retire {
			return false, "cleared"
		}
		if cfg.MaxIdleTime > 0 && now.Sub(it.idleSince) > cfg.MaxIdleTime {
			return false, "idle-timeout"
		}
		if cfg.MaxPoolTime > 0 && now.Sub(it.createdAt) > cfg.MaxPoolTime {
			return false, "pool-timeout"
		}
	case ItemActive:
		if cfg.MaxActiveTime > 0 && now.Sub(it.activeSince) > cfg.MaxActiveTime {
			fields := []zap.Field{
				zap.Uint64("item", it.id),
				zap.Duration("active", now.Sub(it.activeSince)),
			}
			if it.stack != "" {
				fields = append(fields, zap.String("allocated-at", it.stack))
			}
			it.pool.log.Warn("closing connection checked out longer than max-active-time", fields...)
			return false, "active-timeout"
		}
	}
	return true, ""
}

// ── Share list ───────────────────────────────────────────────────────────

func (it *ManagedItem) attach(h *Handle) {
	it.mu.Lock()
	if !slices.Contains(it.handles, h) {
		it.handles = append(it.handles, h)
	}
	it.mu.Unlock()
}

// detach removes h and reports whether the item is now unused: no handle
// left and no transaction holding it.
func (it *ManagedItem) detach(h *Handle) (unused bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if i := slices.Index(it.handles, h); i >= 0 {
		it.handles = slices.Delete(it.handles, i, i+1)
	}
	return len(it.handles) == 0 && it.tx == nil
}

// shares reports whether a handle asking for creds and info may share
// the item.
func (it *ManagedItem) shares(creds driver.Credentials, info driver.Info) bool {
	it.mu.Lock()
	ok := it.state == ItemActive
	it.mu.Unlock()
	return ok && it.conn.Credentials() == creds && it.conn.Info() == info
}

// ── Transaction enlistment ───────────────────────────────────────────────

// enlist makes the item a participant of tx and arranges for it to be
// cleaned up when tx completes.
func (it *ManagedItem) enlist(ctx context.Context, tx *transaction.Transaction) error {
	it.mu.Lock()
	switch {
	case it.tx == tx:
		it.mu.Unlock()
		// Re-enlisting resumes a suspended association.
		return tx.Enlist(ctx, it)
	case it.tx != nil:
		cur := it.tx
		it.mu.Unlock()
		return fmt.Errorf("connection %s is already enlisted in %s", it, cur)
	}
	it.mu.Unlock()

	if !it.pool.cfg.LocalTransactionOptimization {
		tx.DisableLocalOptimization()
	}
	if err := tx.Enlist(ctx, it); err != nil {
		return err
	}
	if err := tx.RegisterSynchronization(completion{it}); err != nil {
		_ = tx.Delist(ctx, it, transaction.FlagFail)
		return err
	}
	it.mu.Lock()
	it.tx = tx
	it.mu.Unlock()
	return nil
}

// enlisted returns the transaction the item takes part in, if any.
func (it *ManagedItem) enlisted() *transaction.Transaction {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.tx
}

type completion struct{ it *ManagedItem }

func (completion) BeforeCompletion(context.Context) error { return nil }

func (c completion) AfterCompletion(ctx context.Context, _ transaction.Status) {
	c.it.clearTransaction(ctx)
}

// clearTransaction runs once the transaction the item was enlisted in has
// completed. The handle that owns the item keeps it; handles that only
// shared it move to their own connection, unless the owner closed, in
// which case the first of them adopts the item. An item nobody holds
// any more goes back to the pool.
func (it *ManagedItem) clearTransaction(ctx context.Context) {
	it.mu.Lock()
	it.tx = nil
	it.useLocal = false
	handles := slices.Clone(it.handles)
	it.mu.Unlock()

	owned := slices.ContainsFunc(handles, func(h *Handle) bool { return h.owns(it) })
	for _, h := range handles {
		if !owned && h.adopt(it) {
			owned = true
			continue
		}
		h.transactionDone(ctx, it)
	}

	it.mu.Lock()
	unused := len(it.handles) == 0 && it.tx == nil
	it.mu.Unlock()
	if unused {
		it.pool.release(it)
	}
}

// ── transaction.Resource ─────────────────────────────────────────────────

// OnePhaseOnly reports whether the item can only run a local transaction.
func (it *ManagedItem) OnePhaseOnly() bool { return it.xa == nil }

func (it *ManagedItem) Start(ctx context.Context, xid transaction.Xid, flags transaction.Flags) error {
	if it.xa != nil {
		return it.xa.Start(ctx, xid, flags)
	}
	if flags != transaction.FlagNone {
		// Suspend and resume leave the local transaction open on the session.
		return nil
	}
	if it.local == nil {
		return &transaction.XAError{Code: transaction.XAErrRMFail,
			Err: fmt.Errorf("connection %s has no transaction support", it)}
	}
	if err := it.local.Begin(ctx); err != nil {
		return &transaction.XAError{Code: transaction.XAErrRMFail, Err: err}
	}
	it.mu.Lock()
	it.useLocal = true
	it.mu.Unlock()
	return nil
}

func (it *ManagedItem) End(ctx context.Context, xid transaction.Xid, flags transaction.Flags) error {
	if it.xa != nil {
		return it.xa.End(ctx, xid, flags)
	}
	return nil
}

func (it *ManagedItem) Prepare(ctx context.Context, xid transaction.Xid) (transaction.Vote, error) {
	if it.xa != nil {
		return it.xa.Prepare(ctx, xid)
	}
	return transaction.VoteOK, &transaction.XAError{Code: transaction.XAErrProto,
		Err: fmt.Errorf("connection %s runs a local transaction and cannot prepare", it)}
}

func (it *ManagedItem) Commit(ctx context.Context, xid transaction.Xid, onePhase bool) error {
	if it.xa != nil {
		return it.xa.Commit(ctx, xid, onePhase)
	}
	if err := it.local.Commit(ctx); err != nil {
		var xe *transaction.XAError
		if errors.As(err, &xe) {
			return err
		}
		return &transaction.XAError{Code: transaction.XAErrRMFail, Err: err}
	}
	return nil
}

func (it *ManagedItem) Rollback(ctx context.Context, xid transaction.Xid) error {
	if it.xa != nil {
		return it.xa.Rollback(ctx, xid)
	}
	it.mu.Lock()
	begun := it.useLocal
	it.mu.Unlock()
	if !begun {
		return nil
	}
	if err := it.local.Rollback(ctx); err != nil {
		return &transaction.XAError{Code: transaction.XAErrRMFail, Err: err}
	}
	return nil
}

func (it *ManagedItem) Forget(ctx context.Context, xid transaction.Xid) error {
	if it.xa != nil {
		return it.xa.Forget(ctx, xid)
	}
	return nil
}

func (it *ManagedItem) Recover(ctx context.Context) ([]transaction.Xid, error) {
	if it.xa != nil {
		return it.xa.Recover(ctx)
	}
	return nil, nil
}

// IsSameRM compares the underlying XA resources; local-transaction items
// are only the same RM as themselves.
func (it *ManagedItem) IsSameRM(other transaction.Resource) bool {
	if o, ok := other.(*ManagedItem); ok {
		if o == it {
			return true
		}
		return it.xa != nil && o.xa != nil && it.xa.IsSameRM(o.xa)
	}
	return it.xa != nil && it.xa.IsSameRM(other)
}

func (it *ManagedItem) SetTransactionTimeout(seconds int) error {
	if tr, ok := it.xa.(transaction.TimeoutResource); ok {
		return tr.SetTransactionTimeout(seconds)
	}
	return nil
}
