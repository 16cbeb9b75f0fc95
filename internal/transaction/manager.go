// Package transaction implements the transaction coordinator: transactions
// bound to a request context, two-phase commit across enlisted resources,
// and recovery of in-doubt branches against the durable log.
package transaction

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/txpool/internal/xalog"
)

// Options configures a Manager.
type Options struct {
	// ServerID prefixes every global id; recovery only resolves branches
	// carrying this prefix. Dots separate the id's fields, so any in
	// ServerID are replaced by dashes.
	ServerID string
	// Log records commit decisions and heuristic outcomes. A nil Log
	// falls back to an in-memory log, which cannot survive a crash.
	Log xalog.Log
	// DefaultTimeout applies to transactions begun without an explicit
	// SetTransactionTimeout. Zero means no timeout.
	DefaultTimeout time.Duration
}

// Manager is the transaction coordinator. Construct one per process and
// pass it to the pools that enlist in its transactions.
type Manager struct {
	ids            *idGenerator
	xalog          xalog.Log
	log            *zap.Logger
	defaultTimeout time.Duration
}

func NewManager(opts Options) *Manager {
	log := zap.L().Named("tm")
	if opts.ServerID == "" {
		opts.ServerID = "txpool"
	}
	if strings.Contains(opts.ServerID, ".") {
		id := strings.ReplaceAll(opts.ServerID, ".", "-")
		log.Warn("server id contains '.', using dashes", zap.String("configured", opts.ServerID), zap.String("server-id", id))
		opts.ServerID = id
	}
	if opts.Log == nil {
		log.Warn("no durable transaction log configured, using an in-memory log")
		opts.Log = xalog.NewMemory()
	}
	return &Manager{
		ids:            newIDGenerator(opts.ServerID),
		xalog:          opts.Log,
		log:            log,
		defaultTimeout: opts.DefaultTimeout,
	}
}

// ServerID returns the prefix of the global ids this manager generates.
func (m *Manager) ServerID() string {
	return m.ids.serverID
}

// XALog returns the durable log the manager writes to.
func (m *Manager) XALog() xalog.Log {
	return m.xalog
}

// ── Context binding ──────────────────────────────────────────────────────

type ctxKey struct{}

// binding is the per-context "current transaction" slot. A context is
// driven by a single caller at a time; the mutex covers the end-of-request
// cleanup racing with handle closes.
type binding struct {
	mu         sync.Mutex
	tx         *Transaction
	timeout    time.Duration
	timeoutSet bool
	dangling   map[uint64]io.Closer
	nextID     uint64
}

// Bind returns a context carrying an empty transaction binding. Call it
// once per request (or goroutine) before any transactional work; a context
// that is already bound is returned unchanged.
func (m *Manager) Bind(ctx context.Context) context.Context {
	if bindingFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, &binding{})
}

func bindingFrom(ctx context.Context) *binding {
	b, _ := ctx.Value(ctxKey{}).(*binding)
	return b
}

func (m *Manager) mustBinding(ctx context.Context, op string) (*binding, error) {
	b := bindingFrom(ctx)
	if b == nil {
		return nil, illegalState(op, "context has no transaction binding")
	}
	return b, nil
}

func (b *binding) current() *Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tx
}

func (b *binding) set(tx *Transaction) {
	b.mu.Lock()
	b.tx = tx
	b.mu.Unlock()
}

// Current returns the transaction bound to ctx, creating one in
// StatusNoTransaction when none is bound or the bound one has completed.
func (m *Manager) Current(ctx context.Context) (*Transaction, error) {
	b, err := m.mustBinding(ctx, "current")
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tx == nil || b.tx.Status().terminal() {
		b.tx = newTransaction(m)
	}
	return b.tx, nil
}

// Active returns the bound transaction when it is Active or
// MarkedRollback, and nil otherwise, including for unbound contexts.
func (m *Manager) Active(ctx context.Context) *Transaction {
	b := bindingFrom(ctx)
	if b == nil {
		return nil
	}
	tx := b.current()
	if tx == nil || !tx.isActive() {
		return nil
	}
	return tx
}

// Begin starts a transaction on ctx.
func (m *Manager) Begin(ctx context.Context) (*Transaction, error) {
	b, err := m.mustBinding(ctx, "begin")
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tx != nil {
		switch b.tx.Status() {
		case StatusNoTransaction:
		default:
			if !b.tx.Status().terminal() {
				return nil, &Error{Kind: KindIllegalState, Op: "begin", Xid: b.tx.Xid(),
					Msg: "a transaction is already active"}
			}
			b.tx = nil
		}
	}
	if b.tx == nil {
		b.tx = newTransaction(m)
	}

	timeout := m.defaultTimeout
	if b.timeoutSet {
		timeout = b.timeout
	}
	b.tx.begin(m.ids.next(), timeout)
	m.log.Debug("transaction begun", zap.String("xid", b.tx.Xid().Global))
	return b.tx, nil
}

// BeginNested suspends the transaction bound to ctx (if any) and begins a
// new one. The suspended transaction is resumed when the new one commits
// or rolls back.
func (m *Manager) BeginNested(ctx context.Context) (*Transaction, error) {
	outer, err := m.Suspend(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := m.Begin(ctx)
	if err != nil {
		if outer != nil {
			if rerr := m.Resume(ctx, outer); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
		return nil, err
	}
	tx.mu.Lock()
	tx.outer = outer
	tx.mu.Unlock()
	return tx, nil
}

// Suspend detaches the active transaction from ctx and returns it. It
// returns nil when nothing is active.
func (m *Manager) Suspend(ctx context.Context) (*Transaction, error) {
	b, err := m.mustBinding(ctx, "suspend")
	if err != nil {
		return nil, err
	}
	tx := b.current()
	b.set(nil)
	if tx == nil || !tx.isActive() {
		return nil, nil
	}
	tx.suspendAll(ctx)
	m.log.Debug("transaction suspended", zap.String("xid", tx.Xid().Global))
	return tx, nil
}

// Resume binds tx to ctx. It fails if another transaction is active on ctx.
// Resuming nil is a no-op.
func (m *Manager) Resume(ctx context.Context, tx *Transaction) error {
	b, err := m.mustBinding(ctx, "resume")
	if err != nil {
		return err
	}
	if tx == nil {
		return nil
	}

	b.mu.Lock()
	if cur := b.tx; cur != nil && cur != tx && cur.isActive() {
		b.mu.Unlock()
		return &Error{Kind: KindIllegalState, Op: "resume", Xid: cur.Xid(),
			Msg: "a transaction is already active"}
	}
	b.tx = tx
	b.mu.Unlock()

	m.log.Debug("transaction resumed", zap.String("xid", tx.Xid().Global))
	return tx.resumeAll(ctx)
}

// Commit completes the bound transaction. A transaction marked
// rollback-only is rolled back and a KindRollback error returned.
func (m *Manager) Commit(ctx context.Context) (err error) {
	b, tx, err := m.completing(ctx, "commit")
	if err != nil {
		return err
	}
	defer m.finishing(ctx, b, tx, &err)
	return tx.commit(ctx)
}

// Rollback rolls back the bound transaction.
func (m *Manager) Rollback(ctx context.Context) (err error) {
	b, tx, err := m.completing(ctx, "rollback")
	if err != nil {
		return err
	}
	defer m.finishing(ctx, b, tx, &err)
	return tx.rollback(ctx)
}

// finishing runs finish when a completion returns or panics. A panicking
// participant leaves the outcome unknown; the panic is re-raised once the
// binding is restored.
func (m *Manager) finishing(ctx context.Context, b *binding, tx *Transaction, errp *error) {
	r := recover()
	if r != nil {
		tx.setStatus(StatusUnknown)
		m.log.Error("transaction completion panicked",
			zap.String("xid", tx.Xid().Global), zap.Any("panic", r))
	}
	*errp = m.finish(ctx, b, tx, *errp)
	if r != nil {
		panic(r)
	}
}

func (m *Manager) completing(ctx context.Context, op string) (*binding, *Transaction, error) {
	b, err := m.mustBinding(ctx, op)
	if err != nil {
		return nil, nil, err
	}
	tx := b.current()
	if tx == nil || !tx.isActive() {
		return nil, nil, illegalState(op, "no active transaction")
	}
	return b, tx, nil
}

// finish clears the binding and resumes the outer transaction, whatever
// the outcome of the completion.
func (m *Manager) finish(ctx context.Context, b *binding, tx *Transaction, err error) error {
	tx.mu.Lock()
	outer := tx.outer
	tx.outer = nil
	tx.mu.Unlock()

	b.mu.Lock()
	if b.tx == tx {
		b.tx = nil
	}
	b.mu.Unlock()

	if outer != nil {
		if rerr := m.Resume(ctx, outer); rerr != nil {
			m.log.Error("resuming outer transaction failed",
				zap.String("xid", outer.Xid().Global), zap.Error(rerr))
			if err == nil {
				err = rerr
			}
		}
	}
	return err
}

// SetRollbackOnly marks the bound transaction rollback-only.
func (m *Manager) SetRollbackOnly(ctx context.Context) error {
	_, tx, err := m.completing(ctx, "set-rollback-only")
	if err != nil {
		return err
	}
	tx.SetRollbackOnly(errors.New("marked rollback-only by the application"))
	return nil
}

// Status returns the status of the bound transaction.
func (m *Manager) Status(ctx context.Context) Status {
	b := bindingFrom(ctx)
	if b == nil {
		return StatusNoTransaction
	}
	tx := b.current()
	if tx == nil {
		return StatusNoTransaction
	}
	return tx.Status()
}

// SetTransactionTimeout sets the timeout for transactions begun later on
// ctx. Zero restores the manager default.
func (m *Manager) SetTransactionTimeout(ctx context.Context, d time.Duration) error {
	b, err := m.mustBinding(ctx, "set-transaction-timeout")
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.timeout = d
	b.timeoutSet = d > 0
	b.mu.Unlock()
	return nil
}

// ── Request scope ────────────────────────────────────────────────────────

// Track registers c as open in ctx's request scope; Release closes it if
// it is still registered. The returned func unregisters it.
func (m *Manager) Track(ctx context.Context, c io.Closer) (untrack func()) {
	b := bindingFrom(ctx)
	if b == nil {
		return func() {}
	}
	b.mu.Lock()
	if b.dangling == nil {
		b.dangling = make(map[uint64]io.Closer)
	}
	b.nextID++
	id := b.nextID
	b.dangling[id] = c
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.dangling, id)
		b.mu.Unlock()
	}
}

// allocationStacker is implemented by handles that recorded where they
// were allocated.
type allocationStacker interface {
	AllocationStack() string
}

// Release ends a request scope: a transaction still active is rolled back
// and connections still tracked are closed. Both are programming errors
// and are reported in the returned error.
func (m *Manager) Release(ctx context.Context) error {
	b := bindingFrom(ctx)
	if b == nil {
		return nil
	}

	var errs []error
	for tx := b.current(); tx != nil && tx.isActive(); tx = b.current() {
		xid := tx.Xid()
		m.log.Warn("rolling back transaction left open at end of request",
			zap.String("xid", xid.Global), zap.Duration("age", tx.Age()))
		if err := m.Rollback(ctx); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, &Error{Kind: KindIllegalState, Op: "release", Xid: xid,
			Msg: "transaction was not completed"})
	}

	b.mu.Lock()
	dangling := b.dangling
	b.dangling = nil
	b.mu.Unlock()

	for _, c := range dangling {
		fields := []zap.Field{}
		if s, ok := c.(allocationStacker); ok && s.AllocationStack() != "" {
			fields = append(fields, zap.String("allocated-at", s.AllocationStack()))
		}
		m.log.Warn("closing connection left open at end of request", fields...)
		if err := c.Close(); err != nil {
			m.log.Debug("closing dangling connection", zap.Error(err))
		}
	}
	if n := len(dangling); n > 0 {
		errs = append(errs, illegalState("release", "%d connection(s) were not closed", n))
	}
	return errors.Join(errs...)
}
