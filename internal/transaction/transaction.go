package transaction

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joao-brasil/txpool/internal/metrics"
	"github.com/joao-brasil/txpool/internal/xalog"
)

// participant is one enlisted resource and the branch it works on.
type participant struct {
	res       Resource
	xid       Xid
	joined    bool // works on the branch of an earlier participant (same RM)
	active    bool // between Start and End
	suspended bool
	onePhase  bool
}

// Transaction is a unit of work identified by a global id.
//
// A Transaction is driven by one context at a time; it moves between
// contexts only through Manager.Suspend and Manager.Resume. The mutex
// guards against the timeout timer and readers such as the pool sweep.
type Transaction struct {
	mgr *Manager
	log *zap.Logger

	mu            sync.Mutex
	xid           Xid
	status        Status
	participants  []*participant
	branches      uint32
	syncs         []Synchronization
	rollbackCause error
	localOpt      bool
	timeout       time.Duration
	timer         *time.Timer
	begunAt       time.Time

	// outer is the transaction suspended by BeginNested to start this
	// one; it is resumed when this one completes.
	outer *Transaction
}

func newTransaction(m *Manager) *Transaction {
	return &Transaction{mgr: m, log: m.log, status: StatusNoTransaction}
}

// Xid returns the global id, zero before the first Begin.
func (tx *Transaction) Xid() Xid {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.xid
}

func (tx *Transaction) Status() Status {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

// RollbackCause returns why the transaction was marked rollback-only.
func (tx *Transaction) RollbackCause() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.rollbackCause
}

// Age returns how long ago the transaction began.
func (tx *Transaction) Age() time.Duration {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.begunAt.IsZero() {
		return 0
	}
	return time.Since(tx.begunAt)
}

func (tx *Transaction) String() string {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return fmt.Sprintf("Transaction[%s %s]", tx.xid.Global, tx.status)
}

func (tx *Transaction) begin(xid Xid, timeout time.Duration) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.xid = xid
	tx.status = StatusActive
	tx.participants = nil
	tx.branches = 0
	tx.syncs = nil
	tx.rollbackCause = nil
	tx.localOpt = true
	tx.begunAt = time.Now()
	tx.outer = nil
	tx.armTimeoutLocked(timeout)
}

// isActive reports whether work may still be done under tx.
func (tx *Transaction) isActive() bool {
	s := tx.Status()
	return s == StatusActive || s == StatusMarkedRollback
}

func (tx *Transaction) setStatus(s Status) {
	tx.mu.Lock()
	tx.status = s
	tx.mu.Unlock()
}

// ── Timeout ──────────────────────────────────────────────────────────────

// SetTimeout re-arms the transaction timeout, counted from now. On expiry
// the transaction is marked rollback-only. Zero disables it.
func (tx *Transaction) SetTimeout(d time.Duration) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != StatusActive && tx.status != StatusMarkedRollback {
		return
	}
	tx.armTimeoutLocked(d)
}

func (tx *Transaction) armTimeoutLocked(d time.Duration) {
	tx.stopTimerLocked()
	tx.timeout = d
	if d <= 0 {
		return
	}
	xid := tx.xid
	tx.timer = time.AfterFunc(d, func() { tx.expire(xid) })
}

func (tx *Transaction) stopTimerLocked() {
	if tx.timer != nil {
		tx.timer.Stop()
		tx.timer = nil
	}
}

func (tx *Transaction) expire(xid Xid) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	// The timer may fire after tx was reused for another unit of work.
	if tx.xid != xid || tx.status != StatusActive {
		return
	}
	tx.status = StatusMarkedRollback
	tx.rollbackCause = &Error{
		Kind: KindRollback,
		Op:   "timeout",
		Xid:  xid,
		Msg:  fmt.Sprintf("transaction timed out after %s", tx.timeout),
	}
	metrics.TransactionTimeouts.Inc()
	tx.log.Warn("transaction timed out, marked rollback-only",
		zap.String("xid", xid.Global), zap.Duration("timeout", tx.timeout))
}

// SetRollbackOnly marks the transaction so that it can only roll back.
// The first cause is kept.
func (tx *Transaction) SetRollbackOnly(cause error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	switch tx.status {
	case StatusActive, StatusPreparing, StatusPrepared:
		tx.status = StatusMarkedRollback
		tx.rollbackCause = cause
	case StatusMarkedRollback:
		if tx.rollbackCause == nil {
			tx.rollbackCause = cause
		}
	}
}

// DisableLocalOptimization forces a full two-phase commit even when a
// single resource manager is enlisted.
func (tx *Transaction) DisableLocalOptimization() {
	tx.mu.Lock()
	tx.localOpt = false
	tx.mu.Unlock()
}

// RegisterSynchronization adds a completion callback.
func (tx *Transaction) RegisterSynchronization(s Synchronization) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	switch tx.status {
	case StatusActive, StatusMarkedRollback:
		tx.syncs = append(tx.syncs, s)
		return nil
	}
	return &Error{Kind: KindIllegalState, Op: "register-synchronization", Xid: tx.xid,
		Msg: "transaction is " + tx.status.String()}
}

// Participants returns the enlisted resources in enlistment order.
func (tx *Transaction) Participants() []Resource {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make([]Resource, 0, len(tx.participants))
	for _, p := range tx.participants {
		out = append(out, p.res)
	}
	return out
}

// ── Enlistment ───────────────────────────────────────────────────────────

func isOnePhaseOnly(r Resource) bool {
	op, ok := r.(OnePhaseResource)
	return ok && op.OnePhaseOnly()
}

// Enlist makes r a participant. A resource on the same resource manager as
// an existing participant joins that participant's branch; anything else
// starts a new branch. Enlisting a suspended participant resumes it.
func (tx *Transaction) Enlist(ctx context.Context, r Resource) error {
	tx.mu.Lock()
	if err := tx.checkEnlistLocked(); err != nil {
		tx.mu.Unlock()
		return err
	}

	for _, p := range tx.participants {
		if p.res != r {
			continue
		}
		if !p.suspended {
			tx.mu.Unlock()
			return nil
		}
		xid := p.xid
		tx.mu.Unlock()
		if err := r.Start(ctx, xid, FlagResume); err != nil {
			tx.SetRollbackOnly(err)
			return &Error{Kind: KindSystem, Op: "enlist", Xid: xid, Msg: "resume association", Err: err}
		}
		tx.mu.Lock()
		p.suspended = false
		p.active = true
		tx.mu.Unlock()
		return nil
	}

	p := &participant{res: r, onePhase: isOnePhaseOnly(r)}
	var distinct int
	var onePhaseEnlisted bool
	for _, q := range tx.participants {
		if q.joined {
			continue
		}
		if !p.joined && q.res.IsSameRM(r) {
			p.joined = true
			p.xid = q.xid
		}
		distinct++
		onePhaseEnlisted = onePhaseEnlisted || q.onePhase
	}

	if !p.joined && distinct > 0 && (p.onePhase || onePhaseEnlisted) {
		xid := tx.xid
		tx.mu.Unlock()
		err := &Error{Kind: KindIllegalState, Op: "enlist", Xid: xid,
			Msg: "a local-transaction resource cannot share a transaction with other resource managers"}
		tx.SetRollbackOnly(err)
		return err
	}

	flags := FlagNone
	if p.joined {
		flags = FlagJoin
	} else {
		tx.branches++
		p.xid = tx.xid.WithBranch(tx.branches)
	}
	timeout := tx.timeout
	tx.mu.Unlock()

	if tr, ok := r.(TimeoutResource); ok && timeout > 0 {
		if err := tr.SetTransactionTimeout(int((timeout + time.Second - 1) / time.Second)); err != nil {
			tx.log.Debug("participant rejected transaction timeout",
				zap.String("xid", p.xid.String()), zap.Error(err))
		}
	}

	if err := r.Start(ctx, p.xid, flags); err != nil {
		tx.SetRollbackOnly(err)
		return &Error{Kind: KindSystem, Op: "enlist", Xid: p.xid, Msg: "start association", Err: err}
	}

	p.active = true
	tx.mu.Lock()
	tx.participants = append(tx.participants, p)
	tx.mu.Unlock()
	return nil
}

func (tx *Transaction) checkEnlistLocked() error {
	switch tx.status {
	case StatusActive:
		return nil
	case StatusMarkedRollback:
		return &Error{Kind: KindRollback, Op: "enlist", Xid: tx.xid,
			Msg: "transaction is marked rollback-only", Err: tx.rollbackCause}
	}
	return &Error{Kind: KindIllegalState, Op: "enlist", Xid: tx.xid,
		Msg: "transaction is " + tx.status.String()}
}

// Delist ends r's association. FlagFail also marks the transaction
// rollback-only and drops r, whose connection is going away.
func (tx *Transaction) Delist(ctx context.Context, r Resource, flags Flags) error {
	tx.mu.Lock()
	idx := slices.IndexFunc(tx.participants, func(p *participant) bool { return p.res == r })
	if idx < 0 {
		tx.mu.Unlock()
		return nil
	}
	p := tx.participants[idx]
	wasActive := p.active
	if flags == FlagFail {
		tx.participants = slices.Delete(tx.participants, idx, idx+1)
	}
	p.active = false
	p.suspended = flags == FlagSuspend
	tx.mu.Unlock()

	var err error
	if wasActive {
		err = r.End(ctx, p.xid, flags)
	}
	if flags == FlagFail {
		tx.SetRollbackOnly(fmt.Errorf("participant %s delisted with failure", p.xid))
	}
	if err != nil {
		return &Error{Kind: KindSystem, Op: "delist", Xid: p.xid, Err: err}
	}
	return nil
}

// suspendAll ends every active association with FlagSuspend.
func (tx *Transaction) suspendAll(ctx context.Context) {
	for _, p := range tx.snapshot() {
		if !p.active {
			continue
		}
		if err := p.res.End(ctx, p.xid, FlagSuspend); err != nil {
			tx.log.Warn("suspending participant failed", zap.String("xid", p.xid.String()), zap.Error(err))
			tx.SetRollbackOnly(err)
			continue
		}
		tx.mu.Lock()
		p.active, p.suspended = false, true
		tx.mu.Unlock()
	}
}

// resumeAll restarts every suspended association with FlagResume.
func (tx *Transaction) resumeAll(ctx context.Context) error {
	var errs []error
	for _, p := range tx.snapshot() {
		if !p.suspended {
			continue
		}
		if err := p.res.Start(ctx, p.xid, FlagResume); err != nil {
			tx.SetRollbackOnly(err)
			errs = append(errs, err)
			continue
		}
		tx.mu.Lock()
		p.active, p.suspended = true, false
		tx.mu.Unlock()
	}
	if len(errs) > 0 {
		return &Error{Kind: KindSystem, Op: "resume", Xid: tx.Xid(), Err: errors.Join(errs...)}
	}
	return nil
}

// endAll ends every open association (active or suspended) with flags.
func (tx *Transaction) endAll(ctx context.Context, flags Flags) error {
	var errs []error
	for _, p := range tx.snapshot() {
		if !p.active && !p.suspended {
			continue
		}
		err := p.res.End(ctx, p.xid, flags)
		tx.mu.Lock()
		p.active, p.suspended = false, false
		tx.mu.Unlock()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (tx *Transaction) snapshot() []*participant {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return slices.Clone(tx.participants)
}

// distinct returns the participants owning a branch, i.e. one per resource
// manager.
func (tx *Transaction) distinct() []*participant {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	var out []*participant
	for _, p := range tx.participants {
		if !p.joined {
			out = append(out, p)
		}
	}
	return out
}

// ── Completion ───────────────────────────────────────────────────────────

func (tx *Transaction) commit(ctx context.Context) error {
	tx.mu.Lock()
	xid := tx.xid
	if tx.status != StatusActive && tx.status != StatusMarkedRollback {
		s := tx.status
		tx.mu.Unlock()
		return &Error{Kind: KindIllegalState, Op: "commit", Xid: xid, Msg: "transaction is " + s.String()}
	}
	tx.stopTimerLocked()
	syncs := slices.Clone(tx.syncs)
	marked := tx.status == StatusMarkedRollback
	tx.mu.Unlock()

	start := time.Now()
	defer func() { metrics.CommitDuration.Observe(time.Since(start).Seconds()) }()

	if !marked {
		for _, s := range syncs {
			if err := s.BeforeCompletion(ctx); err != nil {
				tx.SetRollbackOnly(err)
				break
			}
		}
	}

	if tx.Status() == StatusActive {
		if err := tx.endAll(ctx, FlagSuccess); err != nil {
			tx.SetRollbackOnly(err)
		}
	}

	tx.mu.Lock()
	marked = tx.status == StatusMarkedRollback
	cause := tx.rollbackCause
	tx.mu.Unlock()

	var err error
	if marked {
		err = tx.rollbackParticipants(ctx, "commit", tx.distinct())
		if err == nil {
			err = &Error{Kind: KindRollback, Op: "commit", Xid: xid,
				Msg: "transaction was marked rollback-only", Err: cause}
		}
	} else {
		err = tx.complete(ctx)
	}

	tx.afterCompletion(ctx)
	return err
}

func (tx *Transaction) complete(ctx context.Context) error {
	distinct := tx.distinct()
	tx.mu.Lock()
	localOpt := tx.localOpt
	tx.mu.Unlock()

	switch {
	case len(distinct) == 0:
		tx.setStatus(StatusCommitted)
		metrics.TransactionOutcomes.WithLabelValues("committed").Inc()
		return nil
	case len(distinct) == 1 && (localOpt || distinct[0].onePhase):
		return tx.commitOnePhase(ctx, distinct[0])
	default:
		return tx.commitTwoPhase(ctx, distinct)
	}
}

func (tx *Transaction) commitOnePhase(ctx context.Context, p *participant) error {
	tx.setStatus(StatusCommitting)
	ctx = context.WithoutCancel(ctx)

	err := p.res.Commit(ctx, p.xid, true)
	if err == nil {
		tx.setStatus(StatusCommitted)
		metrics.TransactionOutcomes.WithLabelValues("committed").Inc()
		return nil
	}

	code := xaCode(err)
	switch {
	case code == XAHeurCommit:
		tx.forget(ctx, p)
		tx.setStatus(StatusCommitted)
		metrics.TransactionOutcomes.WithLabelValues("committed").Inc()
		return nil
	case isRollbackCode(code), code == XAHeurRollback:
		if code == XAHeurRollback {
			tx.forget(ctx, p)
		}
		tx.setStatus(StatusRolledBack)
		metrics.TransactionOutcomes.WithLabelValues("rolled-back").Inc()
		return &Error{Kind: KindRollback, Op: "commit", Xid: p.xid, Msg: "one-phase commit rolled back", Err: err}
	case code == XAHeurMixed:
		tx.forget(ctx, p)
		return tx.heuristic(ctx, KindHeuristicMixed, err)
	default:
		return tx.heuristic(ctx, KindHeuristicHazard, err)
	}
}

func (tx *Transaction) commitTwoPhase(ctx context.Context, distinct []*participant) error {
	xid := tx.Xid()
	tx.setStatus(StatusPreparing)

	votes := make([]Vote, len(distinct))
	errs := make([]error, len(distinct))
	var g errgroup.Group
	for i, p := range distinct {
		g.Go(func() error {
			votes[i], errs[i] = p.res.Prepare(ctx, p.xid)
			if errs[i] != nil {
				return fmt.Errorf("prepare %s: %w", p.xid, errs[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Participants that voted no have already rolled back; the rest
		// are told to, including those whose answer is unknown.
		var undo []*participant
		for i, p := range distinct {
			if errs[i] == nil && votes[i] == VoteReadOnly {
				continue
			}
			if errs[i] != nil && isRollbackCode(xaCode(errs[i])) {
				continue
			}
			undo = append(undo, p)
		}
		if rbErr := tx.rollbackParticipants(ctx, "commit", undo); rbErr != nil {
			return rbErr
		}
		return &Error{Kind: KindRollback, Op: "commit", Xid: xid, Msg: "prepare failed", Err: err}
	}

	var prepared []*participant
	for i, p := range distinct {
		if votes[i] == VoteOK {
			prepared = append(prepared, p)
		}
	}
	if len(prepared) == 0 {
		tx.setStatus(StatusCommitted)
		metrics.TransactionOutcomes.WithLabelValues("committed").Inc()
		return nil
	}

	tx.setStatus(StatusPrepared)
	if err := tx.mgr.xalog.Append(ctx, xid.Global, xalog.OutcomeCommit); err != nil {
		if rbErr := tx.rollbackParticipants(ctx, "commit", prepared); rbErr != nil {
			return rbErr
		}
		return &Error{Kind: KindRollback, Op: "commit", Xid: xid, Msg: "writing commit record", Err: err}
	}

	// The decision is durable: phase two runs to completion regardless of
	// the caller's deadline.
	ctx = context.WithoutCancel(ctx)
	tx.setStatus(StatusCommitting)

	var committed, rolledBack int
	var mixed, hazard bool
	var firstErr error
	for _, p := range prepared {
		err := p.res.Commit(ctx, p.xid, false)
		if err == nil {
			committed++
			continue
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("commit %s: %w", p.xid, err)
		}
		code := xaCode(err)
		switch {
		case code == XAHeurCommit:
			committed++
			tx.forget(ctx, p)
		case code == XAHeurRollback:
			rolledBack++
			tx.forget(ctx, p)
		case isRollbackCode(code):
			rolledBack++
		case code == XAHeurMixed:
			mixed = true
			tx.forget(ctx, p)
		default:
			hazard = true
		}
	}

	switch {
	case rolledBack == 0 && !mixed && !hazard:
		tx.setStatus(StatusCommitted)
		metrics.TransactionOutcomes.WithLabelValues("committed").Inc()
		return nil
	case mixed || (committed > 0 && rolledBack > 0):
		return tx.heuristic(ctx, KindHeuristicMixed, firstErr)
	case hazard:
		return tx.heuristic(ctx, KindHeuristicHazard, firstErr)
	default:
		return tx.heuristic(ctx, KindHeuristicRollback, firstErr)
	}
}

// heuristic records a partial outcome in the durable log, then builds the
// error the caller sees.
func (tx *Transaction) heuristic(ctx context.Context, kind ErrorKind, cause error) error {
	xid := tx.Xid()
	var outcome xalog.Outcome
	switch kind {
	case KindHeuristicMixed:
		outcome = xalog.OutcomeHeuristicMixed
	case KindHeuristicRollback:
		outcome = xalog.OutcomeHeuristicRollback
	default:
		outcome = xalog.OutcomeHeuristicHazard
	}

	if kind == KindHeuristicRollback {
		tx.setStatus(StatusRolledBack)
	} else {
		tx.setStatus(StatusUnknown)
	}
	metrics.TransactionOutcomes.WithLabelValues(string(outcome)).Inc()

	if err := tx.mgr.xalog.Append(ctx, xid.Global, outcome); err != nil {
		tx.log.Error("failed to record heuristic outcome",
			zap.String("xid", xid.Global), zap.String("outcome", string(outcome)), zap.Error(err))
		cause = errors.Join(cause, fmt.Errorf("recording %s: %w", outcome, err))
	}
	tx.log.Error("heuristic transaction outcome",
		zap.String("xid", xid.Global), zap.String("outcome", string(outcome)), zap.Error(cause))

	return &Error{Kind: kind, Op: "commit", Xid: xid, Err: cause}
}

func (tx *Transaction) forget(ctx context.Context, p *participant) {
	if err := p.res.Forget(ctx, p.xid); err != nil {
		tx.log.Warn("forget after heuristic completion failed",
			zap.String("xid", p.xid.String()), zap.Error(err))
	}
}

func (tx *Transaction) rollback(ctx context.Context) error {
	tx.mu.Lock()
	if tx.status != StatusActive && tx.status != StatusMarkedRollback {
		s, xid := tx.status, tx.xid
		tx.mu.Unlock()
		return &Error{Kind: KindIllegalState, Op: "rollback", Xid: xid, Msg: "transaction is " + s.String()}
	}
	tx.stopTimerLocked()
	tx.mu.Unlock()

	err := tx.rollbackParticipants(ctx, "rollback", tx.distinct())
	tx.afterCompletion(ctx)
	return err
}

// rollbackParticipants ends open associations and rolls back ps. Only a
// participant reporting that it committed on its own is surfaced; other
// failures are logged, since the resource manager aborts the branch itself.
func (tx *Transaction) rollbackParticipants(ctx context.Context, op string, ps []*participant) error {
	tx.mu.Lock()
	tx.stopTimerLocked()
	tx.status = StatusRollingBack
	xid := tx.xid
	tx.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	if err := tx.endAll(ctx, FlagFail); err != nil {
		tx.log.Debug("ending associations before rollback", zap.String("xid", xid.Global), zap.Error(err))
	}

	var heurErr error
	for _, p := range ps {
		err := p.res.Rollback(ctx, p.xid)
		if err == nil {
			continue
		}
		code := xaCode(err)
		switch {
		case isRollbackCode(code), code == XAErrNotA:
		case code == XAHeurRollback:
			tx.forget(ctx, p)
		case code == XAHeurCommit, code == XAHeurMixed:
			tx.forget(ctx, p)
			if heurErr == nil {
				heurErr = fmt.Errorf("rollback %s: %w", p.xid, err)
			}
		default:
			tx.log.Warn("participant rollback failed",
				zap.String("xid", p.xid.String()), zap.Error(err))
		}
	}

	tx.setStatus(StatusRolledBack)
	if heurErr != nil {
		if err := tx.mgr.xalog.Append(ctx, xid.Global, xalog.OutcomeHeuristicMixed); err != nil {
			heurErr = errors.Join(heurErr, fmt.Errorf("recording %s: %w", xalog.OutcomeHeuristicMixed, err))
		}
		tx.setStatus(StatusUnknown)
		metrics.TransactionOutcomes.WithLabelValues(string(xalog.OutcomeHeuristicMixed)).Inc()
		tx.log.Error("participant committed during rollback", zap.String("xid", xid.Global), zap.Error(heurErr))
		return &Error{Kind: KindHeuristicMixed, Op: op, Xid: xid, Err: heurErr}
	}
	metrics.TransactionOutcomes.WithLabelValues("rolled-back").Inc()
	return nil
}

func (tx *Transaction) afterCompletion(ctx context.Context) {
	tx.mu.Lock()
	status := tx.status
	syncs := tx.syncs
	tx.syncs = nil
	tx.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	for _, s := range syncs {
		s.AfterCompletion(ctx, status)
	}
}

func isRollbackCode(c XACode) bool {
	return c >= XARollback && c <= xaRollbackEnd
}
