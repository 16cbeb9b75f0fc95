package transaction

import "context"

// Flags modify Start and End calls on a participant.
type Flags int

const (
	FlagNone    Flags = 0
	FlagJoin    Flags = 1 << 21 // join the branch of a resource on the same RM
	FlagResume  Flags = 1 << 27 // resume a suspended association
	FlagSuccess Flags = 1 << 26 // association ended normally
	FlagFail    Flags = 1 << 29 // association ended, branch must roll back
	FlagSuspend Flags = 1 << 25 // association suspended
)

// Vote is a participant's answer to Prepare.
type Vote int

const (
	VoteOK       Vote = iota // prepared, must be told to commit or roll back
	VoteReadOnly             // nothing to commit, branch already forgotten
)

// Resource is a transaction participant (an XA resource).
//
// Pool items implement it on behalf of their physical connection; drivers
// implement it for recovery, where no pool item exists.
type Resource interface {
	Start(ctx context.Context, xid Xid, flags Flags) error
	End(ctx context.Context, xid Xid, flags Flags) error
	Prepare(ctx context.Context, xid Xid) (Vote, error)
	Commit(ctx context.Context, xid Xid, onePhase bool) error
	Rollback(ctx context.Context, xid Xid) error
	Forget(ctx context.Context, xid Xid) error

	// Recover lists the branches the resource manager holds prepared.
	Recover(ctx context.Context) ([]Xid, error)

	// IsSameRM reports whether other talks to the same resource manager,
	// in which case it joins this resource's branch instead of opening one.
	IsSameRM(other Resource) bool
}

// OnePhaseResource is implemented by participants that may be unable to
// prepare, e.g. a connection running a plain local transaction. Such a
// participant can only be the sole resource manager of a transaction.
type OnePhaseResource interface {
	OnePhaseOnly() bool
}

// TimeoutResource is implemented by participants that accept a
// transaction timeout hint.
type TimeoutResource interface {
	SetTransactionTimeout(seconds int) error
}

// Synchronization receives completion callbacks.
type Synchronization interface {
	// BeforeCompletion runs before commit starts; an error rolls the
	// transaction back.
	BeforeCompletion(ctx context.Context) error
	// AfterCompletion runs once the outcome is known.
	AfterCompletion(ctx context.Context, status Status)
}

// SynchronizationFuncs adapts plain functions to Synchronization.
type SynchronizationFuncs struct {
	Before func(ctx context.Context) error
	After  func(ctx context.Context, status Status)
}

func (s SynchronizationFuncs) BeforeCompletion(ctx context.Context) error {
	if s.Before == nil {
		return nil
	}
	return s.Before(ctx)
}

func (s SynchronizationFuncs) AfterCompletion(ctx context.Context, status Status) {
	if s.After != nil {
		s.After(ctx, status)
	}
}
