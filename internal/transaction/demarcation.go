package transaction

import (
	"context"
	"errors"
	"fmt"
)

// Policy is a declarative transaction attribute.
type Policy int

const (
	// Required joins the active transaction or begins one.
	Required Policy = iota
	// RequiresNew suspends the active transaction and begins a new one.
	RequiresNew
	// Mandatory requires an active transaction.
	Mandatory
	// Never requires that no transaction is active.
	Never
	// Suspend runs without a transaction, suspending any active one.
	Suspend
	// Supports runs in whatever transaction is (or is not) active.
	Supports
)

func (p Policy) String() string {
	switch p {
	case Required:
		return "required"
	case RequiresNew:
		return "requires-new"
	case Mandatory:
		return "mandatory"
	case Never:
		return "never"
	case Suspend:
		return "suspend"
	case Supports:
		return "supports"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy is the inverse of Policy.String.
func ParsePolicy(s string) (Policy, error) {
	for p := Required; p <= Supports; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown transaction policy %q", s)
}

// Demarcation applies policies over a Manager. It holds no state of its
// own; everything a scope needs to undo is in the returned Scope.
type Demarcation struct {
	tm *Manager
}

func NewDemarcation(tm *Manager) *Demarcation {
	return &Demarcation{tm: tm}
}

// Scope is an entered policy.
type Scope struct {
	tm      *Manager
	policy  Policy
	prior   *Transaction // to restore on End
	started *Transaction // begun by this scope, completed on End
	done    bool
}

// Prior returns the transaction that was bound before the scope and is
// restored by End, or nil.
func (s *Scope) Prior() *Transaction { return s.prior }

// Started returns the transaction the scope began, or nil.
func (s *Scope) Started() *Transaction { return s.started }

func (d *Demarcation) Required(ctx context.Context) (*Scope, error) {
	if d.tm.Active(ctx) != nil {
		return &Scope{tm: d.tm, policy: Required}, nil
	}
	tx, err := d.tm.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Scope{tm: d.tm, policy: Required, started: tx}, nil
}

func (d *Demarcation) RequiresNew(ctx context.Context) (*Scope, error) {
	tx, err := d.tm.BeginNested(ctx)
	if err != nil {
		return nil, err
	}
	tx.mu.Lock()
	prior := tx.outer
	tx.mu.Unlock()
	return &Scope{tm: d.tm, policy: RequiresNew, prior: prior, started: tx}, nil
}

func (d *Demarcation) Mandatory(ctx context.Context) (*Scope, error) {
	if d.tm.Active(ctx) == nil {
		return nil, illegalState("mandatory", "no active transaction")
	}
	return &Scope{tm: d.tm, policy: Mandatory}, nil
}

func (d *Demarcation) Never(ctx context.Context) (*Scope, error) {
	if tx := d.tm.Active(ctx); tx != nil {
		return nil, &Error{Kind: KindIllegalState, Op: "never", Xid: tx.Xid(),
			Msg: "a transaction is active"}
	}
	return &Scope{tm: d.tm, policy: Never}, nil
}

func (d *Demarcation) Suspend(ctx context.Context) (*Scope, error) {
	prior, err := d.tm.Suspend(ctx)
	if err != nil {
		return nil, err
	}
	return &Scope{tm: d.tm, policy: Suspend, prior: prior}, nil
}

func (d *Demarcation) Supports(context.Context) (*Scope, error) {
	return &Scope{tm: d.tm, policy: Supports}, nil
}

// Enter applies p.
func (d *Demarcation) Enter(ctx context.Context, p Policy) (*Scope, error) {
	switch p {
	case Required:
		return d.Required(ctx)
	case RequiresNew:
		return d.RequiresNew(ctx)
	case Mandatory:
		return d.Mandatory(ctx)
	case Never:
		return d.Never(ctx)
	case Suspend:
		return d.Suspend(ctx)
	case Supports:
		return d.Supports(ctx)
	}
	return nil, fmt.Errorf("unknown transaction policy %d", int(p))
}

// End leaves the scope. A transaction the scope began is committed when
// workErr is nil and rolled back otherwise; the prior transaction is then
// bound again. End is idempotent.
func (s *Scope) End(ctx context.Context, workErr error) error {
	if s == nil || s.done {
		return nil
	}
	s.done = true

	var err error
	if s.started != nil && s.started.isActive() && s.tm.Active(ctx) == s.started {
		if workErr != nil {
			err = s.tm.Rollback(ctx)
		} else {
			err = s.tm.Commit(ctx)
		}
	}

	if s.prior != nil && s.tm.Active(ctx) != s.prior {
		if rerr := s.tm.Resume(ctx, s.prior); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	return err
}

// Run executes fn under policy p: a transaction the policy began commits
// when fn returns nil and rolls back when it returns an error or panics.
func (d *Demarcation) Run(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	scope, err := d.Enter(ctx, p)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = scope.End(ctx, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	workErr := fn(ctx)
	endErr := scope.End(ctx, workErr)
	switch {
	case workErr == nil:
		return endErr
	case endErr == nil:
		return workErr
	default:
		return errors.Join(workErr, endErr)
	}
}
