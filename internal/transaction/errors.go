package transaction

import (
	"errors"
	"fmt"
)

// ErrorKind classifies transaction failures.
type ErrorKind int

const (
	// KindIllegalState is a misuse of the API: double begin, resume over an
	// active transaction, commit or rollback with nothing current.
	KindIllegalState ErrorKind = iota
	// KindRollback means the transaction was rolled back instead of committed.
	KindRollback
	// KindHeuristicMixed means some participants committed and others rolled back.
	KindHeuristicMixed
	// KindHeuristicRollback means every prepared participant rolled back.
	KindHeuristicRollback
	// KindHeuristicHazard means the outcome of at least one participant is unknown.
	KindHeuristicHazard
	// KindSystem is an unexpected participant or log failure.
	KindSystem
)

func (k ErrorKind) String() string {
	switch k {
	case KindIllegalState:
		return "illegal state"
	case KindRollback:
		return "rolled back"
	case KindHeuristicMixed:
		return "heuristic mixed"
	case KindHeuristicRollback:
		return "heuristic rollback"
	case KindHeuristicHazard:
		return "heuristic hazard"
	default:
		return "system error"
	}
}

// Error provides structured information about a transaction failure.
type Error struct {
	Kind ErrorKind
	Op   string // operation that failed, e.g. "commit"
	Xid  Xid    // zero when no transaction was involved
	Msg  string
	Err  error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := "transaction: " + e.Op + ": " + e.Kind.String()
	if !e.Xid.IsZero() {
		msg += " [" + e.Xid.Global + "]"
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func illegalState(op string, format string, args ...any) *Error {
	return &Error{Kind: KindIllegalState, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func kindOf(err error) (ErrorKind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

// IsIllegalState reports whether err is an API misuse error.
func IsIllegalState(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindIllegalState
}

// IsRollback reports whether err means the transaction was rolled back.
func IsRollback(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindRollback
}

// IsHeuristic reports whether err is a heuristic (partial) outcome.
func IsHeuristic(err error) bool {
	k, ok := kindOf(err)
	return ok && (k == KindHeuristicMixed || k == KindHeuristicRollback || k == KindHeuristicHazard)
}

// ── Participant errors ────────────────────────────────────────────────────

// XACode is the error code a participant reports, using the X/Open XA
// return code values.
type XACode int

const (
	XARollback     XACode = 100 // participant rolled back (vote no)
	XARollbackTime XACode = 106 // rolled back because of a timeout
	xaRollbackEnd  XACode = 107 // last of the XA_RB* range
	XAHeurHazard   XACode = 8   // may have been heuristically completed
	XAHeurCommit   XACode = 7   // heuristically committed
	XAHeurRollback XACode = 6   // heuristically rolled back
	XAHeurMixed    XACode = 5   // partly committed, partly rolled back
	XAErrRM        XACode = -3  // resource manager error
	XAErrNotA      XACode = -4  // unknown xid
	XAErrProto     XACode = -6  // called in the wrong state
	XAErrRMFail    XACode = -7  // resource manager unavailable
)

func (c XACode) String() string {
	switch c {
	case XARollback:
		return "XA_RBROLLBACK"
	case XARollbackTime:
		return "XA_RBTIMEOUT"
	case XAHeurHazard:
		return "XA_HEURHAZ"
	case XAHeurCommit:
		return "XA_HEURCOM"
	case XAHeurRollback:
		return "XA_HEURRB"
	case XAHeurMixed:
		return "XA_HEURMIX"
	case XAErrRM:
		return "XAER_RMERR"
	case XAErrNotA:
		return "XAER_NOTA"
	case XAErrProto:
		return "XAER_PROTO"
	case XAErrRMFail:
		return "XAER_RMFAIL"
	default:
		return fmt.Sprintf("XA(%d)", int(c))
	}
}

// XAError is returned by participants.
type XAError struct {
	Code XACode
	Err  error
}

func (e *XAError) Error() string {
	if e.Err != nil {
		return e.Code.String() + ": " + e.Err.Error()
	}
	return e.Code.String()
}

func (e *XAError) Unwrap() error {
	return e.Err
}

// xaCode extracts the participant code from err, defaulting to XAErrRM.
func xaCode(err error) XACode {
	var xe *XAError
	if errors.As(err, &xe) {
		return xe.Code
	}
	return XAErrRM
}
