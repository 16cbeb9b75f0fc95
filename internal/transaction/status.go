package transaction

// Status represents the lifecycle state of a Transaction.
type Status int

const (
	StatusNoTransaction  Status = iota // no unit of work in progress
	StatusActive                       // begun, accepting enlistments
	StatusMarkedRollback               // can only roll back
	StatusPreparing                    // phase one in progress
	StatusPrepared                     // all participants voted
	StatusCommitting                   // phase two in progress
	StatusCommitted
	StatusRollingBack
	StatusRolledBack
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusNoTransaction:
		return "no-transaction"
	case StatusActive:
		return "active"
	case StatusMarkedRollback:
		return "marked-rollback"
	case StatusPreparing:
		return "preparing"
	case StatusPrepared:
		return "prepared"
	case StatusCommitting:
		return "committing"
	case StatusCommitted:
		return "committed"
	case StatusRollingBack:
		return "rolling-back"
	case StatusRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

// terminal reports whether a transaction in this status has completed and
// should be replaced by a fresh one on the next Current call.
func (s Status) terminal() bool {
	switch s {
	case StatusCommitted, StatusRolledBack, StatusUnknown:
		return true
	}
	return false
}
