package pool

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies the type of pool error.
type ErrorKind int

const (
	// KindResourceExhausted means no item could be obtained within the
	// wait time and the overflow allowance was used up.
	KindResourceExhausted ErrorKind = iota
	// KindCreateFailed means the factory could not open a connection.
	KindCreateFailed
	// KindConnectionInvalid means the item a handle pointed at is gone.
	KindConnectionInvalid
	// KindClosed means the pool was shut down.
	KindClosed
)

// Error provides structured error information for allocation failures.
type Error struct {
	Pool     string
	Kind     ErrorKind
	Total    int           // items in the pool (for KindResourceExhausted)
	Limit    int           // max plus overflow (for KindResourceExhausted)
	WaitTime time.Duration // how long the caller waited
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindResourceExhausted:
		return fmt.Sprintf("pool %s exhausted: %d connections, limit %d (waited %v)",
			e.Pool, e.Total, e.Limit, e.WaitTime)
	case KindCreateFailed:
		return fmt.Sprintf("pool %s: creating connection: %v", e.Pool, e.Err)
	case KindConnectionInvalid:
		return fmt.Sprintf("pool %s: connection is no longer valid", e.Pool)
	case KindClosed:
		return fmt.Sprintf("pool %s is closed", e.Pool)
	default:
		return fmt.Sprintf("pool %s: unknown error", e.Pool)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func isKind(err error, k ErrorKind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == k
}

// IsResourceExhausted returns true if err is a pool exhaustion error.
func IsResourceExhausted(err error) bool { return isKind(err, KindResourceExhausted) }

// IsCreateFailed returns true if the factory failed to open a connection.
func IsCreateFailed(err error) bool { return isKind(err, KindCreateFailed) }

// IsConnectionInvalid returns true if the handle lost its connection.
func IsConnectionInvalid(err error) bool { return isKind(err, KindConnectionInvalid) }

// IsClosed returns true if the pool was closed.
func IsClosed(err error) bool { return isKind(err, KindClosed) }
