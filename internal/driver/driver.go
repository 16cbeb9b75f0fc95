// Package driver defines what the pool needs from a backend: creating,
// matching, validating and destroying physical connections, and the
// transactional capabilities of a connection.
package driver

import (
	"context"

	"github.com/joao-brasil/txpool/internal/transaction"
)

// Credentials identify who a connection is opened as.
type Credentials struct {
	User     string
	Password string
}

// Info carries the non-credential connection request properties.
type Info struct {
	Database        string
	ApplicationName string
}

// Factory creates and manages physical connections for one backend.
type Factory interface {
	Create(ctx context.Context, creds Credentials, info Info) (Conn, error)
	// Match picks an idle connection usable for creds and info, or nil.
	Match(idle []Conn, creds Credentials, info Info) Conn
	// Validate reports whether conn is still alive.
	Validate(ctx context.Context, conn Conn) bool
	// Destroy closes conn. Calling it more than once is harmless.
	Destroy(conn Conn) error
}

// Conn is a physical connection.
type Conn interface {
	Credentials() Credentials
	Info() Info
	// Reset cleans session state before the connection goes back idle.
	Reset(ctx context.Context) error
	// XAResource returns the connection's two-phase participant, or nil
	// when the backend cannot prepare.
	XAResource() transaction.Resource
	// LocalTransaction returns the connection's local transaction, or nil.
	LocalTransaction() LocalTx
}

// LocalTx is a plain single-resource transaction.
type LocalTx interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// MatchExact returns the first idle connection opened with exactly creds
// and info.
func MatchExact(idle []Conn, creds Credentials, info Info) Conn {
	for _, c := range idle {
		if c.Credentials() == creds && c.Info() == info {
			return c
		}
	}
	return nil
}
