// Package postgres is the PostgreSQL driver. Two-phase commit maps onto
// PREPARE TRANSACTION / COMMIT PREPARED; in-doubt branches are read from
// pg_prepared_xacts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/joao-brasil/txpool/internal/driver"
	"github.com/joao-brasil/txpool/internal/transaction"
	"github.com/joao-brasil/txpool/pkg/datasource"
)

// sqlstate for "prepared transaction with identifier ... does not exist".
const codeUndefinedObject = "42704"

const closeTimeout = 5 * time.Second

// Factory opens pgx connections for one data source.
type Factory struct {
	base *pgx.ConnConfig
	log  *zap.Logger
}

// NewFactory parses the data source into a pgx connection config.
func NewFactory(ds datasource.DataSource) (*Factory, error) {
	cfg, err := pgx.ParseConfig(ds.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn for %s: %w", ds.Addr(), err)
	}
	return &Factory{base: cfg, log: zap.L().Named("postgres")}, nil
}

func (f *Factory) Create(ctx context.Context, creds driver.Credentials, info driver.Info) (driver.Conn, error) {
	cfg := f.base.Copy()
	if creds.User != "" {
		cfg.User = creds.User
		cfg.Password = creds.Password
	}
	if info.Database != "" {
		cfg.Database = info.Database
	}
	if info.ApplicationName != "" {
		cfg.RuntimeParams["application_name"] = info.ApplicationName
	}

	pc, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s/%s: %w", cfg.Host, cfg.Database, err)
	}
	c := &Conn{pc: pc, creds: creds, info: info}
	c.xa = &xaResource{conn: c}
	return c, nil
}

func (f *Factory) Match(idle []driver.Conn, creds driver.Credentials, info driver.Info) driver.Conn {
	return driver.MatchExact(idle, creds, info)
}

func (f *Factory) Validate(ctx context.Context, conn driver.Conn) bool {
	c, ok := conn.(*Conn)
	if !ok || c.pc.IsClosed() {
		return false
	}
	if err := c.pc.Ping(ctx); err != nil {
		f.log.Debug("connection failed validation", zap.Error(err))
		return false
	}
	return true
}

func (f *Factory) Destroy(conn driver.Conn) error {
	c, ok := conn.(*Conn)
	if !ok {
		return fmt.Errorf("postgres: foreign connection %T", conn)
	}
	return c.close()
}

// Conn is one pgx connection.
type Conn struct {
	pc    *pgx.Conn
	creds driver.Credentials
	info  driver.Info
	xa    *xaResource

	closeOnce sync.Once
	closeErr  error
}

// Pgx exposes the underlying connection for queries.
func (c *Conn) Pgx() *pgx.Conn { return c.pc }

func (c *Conn) Credentials() driver.Credentials { return c.creds }
func (c *Conn) Info() driver.Info               { return c.info }

func (c *Conn) Reset(ctx context.Context) error {
	if c.pc.PgConn().TxStatus() != 'I' {
		if _, err := c.pc.Exec(ctx, "ROLLBACK"); err != nil {
			return fmt.Errorf("rolling back leftover transaction: %w", err)
		}
	}
	// DISCARD ALL would drop the statements pgx has cached.
	if _, err := c.pc.Exec(ctx, "RESET ALL"); err != nil {
		return fmt.Errorf("resetting session: %w", err)
	}
	return nil
}

func (c *Conn) XAResource() transaction.Resource { return c.xa }
func (c *Conn) LocalTransaction() driver.LocalTx { return localTx{c} }

func (c *Conn) close() error {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		c.closeErr = c.pc.Close(ctx)
	})
	return c.closeErr
}

// ── Local transaction ────────────────────────────────────────────────────

type localTx struct{ c *Conn }

func (t localTx) Begin(ctx context.Context) error {
	_, err := t.c.pc.Exec(ctx, "BEGIN")
	return err
}

func (t localTx) Commit(ctx context.Context) error {
	tag, err := t.c.pc.Exec(ctx, "COMMIT")
	if err != nil {
		return err
	}
	// COMMIT of a failed transaction block reports ROLLBACK instead.
	if tag.String() == "ROLLBACK" {
		return &transaction.XAError{Code: transaction.XARollback, Err: errors.New("transaction was aborted")}
	}
	return nil
}

func (t localTx) Rollback(ctx context.Context) error {
	_, err := t.c.pc.Exec(ctx, "ROLLBACK")
	return err
}

// ── XA participant ───────────────────────────────────────────────────────

// xaResource runs a branch as a regular transaction on its session and
// turns it into a prepared transaction at Prepare. Each session is its own
// resource manager: PostgreSQL cannot join a branch from another session.
type xaResource struct {
	conn *Conn
}

func (r *xaResource) Start(ctx context.Context, _ transaction.Xid, flags transaction.Flags) error {
	switch flags {
	case transaction.FlagJoin, transaction.FlagResume:
		// The session still holds the open transaction.
		return nil
	}
	if _, err := r.conn.pc.Exec(ctx, "BEGIN"); err != nil {
		return &transaction.XAError{Code: transaction.XAErrRMFail, Err: err}
	}
	return nil
}

func (r *xaResource) End(context.Context, transaction.Xid, transaction.Flags) error {
	return nil
}

func (r *xaResource) Prepare(ctx context.Context, xid transaction.Xid) (transaction.Vote, error) {
	if _, err := r.conn.pc.Exec(ctx, "PREPARE TRANSACTION "+quoteLiteral(xid.String())); err != nil {
		// A failed PREPARE aborts the transaction.
		return transaction.VoteOK, &transaction.XAError{Code: transaction.XARollback, Err: err}
	}
	return transaction.VoteOK, nil
}

func (r *xaResource) Commit(ctx context.Context, xid transaction.Xid, onePhase bool) error {
	if onePhase {
		return xaError(localTx{r.conn}.Commit(ctx))
	}
	_, err := r.conn.pc.Exec(ctx, "COMMIT PREPARED "+quoteLiteral(xid.String()))
	return xaError(err)
}

func (r *xaResource) Rollback(ctx context.Context, xid transaction.Xid) error {
	if r.conn.pc.PgConn().TxStatus() != 'I' {
		_, err := r.conn.pc.Exec(ctx, "ROLLBACK")
		return xaError(err)
	}
	_, err := r.conn.pc.Exec(ctx, "ROLLBACK PREPARED "+quoteLiteral(xid.String()))
	return xaError(err)
}

// Forget releases a prepared branch that has no commit decision. A branch
// PostgreSQL still holds prepared keeps its locks until resolved, so it is
// rolled back.
func (r *xaResource) Forget(ctx context.Context, xid transaction.Xid) error {
	_, err := r.conn.pc.Exec(ctx, "ROLLBACK PREPARED "+quoteLiteral(xid.String()))
	if err := xaError(err); err != nil {
		var xe *transaction.XAError
		if errors.As(err, &xe) && xe.Code == transaction.XAErrNotA {
			return nil
		}
		return err
	}
	return nil
}

func (r *xaResource) Recover(ctx context.Context) ([]transaction.Xid, error) {
	rows, err := r.conn.pc.Query(ctx,
		"SELECT gid FROM pg_prepared_xacts WHERE database = current_database() ORDER BY prepared")
	if err != nil {
		return nil, xaError(err)
	}
	gids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, xaError(err)
	}

	var xids []transaction.Xid
	for _, gid := range gids {
		xid, err := transaction.ParseXid(gid)
		if err != nil {
			// Prepared by something other than a coordinator like this one.
			continue
		}
		xids = append(xids, xid)
	}
	return xids, nil
}

func (r *xaResource) IsSameRM(other transaction.Resource) bool {
	o, ok := other.(*xaResource)
	return ok && o.conn == r.conn
}

func xaError(err error) error {
	if err == nil {
		return nil
	}
	var xe *transaction.XAError
	if errors.As(err, &xe) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == codeUndefinedObject {
			return &transaction.XAError{Code: transaction.XAErrNotA, Err: err}
		}
		return &transaction.XAError{Code: transaction.XAErrRM, Err: err}
	}
	return &transaction.XAError{Code: transaction.XAErrRMFail, Err: err}
}

// quoteLiteral quotes s as an SQL string literal. PREPARE TRANSACTION and
// friends take no bind parameters.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
