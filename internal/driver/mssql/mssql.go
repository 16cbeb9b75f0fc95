// Package mssql is the SQL Server driver. go-mssqldb has no distributed
// transaction support, so connections only offer local transactions and
// can be the sole resource manager of a transaction.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	mssqldb "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	"github.com/joao-brasil/txpool/internal/driver"
	"github.com/joao-brasil/txpool/internal/transaction"
	"github.com/joao-brasil/txpool/pkg/datasource"
)

// Factory opens SQL Server connections for one data source.
type Factory struct {
	ds  datasource.DataSource
	log *zap.Logger
}

func NewFactory(ds datasource.DataSource) *Factory {
	return &Factory{ds: ds, log: zap.L().Named("mssql")}
}

func (f *Factory) Create(ctx context.Context, creds driver.Credentials, info driver.Info) (driver.Conn, error) {
	ds := f.ds
	if creds.User != "" {
		ds.Username, ds.Password = creds.User, creds.Password
	}
	if info.Database != "" {
		ds.Database = info.Database
	}
	if info.ApplicationName != "" {
		ds.ApplicationName = info.ApplicationName
	}

	connector, err := mssqldb.NewConnector(ds.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing sqlserver dsn for %s: %w", ds.Addr(), err)
	}

	// A single-connection sql.DB maps 1:1 to a physical SQL Server
	// connection; lifetime is managed by the pool.
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	sc, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s/%s: %w", ds.Addr(), ds.Database, err)
	}
	if err := sc.PingContext(ctx); err != nil {
		sc.Close()
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Conn{db: db, sc: sc, creds: creds, info: info}, nil
}

func (f *Factory) Match(idle []driver.Conn, creds driver.Credentials, info driver.Info) driver.Conn {
	return driver.MatchExact(idle, creds, info)
}

func (f *Factory) Validate(ctx context.Context, conn driver.Conn) bool {
	c, ok := conn.(*Conn)
	if !ok {
		return false
	}
	sc, err := c.session(ctx)
	if err != nil {
		return false
	}
	if err := sc.PingContext(ctx); err != nil {
		f.log.Debug("connection failed validation", zap.Error(err))
		return false
	}
	return true
}

func (f *Factory) Destroy(conn driver.Conn) error {
	c, ok := conn.(*Conn)
	if !ok {
		return fmt.Errorf("mssql: foreign connection %T", conn)
	}
	return c.close()
}

// Conn pins one session of a single-connection sql.DB.
type Conn struct {
	db    *sql.DB
	creds driver.Credentials
	info  driver.Info

	mu     sync.Mutex
	sc     *sql.Conn
	closed bool
	err    error
}

// session returns the pinned *sql.Conn, reacquiring it after a Reset.
func (c *Conn) session(ctx context.Context) (*sql.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, sql.ErrConnDone
	}
	if c.sc == nil {
		sc, err := c.db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		c.sc = sc
	}
	return c.sc, nil
}

// Session exposes the pinned session for queries.
func (c *Conn) Session(ctx context.Context) (*sql.Conn, error) { return c.session(ctx) }

func (c *Conn) Credentials() driver.Credentials { return c.creds }
func (c *Conn) Info() driver.Info               { return c.info }

// Reset rolls back any open transaction and hands the session back to
// database/sql, whose driver resets session state on the next request.
func (c *Conn) Reset(ctx context.Context) error {
	sc, err := c.session(ctx)
	if err != nil {
		return err
	}
	if _, err := sc.ExecContext(ctx, "IF @@TRANCOUNT > 0 ROLLBACK TRANSACTION"); err != nil {
		return fmt.Errorf("rolling back leftover transaction: %w", err)
	}
	c.mu.Lock()
	c.sc = nil
	c.mu.Unlock()
	return sc.Close()
}

func (c *Conn) XAResource() transaction.Resource { return nil }
func (c *Conn) LocalTransaction() driver.LocalTx { return localTx{c} }

func (c *Conn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.err
	}
	c.closed = true
	if c.sc != nil {
		c.sc.Close()
		c.sc = nil
	}
	c.err = c.db.Close()
	return c.err
}

type localTx struct{ c *Conn }

func (t localTx) exec(ctx context.Context, stmt string) error {
	sc, err := t.c.session(ctx)
	if err != nil {
		return err
	}
	_, err = sc.ExecContext(ctx, stmt)
	return err
}

func (t localTx) Begin(ctx context.Context) error {
	return t.exec(ctx, "BEGIN TRANSACTION")
}

func (t localTx) Commit(ctx context.Context) error {
	return t.exec(ctx, "COMMIT TRANSACTION")
}

func (t localTx) Rollback(ctx context.Context) error {
	return t.exec(ctx, "IF @@TRANCOUNT > 0 ROLLBACK TRANSACTION")
}
