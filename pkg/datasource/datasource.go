// Package datasource defines the backend description each pool connects to.
package datasource

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// Driver names.
const (
	DriverPostgres = "postgres"
	DriverMSSQL    = "sqlserver"
	DriverFake     = "fake" // in-memory backend for load generation and tests
)

// DataSource describes one backend database.
type DataSource struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	ApplicationName string        `yaml:"application-name"`
	ConnectTimeout  time.Duration `yaml:"connect-timeout"`
	// Params are appended to the DSN query string (e.g. sslmode, encrypt).
	Params map[string]string `yaml:"params"`
}

// Addr returns the host:port address of the backend.
func (d *DataSource) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// DSN returns the connection URL for the configured driver.
func (d *DataSource) DSN() string {
	u := url.URL{
		Host: d.Addr(),
		User: url.UserPassword(d.Username, d.Password),
	}
	q := url.Values{}
	for k, v := range d.Params {
		q.Set(k, v)
	}

	switch d.Driver {
	case DriverMSSQL:
		u.Scheme = "sqlserver"
		q.Set("database", d.Database)
		if d.ApplicationName != "" {
			q.Set("app name", d.ApplicationName)
		}
		if d.ConnectTimeout > 0 {
			q.Set("connection timeout", strconv.Itoa(int(d.ConnectTimeout.Seconds())))
		}
	default:
		u.Scheme = "postgres"
		u.Path = "/" + d.Database
		if d.ApplicationName != "" {
			q.Set("application_name", d.ApplicationName)
		}
		if d.ConnectTimeout > 0 {
			q.Set("connect_timeout", strconv.Itoa(int(d.ConnectTimeout.Seconds())))
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Validate checks the fields every driver needs.
func (d *DataSource) Validate() error {
	switch d.Driver {
	case DriverFake:
		return nil
	case DriverPostgres, DriverMSSQL:
	default:
		return fmt.Errorf("unknown driver %q", d.Driver)
	}
	if d.Host == "" {
		return fmt.Errorf("host is required")
	}
	if d.Port == 0 {
		return fmt.Errorf("port is required")
	}
	if d.Database == "" {
		return fmt.Errorf("database is required")
	}
	return nil
}
