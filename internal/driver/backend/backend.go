// Package backend opens the driver.Factory named by a data source.
package backend

import (
	"fmt"

	"github.com/joao-brasil/txpool/internal/driver"
	"github.com/joao-brasil/txpool/internal/driver/drivertest"
	"github.com/joao-brasil/txpool/internal/driver/mssql"
	"github.com/joao-brasil/txpool/internal/driver/postgres"
	"github.com/joao-brasil/txpool/pkg/datasource"
)

// Open returns the factory for ds.Driver.
func Open(ds datasource.DataSource) (driver.Factory, error) {
	switch ds.Driver {
	case datasource.DriverPostgres:
		return postgres.NewFactory(ds)
	case datasource.DriverMSSQL:
		return mssql.NewFactory(ds), nil
	case datasource.DriverFake:
		return drivertest.NewFactory(), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", ds.Driver)
	}
}

// DefaultInfo is the connection info a pool uses when a caller passes none.
func DefaultInfo(ds datasource.DataSource) driver.Info {
	return driver.Info{Database: ds.Database, ApplicationName: ds.ApplicationName}
}

// DefaultCredentials are the data source's own login.
func DefaultCredentials(ds datasource.DataSource) driver.Credentials {
	return driver.Credentials{User: ds.Username, Password: ds.Password}
}
