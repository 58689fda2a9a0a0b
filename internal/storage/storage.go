package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// Supported drivers. "pgx" and "postgres" both talk to PostgreSQL; the
// latter goes through lib/pq.
const (
	DriverSQLite   = "sqlite3"
	DriverPgx      = "pgx"
	DriverPostgres = "postgres"
)

// Options selects and tunes the backing database
type Options struct {
	Driver string
	// DSN is a file path for sqlite and a connection string otherwise
	DSN string

	MaxOpenConns int
	MaxIdleConns int
}

// Dialect groups drivers that share DDL and error codes
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DialectOf reports the dialect of an open handle
func DialectOf(db *sqlx.DB) Dialect {
	if db.DriverName() == DriverSQLite {
		return DialectSQLite
	}
	return DialectPostgres
}

// Open connects to the configured database and verifies the connection
func Open(ctx context.Context, opts Options, logger *logrus.Logger) (*sqlx.DB, error) {
	if logger == nil {
		logger = logrus.New()
	}

	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	switch driver {
	case "", "sqlite", DriverSQLite:
		return openSQLite(ctx, opts.DSN, logger)
	case DriverPgx, DriverPostgres, "postgresql":
		if driver == "postgresql" {
			driver = DriverPgx
		}
		return openPostgres(ctx, driver, opts, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", opts.Driver)
	}
}
