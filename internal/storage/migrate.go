package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Migrate creates every table the engine persists to. It is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	schema := postgresSchema
	if DialectOf(db) == DialectSQLite {
		schema = sqliteSchema
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate %s schema: %w", DialectOf(db), err)
	}
	return nil
}
