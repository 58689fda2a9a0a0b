package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/rohankatakam/sterisafe/internal/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestOpenAndMigrateSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Options{Driver: "sqlite", DSN: ":memory:"}, quietLogger())
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, DialectSQLite, DialectOf(db))
	require.NoError(t, Migrate(ctx, db))
	// Running twice is harmless
	require.NoError(t, Migrate(ctx, db))

	for _, table := range []string{"incidents", "incident_audit", "batches", "encounters", "dead_letter_queue"} {
		var n int
		err := db.GetContext(ctx, &n, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table)
		require.NoError(t, err)
		assert.Equal(t, 1, n, table)
	}
}

func TestOpenSQLiteFileCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "steri.db")
	db, err := Open(context.Background(), Options{DSN: path}, quietLogger())
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, path)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "oracle"}, quietLogger())
	assert.Error(t, err)

	_, err = Open(context.Background(), Options{Driver: "pgx"}, quietLogger())
	assert.Error(t, err)
}

func TestMapErrorUniqueViolationOnSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Options{DSN: ":memory:"}, quietLogger())
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, Migrate(ctx, db))

	insert := `INSERT INTO encounters (id, patient_id, batch_id, occurred_at, contact_class) VALUES ('e1', 'p1', 'b1', CURRENT_TIMESTAMP, 'critical')`
	_, err = db.ExecContext(ctx, insert)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, insert)
	require.Error(t, err)

	mapped := MapError(err, "insert encounter")
	assert.True(t, errors.Is(mapped, errors.ErrConflict))
	assert.False(t, errors.IsRetryable(mapped))
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      *errors.Error
		retryable bool
	}{
		{"no rows", sql.ErrNoRows, errors.ErrNotFound, false},
		{"wrapped no rows", fmt.Errorf("get batch: %w", sql.ErrNoRows), errors.ErrNotFound, false},
		{"pgx unique", &pgconn.PgError{Code: "23505"}, errors.ErrConflict, false},
		{"pq unique", &pq.Error{Code: "23505"}, errors.ErrConflict, false},
		{"pgx other", &pgconn.PgError{Code: "40001"}, errors.ErrPersistence, true},
		{"driver failure", fmt.Errorf("connection reset"), errors.ErrPersistence, true},
		{"deadline", context.DeadlineExceeded, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := MapError(tt.err, "op")
			if tt.want != nil {
				assert.True(t, errors.Is(mapped, tt.want))
			}
			assert.Equal(t, tt.retryable, errors.IsRetryable(mapped))
			assert.ErrorIs(t, mapped, tt.err)
		})
	}

	assert.NoError(t, MapError(nil, "op"))

	typed := errors.ValidationError("bad")
	assert.Same(t, typed, MapError(typed, "op"))
}
