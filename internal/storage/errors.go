package storage

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/rohankatakam/sterisafe/internal/errors"
)

// Postgres SQLSTATE for unique_violation
const pgUniqueViolation = "23505"

// MapError translates a driver error into the error taxonomy. op names the
// operation for the message. Errors already carrying a type pass through.
func MapError(err error, op string) error {
	if err == nil {
		return nil
	}

	var typed *errors.Error
	if stderrors.As(err, &typed) {
		return err
	}

	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		return errors.Wrap(err, errors.ErrorTypeNotFound, errors.SeverityMedium, op)
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return errors.NetworkError(err, op)
	case isUniqueViolation(err):
		return errors.ConflictError(err, op)
	default:
		return errors.PersistenceError(err, op)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}

	var liteErr sqlite3.Error
	if stderrors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	return false
}
