package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the repositories react to.
const (
	CodeUniqueViolation      = "23505"
	CodeForeignKeyViolation  = "23503"
	CodeExclusionViolation   = "23P01"
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
)

// HasCode reports whether err is a Postgres error with the given SQLSTATE.
func HasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// IsRetryable reports whether the statement that produced err can be run
// again unchanged: serialization failures, deadlocks, and connection errors
// pgconn knows never reached the server.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if HasCode(err, CodeSerializationFailure) || HasCode(err, CodeDeadlockDetected) {
		return true
	}
	return pgconn.SafeToRetry(err)
}
