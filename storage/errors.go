package storage

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Postgres SQLSTATE codes this package inspects directly. See
// https://www.postgresql.org/docs/current/errcodes-appendix.html.
const (
	sqlStateUniqueViolation       = "23505"
	sqlStateSerializationFailure  = "40001"
	sqlStateDeadlockDetected      = "40P01"
)

// IsSerializationFailure reports whether err is a transaction conflict that
// a caller should retry (SERIALIZABLE rollback or detected deadlock).
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == sqlStateSerializationFailure || pqErr.Code == sqlStateDeadlockDetected
	}
	return false
}

// IsUniqueViolation reports whether err is a unique-constraint violation,
// i.e. a lost race against a concurrent insert of the same natural key.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == sqlStateUniqueViolation
	}
	return false
}
