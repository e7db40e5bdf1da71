package pgutils

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the ledger reacts to.
const (
	CodeUniqueViolation      = "23505"
	CodeForeignKeyViolation  = "23503"
	CodeCheckViolation       = "23514"
	CodeLockNotAvailable     = "55P03"
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}

	return ""
}

func IsUniqueViolation(err error) bool {
	return pgCode(err) == CodeUniqueViolation
}

func IsCheckViolation(err error) bool {
	return pgCode(err) == CodeCheckViolation
}

// IsContention reports lock timeouts, serialization failures and deadlocks:
// transient outcomes where the same request may succeed on retry.
func IsContention(err error) bool {
	switch pgCode(err) {
	case CodeLockNotAvailable, CodeSerializationFailure, CodeDeadlockDetected:
		return true
	default:
		return false
	}
}
