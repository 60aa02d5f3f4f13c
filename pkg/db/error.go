package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Postgres SQLSTATE codes the balance store reacts to.
const (
	CodeUniqueViolation      = "23505"
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
	CodeLockNotAvailable     = "55P03"
)

// PGCode returns the SQLSTATE of a Postgres error anywhere in err's chain, or "".
func PGCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsDuplicateKeyErr reports a unique violation on any supported dialect.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || PGCode(err) == CodeUniqueViolation {
		return true
	}
	msg := err.Error()
	// mysql 1062, sqlite 2067
	return strings.Contains(msg, "Error 1062") || strings.Contains(msg, "UNIQUE constraint failed")
}

// IsSerializationFailure reports a transaction Postgres aborted to keep isolation; the
// transaction can be retried as a whole.
func IsSerializationFailure(err error) bool {
	code := PGCode(err)
	return code == CodeSerializationFailure || code == CodeDeadlockDetected
}

// IsLockNotAvailable reports a NOWAIT or lock_timeout failure.
func IsLockNotAvailable(err error) bool {
	return PGCode(err) == CodeLockNotAvailable
}

// IsStoreError reports errors raised by the database or gorm itself, as opposed to
// business rules. A missing record is not a store error.
func IsStoreError(err error) bool {
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	for _, target := range []error{
		gorm.ErrInvalidDB,
		gorm.ErrInvalidTransaction,
		gorm.ErrInvalidField,
		gorm.ErrInvalidData,
		gorm.ErrMissingWhereClause,
		gorm.ErrUnsupportedDriver,
		gorm.ErrInvalidValue,
		gorm.ErrDuplicatedKey,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return PGCode(err) != ""
}
