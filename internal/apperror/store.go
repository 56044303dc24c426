package apperror

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// PostgreSQL SQLSTATE codes that indicate a retryable conflict.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
)

// FromStore maps a raw store error onto the taxonomy. Errors that already carry
// a Kind are returned unchanged.
func FromStore(err error, message string) error {
	if err == nil {
		return nil
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return err
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return Wrap(KindNotFound, message, err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return Wrap(KindConflict, message, err)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return Wrap(KindNotFound, message, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindInternal, message, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return Wrap(KindTransient, message, err)
		case pgUniqueViolation:
			return Wrap(KindConflict, message, err)
		case pgForeignKeyViolation:
			return Wrap(KindNotFound, message, err)
		}
		return Wrap(KindInternal, message, err)
	}

	if IsDuplicateKey(err) {
		return Wrap(KindConflict, message, err)
	}

	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "database is locked") ||
		strings.Contains(lower, "database table is locked") ||
		strings.Contains(lower, "sqlite_busy") {
		return Wrap(KindTransient, message, err)
	}

	return Wrap(KindInternal, message, err)
}

// IsDuplicateKey reports whether err is a unique constraint violation from any
// supported driver.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unique constraint failed") ||
		strings.Contains(lower, "duplicate key value")
}
