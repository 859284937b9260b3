package datastore

import (
	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/platelab/platevision/internal/errors"
	"gorm.io/gorm"
)

// MySQL server error numbers treated as write rejections.
const (
	mysqlErrLockWaitTimeout uint16 = 1205
	mysqlErrDeadlock        uint16 = 1213
	mysqlErrDupEntry        uint16 = 1062
	mysqlErrRowIsReferenced uint16 = 1451
	mysqlErrNoReferencedRow uint16 = 1452
)

// IsWriteRejection reports whether err is the store refusing a write because
// of contention or a constraint: SQLite busy/locked/constraint, MySQL
// deadlock, lock wait timeout, duplicate key or foreign key failure.
func IsWriteRejection(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrConstraint:
			return true
		}
		return false
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrLockWaitTimeout, mysqlErrDeadlock, mysqlErrDupEntry,
			mysqlErrRowIsReferenced, mysqlErrNoReferencedRow:
			return true
		}
		return false
	}

	return errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, gorm.ErrForeignKeyViolated)
}

// IsRecordNotFound reports whether err is GORM's record-not-found error.
func IsRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// ClassifyWriteError maps a failed step of an aggregation transaction onto
// AggregationConflict. Errors that already carry a domain sentinel pass
// through unchanged. Contention (see IsWriteRejection) is recorded in the
// context so callers and telemetry can tell lock losses from hard failures.
func ClassifyWriteError(err error, operation string) error {
	if err == nil {
		return nil
	}
	if errors.IsConflict(err) || errors.IsInvalidRequest(err) ||
		errors.Is(err, errors.ErrRunNotFound) {
		return err
	}
	priority := errors.PriorityHigh
	contention := IsWriteRejection(err)
	if contention {
		priority = errors.PriorityMedium
	}
	return errors.DomainWrap(errors.ErrAggregationConflict, err, operation).
		Component("datastore").
		Priority(priority).
		Context("operation", operation).
		Context("contention", contention).
		Build()
}

// RunNotFound builds the NotFound error for an unknown run id.
func RunNotFound(runID uint) error {
	return errors.Domain(errors.ErrRunNotFound, "run %d", runID).
		Component("datastore").
		Context("run_id", runID).
		Build()
}

// dbError creates a categorized database error with context pairs.
func dbError(err error, operation, priority string, context ...any) error {
	builder := errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation)

	if priority != "" {
		builder = builder.Priority(priority)
	}

	for i := 0; i < len(context)-1; i += 2 {
		if key, ok := context[i].(string); ok {
			builder = builder.Context(key, context[i+1])
		}
	}

	return builder.Build()
}
