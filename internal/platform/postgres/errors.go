package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/store"
)

// SQLSTATE codes the stores react to.
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeCheckViolation       = "23514"
	codeNotNullViolation     = "23502"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

func pgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func hasCode(err error, codes ...string) bool {
	pgErr, ok := pgError(err)
	if !ok {
		return false
	}
	for _, c := range codes {
		if pgErr.Code == c {
			return true
		}
	}
	return false
}

// MapError translates driver errors into store sentinels. Rows rejected by a
// CHECK or NOT NULL constraint also match domain.ErrValidation, since the
// schema repeats the task and execution invariants. Unknown errors pass
// through unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}

	pgErr, ok := pgError(err)
	if !ok {
		return err
	}
	switch pgErr.Code {
	case codeUniqueViolation:
		return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	case codeForeignKeyViolation:
		return fmt.Errorf("%w: %s references a missing row: %v",
			store.ErrInvalidEntity, pgErr.ConstraintName, err)
	case codeCheckViolation:
		return fmt.Errorf("%w: %w: %s rejected the row: %v",
			store.ErrInvalidEntity, domain.ErrValidation, pgErr.ConstraintName, err)
	case codeNotNullViolation:
		return fmt.Errorf("%w: %w: %s.%s is required: %v",
			store.ErrInvalidEntity, domain.ErrValidation, pgErr.TableName, pgErr.ColumnName, err)
	}
	return err
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	return hasCode(err, codeUniqueViolation)
}

// IsForeignKeyViolation reports whether err references a missing row.
func IsForeignKeyViolation(err error) bool {
	return hasCode(err, codeForeignKeyViolation)
}

// IsTxConflict reports whether a transaction was aborted by a serialization
// failure or a deadlock. Such a transaction can be rerun from the start.
func IsTxConflict(err error) bool {
	return hasCode(err, codeSerializationFailure, codeDeadlockDetected)
}

// CheckRowsAffected turns an UPDATE or DELETE that touched nothing into
// store.ErrNotFound.
func CheckRowsAffected(result sql.Result, entityName string) error {
	if result == nil {
		return errors.New("no result to inspect")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if entityName == "" {
		return store.ErrNotFound
	}
	return fmt.Errorf("%w: %s not found", store.ErrNotFound, entityName)
}

// MapUniqueViolation wraps a unique violation in specific, or in
// store.ErrDuplicate with a message naming the entity or constraint.
// Other errors are returned as is.
func MapUniqueViolation(err error, entityName, constraintName string, specific error) error {
	if !IsUniqueViolation(err) {
		return err
	}
	if specific != nil {
		return fmt.Errorf("%w: %v", specific, err)
	}

	msg := "duplicate entry"
	switch {
	case entityName != "":
		msg = entityName + " already exists"
	case constraintName != "":
		msg = "duplicate value for constraint: " + constraintName
	}
	return fmt.Errorf("%w: %s: %v", store.ErrDuplicate, msg, err)
}

// constraintName returns the constraint behind a PostgreSQL error, if any.
func constraintName(err error) string {
	if pgErr, ok := pgError(err); ok {
		return pgErr.ConstraintName
	}
	return ""
}
