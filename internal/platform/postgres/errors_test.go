package postgres_test

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/platform/postgres"
	"github.com/phrazzld/conductor/internal/store"
	"github.com/stretchr/testify/assert"
)

func newPgError(code, constraint string) *pgconn.PgError {
	return &pgconn.PgError{
		Code:           code,
		Message:        "error message",
		TableName:      "tasks",
		ColumnName:     "task_type",
		ConstraintName: constraint,
	}
}

type fakeResult struct {
	rows int64
	err  error
}

func (r fakeResult) LastInsertId() (int64, error) { return 0, r.err }
func (r fakeResult) RowsAffected() (int64, error) { return r.rows, r.err }

func TestConstraintPredicates(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("insert: %w", newPgError("23505", "tasks_pkey"))

	assert.True(t, postgres.IsUniqueViolation(wrapped))
	assert.False(t, postgres.IsUniqueViolation(errors.New("plain")))
	assert.True(t, postgres.IsForeignKeyViolation(newPgError("23503", "")))
	assert.False(t, postgres.IsForeignKeyViolation(newPgError("23505", "")))

	assert.True(t, postgres.IsTxConflict(fmt.Errorf("commit: %w", newPgError("40001", ""))))
	assert.True(t, postgres.IsTxConflict(newPgError("40P01", "")))
	assert.False(t, postgres.IsTxConflict(newPgError("23505", "")))
	assert.False(t, postgres.IsTxConflict(sql.ErrNoRows))
}

func TestCheckRowsAffected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		result  sql.Result
		wantErr bool
		errIs   error
	}{
		{name: "nil result", result: nil, wantErr: true},
		{name: "zero rows", result: fakeResult{rows: 0}, wantErr: true, errIs: store.ErrNotFound},
		{name: "one row", result: fakeResult{rows: 1}},
		{name: "driver error", result: fakeResult{err: errors.New("boom")}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := postgres.CheckRowsAffected(tt.result, "task")
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			if tt.errIs != nil {
				assert.ErrorIs(t, err, tt.errIs)
			}
		})
	}
}

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		err   error
		errIs []error
	}{
		{name: "no rows", err: sql.ErrNoRows, errIs: []error{store.ErrNotFound}},
		{name: "unique", err: newPgError("23505", "tasks_pkey"), errIs: []error{store.ErrDuplicate}},
		{name: "foreign key", err: newPgError("23503", "task_dependencies_dependent_id_fkey"), errIs: []error{store.ErrInvalidEntity}},
		{name: "check", err: newPgError("23514", "tasks_status_check"), errIs: []error{store.ErrInvalidEntity, domain.ErrValidation}},
		{name: "not null", err: newPgError("23502", ""), errIs: []error{store.ErrInvalidEntity, domain.ErrValidation}},
		{name: "undefined table passes through", err: newPgError("42P01", "")},
		{name: "serialization failure passes through", err: newPgError("40001", "")},
		{name: "plain error passes through", err: errors.New("generic error")},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := postgres.MapError(tt.err)
			if len(tt.errIs) == 0 {
				assert.Equal(t, tt.err, got)
				return
			}
			for _, target := range tt.errIs {
				assert.ErrorIs(t, got, target)
			}
		})
	}

	assert.Nil(t, postgres.MapError(nil))
	assert.NotErrorIs(t, postgres.MapError(newPgError("23503", "")), domain.ErrValidation)
	assert.Contains(t, postgres.MapError(newPgError("23502", "")).Error(), "tasks.task_type is required")
}

func TestMapUniqueViolation(t *testing.T) {
	t.Parallel()

	plain := errors.New("generic error")
	assert.Equal(t, plain, postgres.MapUniqueViolation(plain, "task", "", nil))

	err := postgres.MapUniqueViolation(newPgError("23505", "tasks_idempotency_key_key"), "", "", store.ErrIdempotencyKeyExists)
	assert.ErrorIs(t, err, store.ErrIdempotencyKeyExists)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	err = postgres.MapUniqueViolation(newPgError("23505", ""), "task", "", nil)
	assert.ErrorIs(t, err, store.ErrDuplicate)
	assert.Contains(t, err.Error(), "task already exists")

	err = postgres.MapUniqueViolation(newPgError("23505", ""), "", "tasks_pkey", nil)
	assert.Contains(t, err.Error(), "duplicate value for constraint: tasks_pkey")
}
