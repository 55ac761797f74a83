package store_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/phrazzld/conductor/internal/store"
)

func TestErrorHierarchy(t *testing.T) {
	t.Parallel()

	notFound := []error{
		store.ErrTaskNotFound,
		store.ErrLockNotFound,
		store.ErrExecutionNotFound,
		store.ErrIdempotencyRecordNotFound,
		store.ErrStatsBucketNotFound,
	}
	for _, err := range notFound {
		wrapped := fmt.Errorf("lookup: %w", err)
		assert.True(t, errors.Is(wrapped, store.ErrNotFound), "%v should be a not found error", err)
		assert.False(t, store.IsDuplicateError(wrapped))
	}

	for _, err := range []error{store.ErrDependencyExists, store.ErrIdempotencyKeyExists} {
		assert.True(t, store.IsDuplicateError(fmt.Errorf("insert: %w", err)))
		assert.NotErrorIs(t, err, store.ErrNotFound)
	}

	assert.False(t, store.IsDuplicateError(nil))
	assert.False(t, store.IsDuplicateError(errors.New("task already exists")))
	assert.Equal(t, "entity not found: task", store.ErrTaskNotFound.Error())
}

func TestStoreError(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := store.NewStoreError("task", "update", "failed to update task", cause)
	assert.Equal(t, "update operation on task failed: failed to update task: connection reset", err.Error())
	assert.ErrorIs(t, err, cause)

	bare := store.NewStoreError("lock", "acquire", "no rows", nil)
	assert.Equal(t, "acquire operation on lock failed: no rows", bare.Error())
}

func TestTaskFilter_Normalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		in         store.TaskFilter
		wantLimit  int
		wantOffset int
	}{
		{"zero values", store.TaskFilter{}, store.DefaultPageSize, 0},
		{"too large", store.TaskFilter{Limit: 10_000}, store.MaxPageSize, 0},
		{"negative offset", store.TaskFilter{Limit: 5, Offset: -1}, 5, 0},
		{"kept", store.TaskFilter{Limit: 20, Offset: 40}, 20, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalize()
			assert.Equal(t, tt.wantLimit, got.Limit)
			assert.Equal(t, tt.wantOffset, got.Offset)
		})
	}
}

func TestSweepLimit(t *testing.T) {
	t.Parallel()

	assert.Equal(t, store.MaxPageSize, store.SweepLimit(0))
	assert.Equal(t, store.MaxPageSize, store.SweepLimit(-3))
	assert.Equal(t, 25, store.SweepLimit(25))
}
