package service

import (
	"errors"
	"fmt"
	"testing"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServiceError
		expected string
	}{
		{
			name:     "with underlying error",
			err:      &ServiceError{Operation: "claim", Message: "failed to acquire lease", Err: errors.New("connection reset")},
			expected: "claim operation failed: failed to acquire lease: connection reset",
		},
		{
			name:     "without underlying error",
			err:      &ServiceError{Operation: "create_service", Message: "backend cannot be nil"},
			expected: "create_service operation failed: backend cannot be nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestNewServiceError(t *testing.T) {
	assert.Nil(t, NewServiceError("submit", "ignored", nil))

	t.Run("sentinels pass through", func(t *testing.T) {
		for _, sentinel := range []error{
			store.ErrTaskNotFound,
			store.ErrDependencyExists,
			domain.ErrInvalidStateTransition,
			fmt.Errorf("%w: bad input", domain.ErrValidation),
			ErrLeaseBusy,
		} {
			got := NewServiceError("submit", "failed", sentinel)
			assert.Same(t, sentinel, got)
		}
	})

	t.Run("unexpected errors are wrapped", func(t *testing.T) {
		cause := errors.New("disk full")
		got := NewServiceError("complete", "failed to save task", cause)

		var se *ServiceError
		assert.True(t, errors.As(got, &se))
		assert.Equal(t, "complete", se.Operation)
		assert.ErrorIs(t, got, cause)
	})

	t.Run("service errors are not wrapped twice", func(t *testing.T) {
		inner := &ServiceError{Operation: "claim", Message: "x", Err: errors.New("y")}
		assert.Same(t, error(inner), NewServiceError("outer", "z", inner))
	})
}
