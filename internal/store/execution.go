package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/conductor/internal/domain"
)

// ExecutionLogStore defines persistence for the append-only execution log.
type ExecutionLogStore interface {
	// Create appends a new entry.
	Create(ctx context.Context, entry *domain.ExecutionLog) error

	// Update writes the outcome of an open entry.
	// Returns ErrExecutionNotFound if the entry does not exist and
	// domain.ErrInvalidStateTransition if it was already closed.
	Update(ctx context.Context, entry *domain.ExecutionLog) error

	// GetByExecutionID retrieves one attempt.
	GetByExecutionID(ctx context.Context, executionID uuid.UUID) (*domain.ExecutionLog, error)

	// ListByTask returns up to limit entries of a task, newest first.
	ListByTask(ctx context.Context, taskID uuid.UUID, limit int) ([]*domain.ExecutionLog, error)

	// CountByTask returns how many attempts a task has recorded.
	CountByTask(ctx context.Context, taskID uuid.UUID) (int, error)

	// DeleteClosedBefore removes closed entries completed before cutoff.
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
