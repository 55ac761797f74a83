package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/conductor/internal/domain"
)

// Pagination bounds for task listings.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// TaskFilter selects tasks for listing. Empty fields do not filter.
type TaskFilter struct {
	Statuses  []domain.TaskStatus
	Types     []string
	QueueName string
	CreatedBy string
	Limit     int
	Offset    int
}

// Normalize clamps Limit and Offset into their valid ranges.
func (f TaskFilter) Normalize() TaskFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// SweepLimit maps a non-positive batch limit to one full page so sweeps and
// history reads stay bounded on every backend.
func SweepLimit(limit int) int {
	if limit <= 0 {
		return MaxPageSize
	}
	return limit
}

// TaskStore defines the interface for task record persistence.
type TaskStore interface {
	// Create saves a new task and assigns its Seq.
	// Returns ErrIdempotencyKeyExists if a task already uses the idempotency key.
	Create(ctx context.Context, task *domain.Task) error

	// GetByID retrieves a task by its unique ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// GetByIdempotencyKey retrieves the task submitted with key.
	// Returns ErrTaskNotFound if none exists.
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Task, error)

	// GetForUpdate retrieves a task with a row-level lock. It should be used
	// inside a transaction when the task is about to be modified.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// Update writes the mutable fields of task only if its stored status is
	// still expected. Returns ErrTaskNotFound if the task does not exist and
	// domain.ErrInvalidStateTransition if another writer moved it first.
	Update(ctx context.Context, task *domain.Task, expected domain.TaskStatus) error

	// List returns tasks matching filter ordered by creation (newest first).
	List(ctx context.Context, filter TaskFilter) ([]*domain.Task, error)

	// Count returns how many tasks match filter, ignoring Limit and Offset.
	Count(ctx context.Context, filter TaskFilter) (int, error)

	// CountByStatus returns task counts per status, optionally restricted to one queue.
	CountByStatus(ctx context.Context, queueName string) (map[domain.TaskStatus]int64, error)

	// Dequeue returns up to limit runnable tasks of the queue: pending, not
	// expired at now, not held by a live task lease and with every blocking
	// dependency satisfied. Order is priority desc, created_at asc, seq asc.
	Dequeue(ctx context.Context, queueName string, now time.Time, limit int) ([]*domain.Task, error)

	// QueuePosition returns 1 + the number of pending tasks of the same queue
	// that sort ahead of task in dispatch order.
	QueuePosition(ctx context.Context, task *domain.Task) (int, error)

	// ListDueRetries returns retrying tasks whose next_retry_at is at or before now.
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error)

	// ListExpired returns pending tasks and running tasks without a pending
	// cancellation whose expires_at is before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error)

	// ListAbandoned returns running tasks whose task lease is missing or expired at now.
	ListAbandoned(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error)

	// DeleteTerminalBefore permanently removes completed, failed and cancelled
	// tasks finished before cutoff together with their edges and execution logs.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
