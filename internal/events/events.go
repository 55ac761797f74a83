package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/conductor/internal/domain"
)

// EventType names a lifecycle transition.
type EventType string

// Lifecycle events emitted by the task services
const (
	TaskSubmitted       EventType = "submitted"
	TaskDequeued        EventType = "dequeued"
	TaskCompleted       EventType = "completed"
	TaskFailed          EventType = "failed"
	TaskRetryScheduled  EventType = "retry_scheduled"
	TaskRequeued        EventType = "requeued"
	TaskCancelled       EventType = "cancelled"
	TaskCancelRequested EventType = "cancel_requested"
)

// TaskEvent describes one transition of a task.
type TaskEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	Type      EventType         `json:"type"`
	TaskID    uuid.UUID         `json:"task_id"`
	TaskType  string            `json:"task_type"`
	QueueName string            `json:"queue_name"`
	Status    domain.TaskStatus `json:"status"`

	// DurationMs is set for completed and failed attempts.
	DurationMs *int64 `json:"duration_ms,omitempty"`

	// QueueWait is set for dequeued tasks: time from creation to start.
	QueueWait time.Duration `json:"queue_wait,omitempty"`

	Error    string `json:"error,omitempty"`
	Category string `json:"category,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// NewTaskEvent snapshots task into an event of type t.
func NewTaskEvent(t EventType, task *domain.Task, now time.Time) *TaskEvent {
	e := &TaskEvent{
		ID:         uuid.New(),
		Type:       t,
		TaskID:     task.ID,
		TaskType:   task.Type,
		QueueName:  task.QueueName,
		Status:     task.Status,
		OccurredAt: now.UTC(),
	}
	switch t {
	case TaskCompleted, TaskFailed:
		if task.StartedAt != nil && task.CompletedAt != nil {
			d := task.Duration().Milliseconds()
			e.DurationMs = &d
		}
	case TaskDequeued:
		if task.StartedAt != nil {
			e.QueueWait = task.StartedAt.Sub(task.CreatedAt)
		}
	}
	if (t == TaskFailed || t == TaskRetryScheduled) && task.ErrorMessage != nil {
		e.Error = *task.ErrorMessage
	}
	if task.FailureCategory != nil {
		e.Category = *task.FailureCategory
	}
	return e
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	HandleEvent(ctx context.Context, event *TaskEvent) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, event *TaskEvent) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, event *TaskEvent) error {
	return f(ctx, event)
}

// EventEmitter defines an interface for components that can emit events.
// This allows services to publish events without direct knowledge of handlers.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *TaskEvent) error
}
