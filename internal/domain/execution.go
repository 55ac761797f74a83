package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the state of a single execution attempt.
type ExecutionStatus string

// Possible execution status values
const (
	ExecutionStarted   ExecutionStatus = "started"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsValid reports whether s is a known execution status.
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionStarted, ExecutionRunning, ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// IsFinal reports whether s closes the attempt.
func (s ExecutionStatus) IsFinal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// ExecutionLog records one physical execution attempt of a task.
// An entry is immutable once CompletedAt is set.
type ExecutionLog struct {
	ID             uuid.UUID       `json:"id"`
	TaskID         uuid.UUID       `json:"task_id"`
	ExecutionID    uuid.UUID       `json:"execution_id"`
	Attempt        int             `json:"attempt"`
	WorkerID       string          `json:"worker_id"`
	Status         ExecutionStatus `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	DurationMs     *int64          `json:"duration_ms,omitempty"`
	MemoryBytes    uint64          `json:"memory_bytes"`
	ProcessedItems int             `json:"processed_items"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	StackTrace     *string         `json:"stack_trace,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// NewExecutionLog opens an attempt in the started state.
func NewExecutionLog(taskID uuid.UUID, attempt int, workerID string, memoryBytes uint64, now time.Time) *ExecutionLog {
	return &ExecutionLog{
		ID:          uuid.New(),
		TaskID:      taskID,
		ExecutionID: uuid.New(),
		Attempt:     attempt,
		WorkerID:    workerID,
		Status:      ExecutionStarted,
		StartedAt:   now.UTC(),
		MemoryBytes: memoryBytes,
		Metadata:    map[string]any{},
	}
}

// ExecutionOutcome carries the optional details of a transition.
type ExecutionOutcome struct {
	Error          string
	StackTrace     string
	ProcessedItems int
	MemoryBytes    uint64
	Metadata       map[string]any
}

// Transition moves the entry to status. Final statuses stamp CompletedAt and
// compute the duration as CompletedAt - StartedAt.
func (e *ExecutionLog) Transition(status ExecutionStatus, out ExecutionOutcome, now time.Time) error {
	if !status.IsValid() || status == ExecutionStarted {
		return fmt.Errorf("%w: invalid execution status %q", ErrValidation, status)
	}
	if e.CompletedAt != nil {
		return fmt.Errorf("%w: execution %s already closed as %s",
			ErrInvalidStateTransition, e.ExecutionID, e.Status)
	}

	e.Status = status
	if out.ProcessedItems > 0 {
		e.ProcessedItems = out.ProcessedItems
	}
	if out.MemoryBytes > e.MemoryBytes {
		e.MemoryBytes = out.MemoryBytes
	}
	if out.Error != "" {
		msg := out.Error
		e.ErrorMessage = &msg
	}
	if out.StackTrace != "" {
		st := out.StackTrace
		e.StackTrace = &st
	}
	if len(out.Metadata) > 0 {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any, len(out.Metadata))
		}
		for k, v := range out.Metadata {
			e.Metadata[k] = v
		}
	}

	if status.IsFinal() {
		ts := now.UTC()
		if ts.Before(e.StartedAt) {
			ts = e.StartedAt
		}
		d := ts.Sub(e.StartedAt).Milliseconds()
		e.CompletedAt = &ts
		e.DurationMs = &d
	}
	return nil
}
