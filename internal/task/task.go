package task

import (
	"context"
	"encoding/json"
	"maps"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/conductor/internal/domain"
)

// Handler executes one task type.
type Handler interface {
	// Execute runs the task logic. The returned JSON is stored as the task
	// result. ctx is cancelled when the lease is lost, cancellation is
	// requested or the runner shuts down; context.Cause tells which.
	Execute(ctx context.Context, job *Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) (json.RawMessage, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, job *Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Job is a claimed task together with its open execution entry.
type Job struct {
	Task      *domain.Task
	Execution *domain.ExecutionLog

	mu        sync.Mutex
	processed int
	metadata  map[string]any
}

// NewJob wraps a claimed task.
func NewJob(t *domain.Task) *Job {
	return &Job{Task: t}
}

// ID returns the task's unique identifier
func (j *Job) ID() uuid.UUID { return j.Task.ID }

// Type returns the task type identifier
func (j *Job) Type() string { return j.Task.Type }

// Payload returns the task payload
func (j *Job) Payload() json.RawMessage { return j.Task.Payload }

// Attempt returns the attempt number of the running execution, or zero
// before one is opened.
func (j *Job) Attempt() int {
	if j.Execution == nil {
		return 0
	}
	return j.Execution.Attempt
}

// AddProcessed reports progress on n more items.
func (j *Job) AddProcessed(n int) {
	j.mu.Lock()
	j.processed += n
	j.mu.Unlock()
}

// SetMetadata attaches a value to the execution entry.
func (j *Job) SetMetadata(key string, value any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.metadata == nil {
		j.metadata = make(map[string]any)
	}
	j.metadata[key] = value
}

// outcome snapshots progress reported by the handler.
func (j *Job) outcome() domain.ExecutionOutcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	return domain.ExecutionOutcome{
		ProcessedItems: j.processed,
		Metadata:       maps.Clone(j.metadata),
	}
}
