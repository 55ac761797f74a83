package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusRetrying  TaskStatus = "retrying"
)

// Defaults applied to submissions that leave fields empty.
const (
	DefaultQueueName  = "default"
	DefaultMaxRetries = 3
)

// CancelReasonExpired is recorded when the expiry sweep cancels a task.
const CancelReasonExpired = "expired"

// IsValid reports whether s is one of the known statuses.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled, TaskStatusRetrying:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is completed, failed or cancelled.
// A failed task is only re-opened through an explicit Retry.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// ParseTaskStatus converts a raw string into a TaskStatus.
func ParseTaskStatus(raw string) (TaskStatus, error) {
	s := TaskStatus(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: unknown task status %q", ErrValidation, raw)
	}
	return s, nil
}

// Task is the persisted unit of work with its lifecycle state.
type Task struct {
	ID              uuid.UUID       `json:"id"`
	Seq             int64           `json:"seq"`
	Type            string          `json:"type"`
	Priority        int             `json:"priority"`
	Status          TaskStatus      `json:"status"`
	Payload         json.RawMessage `json:"payload"`
	Result          json.RawMessage `json:"result,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	FailureCategory *string         `json:"failure_category,omitempty"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	QueueName       string          `json:"queue_name"`
	CreatedBy       string          `json:"created_by"`
	IdempotencyKey  *string         `json:"idempotency_key,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	CancelReason    *string         `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty"`
}

// NewTaskParams carries the producer-supplied fields of a submission.
type NewTaskParams struct {
	Type           string
	Payload        json.RawMessage
	Priority       int
	QueueName      string
	CreatedBy      string
	ExpiresAt      *time.Time
	MaxRetries     int
	IdempotencyKey string
}

// NewTask creates a pending Task from the given parameters.
// Returns an error wrapping ErrValidation if the parameters are invalid.
func NewTask(p NewTaskParams, now time.Time) (*Task, error) {
	queue := p.QueueName
	if queue == "" {
		queue = DefaultQueueName
	}
	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	t := &Task{
		ID:         uuid.New(),
		Type:       p.Type,
		Priority:   p.Priority,
		Status:     TaskStatusPending,
		Payload:    payload,
		MaxRetries: p.MaxRetries,
		QueueName:  queue,
		CreatedBy:  p.CreatedBy,
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
		ExpiresAt:  p.ExpiresAt,
	}
	if p.IdempotencyKey != "" {
		key := p.IdempotencyKey
		t.IdempotencyKey = &key
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expires_at must be in the future", ErrValidation)
	}
	return t, nil
}

// Validate checks the invariants of a Task.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("%w: task id cannot be empty", ErrValidation)
	}
	if t.Type == "" {
		return fmt.Errorf("%w: task type cannot be empty", ErrValidation)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", ErrValidation)
	}
	if t.RetryCount < 0 {
		return fmt.Errorf("%w: retry_count must be >= 0", ErrValidation)
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, t.Status)
	}
	if len(t.Payload) > 0 && !json.Valid(t.Payload) {
		return fmt.Errorf("%w: payload must be valid JSON", ErrValidation)
	}
	if t.StartedAt != nil && t.CompletedAt != nil && t.CompletedAt.Before(*t.StartedAt) {
		return fmt.Errorf("%w: completed_at precedes started_at", ErrValidation)
	}
	return nil
}

// IsExpired reports whether the task's expiry has passed at now.
func (t *Task) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && t.ExpiresAt.Before(now)
}

// LockKey returns the lease key that guards execution of this task.
func (t *Task) LockKey() string {
	return TaskLockKey(t.ID)
}

// Duration returns completedAt - startedAt, or zero when either is unset.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

// RemainingRetries returns how many automatic or manual retries are left.
func (t *Task) RemainingRetries() int {
	if r := t.MaxRetries - t.RetryCount; r > 0 {
		return r
	}
	return 0
}

func transitionError(t *Task, to TaskStatus) error {
	return fmt.Errorf("%w: task %s cannot move from %s to %s",
		ErrInvalidStateTransition, t.ID, t.Status, to)
}

// MarkRunning moves a pending task to running and stamps startedAt.
func (t *Task) MarkRunning(now time.Time) error {
	if t.Status != TaskStatusPending {
		return transitionError(t, TaskStatusRunning)
	}
	ts := now.UTC()
	t.Status = TaskStatusRunning
	t.StartedAt = &ts
	t.CompletedAt = nil
	t.UpdatedAt = ts
	return nil
}

// MarkCompleted moves a running task to completed with the given result.
func (t *Task) MarkCompleted(result json.RawMessage, now time.Time) error {
	if t.Status != TaskStatusRunning {
		return transitionError(t, TaskStatusCompleted)
	}
	if len(result) > 0 && !json.Valid(result) {
		return fmt.Errorf("%w: result must be valid JSON", ErrValidation)
	}
	t.Status = TaskStatusCompleted
	t.Result = result
	t.NextRetryAt = nil
	t.stampCompleted(now)
	return nil
}

// MarkFailed moves a running task to failed, recording the error message.
func (t *Task) MarkFailed(message string, category string, now time.Time) error {
	if t.Status != TaskStatusRunning {
		return transitionError(t, TaskStatusFailed)
	}
	t.Status = TaskStatusFailed
	t.ErrorMessage = &message
	if category != "" {
		t.FailureCategory = &category
	}
	t.NextRetryAt = nil
	t.stampCompleted(now)
	return nil
}

// MarkCancelled moves a pending or running task to cancelled.
func (t *Task) MarkCancelled(reason string, now time.Time) error {
	if t.Status != TaskStatusPending && t.Status != TaskStatusRunning {
		return transitionError(t, TaskStatusCancelled)
	}
	t.Status = TaskStatusCancelled
	t.CancelReason = &reason
	t.NextRetryAt = nil
	t.stampCompleted(now)
	return nil
}

// ScheduleRetry moves a failed task to retrying, due at notBefore.
// The retry count is consumed when the retry is scheduled.
func (t *Task) ScheduleRetry(notBefore time.Time, now time.Time) error {
	if t.Status != TaskStatusFailed {
		return transitionError(t, TaskStatusRetrying)
	}
	if t.RetryCount >= t.MaxRetries {
		return fmt.Errorf("%w: task %s used %d of %d retries",
			ErrRetryExhausted, t.ID, t.RetryCount, t.MaxRetries)
	}
	due := notBefore.UTC()
	t.Status = TaskStatusRetrying
	t.RetryCount++
	t.NextRetryAt = &due
	t.UpdatedAt = now.UTC()
	return nil
}

// PromoteRetry moves a retrying task back to pending once it is due.
// The most recent error is kept so operators can still see why it retried.
func (t *Task) PromoteRetry(now time.Time) error {
	if t.Status != TaskStatusRetrying {
		return transitionError(t, TaskStatusPending)
	}
	if t.NextRetryAt != nil && t.NextRetryAt.After(now) {
		return fmt.Errorf("%w: retry for task %s is not due until %s",
			ErrInvalidStateTransition, t.ID, t.NextRetryAt.Format(time.RFC3339))
	}
	t.reopen(now)
	return nil
}

// ManualRetry re-opens a failed task, or promotes a retrying task without
// waiting for its due time. force bypasses the retry budget for failed tasks.
func (t *Task) ManualRetry(force bool, now time.Time) error {
	switch t.Status {
	case TaskStatusRetrying:
		t.reopen(now)
		return nil
	case TaskStatusFailed:
		if !force && t.RetryCount >= t.MaxRetries {
			return fmt.Errorf("%w: task %s used %d of %d retries",
				ErrRetryExhausted, t.ID, t.RetryCount, t.MaxRetries)
		}
		t.RetryCount++
		if t.RetryCount > t.MaxRetries {
			// forced retries widen the budget so retryCount <= maxRetries still holds
			t.MaxRetries = t.RetryCount
		}
		t.ErrorMessage = nil
		t.FailureCategory = nil
		t.reopen(now)
		return nil
	default:
		return transitionError(t, TaskStatusPending)
	}
}

// RequestCancel flags a running task for cooperative cancellation.
func (t *Task) RequestCancel(reason string, now time.Time) error {
	if t.Status != TaskStatusRunning {
		return transitionError(t, TaskStatusCancelled)
	}
	t.CancelRequested = true
	t.CancelReason = &reason
	t.UpdatedAt = now.UTC()
	return nil
}

func (t *Task) reopen(now time.Time) {
	t.Status = TaskStatusPending
	t.NextRetryAt = nil
	t.StartedAt = nil
	t.CompletedAt = nil
	t.Result = nil
	t.CancelRequested = false
	t.UpdatedAt = now.UTC()
}

func (t *Task) stampCompleted(now time.Time) {
	ts := now.UTC()
	if t.StartedAt != nil && ts.Before(*t.StartedAt) {
		ts = *t.StartedAt
	}
	t.CompletedAt = &ts
	t.UpdatedAt = now.UTC()
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Payload = cloneRaw(t.Payload)
	c.Result = cloneRaw(t.Result)
	c.ErrorMessage = cloneString(t.ErrorMessage)
	c.FailureCategory = cloneString(t.FailureCategory)
	c.IdempotencyKey = cloneString(t.IdempotencyKey)
	c.CancelReason = cloneString(t.CancelReason)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.ExpiresAt = cloneTime(t.ExpiresAt)
	c.NextRetryAt = cloneTime(t.NextRetryAt)
	return &c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TypeSet is a set of known task types.
type TypeSet map[string]struct{}

// NewTypeSet builds a TypeSet from a list of names.
func NewTypeSet(types ...string) TypeSet {
	s := make(TypeSet, len(types))
	for _, t := range types {
		if t != "" {
			s[t] = struct{}{}
		}
	}
	return s
}

// IsKnownType reports whether taskType is in the set.
func (s TypeSet) IsKnownType(taskType string) bool {
	_, ok := s[taskType]
	return ok
}
