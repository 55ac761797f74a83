package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/domain/retry"
	"github.com/phrazzld/conductor/internal/events"
	"github.com/phrazzld/conductor/internal/platform/clock"
	"github.com/phrazzld/conductor/internal/platform/logger"
	"github.com/phrazzld/conductor/internal/redact"
	"github.com/phrazzld/conductor/internal/store"
)

// errLeaseExpired is the failure recorded for running tasks whose worker
// stopped refreshing its lease.
var errLeaseExpired = errors.New("lease expired before the attempt reported an outcome")

// DependencySpec declares a prerequisite of a task being submitted.
type DependencySpec struct {
	TaskID      uuid.UUID             `json:"task_id"`
	Kind        domain.DependencyKind `json:"kind"`
	NonBlocking bool                  `json:"non_blocking,omitempty"`
}

// SubmitRequest carries a producer's submission. Nil Priority and MaxRetries
// take the configured defaults.
type SubmitRequest struct {
	Type           string
	Payload        json.RawMessage
	Priority       *int
	QueueName      string
	CreatedBy      string
	ExpiresAt      *time.Time
	MaxRetries     *int
	IdempotencyKey string
	DependsOn      []DependencySpec
}

// SubmitResult is returned to the producer.
type SubmitResult struct {
	TaskID        uuid.UUID         `json:"task_id"`
	Status        domain.TaskStatus `json:"status"`
	QueuePosition int               `json:"queue_position"`
	// Duplicate is set when the idempotency key matched an existing task.
	Duplicate bool         `json:"duplicate,omitempty"`
	Task      *domain.Task `json:"-"`
}

// ClaimRequest asks for runnable tasks of one queue.
type ClaimRequest struct {
	QueueName string
	HolderID  string
	LeaseTTL  time.Duration
	Limit     int
}

// FailureResult reports how a failed attempt was routed.
type FailureResult struct {
	Task     *domain.Task
	Decision retry.Decision
}

// TaskPage is one page of a task listing.
type TaskPage struct {
	Tasks  []*domain.Task `json:"tasks"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// RetrySchedule tells operators whether a task will run again on its own.
type RetrySchedule struct {
	WillRetry        bool       `json:"will_retry"`
	NextAttemptAt    *time.Time `json:"next_attempt_at,omitempty"`
	RemainingRetries int        `json:"remaining_retries"`
	// Final is set for terminal tasks; a final failed task needs a manual retry.
	Final           bool    `json:"final"`
	LastError       *string `json:"last_error,omitempty"`
	FailureCategory *string `json:"failure_category,omitempty"`
}

// TaskDetail is the status view of one task.
type TaskDetail struct {
	Task       *domain.Task           `json:"task"`
	Executions []*domain.ExecutionLog `json:"executions"`
	Edges      *TaskEdges             `json:"edges"`
	Retry      RetrySchedule          `json:"retry"`
}

// BatchResult lists the tasks a batch update changed.
type BatchResult struct {
	Updated []uuid.UUID `json:"updated"`
}

// TaskService drives the task lifecycle.
type TaskService interface {
	// Submit creates a pending task and its dependency edges atomically.
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)

	// Get retrieves a task by ID.
	Get(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// List returns a filtered page of tasks, newest first.
	List(ctx context.Context, filter store.TaskFilter) (*TaskPage, error)

	// Detail returns a task with its latest attempts, edges and retry schedule.
	Detail(ctx context.Context, id uuid.UUID, executionLimit int) (*TaskDetail, error)

	// Dequeue returns up to limit runnable tasks without claiming them.
	Dequeue(ctx context.Context, queueName string, limit int) ([]*domain.Task, error)

	// Claim takes the lease of runnable tasks and marks them running. Tasks
	// whose lease another worker holds are skipped.
	Claim(ctx context.Context, req ClaimRequest) ([]*domain.Task, error)

	// Complete records a successful attempt and releases the lease.
	Complete(ctx context.Context, id uuid.UUID, holderID string, result json.RawMessage) (*domain.Task, error)

	// Fail classifies cause and either schedules a retry or dead-letters the task.
	Fail(ctx context.Context, id uuid.UUID, holderID string, cause error) (*FailureResult, error)

	// ConfirmCancel finishes a cooperative cancellation of a running task.
	ConfirmCancel(ctx context.Context, id uuid.UUID, holderID string) (*domain.Task, error)

	// IsCancelRequested reports whether an operator asked the task to stop.
	IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error)

	// Cancel cancels a pending task or flags a running one for cancellation.
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*domain.Task, error)

	// CancelCascade cancels a task and every pending or running descendant.
	CancelCascade(ctx context.Context, id uuid.UUID, reason string) ([]*domain.Task, error)

	// Retry re-opens a failed task or promotes a retrying one immediately.
	// force bypasses the retry budget.
	Retry(ctx context.Context, id uuid.UUID, force bool) (*domain.Task, error)

	// BatchUpdateStatus moves many tasks to cancelled or pending. Per-task
	// failures are aggregated; successful updates are kept.
	BatchUpdateStatus(ctx context.Context, ids []uuid.UUID, status domain.TaskStatus, reason string) (*BatchResult, error)

	// ProcessDueRetries promotes retrying tasks whose due time has passed.
	ProcessDueRetries(ctx context.Context, limit int) (int, error)

	// ExpireOverdue cancels expired pending tasks and flags expired running ones.
	ExpireOverdue(ctx context.Context, limit int) (int, error)

	// ReclaimAbandoned fails running tasks whose lease has lapsed so the retry
	// engine can route them.
	ReclaimAbandoned(ctx context.Context, limit int) (int, error)
}

// TaskServiceConfig holds submission defaults.
type TaskServiceConfig struct {
	// KnownTypes restricts accepted task types. A nil set accepts any type.
	KnownTypes        domain.TypeSet
	DefaultQueue      string
	DefaultPriority   int
	DefaultMaxRetries int
	// MaxGraphDepth bounds dependency walks.
	MaxGraphDepth int
}

type taskServiceImpl struct {
	backend store.Backend
	engine  *retry.Engine
	emitter events.EventEmitter
	clock   clock.Clock
	cfg     TaskServiceConfig
	logger  *slog.Logger
}

// NewTaskService creates a TaskService.
// It returns an error if any of the required dependencies are nil.
func NewTaskService(
	backend store.Backend,
	engine *retry.Engine,
	emitter events.EventEmitter,
	clk clock.Clock,
	cfg TaskServiceConfig,
	logger *slog.Logger,
) (TaskService, error) {
	if backend == nil {
		return nil, &ServiceError{Operation: "create_service", Message: "backend cannot be nil"}
	}
	if engine == nil {
		return nil, &ServiceError{Operation: "create_service", Message: "retry engine cannot be nil"}
	}
	if clk == nil {
		clk = clock.System{}
	}
	if cfg.DefaultQueue == "" {
		cfg.DefaultQueue = domain.DefaultQueueName
	}
	if cfg.DefaultMaxRetries < 0 {
		return nil, &ServiceError{Operation: "create_service", Message: "default max retries must be >= 0"}
	}
	if cfg.MaxGraphDepth <= 0 {
		cfg.MaxGraphDepth = domain.DefaultMaxGraphDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &taskServiceImpl{
		backend: backend,
		engine:  engine,
		emitter: emitter,
		clock:   clk,
		cfg:     cfg,
		logger:  logger.With("component", "task_service"),
	}, nil
}

func (s *taskServiceImpl) log(ctx context.Context) *slog.Logger {
	return logger.FromContextOrDefault(ctx, s.logger)
}

// pendingEvents collects events inside a transaction; they are emitted only
// after commit.
type pendingEvents []*events.TaskEvent

func (p *pendingEvents) add(t events.EventType, task *domain.Task, now time.Time) {
	*p = append(*p, events.NewTaskEvent(t, task, now))
}

func (s *taskServiceImpl) emit(ctx context.Context, evs pendingEvents) {
	if s.emitter == nil {
		return
	}
	for _, e := range evs {
		if err := s.emitter.EmitEvent(ctx, e); err != nil {
			s.log(ctx).Warn("failed to emit task event",
				"event_type", e.Type,
				"task_id", e.TaskID,
				"error", err)
		}
	}
}

// Submit implements TaskService.Submit
func (s *taskServiceImpl) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	log := s.log(ctx)
	now := s.clock.Now()

	if s.cfg.KnownTypes != nil && !s.cfg.KnownTypes.IsKnownType(req.Type) {
		return nil, fmt.Errorf("%w: %w %q", domain.ErrValidation, domain.ErrUnknownTaskType, req.Type)
	}
	params := domain.NewTaskParams{
		Type:           req.Type,
		Payload:        req.Payload,
		Priority:       s.cfg.DefaultPriority,
		QueueName:      req.QueueName,
		CreatedBy:      req.CreatedBy,
		ExpiresAt:      req.ExpiresAt,
		MaxRetries:     s.cfg.DefaultMaxRetries,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.Priority != nil {
		params.Priority = *req.Priority
	}
	if req.MaxRetries != nil {
		params.MaxRetries = *req.MaxRetries
	}
	if params.QueueName == "" {
		params.QueueName = s.cfg.DefaultQueue
	}
	task, err := domain.NewTask(params, now)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		if res, err := s.existingSubmission(ctx, req.IdempotencyKey); err == nil {
			return res, nil
		} else if !errors.Is(err, store.ErrTaskNotFound) {
			return nil, NewServiceError("submit", "failed to look up idempotency key", err)
		}
	}

	var position int
	err = s.backend.WithinTx(ctx, func(ctx context.Context, tx store.Stores) error {
		if err := tx.Tasks.Create(ctx, task); err != nil {
			return err
		}
		for _, d := range req.DependsOn {
			dep, err := domain.NewDependency(task.ID, d.TaskID, d.Kind, now)
			if err != nil {
				return err
			}
			dep.Blocking = !d.NonBlocking
			if err := addEdge(ctx, tx, dep, s.cfg.MaxGraphDepth); err != nil {
				if isMissingTask(err) {
					return fmt.Errorf("%w: unknown prerequisite task %s", domain.ErrValidation, d.TaskID)
				}
				return err
			}
		}
		position, err = tx.Tasks.QueuePosition(ctx, task)
		return err
	})
	if errors.Is(err, store.ErrIdempotencyKeyExists) {
		// lost a race with a concurrent submission using the same key
		return s.existingSubmission(ctx, req.IdempotencyKey)
	}
	if err != nil {
		log.Error("failed to submit task",
			"task_type", task.Type,
			"queue", task.QueueName,
			"error", err)
		return nil, NewServiceError("submit", "failed to save task", err)
	}

	log.Info("task submitted",
		"task_id", task.ID,
		"task_type", task.Type,
		"queue", task.QueueName,
		"priority", task.Priority,
		"dependencies", len(req.DependsOn),
		"queue_position", position)
	s.emit(ctx, pendingEvents{events.NewTaskEvent(events.TaskSubmitted, task, now)})

	return &SubmitResult{
		TaskID:        task.ID,
		Status:        task.Status,
		QueuePosition: position,
		Task:          task,
	}, nil
}

func (s *taskServiceImpl) existingSubmission(ctx context.Context, key string) (*SubmitResult, error) {
	tasks := s.backend.Stores().Tasks
	existing, err := tasks.GetByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	res := &SubmitResult{
		TaskID:    existing.ID,
		Status:    existing.Status,
		Duplicate: true,
		Task:      existing,
	}
	if existing.Status == domain.TaskStatusPending {
		if res.QueuePosition, err = tasks.QueuePosition(ctx, existing); err != nil {
			return nil, NewServiceError("submit", "failed to compute queue position", err)
		}
	}
	s.log(ctx).Debug("duplicate submission returned existing task",
		"task_id", existing.ID,
		"status", existing.Status)
	return res, nil
}

// Get implements TaskService.Get
func (s *taskServiceImpl) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := s.backend.Stores().Tasks.GetByID(ctx, id)
	if err != nil {
		return nil, NewServiceError("get_task", "failed to retrieve task", err)
	}
	return task, nil
}

// List implements TaskService.List
func (s *taskServiceImpl) List(ctx context.Context, filter store.TaskFilter) (*TaskPage, error) {
	filter = filter.Normalize()
	tasks := s.backend.Stores().Tasks
	items, err := tasks.List(ctx, filter)
	if err != nil {
		return nil, NewServiceError("list_tasks", "failed to list tasks", err)
	}
	total, err := tasks.Count(ctx, filter)
	if err != nil {
		return nil, NewServiceError("list_tasks", "failed to count tasks", err)
	}
	return &TaskPage{Tasks: items, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Detail implements TaskService.Detail
func (s *taskServiceImpl) Detail(ctx context.Context, id uuid.UUID, executionLimit int) (*TaskDetail, error) {
	stores := s.backend.Stores()
	task, err := stores.Tasks.GetByID(ctx, id)
	if err != nil {
		return nil, NewServiceError("task_detail", "failed to retrieve task", err)
	}
	if executionLimit <= 0 {
		executionLimit = 10
	}
	execs, err := stores.Executions.ListByTask(ctx, id, executionLimit)
	if err != nil {
		return nil, NewServiceError("task_detail", "failed to list executions", err)
	}
	edges, err := listEdges(ctx, stores, id)
	if err != nil {
		return nil, NewServiceError("task_detail", "failed to list dependency edges", err)
	}
	return &TaskDetail{
		Task:       task,
		Executions: execs,
		Edges:      edges,
		Retry:      retryScheduleOf(task),
	}, nil
}

func retryScheduleOf(t *domain.Task) RetrySchedule {
	rs := RetrySchedule{
		RemainingRetries: t.RemainingRetries(),
		Final:            t.Status.IsTerminal(),
		LastError:        t.ErrorMessage,
		FailureCategory:  t.FailureCategory,
	}
	if t.Status == domain.TaskStatusRetrying {
		rs.WillRetry = true
		rs.NextAttemptAt = t.NextRetryAt
	}
	return rs
}

// Dequeue implements TaskService.Dequeue
func (s *taskServiceImpl) Dequeue(ctx context.Context, queueName string, limit int) ([]*domain.Task, error) {
	if queueName == "" {
		queueName = s.cfg.DefaultQueue
	}
	tasks, err := s.backend.Stores().Tasks.Dequeue(ctx, queueName, s.clock.Now(), limit)
	if err != nil {
		return nil, NewServiceError("dequeue", "failed to list runnable tasks", err)
	}
	return tasks, nil
}

// Claim implements TaskService.Claim
func (s *taskServiceImpl) Claim(ctx context.Context, req ClaimRequest) ([]*domain.Task, error) {
	if req.QueueName == "" {
		req.QueueName = s.cfg.DefaultQueue
	}
	if req.Limit <= 0 {
		req.Limit = 1
	}
	if req.HolderID == "" {
		return nil, fmt.Errorf("%w: holder id cannot be empty", domain.ErrValidation)
	}
	if req.LeaseTTL <= 0 {
		return nil, fmt.Errorf("%w: lease ttl must be positive", domain.ErrValidation)
	}
	log := s.log(ctx)
	now := s.clock.Now()

	candidates, err := s.backend.Stores().Tasks.Dequeue(ctx, req.QueueName, now, req.Limit)
	if err != nil {
		return nil, NewServiceError("claim", "failed to list runnable tasks", err)
	}

	claimed := make([]*domain.Task, 0, len(candidates))
	var evs pendingEvents
	for _, c := range candidates {
		var task *domain.Task
		err := s.backend.WithinTx(ctx, func(ctx context.Context, tx store.Stores) error {
			ok, err := tx.Locks.Acquire(ctx, c.LockKey(), req.HolderID, req.LeaseTTL, now)
			if err != nil {
				return err
			}
			if !ok {
				return ErrLeaseBusy
			}
			t, err := tx.Tasks.GetForUpdate(ctx, c.ID)
			if err != nil {
				return err
			}
			if err := t.MarkRunning(now); err != nil {
				return err
			}
			if err := tx.Tasks.Update(ctx, t, domain.TaskStatusPending); err != nil {
				return err
			}
			task = t
			return nil
		})
		switch {
		case err == nil:
			claimed = append(claimed, task)
			evs.add(events.TaskDequeued, task, now)
			log.Debug("task claimed",
				"task_id", task.ID,
				"queue", task.QueueName,
				"holder_id", req.HolderID)
		case errors.Is(err, ErrLeaseBusy), errors.Is(err, domain.ErrInvalidStateTransition):
			log.Debug("skipping task claimed elsewhere",
				"task_id", c.ID,
				"holder_id", req.HolderID)
		default:
			s.emit(ctx, evs)
			return claimed, NewServiceError("claim", "failed to claim task", err)
		}
	}
	s.emit(ctx, evs)
	return claimed, nil
}

// verifyLease fails with domain.ErrLockLost unless holderID holds a live
// lease on the task.
func verifyLease(ctx context.Context, tx store.Stores, t *domain.Task, holderID string, now time.Time) error {
	if holderID == "" {
		return fmt.Errorf("%w: holder id cannot be empty", domain.ErrValidation)
	}
	lock, err := tx.Locks.Get(ctx, t.LockKey())
	if errors.Is(err, store.ErrLockNotFound) {
		return fmt.Errorf("%w: no lease on %s", domain.ErrLockLost, t.LockKey())
	}
	if err != nil {
		return err
	}
	if !lock.IsHeldBy(holderID, now) {
		return fmt.Errorf("%w: lease on %s is not held by %s", domain.ErrLockLost, t.LockKey(), holderID)
	}
	return nil
}

// Complete implements TaskService.Complete
func (s *taskServiceImpl) Complete(ctx context.Context, id uuid.UUID, holderID string, result json.RawMessage) (*domain.Task, error) {
	now := s.clock.Now()
	var task *domain.Task
	err := s.backend.WithinTx(ctx, func(ctx context.Context, tx store.Stores) error {
		t, err := tx.Tasks.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := verifyLease(ctx, tx, t, holderID, now); err != nil {
			return err
		}
		if err := t.MarkCompleted(result, now); err != nil {
			return err
		}
		if err := tx.Tasks.Update(ctx, t, domain.TaskStatusRunning); err != nil {
			return err
		}
		task = t
		return tx.Locks.Release(ctx, t.LockKey(), holderID)
	})
	if err != nil {
		s.log(ctx).Error("failed to complete task",
			"task_id", id,
			"holder_id", holderID,
			"error", err)
		return nil, NewServiceError("complete", "failed to record completion", err)
	}

	s.log(ctx).Info("task completed",
		"task_id", task.ID,
		"task_type", task.Type,
		"queue", task.QueueName,
		"duration_ms", task.Duration().Milliseconds())
	s.emit(ctx, pendingEvents{events.NewTaskEvent(events.TaskCompleted, task, now)})
	return task, nil
}

// Fail implements TaskService.Fail
func (s *taskServiceImpl) Fail(ctx context.Context, id uuid.UUID, holderID string, cause error) (*FailureResult, error) {
	if cause == nil {
		return nil, fmt.Errorf("%w: failure cause cannot be nil", domain.ErrValidation)
	}
	now := s.clock.Now()
	var (
		res *FailureResult
		evs pendingEvents
	)
	err := s.backend.WithinTx(ctx, func(ctx context.Context, tx store.Stores) error {
		evs = nil
		t, err := tx.Tasks.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := verifyLease(ctx, tx, t, holderID, now); err != nil {
			return err
		}
		res, err = s.recordFailure(ctx, tx, t, cause, now, &evs)
		if err != nil {
			return err
		}
		return tx.Locks.Release(ctx, t.LockKey(), holderID)
	})
	if err != nil {
		s.log(ctx).Error("failed to record task failure",
			"task_id", id,
			"holder_id", holderID,
			"error", err)
		return nil, NewServiceError("fail", "failed to record failure", err)
	}
	s.logDecision(ctx, res)
	s.emit(ctx, evs)
	return res, nil
}

// recordFailure marks a running task failed and applies the retry decision.
// The stored message is redacted and bounded; the classification uses the
// raw cause.
func (s *taskServiceImpl) recordFailure(ctx context.Context, tx store.Stores, t *domain.Task, cause error, now time.Time, evs *pendingEvents) (*FailureResult, error) {
	decision := s.engine.Decide(t, cause, now)
	if err := t.MarkFailed(redact.Message(cause.Error()), string(decision.Classification.Category), now); err != nil {
		return nil, err
	}
	evs.add(events.TaskFailed, t, now)
	if err := decision.Apply(t, now); err != nil {
		return nil, err
	}
	if decision.WillRetry() {
		evs.add(events.TaskRetryScheduled, t, now)
	}
	if err := tx.Tasks.Update(ctx, t, domain.TaskStatusRunning); err != nil {
		return nil, err
	}
	return &FailureResult{Task: t, Decision: decision}, nil
}

func (s *taskServiceImpl) logDecision(ctx context.Context, res *FailureResult) {
	t, d := res.Task, res.Decision
	if d.WillRetry() {
		s.log(ctx).Warn("task failed, retry scheduled",
			"task_id", t.ID,
			"task_type", t.Type,
			"category", d.Classification.Category,
			"retry_count", t.RetryCount,
			"delay", d.Delay,
			"next_retry_at", d.NotBefore)
		return
	}
	s.log(ctx).Error("task failed permanently",
		"task_id", t.ID,
		"task_type", t.Type,
		"category", d.Classification.Category,
		"retry_count", t.RetryCount,
		"reason", d.Reason)
}

// ConfirmCancel implements TaskService.ConfirmCancel
func (s *taskServiceImpl) ConfirmCancel(ctx context.Context, id uuid.UUID, holderID string) (*domain.Task, error) {
	now := s.clock.Now()
	var task *domain.Task
	err := s.backend.WithinTx(ctx, func(ctx context.Context, tx store.Stores) error {
		t, err := tx.Tasks.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !t.CancelRequested {
			return fmt.Errorf("%w: task %s has no pending cancellation", domain.ErrInvalidStateTransition, t.ID)
		}
		if err := verifyLease(ctx, tx, t, holderID, now); err != nil {
			return err
		}
		if err := t.MarkCancelled(cancelReason(t), now); err != nil {
			return err
		}
		if err := tx.Tasks.Update(ctx, t, domain.TaskStatusRunning); err != nil {
			return err
		}
		task = t
		return tx.Locks.Release(ctx, t.LockKey(), holderID)
	})
	if err != nil {
		return nil, NewServiceError("confirm_cancel", "failed to cancel running task", err)
	}
	s.log(ctx).Info("running task cancelled", "task_id", task.ID, "reason", cancelReason(task))
	s.emit(ctx, pendingEvents{events.NewTaskEvent(events.TaskCancelled, task, now)})
	return task, nil
}

func cancelReason(t *domain.Task) string {
	if t.CancelReason != nil {
		return *t.CancelReason
	}
	return ""
}

// IsCancelRequested implements TaskService.IsCancelRequested
func (s *taskServiceImpl) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	t, err := s.backend.Stores().Tasks.GetByID(ctx, id)
	if err != nil {
		return false, NewServiceError("is_cancel_requested", "failed to retrieve task", err)
	}
	return t.CancelRequested || t.Status == domain.TaskStatusCancelled, nil
}

// cancelTask cancels a pending task or flags a running one. changed is false
// when a running task was already flagged.
func cancelTask(ctx context.Context, tx store.Stores, t *domain.Task, reason string, now time.Time, evs *pendingEvents) (changed bool, err error) {
	switch t.Status {
	case domain.TaskStatusPending:
		if err := t.MarkCancelled(reason, now); err != nil {
			return false, err
		}
		if err := tx.Tasks.Update(ctx, t, domain.TaskStatusPending); err != nil {
			return false, err
		}
		evs.add(events.TaskCancelled, t, now)
		return true, nil
	case domain.TaskStatusRunning:
		if t.CancelRequested {
			return false, nil
		}
		if err := t.RequestCancel(reason, now); err != nil {
			return false, err
		}
		if err := tx.Tasks.Update(ctx, t, domain.TaskStatusRunning); err != nil {
			return false, err
		}
		evs.add(events.TaskCancelRequested, t, now)
		return true, nil
	default:
		return false, t.MarkCancelled(reason, now)
	}
}

// Cancel implements TaskService.Cancel
func (s *taskServiceImpl) Cancel(ctx context.Context, id uuid.UUID, reason string) (*domain.Task, error) {
	now := s.clock.Now()
	var (
		task *domain.Task
		evs  pendingEvents
	)
	err := s.backend.WithinTx(ctx, func(ctx context.Context, tx store.Stores) error {
		evs = nil
		t, err := tx.Tasks.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if _, err := cancelTask(ctx, tx, t, reason, now, &evs); err != nil {
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, NewServiceError("cancel", "failed to cancel task", err)
	}
	s.log(ctx).Info("task cancellation applied",
		"task_id", task.ID,
		"status", task.Status,
		"cancel_requested", task.CancelRequested,
		"reason", reason)
	s.emit(ctx, evs)
	return task, nil
}

// CancelCascade implements TaskService.CancelCascade
func (s *taskServiceImpl) CancelCascade(ctx context.Context, id uuid.UUID, reason string) ([]*domain.Task, error) {
	now := s.clock.Now()
	var (
		changed []*domain.Task
		evs     pendingEvents
	)
	err := s.backend.WithinTx(ctx, func(ctx context.Context, tx store.Stores) error {
		changed, evs = nil, nil
		if _, err := tx.Tasks.GetByID(ctx, id); err != nil {
			return err
		}
		descendants, err := domain.Closure(ctx, id, s.cfg.MaxGraphDepth, dependentsOf(tx.Dependencies))
		if err != nil {
			return err
		}
		for _, tid := range append([]uuid.UUID{id}, descendants...) {
			t, err := tx.Tasks.GetForUpdate(ctx, tid)
			if err != nil {
				return err
			}
			if t.Status != domain.TaskStatusPending && t.Status != domain.TaskStatusRunning {
				continue
			}
			ok, err := cancelTask(ctx, tx, t, reason, now, &evs)
			if err != nil {
				return err
			}
			if ok {
				changed = append(changed, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, NewServiceError("cancel_cascade", "failed to cancel task chain", err)
	}
	s.log(ctx).Info("task chain cancelled",
		"task_id", id,
		"affected", len(changed),
		"reason", reason)
	s.emit(ctx, evs)
	return changed, nil
}

// Retry implements TaskService.Retry
func (s *taskServiceImpl) Retry(ctx context.Context, id uuid.UUID, force bool) (*domain.Task, error) {
	now := s.clock.Now()
	var task *domain.Task
	err := s.backend.WithinTx(ctx, func(ctx context.Context, tx store.Stores) error {
		t, err := tx.Tasks.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from := t.Status
		if err := t.ManualRetry(force, now); err != nil {
			return err
		}
		if err := tx.Tasks.Update(ctx, t, from); err != nil {
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, NewServiceError("retry", "failed to retry task", err)
	}
	s.log(ctx).Info("task manually retried",
		"task_id", task.ID,
		"retry_count", task.RetryCount,
		"max_retries", task.MaxRetries,
		"forced", force)
	s.emit(ctx, pendingEvents{events.NewTaskEvent(events.TaskRequeued, task, now)})
	return task, nil
}

// BatchUpdateStatus implements TaskService.BatchUpdateStatus
func (s *taskServiceImpl) BatchUpdateStatus(ctx context.Context, ids []uuid.UUID, status domain.TaskStatus, reason string) (*BatchResult, error) {
	var apply func(id uuid.UUID) error
	switch status {
	case domain.TaskStatusCancelled:
		apply = func(id uuid.UUID) error {
			_, err := s.Cancel(ctx, id, reason)
			return err
		}
	case domain.TaskStatusPending:
		apply = func(id uuid.UUID) error {
			_, err := s.Retry(ctx, id, false)
			return err
		}
	default:
		return nil, fmt.Errorf("%w: batch updates support only %s and %s, got %q",
			domain.ErrValidation, domain.TaskStatusCancelled, domain.TaskStatusPending, status)
	}

	res := &BatchResult{Updated: make([]uuid.UUID, 0, len(ids))}
	var merr *multierror.Error
	for _, id := range ids {
		if err := apply(id); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("task %s: %w", id, err))
			continue
		}
		res.Updated = append(res.Updated, id)
	}
	if merr != nil {
		s.log(ctx).Warn("batch status update partially failed",
			"status", status,
			"updated", len(res.Updated),
			"failed", merr.Len())
	}
	return res, merr.ErrorOrNil()
}

// ProcessDueRetries implements TaskService.ProcessDueRetries
func (s *taskServiceImpl) ProcessDueRetries(ctx context.Context, limit int) (int, error) {
	now := s.clock.Now()
	due, err := s.backend.Stores().Tasks.ListDueRetries(ctx, now, limit)
	if err != nil {
		return 0, NewServiceError("process_due_retries", "failed to list due retries", err)
	}

	promoted := 0
	var evs pendingEvents
	for _, d := range due {
		var task *domain.Task
		err := s.backend.WithinTx(ctx, func(ctx context.Context, tx store.Stores) error {
			t, err := tx.Tasks.GetForUpdate(ctx, d.ID)
			if err != nil {
				return err
			}
			if err := t.PromoteRetry(now); err != nil {
				return err
			}
			if err := tx.Tasks.Update(ctx, t, domain.TaskStatusRetrying); err != nil {
				return err
			}
			task = t
			return nil
		})
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			// promoted manually or by another sweeper in the meantime
			continue
		}
		if err != nil {
			s.emit(ctx, evs)
			return promoted, NewServiceError("process_due_retries", "failed to promote retry", err)
		}
		promoted++
		evs.add(events.TaskRequeued, task, now)
	}
	if promoted > 0 {
		s.log(ctx).Info("due retries promoted", "count", promoted)
	}
	s.emit(ctx, evs)
	return promoted, nil
}

// ExpireOverdue implements TaskService.ExpireOverdue
func (s *taskServiceImpl) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	now := s.clock.Now()
	expired, err := s.backend.Stores().Tasks.ListExpired(ctx, now, limit)
	if err != nil {
		return 0, NewServiceError("expire_overdue", "failed to list expired tasks", err)
	}

	affected := 0
	var evs pendingEvents
	for _, e := range expired {
		var txEvents pendingEvents
		err := s.backend.WithinTx(ctx, func(ctx context.Context, tx store.Stores) error {
			txEvents = nil
			t, err := tx.Tasks.GetForUpdate(ctx, e.ID)
			if err != nil {
				return err
			}
			if !t.IsExpired(now) {
				return nil
			}
			_, err = cancelTask(ctx, tx, t, domain.CancelReasonExpired, now, &txEvents)
			return err
		})
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			continue
		}
		if err != nil {
			s.emit(ctx, evs)
			return affected, NewServiceError("expire_overdue", "failed to expire task", err)
		}
		affected += len(txEvents)
		evs = append(evs, txEvents...)
	}
	if affected > 0 {
		s.log(ctx).Info("expired tasks cancelled", "count", affected)
	}
	s.emit(ctx, evs)
	return affected, nil
}

// ReclaimAbandoned implements TaskService.ReclaimAbandoned
func (s *taskServiceImpl) ReclaimAbandoned(ctx context.Context, limit int) (int, error) {
	now := s.clock.Now()
	abandoned, err := s.backend.Stores().Tasks.ListAbandoned(ctx, now, limit)
	if err != nil {
		return 0, NewServiceError("reclaim_abandoned", "failed to list abandoned tasks", err)
	}

	reclaimed := 0
	var evs pendingEvents
	for _, a := range abandoned {
		var (
			txEvents pendingEvents
			res      *FailureResult
		)
		err := s.backend.WithinTx(ctx, func(ctx context.Context, tx store.Stores) error {
			txEvents, res = nil, nil
			t, err := tx.Tasks.GetForUpdate(ctx, a.ID)
			if err != nil {
				return err
			}
			if t.Status != domain.TaskStatusRunning {
				return nil
			}
			if lock, err := tx.Locks.Get(ctx, t.LockKey()); err == nil && !lock.IsExpired(now) {
				// the worker refreshed its lease after the listing
				return nil
			} else if err != nil && !errors.Is(err, store.ErrLockNotFound) {
				return err
			}
			if t.CancelRequested {
				if err := t.MarkCancelled(cancelReason(t), now); err != nil {
					return err
				}
				txEvents.add(events.TaskCancelled, t, now)
				return tx.Tasks.Update(ctx, t, domain.TaskStatusRunning)
			}
			res, err = s.recordFailure(ctx, tx, t, retry.Tag(retry.CategorySystem, errLeaseExpired), now, &txEvents)
			return err
		})
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			continue
		}
		if err != nil {
			s.emit(ctx, evs)
			return reclaimed, NewServiceError("reclaim_abandoned", "failed to reclaim task", err)
		}
		if len(txEvents) == 0 {
			continue
		}
		reclaimed++
		if res != nil {
			s.logDecision(ctx, res)
		}
		evs = append(evs, txEvents...)
	}
	if reclaimed > 0 {
		s.log(ctx).Warn("abandoned tasks reclaimed", "count", reclaimed)
	}
	s.emit(ctx, evs)
	return reclaimed, nil
}
