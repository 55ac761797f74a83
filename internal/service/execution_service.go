package service

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/google/uuid"
	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/platform/clock"
	"github.com/phrazzld/conductor/internal/redact"
	"github.com/phrazzld/conductor/internal/store"
)

// MemoryProbe reports the process memory in use, in bytes.
type MemoryProbe func() uint64

// HeapInUse reads the live heap size from the Go runtime.
func HeapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// ExecutionLogService records the audit trail of execution attempts.
type ExecutionLogService interface {
	// BeginAttempt opens a started entry for the next attempt of taskID.
	BeginAttempt(ctx context.Context, taskID uuid.UUID, workerID string) (*domain.ExecutionLog, error)

	// Transition records a new status on an open entry. Final statuses close
	// it; errors and stack traces are redacted before they are stored.
	Transition(ctx context.Context, entry *domain.ExecutionLog, status domain.ExecutionStatus, out domain.ExecutionOutcome) error

	// ListByTask returns up to limit attempts of a task, newest first.
	ListByTask(ctx context.Context, taskID uuid.UUID, limit int) ([]*domain.ExecutionLog, error)

	// Latest returns the most recent attempt of a task.
	Latest(ctx context.Context, taskID uuid.UUID) (*domain.ExecutionLog, error)
}

type executionLogServiceImpl struct {
	backend store.Backend
	clock   clock.Clock
	memory  MemoryProbe
	logger  *slog.Logger
}

// NewExecutionLogService creates an ExecutionLogService. A nil probe uses
// HeapInUse.
func NewExecutionLogService(backend store.Backend, clk clock.Clock, probe MemoryProbe, logger *slog.Logger) (ExecutionLogService, error) {
	if backend == nil {
		return nil, &ServiceError{Operation: "create_service", Message: "backend cannot be nil"}
	}
	if clk == nil {
		clk = clock.System{}
	}
	if probe == nil {
		probe = HeapInUse
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &executionLogServiceImpl{
		backend: backend,
		clock:   clk,
		memory:  probe,
		logger:  logger.With("component", "execution_log_service"),
	}, nil
}

// BeginAttempt implements ExecutionLogService.BeginAttempt
func (s *executionLogServiceImpl) BeginAttempt(ctx context.Context, taskID uuid.UUID, workerID string) (*domain.ExecutionLog, error) {
	mem := s.memory()
	var entry *domain.ExecutionLog
	err := s.backend.WithinTx(ctx, func(ctx context.Context, tx store.Stores) error {
		if _, err := tx.Tasks.GetByID(ctx, taskID); err != nil {
			return err
		}
		n, err := tx.Executions.CountByTask(ctx, taskID)
		if err != nil {
			return err
		}
		entry = domain.NewExecutionLog(taskID, n+1, workerID, mem, s.clock.Now())
		return tx.Executions.Create(ctx, entry)
	})
	if err != nil {
		s.logger.Error("failed to open execution log entry",
			"task_id", taskID,
			"worker_id", workerID,
			"error", err)
		return nil, NewServiceError("begin_attempt", "failed to open execution log entry", err)
	}
	s.logger.Debug("execution attempt started",
		"task_id", taskID,
		"execution_id", entry.ExecutionID,
		"attempt", entry.Attempt,
		"worker_id", workerID)
	return entry, nil
}

// Transition implements ExecutionLogService.Transition
func (s *executionLogServiceImpl) Transition(ctx context.Context, entry *domain.ExecutionLog, status domain.ExecutionStatus, out domain.ExecutionOutcome) error {
	if out.Error != "" {
		out.Error = redact.Message(out.Error)
	}
	if out.StackTrace != "" {
		out.StackTrace = redact.Stack([]byte(out.StackTrace))
	}
	if out.MemoryBytes == 0 {
		out.MemoryBytes = s.memory()
	}

	// work on a copy so a rejected write leaves the caller's entry untouched
	updated := *entry
	updated.Metadata = make(map[string]any, len(entry.Metadata))
	for k, v := range entry.Metadata {
		updated.Metadata[k] = v
	}
	if err := updated.Transition(status, out, s.clock.Now()); err != nil {
		return err
	}
	if err := s.backend.Stores().Executions.Update(ctx, &updated); err != nil {
		s.logger.Error("failed to record execution outcome",
			"execution_id", entry.ExecutionID,
			"status", status,
			"error", err)
		return NewServiceError("transition_attempt", "failed to record execution outcome", err)
	}
	*entry = updated

	if entry.CompletedAt != nil {
		s.logger.Debug("execution attempt closed",
			"task_id", entry.TaskID,
			"execution_id", entry.ExecutionID,
			"status", entry.Status,
			"duration_ms", *entry.DurationMs)
	}
	return nil
}

// ListByTask implements ExecutionLogService.ListByTask
func (s *executionLogServiceImpl) ListByTask(ctx context.Context, taskID uuid.UUID, limit int) ([]*domain.ExecutionLog, error) {
	entries, err := s.backend.Stores().Executions.ListByTask(ctx, taskID, limit)
	if err != nil {
		return nil, NewServiceError("list_executions", "failed to list execution log", err)
	}
	return entries, nil
}

// Latest implements ExecutionLogService.Latest
func (s *executionLogServiceImpl) Latest(ctx context.Context, taskID uuid.UUID) (*domain.ExecutionLog, error) {
	entries, err := s.backend.Stores().Executions.ListByTask(ctx, taskID, 1)
	if err != nil {
		return nil, NewServiceError("latest_execution", "failed to list execution log", err)
	}
	if len(entries) == 0 {
		return nil, store.ErrExecutionNotFound
	}
	return entries[0], nil
}
