package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/platform/logger"
	"github.com/phrazzld/conductor/internal/store"
)

const idempotencyKeyConstraint = "tasks_idempotency_key_key"

const taskColumns = `
	t.id, t.seq, t.task_type, t.priority, t.status, t.payload, t.result,
	t.error_message, t.failure_category, t.retry_count, t.max_retries,
	t.queue_name, t.created_by, t.idempotency_key, t.cancel_requested,
	t.cancel_reason, t.created_at, t.updated_at, t.started_at,
	t.completed_at, t.expires_at, t.next_retry_at`

// unsatisfiedBlockingDependency matches tasks with at least one blocking edge
// whose prerequisite has not reached the status its kind requires.
const unsatisfiedBlockingDependency = `
	EXISTS (
		SELECT 1
		FROM task_dependencies d
		JOIN tasks p ON p.id = d.prerequisite_id
		WHERE d.dependent_id = t.id
		  AND d.blocking
		  AND NOT (
			(d.kind = 'on_finish' AND p.status IN ('completed', 'failed', 'cancelled'))
			OR (d.kind = 'on_success' AND p.status = 'completed')
			OR (d.kind = 'on_failure' AND p.status = 'failed')
			OR (d.kind = 'on_cancel' AND p.status = 'cancelled')
		  )
	)`

// PostgresTaskStore implements the store.TaskStore interface
// using a PostgreSQL database as the storage backend.
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresTaskStore creates a new PostgreSQL implementation of the TaskStore interface.
// It accepts a database connection or transaction that should be initialized and managed by the caller.
// If logger is nil, a default logger will be used.
func NewPostgresTaskStore(db store.DBTX, logger *slog.Logger) *PostgresTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "task_store")),
	}
}

// Ensure PostgresTaskStore implements store.TaskStore interface
var _ store.TaskStore = (*PostgresTaskStore)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t       domain.Task
		status  string
		payload []byte
		result  []byte
	)
	err := row.Scan(
		&t.ID, &t.Seq, &t.Type, &t.Priority, &status, &payload, &result,
		&t.ErrorMessage, &t.FailureCategory, &t.RetryCount, &t.MaxRetries,
		&t.QueueName, &t.CreatedBy, &t.IdempotencyKey, &t.CancelRequested,
		&t.CancelReason, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt,
		&t.CompletedAt, &t.ExpiresAt, &t.NextRetryAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	t.Payload = payload
	if result != nil {
		t.Result = result
	}
	return &t, nil
}

func (s *PostgresTaskStore) queryTasks(ctx context.Context, op string, query string, args ...any) ([]*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks", slog.String("operation", op), slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to %s: %w", op, MapError(err))
	}
	defer func() { _ = rows.Close() }()

	tasks := []*domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			log.Error("failed to scan task row", slog.String("operation", op), slog.String("error", err.Error()))
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		log.Error("error iterating task rows", slog.String("operation", op), slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return tasks, nil
}

// Create implements store.TaskStore.Create
func (s *PostgresTaskStore) Create(ctx context.Context, task *domain.Task) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := task.Validate(); err != nil {
		log.Warn("task validation failed during create",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO tasks (
			id, task_type, priority, status, payload, result, error_message,
			failure_category, retry_count, max_retries, queue_name, created_by,
			idempotency_key, cancel_requested, cancel_reason, created_at,
			updated_at, started_at, completed_at, expires_at, next_retry_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		RETURNING seq
	`
	err := s.db.QueryRowContext(ctx, query,
		task.ID, task.Type, task.Priority, string(task.Status), []byte(task.Payload),
		nullableJSON(task.Result), task.ErrorMessage, task.FailureCategory,
		task.RetryCount, task.MaxRetries, task.QueueName, task.CreatedBy,
		task.IdempotencyKey, task.CancelRequested, task.CancelReason,
		task.CreatedAt, task.UpdatedAt, task.StartedAt, task.CompletedAt,
		task.ExpiresAt, task.NextRetryAt,
	).Scan(&task.Seq)
	if err != nil {
		if IsUniqueViolation(err) && constraintName(err) == idempotencyKeyConstraint {
			log.Debug("idempotency key already used",
				slog.String("task_id", task.ID.String()))
			return MapUniqueViolation(err, "task", idempotencyKeyConstraint, store.ErrIdempotencyKeyExists)
		}
		log.Error("failed to create task",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()),
			slog.String("task_type", task.Type))
		return fmt.Errorf("failed to create task: %w", MapError(err))
	}

	log.Debug("task created",
		slog.String("task_id", task.ID.String()),
		slog.String("task_type", task.Type),
		slog.String("queue", task.QueueName),
		slog.Int64("seq", task.Seq))
	return nil
}

// GetByID implements store.TaskStore.GetByID
func (s *PostgresTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return s.getOne(ctx, `SELECT`+taskColumns+` FROM tasks t WHERE t.id = $1`, id)
}

// GetByIdempotencyKey implements store.TaskStore.GetByIdempotencyKey
func (s *PostgresTaskStore) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Task, error) {
	return s.getOne(ctx, `SELECT`+taskColumns+` FROM tasks t WHERE t.idempotency_key = $1`, key)
}

// GetForUpdate implements store.TaskStore.GetForUpdate
func (s *PostgresTaskStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return s.getOne(ctx, `SELECT`+taskColumns+` FROM tasks t WHERE t.id = $1 FOR UPDATE`, id)
}

func (s *PostgresTaskStore) getOne(ctx context.Context, query string, arg any) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	t, err := scanTask(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("task not found", slog.Any("lookup", arg))
			return nil, store.ErrTaskNotFound
		}
		log.Error("failed to get task", slog.Any("lookup", arg), slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to get task: %w", MapError(err))
	}
	return t, nil
}

// Update implements store.TaskStore.Update
func (s *PostgresTaskStore) Update(ctx context.Context, task *domain.Task, expected domain.TaskStatus) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		UPDATE tasks
		SET status = $3, priority = $4, result = $5, error_message = $6,
			failure_category = $7, retry_count = $8, max_retries = $9,
			cancel_requested = $10, cancel_reason = $11, updated_at = $12,
			started_at = $13, completed_at = $14, expires_at = $15,
			next_retry_at = $16
		WHERE id = $1 AND status = $2
	`
	res, err := s.db.ExecContext(ctx, query,
		task.ID, string(expected), string(task.Status), task.Priority,
		nullableJSON(task.Result), task.ErrorMessage, task.FailureCategory,
		task.RetryCount, task.MaxRetries, task.CancelRequested, task.CancelReason,
		task.UpdatedAt, task.StartedAt, task.CompletedAt, task.ExpiresAt,
		task.NextRetryAt,
	)
	if err != nil {
		log.Error("failed to update task",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return fmt.Errorf("failed to update task: %w", MapError(err))
	}

	if err := CheckRowsAffected(res, "task"); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	// Nothing matched: either the task is gone or its status moved on.
	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1`, task.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read task status: %w", MapError(err))
	}
	log.Debug("task status changed concurrently",
		slog.String("task_id", task.ID.String()),
		slog.String("expected", string(expected)),
		slog.String("current", current))
	return fmt.Errorf("%w: task %s is %s, expected %s",
		domain.ErrInvalidStateTransition, task.ID, current, expected)
}

func filterClause(filter store.TaskFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	placeholder := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Statuses) > 0 {
		ph := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			ph[i] = placeholder(string(st))
		}
		conds = append(conds, "t.status IN ("+strings.Join(ph, ", ")+")")
	}
	if len(filter.Types) > 0 {
		ph := make([]string, len(filter.Types))
		for i, typ := range filter.Types {
			ph[i] = placeholder(typ)
		}
		conds = append(conds, "t.task_type IN ("+strings.Join(ph, ", ")+")")
	}
	if filter.QueueName != "" {
		conds = append(conds, "t.queue_name = "+placeholder(filter.QueueName))
	}
	if filter.CreatedBy != "" {
		conds = append(conds, "t.created_by = "+placeholder(filter.CreatedBy))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List implements store.TaskStore.List
func (s *PostgresTaskStore) List(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error) {
	filter = filter.Normalize()
	where, args := filterClause(filter)
	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT%s FROM tasks t%s ORDER BY t.created_at DESC, t.seq DESC LIMIT $%d OFFSET $%d`,
		taskColumns, where, len(args)-1, len(args))
	return s.queryTasks(ctx, "list tasks", query, args...)
}

// Count implements store.TaskStore.Count
func (s *PostgresTaskStore) Count(ctx context.Context, filter store.TaskFilter) (int, error) {
	where, args := filterClause(filter)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks t`+where, args...).Scan(&n); err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to count tasks", slog.String("error", err.Error()))
		return 0, fmt.Errorf("failed to count tasks: %w", MapError(err))
	}
	return n, nil
}

// CountByStatus implements store.TaskStore.CountByStatus
func (s *PostgresTaskStore) CountByStatus(ctx context.Context, queueName string) (map[domain.TaskStatus]int64, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT status, COUNT(*)
		FROM tasks
		WHERE $1 = '' OR queue_name = $1
		GROUP BY status
	`
	rows, err := s.db.QueryContext(ctx, query, queueName)
	if err != nil {
		log.Error("failed to count tasks by status", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to count tasks by status: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[domain.TaskStatus]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[domain.TaskStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate status counts: %w", err)
	}
	return counts, nil
}

// Dequeue implements store.TaskStore.Dequeue
func (s *PostgresTaskStore) Dequeue(ctx context.Context, queueName string, now time.Time, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		return []*domain.Task{}, nil
	}
	query := `SELECT` + taskColumns + `
		FROM tasks t
		WHERE t.status = 'pending'
		  AND t.queue_name = $1
		  AND (t.expires_at IS NULL OR t.expires_at >= $2)
		  AND NOT EXISTS (
			SELECT 1 FROM lease_locks l
			WHERE l.lock_key = 'task:' || t.id::text AND l.expires_at > $2
		  )
		  AND NOT ` + unsatisfiedBlockingDependency + `
		ORDER BY t.priority DESC, t.created_at ASC, t.seq ASC
		LIMIT $3
		FOR UPDATE OF t SKIP LOCKED`
	return s.queryTasks(ctx, "dequeue tasks", query, queueName, now, limit)
}

// QueuePosition implements store.TaskStore.QueuePosition
func (s *PostgresTaskStore) QueuePosition(ctx context.Context, task *domain.Task) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM tasks
		WHERE queue_name = $1
		  AND status = 'pending'
		  AND id <> $2
		  AND (
			priority > $3
			OR (priority = $3 AND created_at < $4)
			OR (priority = $3 AND created_at = $4 AND seq < $5)
		  )
	`
	var ahead int
	err := s.db.QueryRowContext(ctx, query,
		task.QueueName, task.ID, task.Priority, task.CreatedAt, task.Seq,
	).Scan(&ahead)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to compute queue position",
			slog.String("task_id", task.ID.String()),
			slog.String("error", err.Error()))
		return 0, fmt.Errorf("failed to compute queue position: %w", MapError(err))
	}
	return ahead + 1, nil
}

// ListDueRetries implements store.TaskStore.ListDueRetries
func (s *PostgresTaskStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	query := `SELECT` + taskColumns + `
		FROM tasks t
		WHERE t.status = 'retrying'
		  AND (t.next_retry_at IS NULL OR t.next_retry_at <= $1)
		ORDER BY t.seq
		LIMIT $2`
	return s.queryTasks(ctx, "list due retries", query, now, store.SweepLimit(limit))
}

// ListExpired implements store.TaskStore.ListExpired
func (s *PostgresTaskStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	query := `SELECT` + taskColumns + `
		FROM tasks t
		WHERE t.expires_at < $1
		  AND (t.status = 'pending' OR (t.status = 'running' AND NOT t.cancel_requested))
		ORDER BY t.seq
		LIMIT $2`
	return s.queryTasks(ctx, "list expired tasks", query, now, store.SweepLimit(limit))
}

// ListAbandoned implements store.TaskStore.ListAbandoned
func (s *PostgresTaskStore) ListAbandoned(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	query := `SELECT` + taskColumns + `
		FROM tasks t
		WHERE t.status = 'running'
		  AND NOT EXISTS (
			SELECT 1 FROM lease_locks l
			WHERE l.lock_key = 'task:' || t.id::text AND l.expires_at > $1
		  )
		ORDER BY t.seq
		LIMIT $2`
	return s.queryTasks(ctx, "list abandoned tasks", query, now, store.SweepLimit(limit))
}

// DeleteTerminalBefore implements store.TaskStore.DeleteTerminalBefore.
// Edges and execution logs go with the task through ON DELETE CASCADE.
func (s *PostgresTaskStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		DELETE FROM tasks
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND completed_at < $1
	`
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		log.Error("failed to delete terminal tasks", slog.String("error", err.Error()))
		return 0, fmt.Errorf("failed to delete terminal tasks: %w", MapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	log.Info("deleted terminal tasks", slog.Int64("count", n), slog.Time("cutoff", cutoff))
	return n, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
