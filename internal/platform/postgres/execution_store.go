package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/platform/logger"
	"github.com/phrazzld/conductor/internal/store"
)

const executionColumns = `
	id, task_id, execution_id, attempt, worker_id, status, started_at,
	completed_at, duration_ms, memory_bytes, processed_items, error_message,
	stack_trace, metadata`

// PostgresExecutionLogStore implements store.ExecutionLogStore on execution_logs.
type PostgresExecutionLogStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresExecutionLogStore creates a new PostgreSQL implementation of the ExecutionLogStore interface.
func NewPostgresExecutionLogStore(db store.DBTX, logger *slog.Logger) *PostgresExecutionLogStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresExecutionLogStore{
		db:     db,
		logger: logger.With(slog.String("component", "execution_log_store")),
	}
}

var _ store.ExecutionLogStore = (*PostgresExecutionLogStore)(nil)

func scanExecution(row rowScanner) (*domain.ExecutionLog, error) {
	var (
		e        domain.ExecutionLog
		status   string
		memory   int64
		metadata []byte
	)
	err := row.Scan(&e.ID, &e.TaskID, &e.ExecutionID, &e.Attempt, &e.WorkerID, &status,
		&e.StartedAt, &e.CompletedAt, &e.DurationMs, &memory, &e.ProcessedItems,
		&e.ErrorMessage, &e.StackTrace, &metadata)
	if err != nil {
		return nil, err
	}
	e.Status = domain.ExecutionStatus(status)
	if memory > 0 {
		e.MemoryBytes = uint64(memory)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode execution metadata: %w", err)
		}
	}
	return &e, nil
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte(`{}`), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: execution metadata is not JSON encodable: %v", store.ErrInvalidEntity, err)
	}
	return b, nil
}

// Create implements store.ExecutionLogStore.Create
func (s *PostgresExecutionLogStore) Create(ctx context.Context, entry *domain.ExecutionLog) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	metadata, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO execution_logs (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = s.db.ExecContext(ctx, query,
		entry.ID, entry.TaskID, entry.ExecutionID, entry.Attempt, entry.WorkerID,
		string(entry.Status), entry.StartedAt, entry.CompletedAt, entry.DurationMs,
		int64(entry.MemoryBytes), entry.ProcessedItems, entry.ErrorMessage,
		entry.StackTrace, metadata,
	)
	if err != nil {
		if IsForeignKeyViolation(err) {
			return fmt.Errorf("%w: %s", store.ErrTaskNotFound, entry.TaskID)
		}
		log.Error("failed to create execution log",
			slog.String("task_id", entry.TaskID.String()),
			slog.String("execution_id", entry.ExecutionID.String()),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to create execution log: %w", MapError(err))
	}
	return nil
}

// Update implements store.ExecutionLogStore.Update. Closed entries are never rewritten.
func (s *PostgresExecutionLogStore) Update(ctx context.Context, entry *domain.ExecutionLog) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	metadata, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return err
	}
	query := `
		UPDATE execution_logs
		SET status = $2, completed_at = $3, duration_ms = $4, memory_bytes = $5,
			processed_items = $6, error_message = $7, stack_trace = $8, metadata = $9
		WHERE execution_id = $1 AND completed_at IS NULL
	`
	res, err := s.db.ExecContext(ctx, query,
		entry.ExecutionID, string(entry.Status), entry.CompletedAt, entry.DurationMs,
		int64(entry.MemoryBytes), entry.ProcessedItems, entry.ErrorMessage,
		entry.StackTrace, metadata,
	)
	if err != nil {
		log.Error("failed to update execution log",
			slog.String("execution_id", entry.ExecutionID.String()),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to update execution log: %w", MapError(err))
	}
	if err := CheckRowsAffected(res, "execution"); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if _, err := s.GetByExecutionID(ctx, entry.ExecutionID); err != nil {
		return err
	}
	return fmt.Errorf("%w: execution %s already closed", domain.ErrInvalidStateTransition, entry.ExecutionID)
}

// GetByExecutionID implements store.ExecutionLogStore.GetByExecutionID
func (s *PostgresExecutionLogStore) GetByExecutionID(ctx context.Context, executionID uuid.UUID) (*domain.ExecutionLog, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT`+executionColumns+` FROM execution_logs WHERE execution_id = $1`, executionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution log: %w", MapError(err))
	}
	return e, nil
}

// ListByTask implements store.ExecutionLogStore.ListByTask
func (s *PostgresExecutionLogStore) ListByTask(ctx context.Context, taskID uuid.UUID, limit int) ([]*domain.ExecutionLog, error) {
	query := `SELECT` + executionColumns + `
		FROM execution_logs
		WHERE task_id = $1
		ORDER BY attempt DESC, started_at DESC
		LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, taskID, store.SweepLimit(limit))
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to list execution logs",
			slog.String("task_id", taskID.String()),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to list execution logs: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	entries := []*domain.ExecutionLog{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate execution logs: %w", err)
	}
	return entries, nil
}

// CountByTask implements store.ExecutionLogStore.CountByTask
func (s *PostgresExecutionLogStore) CountByTask(ctx context.Context, taskID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_logs WHERE task_id = $1`, taskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count execution logs: %w", MapError(err))
	}
	return n, nil
}

// DeleteClosedBefore implements store.ExecutionLogStore.DeleteClosedBefore
func (s *PostgresExecutionLogStore) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_logs WHERE completed_at IS NOT NULL AND completed_at < $1`, cutoff)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to delete execution logs",
			slog.String("error", err.Error()))
		return 0, fmt.Errorf("failed to delete execution logs: %w", MapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
