package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/platform/clock"
	"github.com/phrazzld/conductor/internal/store"
)

// RetentionReport counts the rows removed by a retention pass.
type RetentionReport struct {
	Tasks       int64 `json:"tasks"`
	Executions  int64 `json:"executions"`
	Idempotency int64 `json:"idempotency"`
}

// Total returns the number of rows removed.
func (r RetentionReport) Total() int64 {
	return r.Tasks + r.Executions + r.Idempotency
}

// MaintenanceService runs the periodic sweeps that keep the store healthy.
type MaintenanceService struct {
	tasks     TaskService
	backend   store.Backend
	clock     clock.Clock
	batchSize int
	logger    *slog.Logger
}

// NewMaintenanceService creates a MaintenanceService. batchSize bounds how
// many tasks one sweep touches; zero uses store.MaxPageSize.
func NewMaintenanceService(tasks TaskService, backend store.Backend, clk clock.Clock, batchSize int, logger *slog.Logger) (*MaintenanceService, error) {
	if tasks == nil {
		return nil, &ServiceError{Operation: "create_service", Message: "task service cannot be nil"}
	}
	if backend == nil {
		return nil, &ServiceError{Operation: "create_service", Message: "backend cannot be nil"}
	}
	if clk == nil {
		clk = clock.System{}
	}
	if batchSize <= 0 {
		batchSize = store.MaxPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MaintenanceService{
		tasks:     tasks,
		backend:   backend,
		clock:     clk,
		batchSize: batchSize,
		logger:    logger.With("component", "maintenance_service"),
	}, nil
}

// ExpireTasks cancels expired pending tasks and flags expired running ones.
func (m *MaintenanceService) ExpireTasks(ctx context.Context) (int64, error) {
	n, err := m.tasks.ExpireOverdue(ctx, m.batchSize)
	return int64(n), err
}

// PromoteRetries moves due retrying tasks back to pending.
func (m *MaintenanceService) PromoteRetries(ctx context.Context) (int64, error) {
	n, err := m.tasks.ProcessDueRetries(ctx, m.batchSize)
	return int64(n), err
}

// ReclaimAbandoned routes running tasks with a lapsed lease through the
// retry engine.
func (m *MaintenanceService) ReclaimAbandoned(ctx context.Context) (int64, error) {
	n, err := m.tasks.ReclaimAbandoned(ctx, m.batchSize)
	return int64(n), err
}

// SweepLocks deletes expired lease rows.
func (m *MaintenanceService) SweepLocks(ctx context.Context) (int64, error) {
	n, err := m.backend.Stores().Locks.DeleteExpired(ctx, m.clock.Now())
	if err != nil {
		return 0, NewServiceError("sweep_locks", "failed to delete expired locks", err)
	}
	if n > 0 {
		m.logger.Debug("expired locks deleted", "count", n)
	}
	return n, nil
}

// Retention deletes terminal tasks, closed execution entries and idempotency
// records older than olderThan.
func (m *MaintenanceService) Retention(ctx context.Context, olderThan time.Duration) (RetentionReport, error) {
	if olderThan <= 0 {
		return RetentionReport{}, fmt.Errorf("%w: retention must be positive", domain.ErrValidation)
	}
	cutoff := m.clock.Now().Add(-olderThan)
	stores := m.backend.Stores()

	var (
		report RetentionReport
		err    error
	)
	if report.Executions, err = stores.Executions.DeleteClosedBefore(ctx, cutoff); err != nil {
		return report, NewServiceError("retention", "failed to delete execution log entries", err)
	}
	if report.Tasks, err = stores.Tasks.DeleteTerminalBefore(ctx, cutoff); err != nil {
		return report, NewServiceError("retention", "failed to delete terminal tasks", err)
	}
	if report.Idempotency, err = stores.Idempotency.DeleteBefore(ctx, cutoff); err != nil {
		return report, NewServiceError("retention", "failed to delete idempotency records", err)
	}

	m.logger.Info("retention pass finished",
		"cutoff", cutoff,
		"tasks", report.Tasks,
		"executions", report.Executions,
		"idempotency_records", report.Idempotency)
	return report, nil
}
