package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/platform/logger"
	"github.com/phrazzld/conductor/internal/store"
)

// graphLockKey is the advisory lock that serializes dependency inserts.
const graphLockKey int64 = 0x636f6e64 // "cond"

// PostgresDependencyStore implements store.DependencyStore on task_dependencies.
type PostgresDependencyStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresDependencyStore creates a new PostgreSQL implementation of the DependencyStore interface.
func NewPostgresDependencyStore(db store.DBTX, logger *slog.Logger) *PostgresDependencyStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresDependencyStore{
		db:     db,
		logger: logger.With(slog.String("component", "dependency_store")),
	}
}

var _ store.DependencyStore = (*PostgresDependencyStore)(nil)

// LockGraph takes a transaction-scoped advisory lock. Outside a transaction
// the lock is released as soon as the statement finishes.
func (s *PostgresDependencyStore) LockGraph(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, graphLockKey); err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to lock dependency graph",
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to lock dependency graph: %w", MapError(err))
	}
	return nil
}

// Add implements store.DependencyStore.Add
func (s *PostgresDependencyStore) Add(ctx context.Context, dep *domain.Dependency) error {
	if err := dep.Validate(); err != nil {
		return err
	}
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		INSERT INTO task_dependencies (dependent_id, prerequisite_id, kind, blocking, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query,
		dep.DependentID, dep.PrerequisiteID, string(dep.Kind), dep.Blocking, dep.CreatedAt)
	if err != nil {
		switch {
		case IsUniqueViolation(err):
			return store.ErrDependencyExists
		case IsForeignKeyViolation(err):
			log.Warn("dependency references a missing task",
				slog.String("dependent_id", dep.DependentID.String()),
				slog.String("prerequisite_id", dep.PrerequisiteID.String()))
			return fmt.Errorf("%w: %v", store.ErrTaskNotFound, err)
		}
		log.Error("failed to add dependency",
			slog.String("dependent_id", dep.DependentID.String()),
			slog.String("prerequisite_id", dep.PrerequisiteID.String()),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to add dependency: %w", MapError(err))
	}
	return nil
}

func (s *PostgresDependencyStore) listEdges(ctx context.Context, column string, id uuid.UUID) ([]domain.Dependency, error) {
	query := fmt.Sprintf(`
		SELECT dependent_id, prerequisite_id, kind, blocking, created_at
		FROM task_dependencies
		WHERE %s = $1
		ORDER BY created_at, dependent_id, prerequisite_id
	`, column)

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to list dependencies",
			slog.String(column, id.String()),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to list dependencies: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	edges := []domain.Dependency{}
	for rows.Next() {
		var (
			d    domain.Dependency
			kind string
		)
		if err := rows.Scan(&d.DependentID, &d.PrerequisiteID, &kind, &d.Blocking, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		d.Kind = domain.DependencyKind(kind)
		edges = append(edges, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dependencies: %w", err)
	}
	return edges, nil
}

// ListByDependent implements store.DependencyStore.ListByDependent
func (s *PostgresDependencyStore) ListByDependent(ctx context.Context, dependentID uuid.UUID) ([]domain.Dependency, error) {
	return s.listEdges(ctx, "dependent_id", dependentID)
}

// ListByPrerequisite implements store.DependencyStore.ListByPrerequisite
func (s *PostgresDependencyStore) ListByPrerequisite(ctx context.Context, prerequisiteID uuid.UUID) ([]domain.Dependency, error) {
	return s.listEdges(ctx, "prerequisite_id", prerequisiteID)
}

// PrerequisiteStates implements store.DependencyStore.PrerequisiteStates
func (s *PostgresDependencyStore) PrerequisiteStates(ctx context.Context, dependentID uuid.UUID) ([]domain.PrerequisiteState, error) {
	query := `
		SELECT d.dependent_id, d.prerequisite_id, d.kind, d.blocking, d.created_at, p.status
		FROM task_dependencies d
		JOIN tasks p ON p.id = d.prerequisite_id
		WHERE d.dependent_id = $1
		ORDER BY d.created_at, d.prerequisite_id
	`
	rows, err := s.db.QueryContext(ctx, query, dependentID)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to load prerequisite states",
			slog.String("dependent_id", dependentID.String()),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to load prerequisite states: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var states []domain.PrerequisiteState
	for rows.Next() {
		var (
			ps     domain.PrerequisiteState
			kind   string
			status string
		)
		if err := rows.Scan(&ps.Edge.DependentID, &ps.Edge.PrerequisiteID, &kind,
			&ps.Edge.Blocking, &ps.Edge.CreatedAt, &status); err != nil {
			return nil, fmt.Errorf("failed to scan prerequisite state: %w", err)
		}
		ps.Edge.Kind = domain.DependencyKind(kind)
		ps.Status = domain.TaskStatus(status)
		states = append(states, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate prerequisite states: %w", err)
	}
	return states, nil
}
