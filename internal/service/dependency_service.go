package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/platform/clock"
	"github.com/phrazzld/conductor/internal/store"
)

// EdgeRequest describes one dependency edge to add.
type EdgeRequest struct {
	DependentID    uuid.UUID
	PrerequisiteID uuid.UUID
	Kind           domain.DependencyKind
	// NonBlocking marks an informational edge that never gates dispatch.
	NonBlocking bool
}

// TaskEdges lists both directions of a task's dependency edges.
type TaskEdges struct {
	// Prerequisites are the edges the task waits on.
	Prerequisites []domain.Dependency `json:"prerequisites"`
	// Dependents are the edges of tasks waiting on this one.
	Dependents []domain.Dependency `json:"dependents"`
}

// DependencyService manages the dependency graph between tasks.
type DependencyService interface {
	// AddEdge inserts an edge after checking it cannot close a cycle.
	AddEdge(ctx context.Context, req EdgeRequest) (*domain.Dependency, error)

	// IsSatisfied reports whether every blocking edge of dependentID is fulfilled.
	IsSatisfied(ctx context.Context, dependentID uuid.UUID) (bool, error)

	// ListEdges returns the edges touching id.
	ListEdges(ctx context.Context, id uuid.UUID) (*TaskEdges, error)

	// Ancestors returns every task id transitively waited on by id.
	Ancestors(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)

	// Descendants returns every task id transitively waiting on id.
	Descendants(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)
}

type dependencyServiceImpl struct {
	backend  store.Backend
	clock    clock.Clock
	maxDepth int
	logger   *slog.Logger
}

// NewDependencyService creates a DependencyService. maxDepth bounds graph
// walks; zero uses domain.DefaultMaxGraphDepth.
func NewDependencyService(backend store.Backend, clk clock.Clock, maxDepth int, logger *slog.Logger) (DependencyService, error) {
	if backend == nil {
		return nil, &ServiceError{Operation: "create_service", Message: "backend cannot be nil"}
	}
	if clk == nil {
		clk = clock.System{}
	}
	if maxDepth <= 0 {
		maxDepth = domain.DefaultMaxGraphDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &dependencyServiceImpl{
		backend:  backend,
		clock:    clk,
		maxDepth: maxDepth,
		logger:   logger.With("component", "dependency_service"),
	}, nil
}

// AddEdge implements DependencyService.AddEdge
func (s *dependencyServiceImpl) AddEdge(ctx context.Context, req EdgeRequest) (*domain.Dependency, error) {
	dep, err := domain.NewDependency(req.DependentID, req.PrerequisiteID, req.Kind, s.clock.Now())
	if err != nil {
		return nil, err
	}
	dep.Blocking = !req.NonBlocking

	err = s.backend.WithinTx(ctx, func(ctx context.Context, tx store.Stores) error {
		return addEdge(ctx, tx, dep, s.maxDepth)
	})
	if err != nil {
		s.logger.Warn("dependency edge rejected",
			"dependent_id", dep.DependentID,
			"prerequisite_id", dep.PrerequisiteID,
			"kind", dep.Kind,
			"error", err)
		return nil, NewServiceError("add_edge", "failed to add dependency", err)
	}

	s.logger.Info("dependency edge added",
		"dependent_id", dep.DependentID,
		"prerequisite_id", dep.PrerequisiteID,
		"kind", dep.Kind,
		"blocking", dep.Blocking)
	return dep, nil
}

// addEdge runs inside a transaction. The graph lock makes the reachability
// check and the insert atomic with respect to other edge insertions.
func addEdge(ctx context.Context, tx store.Stores, dep *domain.Dependency, maxDepth int) error {
	if err := dep.Validate(); err != nil {
		return err
	}
	if err := tx.Dependencies.LockGraph(ctx); err != nil {
		return err
	}
	for _, id := range []uuid.UUID{dep.DependentID, dep.PrerequisiteID} {
		if _, err := tx.Tasks.GetByID(ctx, id); err != nil {
			return err
		}
	}

	// A cycle exists if the prerequisite already waits, directly or
	// transitively, on the dependent through edges of the same class.
	cycle, err := domain.Reachable(ctx, dep.PrerequisiteID, dep.DependentID, maxDepth,
		prerequisitesOf(tx.Dependencies, func(e domain.Dependency) bool { return e.SameClass(dep) }))
	if err != nil {
		return err
	}
	if cycle {
		return fmt.Errorf("%w: %s already depends on %s",
			domain.ErrCircularDependency, dep.PrerequisiteID, dep.DependentID)
	}
	return tx.Dependencies.Add(ctx, dep)
}

func prerequisitesOf(deps store.DependencyStore, keep func(domain.Dependency) bool) domain.NeighborFunc {
	return func(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
		edges, err := deps.ListByDependent(ctx, id)
		if err != nil {
			return nil, err
		}
		out := make([]uuid.UUID, 0, len(edges))
		for _, e := range edges {
			if keep == nil || keep(e) {
				out = append(out, e.PrerequisiteID)
			}
		}
		return out, nil
	}
}

func dependentsOf(deps store.DependencyStore) domain.NeighborFunc {
	return func(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
		edges, err := deps.ListByPrerequisite(ctx, id)
		if err != nil {
			return nil, err
		}
		out := make([]uuid.UUID, 0, len(edges))
		for _, e := range edges {
			out = append(out, e.DependentID)
		}
		return out, nil
	}
}

// IsSatisfied implements DependencyService.IsSatisfied
func (s *dependencyServiceImpl) IsSatisfied(ctx context.Context, dependentID uuid.UUID) (bool, error) {
	stores := s.backend.Stores()
	if _, err := stores.Tasks.GetByID(ctx, dependentID); err != nil {
		return false, NewServiceError("is_satisfied", "failed to load task", err)
	}
	states, err := stores.Dependencies.PrerequisiteStates(ctx, dependentID)
	if err != nil {
		return false, NewServiceError("is_satisfied", "failed to load prerequisite states", err)
	}
	return domain.AllSatisfied(states), nil
}

// ListEdges implements DependencyService.ListEdges
func (s *dependencyServiceImpl) ListEdges(ctx context.Context, id uuid.UUID) (*TaskEdges, error) {
	edges, err := listEdges(ctx, s.backend.Stores(), id)
	if err != nil {
		return nil, NewServiceError("list_edges", "failed to list dependency edges", err)
	}
	return edges, nil
}

func listEdges(ctx context.Context, stores store.Stores, id uuid.UUID) (*TaskEdges, error) {
	prereqs, err := stores.Dependencies.ListByDependent(ctx, id)
	if err != nil {
		return nil, err
	}
	dependents, err := stores.Dependencies.ListByPrerequisite(ctx, id)
	if err != nil {
		return nil, err
	}
	return &TaskEdges{Prerequisites: prereqs, Dependents: dependents}, nil
}

// Ancestors implements DependencyService.Ancestors
func (s *dependencyServiceImpl) Ancestors(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	deps := s.backend.Stores().Dependencies
	ids, err := domain.Closure(ctx, id, s.maxDepth, prerequisitesOf(deps, nil))
	if err != nil {
		return nil, NewServiceError("ancestors", "failed to walk prerequisites", err)
	}
	return ids, nil
}

// Descendants implements DependencyService.Descendants
func (s *dependencyServiceImpl) Descendants(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	ids, err := domain.Closure(ctx, id, s.maxDepth, dependentsOf(s.backend.Stores().Dependencies))
	if err != nil {
		return nil, NewServiceError("descendants", "failed to walk dependents", err)
	}
	return ids, nil
}

// isMissingTask reports whether err means a referenced task does not exist.
func isMissingTask(err error) bool {
	return errors.Is(err, store.ErrTaskNotFound)
}
