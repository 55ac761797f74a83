package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/conductor/internal/domain"
)

// DependencyStore defines persistence for dependency edges.
type DependencyStore interface {
	// LockGraph serializes edge insertion for the rest of the current
	// transaction so concurrent inserts cannot jointly form a cycle.
	LockGraph(ctx context.Context) error

	// Add inserts an edge.
	// Returns ErrDependencyExists if the pair is already linked and
	// ErrTaskNotFound if either endpoint does not exist.
	Add(ctx context.Context, dep *domain.Dependency) error

	// ListByDependent returns the edges on which dependentID waits.
	ListByDependent(ctx context.Context, dependentID uuid.UUID) ([]domain.Dependency, error)

	// ListByPrerequisite returns the edges waiting on prerequisiteID.
	ListByPrerequisite(ctx context.Context, prerequisiteID uuid.UUID) ([]domain.Dependency, error)

	// PrerequisiteStates pairs every edge of dependentID with the current
	// status of its prerequisite.
	PrerequisiteStates(ctx context.Context, dependentID uuid.UUID) ([]domain.PrerequisiteState, error)
}
