package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DependencyKind names the terminal condition a prerequisite must reach.
type DependencyKind string

// Supported dependency kinds
const (
	DependencyOnFinish  DependencyKind = "on_finish"
	DependencyOnSuccess DependencyKind = "on_success"
	DependencyOnFailure DependencyKind = "on_failure"
	DependencyOnCancel  DependencyKind = "on_cancel"
)

// DefaultMaxGraphDepth bounds reachability walks over the dependency graph.
const DefaultMaxGraphDepth = 64

// IsValid reports whether k is a known kind.
func (k DependencyKind) IsValid() bool {
	switch k {
	case DependencyOnFinish, DependencyOnSuccess, DependencyOnFailure, DependencyOnCancel:
		return true
	default:
		return false
	}
}

// SatisfiedBy reports whether a prerequisite in status s fulfils this kind.
func (k DependencyKind) SatisfiedBy(s TaskStatus) bool {
	switch k {
	case DependencyOnFinish:
		return s.IsTerminal()
	case DependencyOnSuccess:
		return s == TaskStatusCompleted
	case DependencyOnFailure:
		return s == TaskStatusFailed
	case DependencyOnCancel:
		return s == TaskStatusCancelled
	default:
		return false
	}
}

// Dependency is a directed ordering constraint: Dependent waits on Prerequisite.
// Non-blocking edges are informational and never gate dispatch.
type Dependency struct {
	DependentID    uuid.UUID      `json:"dependent_id"`
	PrerequisiteID uuid.UUID      `json:"prerequisite_id"`
	Kind           DependencyKind `json:"kind"`
	Blocking       bool           `json:"blocking"`
	CreatedAt      time.Time      `json:"created_at"`
}

// NewDependency builds a blocking edge and validates it.
func NewDependency(dependent, prerequisite uuid.UUID, kind DependencyKind, now time.Time) (*Dependency, error) {
	d := &Dependency{
		DependentID:    dependent,
		PrerequisiteID: prerequisite,
		Kind:           kind,
		Blocking:       true,
		CreatedAt:      now.UTC(),
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks the edge invariants that do not need the rest of the graph.
func (d *Dependency) Validate() error {
	if d.DependentID == uuid.Nil || d.PrerequisiteID == uuid.Nil {
		return fmt.Errorf("%w: dependency endpoints cannot be empty", ErrValidation)
	}
	if d.DependentID == d.PrerequisiteID {
		return fmt.Errorf("%w: task %s cannot depend on itself", ErrCircularDependency, d.DependentID)
	}
	if !d.Kind.IsValid() {
		return fmt.Errorf("%w: unknown dependency kind %q", ErrValidation, d.Kind)
	}
	return nil
}

// SameClass reports whether two edges propagate through the same class.
func (d *Dependency) SameClass(other *Dependency) bool {
	return d.Blocking == other.Blocking
}

// NeighborFunc lists the prerequisites of a task restricted to one edge class.
type NeighborFunc func(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)

// Reachable reports whether target can be reached from start by following
// prerequisite edges, using an iterative breadth-first walk with a visited set.
// Walks deeper than maxDepth return an error rather than a guess.
func Reachable(ctx context.Context, start, target uuid.UUID, maxDepth int, next NeighborFunc) (bool, error) {
	if start == target {
		return true, nil
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxGraphDepth
	}

	visited := map[uuid.UUID]struct{}{start: {}}
	frontier := []uuid.UUID{start}
	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= maxDepth {
			return false, fmt.Errorf("%w: dependency chain deeper than %d", ErrValidation, maxDepth)
		}
		var nextFrontier []uuid.UUID
		for _, id := range frontier {
			neighbors, err := next(ctx, id)
			if err != nil {
				return false, err
			}
			for _, n := range neighbors {
				if n == target {
					return true, nil
				}
				if _, seen := visited[n]; seen {
					continue
				}
				visited[n] = struct{}{}
				nextFrontier = append(nextFrontier, n)
			}
		}
		frontier = nextFrontier
	}
	return false, nil
}

// Closure returns every task reachable from start (excluding start) in BFS order.
func Closure(ctx context.Context, start uuid.UUID, maxDepth int, next NeighborFunc) ([]uuid.UUID, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxGraphDepth
	}

	visited := map[uuid.UUID]struct{}{start: {}}
	var out []uuid.UUID
	frontier := []uuid.UUID{start}
	for depth := 0; len(frontier) > 0 && depth < maxDepth; depth++ {
		var nextFrontier []uuid.UUID
		for _, id := range frontier {
			neighbors, err := next(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				if _, seen := visited[n]; seen {
					continue
				}
				visited[n] = struct{}{}
				out = append(out, n)
				nextFrontier = append(nextFrontier, n)
			}
		}
		frontier = nextFrontier
	}
	return out, nil
}

// PrerequisiteState pairs an edge with the current status of its prerequisite.
type PrerequisiteState struct {
	Edge   Dependency
	Status TaskStatus
}

// AllSatisfied reports whether every blocking edge is fulfilled.
func AllSatisfied(states []PrerequisiteState) bool {
	for _, s := range states {
		if !s.Edge.Blocking {
			continue
		}
		if !s.Edge.Kind.SatisfiedBy(s.Status) {
			return false
		}
	}
	return true
}
