package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/store"
)

type dependencyStore struct{ view }

var _ store.DependencyStore = (*dependencyStore)(nil)

// LockGraph is a no-op: transactions already hold the store lock.
func (s *dependencyStore) LockGraph(ctx context.Context) error {
	return nil
}

func (s *dependencyStore) Add(ctx context.Context, dep *domain.Dependency) error {
	if err := dep.Validate(); err != nil {
		return err
	}
	defer s.lock()()
	st := s.state()

	if _, ok := st.tasks[dep.DependentID]; !ok {
		return fmt.Errorf("%w: dependent %s", store.ErrTaskNotFound, dep.DependentID)
	}
	if _, ok := st.tasks[dep.PrerequisiteID]; !ok {
		return fmt.Errorf("%w: prerequisite %s", store.ErrTaskNotFound, dep.PrerequisiteID)
	}
	k := depKey{dependent: dep.DependentID, prerequisite: dep.PrerequisiteID}
	if _, ok := st.deps[k]; ok {
		return store.ErrDependencyExists
	}
	st.deps[k] = *dep
	return nil
}

func (s *dependencyStore) ListByDependent(ctx context.Context, dependentID uuid.UUID) ([]domain.Dependency, error) {
	defer s.lock()()
	return s.state().edges(func(d domain.Dependency) bool { return d.DependentID == dependentID }), nil
}

func (s *dependencyStore) ListByPrerequisite(ctx context.Context, prerequisiteID uuid.UUID) ([]domain.Dependency, error) {
	defer s.lock()()
	return s.state().edges(func(d domain.Dependency) bool { return d.PrerequisiteID == prerequisiteID }), nil
}

func (s *dependencyStore) PrerequisiteStates(ctx context.Context, dependentID uuid.UUID) ([]domain.PrerequisiteState, error) {
	defer s.lock()()
	return s.state().prerequisiteStates(dependentID), nil
}

func (st *state) edges(match func(domain.Dependency) bool) []domain.Dependency {
	out := []domain.Dependency{}
	for _, d := range st.deps {
		if match(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if out[i].DependentID != out[j].DependentID {
			return out[i].DependentID.String() < out[j].DependentID.String()
		}
		return out[i].PrerequisiteID.String() < out[j].PrerequisiteID.String()
	})
	return out
}

func (st *state) prerequisiteStates(dependentID uuid.UUID) []domain.PrerequisiteState {
	var out []domain.PrerequisiteState
	for _, d := range st.edges(func(d domain.Dependency) bool { return d.DependentID == dependentID }) {
		status := domain.TaskStatus("")
		if t, ok := st.tasks[d.PrerequisiteID]; ok {
			status = t.Status
		}
		out = append(out, domain.PrerequisiteState{Edge: d, Status: status})
	}
	return out
}
