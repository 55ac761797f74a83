package domain

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// adjacency maps a task to its prerequisites.
type adjacency map[uuid.UUID][]uuid.UUID

func (a adjacency) next(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	return a[id], nil
}

func TestDependencyKind_SatisfiedBy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind   DependencyKind
		status TaskStatus
		want   bool
	}{
		{DependencyOnFinish, TaskStatusCompleted, true},
		{DependencyOnFinish, TaskStatusFailed, true},
		{DependencyOnFinish, TaskStatusCancelled, true},
		{DependencyOnFinish, TaskStatusRetrying, false},
		{DependencyOnFinish, TaskStatusRunning, false},
		{DependencyOnSuccess, TaskStatusCompleted, true},
		{DependencyOnSuccess, TaskStatusFailed, false},
		{DependencyOnFailure, TaskStatusFailed, true},
		{DependencyOnFailure, TaskStatusRetrying, false},
		{DependencyOnCancel, TaskStatusCancelled, true},
		{DependencyOnCancel, TaskStatusPending, false},
		{DependencyKind("bogus"), TaskStatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.SatisfiedBy(tt.status))
		})
	}
}

func TestNewDependency(t *testing.T) {
	t.Parallel()
	a, b := uuid.New(), uuid.New()

	d, err := NewDependency(a, b, DependencyOnSuccess, baseTime)
	require.NoError(t, err)
	assert.True(t, d.Blocking)

	_, err = NewDependency(a, a, DependencyOnSuccess, baseTime)
	assert.ErrorIs(t, err, ErrCircularDependency)

	_, err = NewDependency(a, b, DependencyKind("later"), baseTime)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewDependency(uuid.Nil, b, DependencyOnFinish, baseTime)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestReachable(t *testing.T) {
	t.Parallel()
	a, b, c, d := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	// a waits on b, b waits on c, d is isolated; c waits on a would close a loop
	graph := adjacency{a: {b}, b: {c}}
	ctx := context.Background()

	ok, err := Reachable(ctx, a, c, 0, graph.next)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Reachable(ctx, c, a, 0, graph.next)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Reachable(ctx, a, d, 0, graph.next)
	require.NoError(t, err)
	assert.False(t, ok)

	t.Run("terminates on existing cycles", func(t *testing.T) {
		cyclic := adjacency{a: {b}, b: {a}}
		ok, err := Reachable(ctx, a, d, 0, cyclic.next)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("depth bound", func(t *testing.T) {
		ids := make([]uuid.UUID, 10)
		chain := adjacency{}
		for i := range ids {
			ids[i] = uuid.New()
		}
		for i := 0; i < len(ids)-1; i++ {
			chain[ids[i]] = []uuid.UUID{ids[i+1]}
		}
		_, err := Reachable(ctx, ids[0], uuid.New(), 3, chain.next)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("neighbor error propagates", func(t *testing.T) {
		boom := errors.New("db down")
		_, err := Reachable(ctx, a, b, 0, func(context.Context, uuid.UUID) ([]uuid.UUID, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
	})
}

func TestClosure(t *testing.T) {
	t.Parallel()
	a, b, c, d := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	graph := adjacency{a: {b, c}, b: {d}, c: {d}, d: {a}}

	got, err := Closure(context.Background(), a, 0, graph.next)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{b, c, d}, got)
}

func TestAllSatisfied(t *testing.T) {
	t.Parallel()
	edge := func(kind DependencyKind, blocking bool) Dependency {
		return Dependency{DependentID: uuid.New(), PrerequisiteID: uuid.New(), Kind: kind, Blocking: blocking}
	}

	assert.True(t, AllSatisfied(nil))
	assert.True(t, AllSatisfied([]PrerequisiteState{
		{Edge: edge(DependencyOnSuccess, true), Status: TaskStatusCompleted},
		{Edge: edge(DependencyOnFinish, true), Status: TaskStatusCancelled},
	}))
	assert.False(t, AllSatisfied([]PrerequisiteState{
		{Edge: edge(DependencyOnSuccess, true), Status: TaskStatusCompleted},
		{Edge: edge(DependencyOnSuccess, true), Status: TaskStatusRunning},
	}))
	assert.True(t, AllSatisfied([]PrerequisiteState{
		{Edge: edge(DependencyOnSuccess, false), Status: TaskStatusRunning},
	}), "non-blocking edges never gate dispatch")
}
