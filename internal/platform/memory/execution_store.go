package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/store"
)

type executionStore struct{ view }

var _ store.ExecutionLogStore = (*executionStore)(nil)

func (s *executionStore) Create(ctx context.Context, entry *domain.ExecutionLog) error {
	defer s.lock()()
	st := s.state()
	if _, ok := st.executions[entry.ExecutionID]; ok {
		return fmt.Errorf("%w: execution %s", store.ErrDuplicate, entry.ExecutionID)
	}
	if _, ok := st.tasks[entry.TaskID]; !ok {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, entry.TaskID)
	}
	st.executions[entry.ExecutionID] = cloneExecution(entry)
	return nil
}

func (s *executionStore) Update(ctx context.Context, entry *domain.ExecutionLog) error {
	defer s.lock()()
	st := s.state()
	current, ok := st.executions[entry.ExecutionID]
	if !ok {
		return store.ErrExecutionNotFound
	}
	if current.CompletedAt != nil {
		return fmt.Errorf("%w: execution %s already closed", domain.ErrInvalidStateTransition, entry.ExecutionID)
	}
	st.executions[entry.ExecutionID] = cloneExecution(entry)
	return nil
}

func (s *executionStore) GetByExecutionID(ctx context.Context, executionID uuid.UUID) (*domain.ExecutionLog, error) {
	defer s.lock()()
	e, ok := s.state().executions[executionID]
	if !ok {
		return nil, store.ErrExecutionNotFound
	}
	return cloneExecution(e), nil
}

func (s *executionStore) ListByTask(ctx context.Context, taskID uuid.UUID, limit int) ([]*domain.ExecutionLog, error) {
	defer s.lock()()
	out := []*domain.ExecutionLog{}
	for _, e := range s.state().executions {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Attempt != out[j].Attempt {
			return out[i].Attempt > out[j].Attempt
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit = store.SweepLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	for i, e := range out {
		out[i] = cloneExecution(e)
	}
	return out, nil
}

func (s *executionStore) CountByTask(ctx context.Context, taskID uuid.UUID) (int, error) {
	defer s.lock()()
	n := 0
	for _, e := range s.state().executions {
		if e.TaskID == taskID {
			n++
		}
	}
	return n, nil
}

func (s *executionStore) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer s.lock()()
	st := s.state()
	var n int64
	for k, e := range st.executions {
		if e.CompletedAt != nil && e.CompletedAt.Before(cutoff) {
			delete(st.executions, k)
			n++
		}
	}
	return n, nil
}

func cloneExecution(e *domain.ExecutionLog) *domain.ExecutionLog {
	c := *e
	if e.CompletedAt != nil {
		v := *e.CompletedAt
		c.CompletedAt = &v
	}
	if e.DurationMs != nil {
		v := *e.DurationMs
		c.DurationMs = &v
	}
	if e.ErrorMessage != nil {
		v := *e.ErrorMessage
		c.ErrorMessage = &v
	}
	if e.StackTrace != nil {
		v := *e.StackTrace
		c.StackTrace = &v
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
