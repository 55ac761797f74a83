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

type taskStore struct{ view }

var _ store.TaskStore = (*taskStore)(nil)

func (s *taskStore) Create(ctx context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	defer s.lock()()
	st := s.state()

	if _, ok := st.tasks[task.ID]; ok {
		return fmt.Errorf("%w: task %s", store.ErrDuplicate, task.ID)
	}
	if task.IdempotencyKey != nil {
		if _, ok := st.idemTasks[*task.IdempotencyKey]; ok {
			return store.ErrIdempotencyKeyExists
		}
	}

	st.seq++
	task.Seq = st.seq
	st.tasks[task.ID] = task.Clone()
	if task.IdempotencyKey != nil {
		st.idemTasks[*task.IdempotencyKey] = task.ID
	}
	return nil
}

func (s *taskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	defer s.lock()()
	t, ok := s.state().tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (s *taskStore) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Task, error) {
	defer s.lock()()
	st := s.state()
	id, ok := st.idemTasks[key]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return st.tasks[id].Clone(), nil
}

// GetForUpdate is GetByID; the transaction already holds the store lock.
func (s *taskStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return s.GetByID(ctx, id)
}

func (s *taskStore) Update(ctx context.Context, task *domain.Task, expected domain.TaskStatus) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	defer s.lock()()
	st := s.state()

	current, ok := st.tasks[task.ID]
	if !ok {
		return store.ErrTaskNotFound
	}
	if current.Status != expected {
		return fmt.Errorf("%w: task %s is %s, expected %s",
			domain.ErrInvalidStateTransition, task.ID, current.Status, expected)
	}

	next := task.Clone()
	next.Seq = current.Seq
	next.CreatedAt = current.CreatedAt
	next.IdempotencyKey = current.IdempotencyKey
	st.tasks[task.ID] = next
	return nil
}

func (s *taskStore) List(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error) {
	filter = filter.Normalize()
	defer s.lock()()

	matched := s.filtered(filter)
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].Seq > matched[j].Seq
	})

	if filter.Offset >= len(matched) {
		return []*domain.Task{}, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	out := make([]*domain.Task, len(matched))
	for i, t := range matched {
		out[i] = t.Clone()
	}
	return out, nil
}

func (s *taskStore) Count(ctx context.Context, filter store.TaskFilter) (int, error) {
	defer s.lock()()
	return len(s.filtered(filter)), nil
}

func (s *taskStore) filtered(filter store.TaskFilter) []*domain.Task {
	statuses := make(map[domain.TaskStatus]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses[st] = true
	}
	types := make(map[string]bool, len(filter.Types))
	for _, t := range filter.Types {
		types[t] = true
	}

	var out []*domain.Task
	for _, t := range s.state().tasks {
		if len(statuses) > 0 && !statuses[t.Status] {
			continue
		}
		if len(types) > 0 && !types[t.Type] {
			continue
		}
		if filter.QueueName != "" && t.QueueName != filter.QueueName {
			continue
		}
		if filter.CreatedBy != "" && t.CreatedBy != filter.CreatedBy {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (s *taskStore) CountByStatus(ctx context.Context, queueName string) (map[domain.TaskStatus]int64, error) {
	defer s.lock()()
	counts := make(map[domain.TaskStatus]int64)
	for _, t := range s.state().tasks {
		if queueName != "" && t.QueueName != queueName {
			continue
		}
		counts[t.Status]++
	}
	return counts, nil
}

func (s *taskStore) Dequeue(ctx context.Context, queueName string, now time.Time, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		return []*domain.Task{}, nil
	}
	defer s.lock()()
	st := s.state()

	var runnable []*domain.Task
	for _, t := range st.tasks {
		if t.Status != domain.TaskStatusPending || t.QueueName != queueName || t.IsExpired(now) {
			continue
		}
		if l, ok := st.locks[t.LockKey()]; ok && !l.IsExpired(now) {
			continue
		}
		if !domain.AllSatisfied(st.prerequisiteStates(t.ID)) {
			continue
		}
		runnable = append(runnable, t)
	}

	sortDispatchOrder(runnable)
	if len(runnable) > limit {
		runnable = runnable[:limit]
	}
	out := make([]*domain.Task, len(runnable))
	for i, t := range runnable {
		out[i] = t.Clone()
	}
	return out, nil
}

func sortDispatchOrder(tasks []*domain.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return dispatchesBefore(tasks[i], tasks[j])
	})
}

func dispatchesBefore(a, b *domain.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

func (s *taskStore) QueuePosition(ctx context.Context, task *domain.Task) (int, error) {
	defer s.lock()()
	pos := 1
	for _, t := range s.state().tasks {
		if t.ID == task.ID || t.Status != domain.TaskStatusPending || t.QueueName != task.QueueName {
			continue
		}
		if dispatchesBefore(t, task) {
			pos++
		}
	}
	return pos, nil
}

func (s *taskStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	return s.collect(limit, func(st *state, t *domain.Task) bool {
		return t.Status == domain.TaskStatusRetrying &&
			(t.NextRetryAt == nil || !t.NextRetryAt.After(now))
	})
}

func (s *taskStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	return s.collect(limit, func(st *state, t *domain.Task) bool {
		if !t.IsExpired(now) {
			return false
		}
		return t.Status == domain.TaskStatusPending ||
			(t.Status == domain.TaskStatusRunning && !t.CancelRequested)
	})
}

func (s *taskStore) ListAbandoned(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	return s.collect(limit, func(st *state, t *domain.Task) bool {
		if t.Status != domain.TaskStatusRunning {
			return false
		}
		l, ok := st.locks[t.LockKey()]
		return !ok || l.IsExpired(now)
	})
}

func (s *taskStore) collect(limit int, match func(*state, *domain.Task) bool) ([]*domain.Task, error) {
	defer s.lock()()
	st := s.state()

	var out []*domain.Task
	for _, t := range st.tasks {
		if match(st, t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit = store.SweepLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	for i, t := range out {
		out[i] = t.Clone()
	}
	return out, nil
}

func (s *taskStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer s.lock()()
	st := s.state()

	var deleted int64
	for id, t := range st.tasks {
		if !t.Status.IsTerminal() || t.CompletedAt == nil || !t.CompletedAt.Before(cutoff) {
			continue
		}
		delete(st.tasks, id)
		if t.IdempotencyKey != nil {
			delete(st.idemTasks, *t.IdempotencyKey)
		}
		for k := range st.deps {
			if k.dependent == id || k.prerequisite == id {
				delete(st.deps, k)
			}
		}
		for k, e := range st.executions {
			if e.TaskID == id {
				delete(st.executions, k)
			}
		}
		deleted++
	}
	return deleted, nil
}
