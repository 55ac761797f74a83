// Package memory provides an in-process implementation of every store
// interface. All state sits behind a single mutex; transactions hold that
// mutex for their whole duration and restore a snapshot on failure.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/store"
)

type depKey struct {
	dependent    uuid.UUID
	prerequisite uuid.UUID
}

type statKey struct {
	queue string
	date  int64
	hour  int
}

type state struct {
	seq        int64
	tasks      map[uuid.UUID]*domain.Task
	idemTasks  map[string]uuid.UUID
	locks      map[string]domain.Lock
	deps       map[depKey]domain.Dependency
	executions map[uuid.UUID]*domain.ExecutionLog
	stats      map[statKey]*domain.QueueStatsBucket
	idem       map[string]*domain.IdempotencyRecord
}

func newState() *state {
	return &state{
		tasks:      make(map[uuid.UUID]*domain.Task),
		idemTasks:  make(map[string]uuid.UUID),
		locks:      make(map[string]domain.Lock),
		deps:       make(map[depKey]domain.Dependency),
		executions: make(map[uuid.UUID]*domain.ExecutionLog),
		stats:      make(map[statKey]*domain.QueueStatsBucket),
		idem:       make(map[string]*domain.IdempotencyRecord),
	}
}

func (s *state) clone() *state {
	c := newState()
	c.seq = s.seq
	for id, t := range s.tasks {
		c.tasks[id] = t.Clone()
	}
	for k, v := range s.idemTasks {
		c.idemTasks[k] = v
	}
	for k, v := range s.locks {
		c.locks[k] = v
	}
	for k, v := range s.deps {
		c.deps[k] = v
	}
	for k, v := range s.executions {
		c.executions[k] = cloneExecution(v)
	}
	for k, v := range s.stats {
		b := *v
		c.stats[k] = &b
	}
	for k, v := range s.idem {
		c.idem[k] = cloneRecord(v)
	}
	return c
}

// Store is the in-memory backend. The zero value is not usable; call New.
type Store struct {
	mu sync.Mutex
	st *state
}

var _ store.TxRunner = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{st: newState()}
}

// Stores returns store views that lock per call.
func (s *Store) Stores() store.Stores {
	return s.bind(false)
}

// WithinTx runs fn while holding the store lock. Writes made through the
// stores passed to fn are discarded if fn returns an error or panics.
func (s *Store) WithinTx(ctx context.Context, fn store.StoresFn) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	defer func() {
		if p := recover(); p != nil {
			s.st = snapshot
			panic(p)
		}
		if err != nil {
			s.st = snapshot
		}
	}()

	return fn(ctx, s.bind(true))
}

func (s *Store) bind(inTx bool) store.Stores {
	v := view{s: s, inTx: inTx}
	return store.Stores{
		Tasks:        &taskStore{v},
		Locks:        &lockStore{v},
		Dependencies: &dependencyStore{v},
		Executions:   &executionStore{v},
		Stats:        &statsStore{v},
		Idempotency:  &idempotencyStore{v},
	}
}

// view is embedded by every store. Inside a transaction the lock is already
// held by WithinTx.
type view struct {
	s    *Store
	inTx bool
}

func (v view) lock() func() {
	if v.inTx {
		return func() {}
	}
	v.s.mu.Lock()
	return v.s.mu.Unlock
}

func (v view) state() *state {
	return v.s.st
}
