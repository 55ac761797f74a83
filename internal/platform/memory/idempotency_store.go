package memory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/store"
)

type idempotencyStore struct{ view }

var _ store.IdempotencyStore = (*idempotencyStore)(nil)

func (s *idempotencyStore) Begin(ctx context.Context, key string, preState json.RawMessage, now time.Time) (*domain.IdempotencyRecord, bool, error) {
	if err := domain.ValidateIdempotencyKey(key); err != nil {
		return nil, false, err
	}
	defer s.lock()()
	st := s.state()

	if existing, ok := st.idem[key]; ok {
		return cloneRecord(existing), false, nil
	}
	rec := &domain.IdempotencyRecord{
		Key:       key,
		Status:    domain.IdempotencyInProgress,
		PreState:  append(json.RawMessage(nil), preState...),
		CreatedAt: now.UTC(),
	}
	st.idem[key] = rec
	return cloneRecord(rec), true, nil
}

func (s *idempotencyStore) Complete(ctx context.Context, key string, result json.RawMessage, now time.Time) error {
	defer s.lock()()
	rec, ok := s.state().idem[key]
	if !ok {
		return store.ErrIdempotencyRecordNotFound
	}
	ts := now.UTC()
	rec.Status = domain.IdempotencyCompleted
	rec.Result = append(json.RawMessage(nil), result...)
	rec.CompletedAt = &ts
	return nil
}

func (s *idempotencyStore) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	defer s.lock()()
	rec, ok := s.state().idem[key]
	if !ok {
		return nil, store.ErrIdempotencyRecordNotFound
	}
	return cloneRecord(rec), nil
}

func (s *idempotencyStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer s.lock()()
	st := s.state()
	var n int64
	for k, rec := range st.idem {
		if rec.CreatedAt.Before(cutoff) {
			delete(st.idem, k)
			n++
		}
	}
	return n, nil
}

func cloneRecord(r *domain.IdempotencyRecord) *domain.IdempotencyRecord {
	c := *r
	c.PreState = append(json.RawMessage(nil), r.PreState...)
	c.Result = append(json.RawMessage(nil), r.Result...)
	if r.CompletedAt != nil {
		v := *r.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}
