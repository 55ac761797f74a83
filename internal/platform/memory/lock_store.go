package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/store"
)

type lockStore struct{ view }

var _ store.LockStore = (*lockStore)(nil)

func (s *lockStore) Acquire(ctx context.Context, key, holderID string, ttl time.Duration, now time.Time) (bool, error) {
	if err := domain.ValidateLease(key, holderID, ttl); err != nil {
		return false, err
	}
	defer s.lock()()
	st := s.state()

	created := now.UTC()
	if existing, ok := st.locks[key]; ok {
		if !existing.IsExpired(now) && existing.HolderID != holderID {
			return false, nil
		}
		if existing.HolderID == holderID {
			created = existing.CreatedAt
		}
	}
	st.locks[key] = domain.Lock{
		Key:       key,
		HolderID:  holderID,
		ExpiresAt: now.Add(ttl).UTC(),
		CreatedAt: created,
	}
	return true, nil
}

func (s *lockStore) Refresh(ctx context.Context, key, holderID string, ttl time.Duration, now time.Time) error {
	if err := domain.ValidateLease(key, holderID, ttl); err != nil {
		return err
	}
	defer s.lock()()
	st := s.state()

	existing, ok := st.locks[key]
	if !ok || !existing.IsHeldBy(holderID, now) {
		return fmt.Errorf("%w: %s", domain.ErrLockLost, key)
	}
	existing.ExpiresAt = now.Add(ttl).UTC()
	st.locks[key] = existing
	return nil
}

func (s *lockStore) Release(ctx context.Context, key, holderID string) error {
	defer s.lock()()
	st := s.state()
	if existing, ok := st.locks[key]; ok && existing.HolderID == holderID {
		delete(st.locks, key)
	}
	return nil
}

func (s *lockStore) Get(ctx context.Context, key string) (*domain.Lock, error) {
	defer s.lock()()
	l, ok := s.state().locks[key]
	if !ok {
		return nil, store.ErrLockNotFound
	}
	return &l, nil
}

func (s *lockStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	defer s.lock()()
	st := s.state()
	var n int64
	for k, l := range st.locks {
		if l.IsExpired(now) {
			delete(st.locks, k)
			n++
		}
	}
	return n, nil
}
