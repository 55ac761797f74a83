package store

import (
	"context"
	"time"

	"github.com/phrazzld/conductor/internal/domain"
)

// LockStore defines lease lock persistence. Implementations must make Acquire
// a single conditional write so two holders can never both succeed.
type LockStore interface {
	// Acquire takes the lease on key for holderID if it is absent, expired at
	// now, or already held by holderID. It never blocks.
	Acquire(ctx context.Context, key, holderID string, ttl time.Duration, now time.Time) (bool, error)

	// Refresh extends the lease to now+ttl if holderID still holds a live lease.
	// Returns domain.ErrLockLost otherwise.
	Refresh(ctx context.Context, key, holderID string, ttl time.Duration, now time.Time) error

	// Release deletes the lease if held by holderID. Releasing a lease held by
	// someone else, or no lease at all, is a no-op.
	Release(ctx context.Context, key, holderID string) error

	// Get returns the stored lease row, live or expired.
	// Returns ErrLockNotFound if none exists.
	Get(ctx context.Context, key string) (*domain.Lock, error)

	// DeleteExpired removes every lease whose expiry is at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
