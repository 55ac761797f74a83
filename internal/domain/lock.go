package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const taskLockPrefix = "task:"

// Lock is a time-bounded lease on a key held by a single holder.
// An expired lock is logically absent and may be taken by anyone.
type Lock struct {
	Key       string    `json:"key"`
	HolderID  string    `json:"holder_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// IsExpired reports whether the lease has lapsed at now.
func (l *Lock) IsExpired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// IsHeldBy reports whether holderID owns a live lease at now.
func (l *Lock) IsHeldBy(holderID string, now time.Time) bool {
	return l.HolderID == holderID && !l.IsExpired(now)
}

// TaskLockKey returns the lease key for a task id.
func TaskLockKey(id uuid.UUID) string {
	return taskLockPrefix + id.String()
}

// ResourceLockKey returns the lease key for a logical resource, e.g.
// ResourceLockKey("sync", accountID) guards one sync per external account.
func ResourceLockKey(kind, name string) string {
	return kind + ":" + name
}

// TaskIDFromLockKey extracts the task id from a task lease key.
func TaskIDFromLockKey(key string) (uuid.UUID, bool) {
	if !strings.HasPrefix(key, taskLockPrefix) {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(strings.TrimPrefix(key, taskLockPrefix))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// NewHolderID returns a unique lease holder token for a worker.
func NewHolderID(workerID string) string {
	return fmt.Sprintf("%s/%s", workerID, uuid.NewString())
}

// ValidateLease checks the arguments shared by Acquire and Refresh.
func ValidateLease(key, holderID string, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("%w: lock key cannot be empty", ErrValidation)
	}
	if holderID == "" {
		return fmt.Errorf("%w: holder id cannot be empty", ErrValidation)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: lease ttl must be positive", ErrValidation)
	}
	return nil
}
