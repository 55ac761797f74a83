package store

import (
	"context"
	"time"

	"github.com/phrazzld/conductor/internal/domain"
)

// QueueStatsStore defines persistence for hourly queue statistics buckets.
type QueueStatsStore interface {
	// Increment fetches-or-creates the bucket for (queue, hour of now) and
	// bumps counter, folding durationMs into the running average when set.
	// The read-modify-write must be atomic per bucket.
	Increment(ctx context.Context, queueName string, counter domain.StatCounter, durationMs *int64, now time.Time) error

	// Get retrieves one bucket.
	// Returns ErrStatsBucketNotFound if it does not exist.
	Get(ctx context.Context, queueName string, date time.Time, hour int) (*domain.QueueStatsBucket, error)

	// List returns the buckets whose hour falls in [from, to), ordered by
	// queue, date and hour. An empty queueName lists every queue.
	List(ctx context.Context, queueName string, from, to time.Time) ([]domain.QueueStatsBucket, error)
}
