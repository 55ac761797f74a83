package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/phrazzld/conductor/internal/domain"
)

// IdempotencyStore defines persistence for idempotency records. Begin and
// Complete are meant to run in the same transaction as the guarded effect.
type IdempotencyStore interface {
	// Begin inserts an in-progress record for key. When a record already
	// exists it is returned with created=false and nothing is written.
	Begin(ctx context.Context, key string, preState json.RawMessage, now time.Time) (rec *domain.IdempotencyRecord, created bool, err error)

	// Complete marks the record for key as completed with result.
	// Returns ErrIdempotencyRecordNotFound if Begin was not called.
	Complete(ctx context.Context, key string, result json.RawMessage, now time.Time) error

	// Get retrieves the record for key.
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)

	// DeleteBefore removes records created before cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
