package task

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/platform/clock"
	"github.com/phrazzld/conductor/internal/platform/metrics"
	"github.com/phrazzld/conductor/internal/service"
	"github.com/phrazzld/conductor/internal/store"
)

// leaseKeeper extends the lease of a running job and watches for operator
// cancellation. It cancels the job context with domain.ErrLockLost or
// domain.ErrCancelRequested as the cause.
type leaseKeeper struct {
	locks    store.LockStore
	tasks    service.TaskService
	clock    clock.Clock
	observer Observer
	retry    func(ctx context.Context, fn func(ctx context.Context) error) error

	holderID string
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// keep blocks until ctx is done or the job has to stop.
func (k *leaseKeeper) keep(ctx context.Context, job *Job, stop context.CancelCauseFunc) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	key := job.Task.LockKey()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := k.retry(ctx, func(ctx context.Context) error {
			return k.locks.Refresh(ctx, key, k.holderID, k.ttl, k.clock.Now())
		})
		switch {
		case errors.Is(err, domain.ErrLockLost):
			k.observer.ObserveLease(metrics.LeaseLost)
			k.logger.Warn("lease lost, abandoning job", "lock_key", key)
			stop(domain.ErrLockLost)
			return
		case ctx.Err() != nil:
			return
		case err != nil:
			// the lease may still be live; try again on the next tick
			k.logger.Warn("lease refresh failed", "lock_key", key, "error", err)
			continue
		}

		requested, err := k.tasks.IsCancelRequested(ctx, job.ID())
		if err != nil {
			k.logger.Warn("cancel check failed", "error", err)
			continue
		}
		if requested {
			k.logger.Info("cancellation requested, stopping job")
			stop(domain.ErrCancelRequested)
			return
		}
	}
}
