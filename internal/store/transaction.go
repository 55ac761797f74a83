// Package store provides abstractions and implementations for data persistence
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/conductor/internal/platform/logger"
	goretry "github.com/sethvargo/go-retry"
)

// TxFn runs inside a transaction. Returning an error rolls it back; a TxFn
// may run more than once when TxRetry allows it.
type TxFn func(ctx context.Context, tx *sql.Tx) error

// TxRetry reruns transactions aborted by a conflict. The zero value runs
// every transaction exactly once.
type TxRetry struct {
	// Conflict reports whether a failed attempt may be rerun from the start.
	Conflict   func(error) bool
	MaxRetries uint64
	Base       time.Duration
}

const defaultTxRetryBase = 10 * time.Millisecond

// RunInTransaction runs fn in a transaction on db. A failed attempt that
// policy.Conflict accepts is rolled back and rerun with exponential backoff;
// the last error is returned once retries are exhausted. Panics roll back
// and propagate.
func RunInTransaction(ctx context.Context, db *sql.DB, policy TxRetry, fn TxFn) error {
	if policy.Conflict == nil || policy.MaxRetries == 0 {
		return runTx(ctx, db, fn)
	}
	base := policy.Base
	if base <= 0 {
		base = defaultTxRetryBase
	}

	attempt := 0
	backoff := goretry.WithMaxRetries(policy.MaxRetries, goretry.NewExponential(base))
	return goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := runTx(ctx, db, fn)
		if err != nil && policy.Conflict(err) {
			logger.FromContext(ctx).Warn("transaction conflict",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			return goretry.RetryableError(err)
		}
		return err
	})
}

func runTx(ctx context.Context, db *sql.DB, fn TxFn) error {
	log := logger.FromContext(ctx)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		log.Error("failed to begin transaction", slog.String("error", err.Error()))
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		p := recover()
		if p == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error("rollback after panic failed",
				slog.String("error", rbErr.Error()),
				slog.Any("panic", p))
		} else {
			log.Error("rolled back transaction after panic", slog.Any("panic", p))
		}
		panic(p)
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error("rollback failed",
				slog.String("rollback_error", rbErr.Error()),
				slog.String("original_error", err.Error()))
			return fmt.Errorf("error rolling back transaction: %v (original error: %w)", rbErr, err)
		}
		log.Debug("rolled back transaction", slog.String("error", err.Error()))
		return err
	}

	if err := tx.Commit(); err != nil {
		log.Error("failed to commit transaction", slog.String("error", err.Error()))
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
