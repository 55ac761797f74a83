package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/platform/logger"
	"github.com/phrazzld/conductor/internal/store"
)

// PostgresLockStore implements store.LockStore on the lease_locks table.
// Acquire is a single upsert whose conflict branch only fires when the
// existing lease is expired or already owned by the caller.
type PostgresLockStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresLockStore creates a new PostgreSQL implementation of the LockStore interface.
func NewPostgresLockStore(db store.DBTX, logger *slog.Logger) *PostgresLockStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresLockStore{
		db:     db,
		logger: logger.With(slog.String("component", "lock_store")),
	}
}

var _ store.LockStore = (*PostgresLockStore)(nil)

// Acquire implements store.LockStore.Acquire
func (s *PostgresLockStore) Acquire(ctx context.Context, key, holderID string, ttl time.Duration, now time.Time) (bool, error) {
	if err := domain.ValidateLease(key, holderID, ttl); err != nil {
		return false, err
	}
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		INSERT INTO lease_locks (lock_key, holder_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (lock_key) DO UPDATE
		SET holder_id = EXCLUDED.holder_id,
			expires_at = EXCLUDED.expires_at,
			created_at = CASE
				WHEN lease_locks.holder_id = EXCLUDED.holder_id THEN lease_locks.created_at
				ELSE EXCLUDED.created_at
			END
		WHERE lease_locks.expires_at <= $4
		   OR lease_locks.holder_id = EXCLUDED.holder_id
		RETURNING holder_id
	`
	var holder string
	err := s.db.QueryRowContext(ctx, query, key, holderID, now.Add(ttl).UTC(), now.UTC()).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		// conflict branch filtered out: someone else holds a live lease
		log.Debug("lease busy", slog.String("lock_key", key), slog.String("holder_id", holderID))
		return false, nil
	}
	if err != nil {
		log.Error("failed to acquire lease",
			slog.String("lock_key", key),
			slog.String("holder_id", holderID),
			slog.String("error", err.Error()))
		return false, fmt.Errorf("failed to acquire lease: %w", MapError(err))
	}
	return holder == holderID, nil
}

// Refresh implements store.LockStore.Refresh
func (s *PostgresLockStore) Refresh(ctx context.Context, key, holderID string, ttl time.Duration, now time.Time) error {
	if err := domain.ValidateLease(key, holderID, ttl); err != nil {
		return err
	}
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE lease_locks
		SET expires_at = $3
		WHERE lock_key = $1 AND holder_id = $2 AND expires_at > $4
	`
	res, err := s.db.ExecContext(ctx, query, key, holderID, now.Add(ttl).UTC(), now.UTC())
	if err != nil {
		log.Error("failed to refresh lease",
			slog.String("lock_key", key),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to refresh lease: %w", MapError(err))
	}
	if err := CheckRowsAffected(res, "lease"); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("lease lost", slog.String("lock_key", key), slog.String("holder_id", holderID))
			return fmt.Errorf("%w: %s", domain.ErrLockLost, key)
		}
		return err
	}
	return nil
}

// Release implements store.LockStore.Release
func (s *PostgresLockStore) Release(ctx context.Context, key, holderID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM lease_locks WHERE lock_key = $1 AND holder_id = $2`, key, holderID)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to release lease",
			slog.String("lock_key", key),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to release lease: %w", MapError(err))
	}
	return nil
}

// Get implements store.LockStore.Get
func (s *PostgresLockStore) Get(ctx context.Context, key string) (*domain.Lock, error) {
	var l domain.Lock
	err := s.db.QueryRowContext(ctx,
		`SELECT lock_key, holder_id, expires_at, created_at FROM lease_locks WHERE lock_key = $1`, key,
	).Scan(&l.Key, &l.HolderID, &l.ExpiresAt, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrLockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", MapError(err))
	}
	return &l, nil
}

// DeleteExpired implements store.LockStore.DeleteExpired
func (s *PostgresLockStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	res, err := s.db.ExecContext(ctx, `DELETE FROM lease_locks WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		log.Error("failed to delete expired leases", slog.String("error", err.Error()))
		return 0, fmt.Errorf("failed to delete expired leases: %w", MapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		log.Info("deleted expired leases", slog.Int64("count", n))
	}
	return n, nil
}
