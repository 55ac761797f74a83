package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/platform/logger"
	"github.com/phrazzld/conductor/internal/store"
)

// PostgresIdempotencyStore implements store.IdempotencyStore on idempotency_records.
type PostgresIdempotencyStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresIdempotencyStore creates a new PostgreSQL implementation of the IdempotencyStore interface.
func NewPostgresIdempotencyStore(db store.DBTX, logger *slog.Logger) *PostgresIdempotencyStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresIdempotencyStore{
		db:     db,
		logger: logger.With(slog.String("component", "idempotency_store")),
	}
}

var _ store.IdempotencyStore = (*PostgresIdempotencyStore)(nil)

// Begin implements store.IdempotencyStore.Begin
func (s *PostgresIdempotencyStore) Begin(ctx context.Context, key string, preState json.RawMessage, now time.Time) (*domain.IdempotencyRecord, bool, error) {
	if err := domain.ValidateIdempotencyKey(key); err != nil {
		return nil, false, err
	}
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		INSERT INTO idempotency_records (key, status, pre_state, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query, key, string(domain.IdempotencyInProgress), nullableJSON(preState), now.UTC())
	if err != nil {
		log.Error("failed to begin idempotent operation",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return nil, false, fmt.Errorf("failed to begin idempotent operation: %w", MapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return &domain.IdempotencyRecord{
			Key:       key,
			Status:    domain.IdempotencyInProgress,
			PreState:  preState,
			CreatedAt: now.UTC(),
		}, true, nil
	}

	rec, err := s.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	log.Debug("idempotency key already recorded",
		slog.String("key", key),
		slog.String("status", string(rec.Status)))
	return rec, false, nil
}

// Complete implements store.IdempotencyStore.Complete
func (s *PostgresIdempotencyStore) Complete(ctx context.Context, key string, result json.RawMessage, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = $2, result = $3, completed_at = $4
		WHERE key = $1
	`, key, string(domain.IdempotencyCompleted), nullableJSON(result), now.UTC())
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to complete idempotent operation",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to complete idempotent operation: %w", MapError(err))
	}
	if err := CheckRowsAffected(res, "idempotency record"); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrIdempotencyRecordNotFound
		}
		return err
	}
	return nil
}

// Get implements store.IdempotencyStore.Get
func (s *PostgresIdempotencyStore) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var (
		rec      domain.IdempotencyRecord
		status   string
		preState []byte
		result   []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, status, pre_state, result, created_at, completed_at
		FROM idempotency_records
		WHERE key = $1
	`, key).Scan(&rec.Key, &status, &preState, &result, &rec.CreatedAt, &rec.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrIdempotencyRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency record: %w", MapError(err))
	}
	rec.Status = domain.IdempotencyStatus(status)
	if preState != nil {
		rec.PreState = preState
	}
	if result != nil {
		rec.Result = result
	}
	return &rec, nil
}

// DeleteBefore implements store.IdempotencyStore.DeleteBefore
func (s *PostgresIdempotencyStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete idempotency records: %w", MapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
