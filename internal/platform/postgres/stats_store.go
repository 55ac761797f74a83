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

const statsColumns = `
	queue_name, stat_date, stat_hour, enqueued_count, dequeued_count,
	completed_count, failed_count, duration_samples, avg_duration_ms,
	max_duration_ms, updated_at`

// PostgresQueueStatsStore implements store.QueueStatsStore on queue_stats.
type PostgresQueueStatsStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresQueueStatsStore creates a new PostgreSQL implementation of the QueueStatsStore interface.
func NewPostgresQueueStatsStore(db store.DBTX, logger *slog.Logger) *PostgresQueueStatsStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresQueueStatsStore{
		db:     db,
		logger: logger.With(slog.String("component", "queue_stats_store")),
	}
}

var _ store.QueueStatsStore = (*PostgresQueueStatsStore)(nil)

// Increment implements store.QueueStatsStore.Increment as one upsert. The
// inserted row is a single-event delta; on conflict it is folded into the
// stored bucket under the row lock the upsert takes.
func (s *PostgresQueueStatsStore) Increment(ctx context.Context, queueName string, counter domain.StatCounter, durationMs *int64, now time.Time) error {
	if !counter.IsValid() {
		return fmt.Errorf("%w: unknown stats counter %q", domain.ErrValidation, counter)
	}
	log := logger.FromContextOrDefault(ctx, s.logger)

	delta := domain.NewQueueStatsBucket(queueName, now)
	delta.Increment(counter, durationMs, now)

	query := `
		INSERT INTO queue_stats (` + statsColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (queue_name, stat_date, stat_hour) DO UPDATE
		SET enqueued_count = queue_stats.enqueued_count + EXCLUDED.enqueued_count,
			dequeued_count = queue_stats.dequeued_count + EXCLUDED.dequeued_count,
			completed_count = queue_stats.completed_count + EXCLUDED.completed_count,
			failed_count = queue_stats.failed_count + EXCLUDED.failed_count,
			duration_samples = queue_stats.duration_samples + EXCLUDED.duration_samples,
			avg_duration_ms = CASE
				WHEN EXCLUDED.duration_samples = 0 THEN queue_stats.avg_duration_ms
				ELSE (queue_stats.avg_duration_ms * queue_stats.duration_samples + EXCLUDED.avg_duration_ms)
					/ (queue_stats.duration_samples + 1)
			END,
			max_duration_ms = GREATEST(queue_stats.max_duration_ms, EXCLUDED.max_duration_ms),
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		delta.QueueName, delta.StatDate, delta.StatHour,
		delta.EnqueuedCount, delta.DequeuedCount, delta.CompletedCount, delta.FailedCount,
		delta.DurationSamples, delta.AvgDurationMs, delta.MaxDurationMs, delta.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to increment queue stats",
			slog.String("queue", queueName),
			slog.String("counter", string(counter)),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to increment queue stats: %w", MapError(err))
	}
	return nil
}

func scanBucket(row rowScanner) (*domain.QueueStatsBucket, error) {
	var b domain.QueueStatsBucket
	err := row.Scan(&b.QueueName, &b.StatDate, &b.StatHour, &b.EnqueuedCount,
		&b.DequeuedCount, &b.CompletedCount, &b.FailedCount, &b.DurationSamples,
		&b.AvgDurationMs, &b.MaxDurationMs, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.StatDate = b.StatDate.UTC()
	return &b, nil
}

// Get implements store.QueueStatsStore.Get
func (s *PostgresQueueStatsStore) Get(ctx context.Context, queueName string, date time.Time, hour int) (*domain.QueueStatsBucket, error) {
	day, _ := domain.BucketTime(date)
	b, err := scanBucket(s.db.QueryRowContext(ctx,
		`SELECT`+statsColumns+` FROM queue_stats WHERE queue_name = $1 AND stat_date = $2 AND stat_hour = $3`,
		queueName, day, hour))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrStatsBucketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", MapError(err))
	}
	return b, nil
}

// List implements store.QueueStatsStore.List
func (s *PostgresQueueStatsStore) List(ctx context.Context, queueName string, from, to time.Time) ([]domain.QueueStatsBucket, error) {
	query := `SELECT` + statsColumns + `
		FROM queue_stats
		WHERE ($1 = '' OR queue_name = $1)
		  AND stat_date + make_interval(hours => stat_hour) >= $2
		  AND stat_date + make_interval(hours => stat_hour) < $3
		ORDER BY queue_name, stat_date, stat_hour`
	rows, err := s.db.QueryContext(ctx, query, queueName, from.UTC(), to.UTC())
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to list queue stats",
			slog.String("queue", queueName),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to list queue stats: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	buckets := []domain.QueueStatsBucket{}
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		buckets = append(buckets, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue stats: %w", err)
	}
	return buckets, nil
}
