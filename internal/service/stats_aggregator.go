package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/events"
	"github.com/phrazzld/conductor/internal/platform/clock"
	"github.com/phrazzld/conductor/internal/store"
)

// QueueOverview combines live status counts with today's rollup.
type QueueOverview struct {
	QueueName string                      `json:"queue_name"`
	Counts    map[domain.TaskStatus]int64 `json:"counts"`
	Today     domain.QueueRollup          `json:"today"`
}

// StatsAggregator maintains hourly queue statistics and answers read-side
// reporting queries. Read methods never write buckets.
type StatsAggregator struct {
	stats  store.QueueStatsStore
	tasks  store.TaskStore
	clock  clock.Clock
	logger *slog.Logger
}

var _ events.EventHandler = (*StatsAggregator)(nil)

// NewStatsAggregator creates a StatsAggregator over the backend's
// non-transactional stores.
func NewStatsAggregator(backend store.Backend, clk clock.Clock, logger *slog.Logger) (*StatsAggregator, error) {
	if backend == nil {
		return nil, &ServiceError{Operation: "create_service", Message: "backend cannot be nil"}
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	stores := backend.Stores()
	return &StatsAggregator{
		stats:  stores.Stats,
		tasks:  stores.Tasks,
		clock:  clk,
		logger: logger.With("component", "stats_aggregator"),
	}, nil
}

func (a *StatsAggregator) record(ctx context.Context, queue string, counter domain.StatCounter, durationMs *int64) error {
	if queue == "" {
		return fmt.Errorf("%w: queue name cannot be empty", domain.ErrValidation)
	}
	if err := a.stats.Increment(ctx, queue, counter, durationMs, a.clock.Now()); err != nil {
		return NewServiceError("record_stats", fmt.Sprintf("failed to increment %s", counter), err)
	}
	return nil
}

// RecordEnqueue counts a submission in the current hour's bucket.
func (a *StatsAggregator) RecordEnqueue(ctx context.Context, queue string) error {
	return a.record(ctx, queue, domain.StatEnqueued, nil)
}

// RecordDequeue counts a claimed task.
func (a *StatsAggregator) RecordDequeue(ctx context.Context, queue string) error {
	return a.record(ctx, queue, domain.StatDequeued, nil)
}

// RecordComplete counts a successful attempt, folding its duration when known.
func (a *StatsAggregator) RecordComplete(ctx context.Context, queue string, durationMs *int64) error {
	return a.record(ctx, queue, domain.StatCompleted, durationMs)
}

// RecordFail counts a failed attempt, folding its duration when known.
func (a *StatsAggregator) RecordFail(ctx context.Context, queue string, durationMs *int64) error {
	return a.record(ctx, queue, domain.StatFailed, durationMs)
}

// HandleEvent implements events.EventHandler. Retry scheduling, requeues and
// cancellations do not touch the counters.
func (a *StatsAggregator) HandleEvent(ctx context.Context, e *events.TaskEvent) error {
	switch e.Type {
	case events.TaskSubmitted:
		return a.RecordEnqueue(ctx, e.QueueName)
	case events.TaskDequeued:
		return a.RecordDequeue(ctx, e.QueueName)
	case events.TaskCompleted:
		return a.RecordComplete(ctx, e.QueueName, e.DurationMs)
	case events.TaskFailed:
		return a.RecordFail(ctx, e.QueueName, e.DurationMs)
	default:
		return nil
	}
}

// Hourly returns the buckets of queue in [from, to). An empty queue lists all.
func (a *StatsAggregator) Hourly(ctx context.Context, queue string, from, to time.Time) ([]domain.QueueStatsBucket, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("%w: from must precede to", domain.ErrValidation)
	}
	buckets, err := a.stats.List(ctx, queue, from, to)
	if err != nil {
		return nil, NewServiceError("hourly_stats", "failed to list buckets", err)
	}
	return buckets, nil
}

// Daily rolls up one UTC day of a queue.
func (a *StatsAggregator) Daily(ctx context.Context, queue string, day time.Time) (domain.QueueRollup, error) {
	date, _ := domain.BucketTime(day)
	buckets, err := a.stats.List(ctx, queue, date, date.AddDate(0, 0, 1))
	if err != nil {
		return domain.QueueRollup{}, NewServiceError("daily_stats", "failed to list buckets", err)
	}
	return domain.RollUp(queue, date, buckets), nil
}

// DailyByQueue rolls up one UTC day per queue, ordered by queue name.
func (a *StatsAggregator) DailyByQueue(ctx context.Context, day time.Time) ([]domain.QueueRollup, error) {
	date, _ := domain.BucketTime(day)
	buckets, err := a.stats.List(ctx, "", date, date.AddDate(0, 0, 1))
	if err != nil {
		return nil, NewServiceError("daily_stats", "failed to list buckets", err)
	}
	byQueue := make(map[string][]domain.QueueStatsBucket)
	for _, b := range buckets {
		byQueue[b.QueueName] = append(byQueue[b.QueueName], b)
	}
	out := make([]domain.QueueRollup, 0, len(byQueue))
	for q, bs := range byQueue {
		out = append(out, domain.RollUp(q, date, bs))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueName < out[j].QueueName })
	return out, nil
}

// CountByStatus returns live task counts, optionally for one queue.
func (a *StatsAggregator) CountByStatus(ctx context.Context, queue string) (map[domain.TaskStatus]int64, error) {
	counts, err := a.tasks.CountByStatus(ctx, queue)
	if err != nil {
		return nil, NewServiceError("count_by_status", "failed to count tasks", err)
	}
	return counts, nil
}

// Overview returns live counts and today's rollup for queue.
func (a *StatsAggregator) Overview(ctx context.Context, queue string) (*QueueOverview, error) {
	counts, err := a.CountByStatus(ctx, queue)
	if err != nil {
		return nil, err
	}
	today, err := a.Daily(ctx, queue, a.clock.Now())
	if err != nil {
		return nil, err
	}
	return &QueueOverview{QueueName: queue, Counts: counts, Today: today}, nil
}
