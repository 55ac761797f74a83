package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ms(v int64) *int64 { return &v }

func TestStatsAggregator_RunningAverage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for _, d := range []int64{100, 200, 300} {
		require.NoError(t, h.stats.RecordComplete(ctx, "sync", ms(d)))
	}

	buckets, err := h.stats.Hourly(ctx, "sync", epoch.Truncate(time.Hour), epoch.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, buckets, 1)

	b := buckets[0]
	assert.Equal(t, 9, b.StatHour)
	assert.Equal(t, int64(3), b.CompletedCount)
	assert.InDelta(t, 200.0, b.AvgDurationMs, 1e-9)
	assert.Equal(t, int64(300), b.MaxDurationMs)
}

func TestStatsAggregator_RecordsLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	ok := h.submit(t, service.SubmitRequest{Priority: intPtr(2)})
	bad := h.submit(t, service.SubmitRequest{Priority: intPtr(1)})

	h.claim(t, "sync", workerA)
	h.clock.Advance(250 * time.Millisecond)
	_, err := h.tasks.Complete(ctx, ok.ID, workerA, nil)
	require.NoError(t, err)

	h.claim(t, "sync", workerB)
	h.clock.Advance(50 * time.Millisecond)
	_, err = h.tasks.Fail(ctx, bad.ID, workerB, errors.New("invalid payload: missing account"))
	require.NoError(t, err)

	rollup, err := h.stats.Daily(ctx, "sync", h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), rollup.EnqueuedCount)
	assert.Equal(t, int64(2), rollup.DequeuedCount)
	assert.Equal(t, int64(1), rollup.CompletedCount)
	assert.Equal(t, int64(1), rollup.FailedCount)
	assert.InDelta(t, 150.0, rollup.AvgDurationMs, 1e-9)
	assert.Equal(t, int64(250), rollup.MaxDurationMs)
	assert.InDelta(t, 0.5, rollup.SuccessRate, 1e-9)
	assert.InDelta(t, 0.5, rollup.FailureRate, 1e-9)
}

func TestStatsAggregator_DailyRollupAcrossHours(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.stats.RecordComplete(ctx, "sync", ms(100)))
	require.NoError(t, h.stats.RecordEnqueue(ctx, "media"))
	h.clock.Advance(2 * time.Hour)
	require.NoError(t, h.stats.RecordComplete(ctx, "sync", ms(400)))
	require.NoError(t, h.stats.RecordComplete(ctx, "sync", ms(400)))
	require.NoError(t, h.stats.RecordFail(ctx, "sync", nil))

	day, err := h.stats.Daily(ctx, "sync", epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(3), day.CompletedCount)
	assert.Equal(t, int64(1), day.FailedCount)
	assert.InDelta(t, 300.0, day.AvgDurationMs, 1e-9)

	all, err := h.stats.DailyByQueue(ctx, epoch)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "media", all[0].QueueName)
	assert.Equal(t, "sync", all[1].QueueName)

	// reads never create buckets
	_, err = h.stats.Daily(ctx, "nightly", epoch)
	require.NoError(t, err)
	hours, err := h.stats.Hourly(ctx, "", epoch.Truncate(24*time.Hour), epoch.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, hours, 3)
}

func TestStatsAggregator_CountsAndValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.submit(t, service.SubmitRequest{})
	h.submit(t, service.SubmitRequest{})
	h.claim(t, "sync", workerA)

	overview, err := h.stats.Overview(ctx, "sync")
	require.NoError(t, err)
	assert.Equal(t, int64(1), overview.Counts[domain.TaskStatusPending])
	assert.Equal(t, int64(1), overview.Counts[domain.TaskStatusRunning])
	assert.Equal(t, int64(2), overview.Today.EnqueuedCount)

	assert.ErrorIs(t, h.stats.RecordEnqueue(ctx, ""), domain.ErrValidation)
	_, err = h.stats.Hourly(ctx, "sync", epoch, epoch)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
