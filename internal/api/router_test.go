package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/phrazzld/conductor/internal/api"
	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/platform/clock"
	"github.com/phrazzld/conductor/internal/platform/memory"
	"github.com/phrazzld/conductor/internal/platform/metrics"
	"github.com/phrazzld/conductor/internal/service"
	"github.com/phrazzld/conductor/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

func newTestRouter(t *testing.T, ready api.ReadinessCheck) (http.Handler, *service.StatsAggregator) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(now)

	stats, err := service.NewStatsAggregator(memory.New(), clk, log)
	require.NoError(t, err)

	ops := api.NewOpsHandler(stats, ready, clk.Now, log)
	return api.NewRouter(ops, metrics.New().Handler(), log), stats
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestProbes(t *testing.T) {
	h, _ := newTestRouter(t, nil)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)

	rec := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	failing, _ := newTestRouter(t, func(context.Context) error {
		return errors.New("dial tcp postgres://admin:hunter2@db:5432: connection refused")
	})
	rec = get(t, failing, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body api.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "Not ready", body.Error)
	assert.NotEmpty(t, body.TraceID)
	assert.NotContains(t, rec.Body.String(), "hunter2")
}

func TestQueueStats(t *testing.T) {
	ctx := context.Background()
	h, stats := newTestRouter(t, nil)

	d := int64(120)
	require.NoError(t, stats.RecordEnqueue(ctx, "sync"))
	require.NoError(t, stats.RecordComplete(ctx, "sync", &d))
	require.NoError(t, stats.RecordEnqueue(ctx, "media"))

	t.Run("overview", func(t *testing.T) {
		rec := get(t, h, "/v1/queues/sync/stats")
		require.Equal(t, http.StatusOK, rec.Code)

		var overview service.QueueOverview
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&overview))
		assert.Equal(t, "sync", overview.QueueName)
		assert.Equal(t, int64(1), overview.Today.EnqueuedCount)
		assert.InDelta(t, 120.0, overview.Today.AvgDurationMs, 1e-9)
	})

	t.Run("hourly defaults to the last day", func(t *testing.T) {
		rec := get(t, h, "/v1/queues/sync/stats/hourly")
		require.Equal(t, http.StatusOK, rec.Code)

		var buckets []domain.QueueStatsBucket
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&buckets))
		require.Len(t, buckets, 1)
		assert.Equal(t, 9, buckets[0].StatHour)
	})

	t.Run("hourly rejects bad windows", func(t *testing.T) {
		rec := get(t, h, "/v1/queues/sync/stats/hourly?from=yesterday")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = get(t, h, "/v1/queues/sync/stats/hourly?from=2026-03-10T10:00:00Z&to=2026-03-10T09:00:00Z")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("daily by queue", func(t *testing.T) {
		rec := get(t, h, "/v1/stats/daily?date=2026-03-10")
		require.Equal(t, http.StatusOK, rec.Code)

		var rollups []domain.QueueRollup
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&rollups))
		require.Len(t, rollups, 2)
		assert.Equal(t, "media", rollups[0].QueueName)

		rec = get(t, h, "/v1/stats/daily?date=10/03/2026")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = get(t, h, "/v1/stats/daily?date=2026-03-09")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})
}

func TestMapErrorToStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrValidation, http.StatusBadRequest},
		{errors.Join(errors.New("ctx"), domain.ErrValidation), http.StatusBadRequest},
		{errors.Join(errors.New("lookup"), store.ErrTaskNotFound), http.StatusNotFound},
		{errors.Join(errors.New("link"), store.ErrDependencyExists), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, api.MapErrorToStatusCode(tt.err), tt.err.Error())
	}
	assert.Equal(t, "An unexpected error occurred", api.GetSafeErrorMessage(nil))
	assert.Equal(t, "Already exists", api.GetSafeErrorMessage(store.ErrIdempotencyKeyExists))
}
