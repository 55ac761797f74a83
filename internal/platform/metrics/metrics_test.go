package metrics_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/events"
	"github.com/phrazzld/conductor/internal/platform/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersAndHandler(t *testing.T) {
	m := metrics.New()

	m.ObserveTransition("sync", "completed")
	m.ObserveTransition("sync", "completed")
	m.ObserveLease(metrics.LeaseBusy)
	m.ObserveExecution("sync", "sync_articles", "completed", 150*time.Millisecond)
	m.ObserveSweep("expiry", 3, nil)
	m.ObserveSweep("expiry", 0, errors.New("db down"))
	m.SetTaskCounts("sync", map[string]int64{"pending": 4})
	m.WorkerBusy(1)

	count, err := testutil.GatherAndCount(m.Registry(), "conductor_task_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `conductor_task_transitions_total{event="completed",queue="sync"} 2`)
	assert.Contains(t, body, `conductor_lease_events_total{outcome="busy"} 1`)
	assert.Contains(t, body, `conductor_sweep_runs_total{job="expiry",outcome="error"} 1`)
	assert.Contains(t, body, `conductor_sweep_affected_total{job="expiry"} 3`)
	assert.Contains(t, body, `conductor_tasks{queue="sync",status="pending"} 4`)
	assert.Contains(t, body, `conductor_workers_busy 1`)
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a, b := metrics.New(), metrics.New()
	a.ObserveLease(metrics.LeaseAcquired)

	count, err := testutil.GatherAndCount(b.Registry(), "conductor_lease_events_total")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMetrics_HandleEvent(t *testing.T) {
	m := metrics.New()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	task, err := domain.NewTask(domain.NewTaskParams{Type: "sync_articles", QueueName: "sync"}, start)
	require.NoError(t, err)
	require.NoError(t, task.MarkRunning(start.Add(2*time.Second)))
	require.NoError(t, m.HandleEvent(context.Background(), events.NewTaskEvent(events.TaskDequeued, task, start.Add(2*time.Second))))

	require.NoError(t, task.MarkCompleted(nil, start.Add(3*time.Second)))
	require.NoError(t, m.HandleEvent(context.Background(), events.NewTaskEvent(events.TaskCompleted, task, start.Add(3*time.Second))))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `conductor_task_transitions_total{event="dequeued",queue="sync"} 1`)
	assert.Contains(t, body, `conductor_task_transitions_total{event="completed",queue="sync"} 1`)
	assert.Contains(t, body, `conductor_queue_wait_duration_seconds_count{queue="sync"} 1`)
	assert.Contains(t, body, `conductor_task_exec_duration_seconds_sum{outcome="completed",queue="sync",task_type="sync_articles"} 1`)
}
