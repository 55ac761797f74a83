package service_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/domain/retry"
	"github.com/phrazzld/conductor/internal/events"
	"github.com/phrazzld/conductor/internal/platform/clock"
	"github.com/phrazzld/conductor/internal/platform/memory"
	"github.com/phrazzld/conductor/internal/service"
	"github.com/stretchr/testify/require"
)

const (
	workerA  = "worker-a"
	workerB  = "worker-b"
	leaseTTL = 30 * time.Second
)

var epoch = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type harness struct {
	backend     *memory.Store
	clock       *clock.Fake
	emitter     *events.InMemoryEventEmitter
	tasks       service.TaskService
	deps        service.DependencyService
	execs       service.ExecutionLogService
	stats       *service.StatsAggregator
	consistency service.ConsistencyService
	maint       *service.MaintenanceService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		backend: memory.New(),
		clock:   clock.NewFake(epoch),
		emitter: events.NewInMemoryEventEmitter(nil),
	}

	var err error
	h.tasks, err = service.NewTaskService(
		h.backend,
		retry.NewEngine(retry.NewClassifier(nil)),
		h.emitter,
		h.clock,
		service.TaskServiceConfig{
			KnownTypes:        domain.NewTypeSet("sync", "notify"),
			DefaultQueue:      "sync",
			DefaultMaxRetries: 3,
		},
		nil,
	)
	require.NoError(t, err)

	h.deps, err = service.NewDependencyService(h.backend, h.clock, 0, nil)
	require.NoError(t, err)

	h.execs, err = service.NewExecutionLogService(h.backend, h.clock, func() uint64 { return 1 << 20 }, nil)
	require.NoError(t, err)

	h.stats, err = service.NewStatsAggregator(h.backend, h.clock, nil)
	require.NoError(t, err)
	h.emitter.RegisterHandler(h.stats)

	h.consistency, err = service.NewConsistencyService(h.backend, h.clock, nil)
	require.NoError(t, err)

	h.maint, err = service.NewMaintenanceService(h.tasks, h.backend, h.clock, 0, nil)
	require.NoError(t, err)

	return h
}

func intPtr(v int) *int { return &v }

func (h *harness) submit(t *testing.T, req service.SubmitRequest) *domain.Task {
	t.Helper()
	if req.Type == "" {
		req.Type = "sync"
	}
	if req.Payload == nil {
		req.Payload = json.RawMessage(`{"articles":10}`)
	}
	res, err := h.tasks.Submit(context.Background(), req)
	require.NoError(t, err)
	return res.Task
}

// claim claims exactly one task of queue for holder.
func (h *harness) claim(t *testing.T, queue, holder string) *domain.Task {
	t.Helper()
	claimed, err := h.tasks.Claim(context.Background(), service.ClaimRequest{
		QueueName: queue,
		HolderID:  holder,
		LeaseTTL:  leaseTTL,
		Limit:     1,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func (h *harness) dequeueIDs(t *testing.T, queue string) []uuid.UUID {
	t.Helper()
	tasks, err := h.tasks.Dequeue(context.Background(), queue, 10)
	require.NoError(t, err)
	ids := make([]uuid.UUID, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	return ids
}
