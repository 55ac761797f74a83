package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/domain/retry"
	"github.com/phrazzld/conductor/internal/events"
	"github.com/phrazzld/conductor/internal/platform/clock"
	"github.com/phrazzld/conductor/internal/platform/memory"
	"github.com/phrazzld/conductor/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

const waitFor = 3 * time.Second

type runnerFixture struct {
	backend  *memory.Store
	tasks    service.TaskService
	execs    service.ExecutionLogService
	registry *Registry
	runner   *Runner
}

func testRunnerConfig() RunnerConfig {
	cfg := DefaultRunnerConfig()
	cfg.WorkerID = "test"
	cfg.Queues = []string{"work"}
	cfg.WorkerCount = 2
	cfg.PollInterval = 10 * time.Millisecond
	cfg.LeaseTTL = 2 * time.Second
	cfg.RefreshInterval = 20 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	cfg.StoreRetryBase = time.Millisecond
	return cfg
}

func newRunnerFixture(t *testing.T, cfg RunnerConfig) *runnerFixture {
	t.Helper()
	f := &runnerFixture{
		backend:  memory.New(),
		registry: NewRegistry(),
	}
	log := setupTestLogger()

	var err error
	f.tasks, err = service.NewTaskService(
		f.backend,
		retry.NewEngine(retry.NewClassifier(nil)),
		events.NewInMemoryEventEmitter(log),
		clock.System{},
		service.TaskServiceConfig{DefaultQueue: "work", DefaultMaxRetries: 3},
		log,
	)
	require.NoError(t, err)

	f.execs, err = service.NewExecutionLogService(f.backend, clock.System{}, nil, log)
	require.NoError(t, err)

	f.runner, err = NewRunner(f.tasks, f.execs, f.backend.Stores().Locks, f.registry, nil, clock.System{}, cfg, log)
	require.NoError(t, err)
	return f
}

// start runs the runner until the returned stop function is called.
func (f *runnerFixture) start(t *testing.T) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.runner.Run(ctx) }()

	var once bool
	stop = func() {
		if once {
			return
		}
		once = true
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("runner did not stop")
		}
	}
	t.Cleanup(stop)
	return stop
}

func (f *runnerFixture) submit(t *testing.T, taskType string, payload string) uuid.UUID {
	t.Helper()
	res, err := f.tasks.Submit(context.Background(), service.SubmitRequest{
		Type:    taskType,
		Payload: json.RawMessage(payload),
	})
	require.NoError(t, err)
	return res.TaskID
}

func (f *runnerFixture) waitStatus(t *testing.T, id uuid.UUID, status domain.TaskStatus) *domain.Task {
	t.Helper()
	var last *domain.Task
	require.Eventually(t, func() bool {
		task, err := f.tasks.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = task
		return task.Status == status
	}, waitFor, 5*time.Millisecond, "task %s never reached %s", id, status)
	return last
}

func (f *runnerFixture) latestExecution(t *testing.T, id uuid.UUID, status domain.ExecutionStatus) *domain.ExecutionLog {
	t.Helper()
	var last *domain.ExecutionLog
	require.Eventually(t, func() bool {
		e, err := f.execs.Latest(context.Background(), id)
		if err != nil {
			return false
		}
		last = e
		return e.Status == status
	}, waitFor, 5*time.Millisecond)
	return last
}

// blockUntilCancelled signals started and waits for the job context.
func blockUntilCancelled(started chan<- uuid.UUID) HandlerFunc {
	return func(ctx context.Context, job *Job) (json.RawMessage, error) {
		started <- job.ID()
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}
}

func TestNewRunner_Validation(t *testing.T) {
	f := newRunnerFixture(t, testRunnerConfig())
	locks := f.backend.Stores().Locks

	_, err := NewRunner(nil, f.execs, locks, f.registry, nil, nil, testRunnerConfig(), nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	cfg := testRunnerConfig()
	cfg.RefreshInterval = cfg.LeaseTTL
	_, err = NewRunner(f.tasks, f.execs, locks, f.registry, nil, nil, cfg, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	cfg = testRunnerConfig()
	cfg.Queues = nil
	_, err = NewRunner(f.tasks, f.execs, locks, f.registry, nil, nil, cfg, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Contains(t, f.runner.HolderID(), "test:")
}

func TestRunner_CompletesTasks(t *testing.T) {
	f := newRunnerFixture(t, testRunnerConfig())
	require.NoError(t, f.registry.Register("echo", EchoHandler))

	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = f.submit(t, "echo", fmt.Sprintf(`{"n":%d}`, i))
	}
	f.start(t)

	for i, id := range ids {
		task := f.waitStatus(t, id, domain.TaskStatusCompleted)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(task.Result))

		entry := f.latestExecution(t, id, domain.ExecutionCompleted)
		assert.Equal(t, 1, entry.Attempt)
		assert.Equal(t, 1, entry.ProcessedItems)
		assert.Equal(t, f.runner.HolderID(), entry.WorkerID)
		require.NotNil(t, entry.DurationMs)

		_, err := f.backend.Stores().Locks.Get(context.Background(), task.LockKey())
		assert.Error(t, err, "lease must be released")
	}
}

func TestRunner_FailureRoutesThroughRetryEngine(t *testing.T) {
	f := newRunnerFixture(t, testRunnerConfig())
	require.NoError(t, f.registry.Register("flaky", HandlerFunc(func(context.Context, *Job) (json.RawMessage, error) {
		return nil, errors.New("dial tcp 10.0.0.7:443: connection refused")
	})))
	require.NoError(t, f.registry.Register("strict", HandlerFunc(func(context.Context, *Job) (json.RawMessage, error) {
		return nil, retry.Permanent(errors.New("account closed"))
	})))

	flaky := f.submit(t, "flaky", `{}`)
	strict := f.submit(t, "strict", `{}`)
	unknown := f.submit(t, "mystery", `{}`)
	f.start(t)

	task := f.waitStatus(t, flaky, domain.TaskStatusRetrying)
	assert.Equal(t, 1, task.RetryCount)
	require.NotNil(t, task.FailureCategory)
	assert.Equal(t, string(retry.CategoryNetwork), *task.FailureCategory)
	entry := f.latestExecution(t, flaky, domain.ExecutionFailed)
	require.NotNil(t, entry.ErrorMessage)
	assert.Contains(t, *entry.ErrorMessage, "connection refused")

	task = f.waitStatus(t, strict, domain.TaskStatusFailed)
	assert.Equal(t, string(retry.CategoryBusinessLogic), *task.FailureCategory)

	task = f.waitStatus(t, unknown, domain.TaskStatusFailed)
	assert.Equal(t, string(retry.CategoryValidation), *task.FailureCategory)
	assert.Contains(t, *task.ErrorMessage, "no handler")
}

func TestRunner_HandlerPanic(t *testing.T) {
	f := newRunnerFixture(t, testRunnerConfig())
	require.NoError(t, f.registry.Register("boom", HandlerFunc(func(context.Context, *Job) (json.RawMessage, error) {
		panic("nil map write")
	})))

	id := f.submit(t, "boom", `{}`)
	f.start(t)

	task := f.waitStatus(t, id, domain.TaskStatusRetrying)
	assert.Equal(t, string(retry.CategorySystem), *task.FailureCategory)

	entry := f.latestExecution(t, id, domain.ExecutionFailed)
	require.NotNil(t, entry.StackTrace)
	assert.Contains(t, *entry.StackTrace, "goroutine")
	assert.Contains(t, *entry.ErrorMessage, "handler panic: nil map write")
}

func TestRunner_CooperativeCancel(t *testing.T) {
	f := newRunnerFixture(t, testRunnerConfig())
	started := make(chan uuid.UUID, 1)
	require.NoError(t, f.registry.Register("long", blockUntilCancelled(started)))

	id := f.submit(t, "long", `{}`)
	f.start(t)

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("handler never started")
	}

	task, err := f.tasks.Cancel(context.Background(), id, "operator request")
	require.NoError(t, err)
	assert.True(t, task.CancelRequested)

	task = f.waitStatus(t, id, domain.TaskStatusCancelled)
	assert.Equal(t, "operator request", *task.CancelReason)
	f.latestExecution(t, id, domain.ExecutionCancelled)
}

func TestRunner_LeaseLostAbandonsJob(t *testing.T) {
	f := newRunnerFixture(t, testRunnerConfig())
	started := make(chan uuid.UUID, 1)
	require.NoError(t, f.registry.Register("long", blockUntilCancelled(started)))

	id := f.submit(t, "long", `{}`)
	f.start(t)
	<-started

	task, err := f.tasks.Get(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, f.backend.Stores().Locks.Release(context.Background(), task.LockKey(), f.runner.HolderID()))

	entry := f.latestExecution(t, id, domain.ExecutionFailed)
	assert.Equal(t, domain.ErrLockLost.Error(), *entry.ErrorMessage)

	// the outcome is left to whoever reclaims the task
	task, err = f.tasks.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, task.Status)
}

func TestRunner_ShutdownTimeoutFailsRunningJobs(t *testing.T) {
	cfg := testRunnerConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	f := newRunnerFixture(t, cfg)
	started := make(chan uuid.UUID, 1)
	require.NoError(t, f.registry.Register("long", blockUntilCancelled(started)))

	id := f.submit(t, "long", `{}`)
	stop := f.start(t)
	<-started
	stop()

	task, err := f.tasks.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRetrying, task.Status)
	assert.Equal(t, string(retry.CategorySystem), *task.FailureCategory)
	assert.Contains(t, *task.ErrorMessage, ErrShutdown.Error())
}

// deadlineAwareTasks rejects calls made on a finished context, as a
// database driver would.
type deadlineAwareTasks struct{ service.TaskService }

func (d deadlineAwareTasks) Complete(ctx context.Context, id uuid.UUID, holderID string, result json.RawMessage) (*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.TaskService.Complete(ctx, id, holderID, result)
}

func (d deadlineAwareTasks) Fail(ctx context.Context, id uuid.UUID, holderID string, cause error) (*service.FailureResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.TaskService.Fail(ctx, id, holderID, cause)
}

func (d deadlineAwareTasks) ConfirmCancel(ctx context.Context, id uuid.UUID, holderID string) (*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.TaskService.ConfirmCancel(ctx, id, holderID)
}

func (d deadlineAwareTasks) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return d.TaskService.IsCancelRequested(ctx, id)
}

type deadlineAwareExecs struct{ service.ExecutionLogService }

func (d deadlineAwareExecs) BeginAttempt(ctx context.Context, taskID uuid.UUID, workerID string) (*domain.ExecutionLog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.ExecutionLogService.BeginAttempt(ctx, taskID, workerID)
}

func (d deadlineAwareExecs) Transition(ctx context.Context, entry *domain.ExecutionLog, status domain.ExecutionStatus, out domain.ExecutionOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.ExecutionLogService.Transition(ctx, entry, status, out)
}

func TestRunner_JobOutlivingLeaseTTLRecordsOutcome(t *testing.T) {
	cfg := testRunnerConfig()
	cfg.LeaseTTL = 200 * time.Millisecond
	cfg.RefreshInterval = 20 * time.Millisecond
	f := newRunnerFixture(t, cfg)

	var err error
	f.runner, err = NewRunner(
		deadlineAwareTasks{f.tasks},
		deadlineAwareExecs{f.execs},
		f.backend.Stores().Locks,
		f.registry,
		nil,
		clock.System{},
		cfg,
		setupTestLogger(),
	)
	require.NoError(t, err)

	require.NoError(t, f.registry.Register("slow", HandlerFunc(func(ctx context.Context, job *Job) (json.RawMessage, error) {
		select {
		case <-time.After(2 * cfg.LeaseTTL):
			return job.Task.Payload, nil
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	})))

	id := f.submit(t, "slow", `{"n":1}`)
	f.start(t)

	task := f.waitStatus(t, id, domain.TaskStatusCompleted)
	assert.JSONEq(t, `{"n":1}`, string(task.Result))
	f.latestExecution(t, id, domain.ExecutionCompleted)

	entries, err := f.execs.ListByTask(context.Background(), id, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	for _, e := range entries {
		assert.NotEqual(t, domain.ExecutionFailed, e.Status)
	}

	_, err = f.backend.Stores().Locks.Get(context.Background(), task.LockKey())
	assert.Error(t, err, "lease must be released")
}

func TestRunner_ResultWinsOverLateCancel(t *testing.T) {
	f := newRunnerFixture(t, testRunnerConfig())
	ctx := context.Background()
	id := f.submit(t, "echo", `{}`)

	claimed, err := f.tasks.Claim(ctx, service.ClaimRequest{
		QueueName: "work",
		HolderID:  f.runner.HolderID(),
		LeaseTTL:  time.Minute,
		Limit:     1,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	job := NewJob(claimed[0])
	job.Execution, err = f.execs.BeginAttempt(ctx, id, f.runner.HolderID())
	require.NoError(t, err)

	_, err = f.tasks.Cancel(ctx, id, "too late")
	require.NoError(t, err)

	f.runner.finish(ctx, setupTestLogger(), job, execResult{
		out:   json.RawMessage(`{"done":true}`),
		cause: domain.ErrCancelRequested,
	})

	task, err := f.tasks.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	assert.JSONEq(t, `{"done":true}`, string(task.Result))

	entry, err := f.execs.Latest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, entry.Status)
}

func TestTransient(t *testing.T) {
	assert.True(t, transient(errors.New("connection reset by peer")))
	assert.False(t, transient(fmt.Errorf("%w: bad", domain.ErrValidation)))
	assert.False(t, transient(domain.ErrLockLost))
	assert.False(t, transient(context.Canceled))
}
