package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	goretry "github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/domain/retry"
	"github.com/phrazzld/conductor/internal/platform/clock"
	"github.com/phrazzld/conductor/internal/platform/logger"
	"github.com/phrazzld/conductor/internal/platform/metrics"
	"github.com/phrazzld/conductor/internal/service"
	"github.com/phrazzld/conductor/internal/store"
)

// ErrShutdown is the cancellation cause of jobs still running when the
// shutdown timeout expires.
var ErrShutdown = errors.New("worker shutting down")

// RunnerConfig holds configuration for the task runner
type RunnerConfig struct {
	// WorkerID prefixes the lease holder token of this runner.
	WorkerID string

	// Queues are polled in order on every claim round.
	Queues []string

	// WorkerCount determines how many jobs execute concurrently. It is
	// also the size of the dispatch queue.
	WorkerCount int

	PollInterval time.Duration

	// BatchSize caps the number of tasks claimed per queue and round.
	BatchSize int

	LeaseTTL        time.Duration
	RefreshInterval time.Duration

	// ShutdownTimeout bounds how long running jobs may continue after the
	// runner's context is cancelled.
	ShutdownTimeout time.Duration

	// StoreRetries and StoreRetryBase configure the local retry of store
	// calls that fail transiently.
	StoreRetries   uint64
	StoreRetryBase time.Duration
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		WorkerID:        "worker",
		Queues:          []string{domain.DefaultQueueName},
		WorkerCount:     2,
		PollInterval:    time.Second,
		BatchSize:       10,
		LeaseTTL:        30 * time.Second,
		RefreshInterval: 10 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		StoreRetries:    3,
		StoreRetryBase:  50 * time.Millisecond,
	}
}

func (c RunnerConfig) validate() error {
	switch {
	case c.WorkerID == "":
		return fmt.Errorf("%w: worker id cannot be empty", domain.ErrValidation)
	case len(c.Queues) == 0:
		return fmt.Errorf("%w: at least one queue is required", domain.ErrValidation)
	case c.PollInterval <= 0, c.LeaseTTL <= 0, c.RefreshInterval <= 0, c.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: intervals must be positive", domain.ErrValidation)
	case c.RefreshInterval >= c.LeaseTTL:
		return fmt.Errorf("%w: refresh interval %s must be shorter than lease ttl %s",
			domain.ErrValidation, c.RefreshInterval, c.LeaseTTL)
	}
	return nil
}

// Observer receives runtime measurements. *metrics.Metrics implements it.
type Observer interface {
	ObserveClaim(queue string, d time.Duration)
	ObserveLease(outcome string)
	ObserveSweep(job string, affected int64, err error)
	WorkerBusy(delta int)
}

type nopObserver struct{}

func (nopObserver) ObserveClaim(string, time.Duration) {}
func (nopObserver) ObserveLease(string)                {}
func (nopObserver) ObserveSweep(string, int64, error)  {}
func (nopObserver) WorkerBusy(int)                     {}

var _ Observer = (*metrics.Metrics)(nil)

// transientClassifier decides which store failures are worth a local retry.
var transientClassifier = retry.NewClassifier(nil)

func transient(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrLockLost),
		errors.Is(err, domain.ErrInvalidStateTransition),
		errors.Is(err, store.ErrNotFound):
		return false
	}
	c := transientClassifier.Classify(err).Category
	return c == retry.CategoryDatabase || c == retry.CategoryNetwork
}

// Runner claims tasks from the store, executes them with the registered
// handlers and reports the outcome.
type Runner struct {
	tasks    service.TaskService
	execs    service.ExecutionLogService
	registry *Registry
	keeper   *leaseKeeper
	observer Observer
	config   RunnerConfig
	holderID string
	logger   *slog.Logger
}

// NewRunner creates a Runner. observer and clk may be nil.
func NewRunner(
	tasks service.TaskService,
	execs service.ExecutionLogService,
	locks store.LockStore,
	registry *Registry,
	observer Observer,
	clk clock.Clock,
	config RunnerConfig,
	log *slog.Logger,
) (*Runner, error) {
	if tasks == nil || execs == nil || locks == nil || registry == nil {
		return nil, fmt.Errorf("%w: runner dependencies cannot be nil", domain.ErrValidation)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.BatchSize <= 0 {
		config.BatchSize = config.WorkerCount
	}
	if config.StoreRetryBase <= 0 {
		config.StoreRetryBase = 50 * time.Millisecond
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = slog.Default()
	}

	holderID := fmt.Sprintf("%s:%s", config.WorkerID, uuid.NewString()[:8])
	r := &Runner{
		tasks:    tasks,
		execs:    execs,
		registry: registry,
		observer: observer,
		config:   config,
		holderID: holderID,
		logger:   log.With("component", "task_runner", "holder_id", holderID),
	}
	r.keeper = &leaseKeeper{
		locks:    locks,
		tasks:    tasks,
		clock:    clk,
		observer: observer,
		retry:    r.withRetry,
		holderID: holderID,
		ttl:      config.LeaseTTL,
		interval: config.RefreshInterval,
		logger:   r.logger,
	}
	return r, nil
}

// HolderID returns the lease holder token of this runner.
func (r *Runner) HolderID() string {
	return r.holderID
}

// Run claims and executes tasks until ctx is cancelled, then waits up to
// ShutdownTimeout for running jobs before cancelling them with ErrShutdown.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.registry.Types()) == 0 {
		r.logger.Warn("no task handlers registered")
	}

	queue := NewTaskQueue(r.config.WorkerCount, r.logger)
	execCtx, abort := context.WithCancelCause(context.WithoutCancel(ctx))
	defer abort(nil)

	pool := NewWorkerPool(queue, WorkerPoolConfig{WorkerCount: r.config.WorkerCount}, r.process, r.logger)
	drained := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(drained)
		return pool.Run(execCtx)
	})
	g.Go(func() error {
		defer queue.Close()
		r.pollLoop(gctx, queue)
		return nil
	})
	g.Go(func() error {
		select {
		case <-drained:
			return nil
		case <-ctx.Done():
		}
		timer := time.NewTimer(r.config.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-drained:
		case <-timer.C:
			r.logger.Warn("shutdown timeout reached, cancelling running jobs",
				"timeout", r.config.ShutdownTimeout)
			abort(ErrShutdown)
		}
		return nil
	})

	r.logger.Info("runner started",
		"queues", r.config.Queues,
		"workers", r.config.WorkerCount,
		"handlers", r.registry.Types())
	err := g.Wait()
	r.logger.Info("runner stopped")
	return err
}

func (r *Runner) pollLoop(ctx context.Context, queue *TaskQueue) {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()
	for {
		r.claimRound(ctx, queue)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// claimRound leases at most as many tasks as the dispatch queue can hold.
func (r *Runner) claimRound(ctx context.Context, queue *TaskQueue) {
	for _, name := range r.config.Queues {
		free := queue.Free()
		if free == 0 || ctx.Err() != nil {
			return
		}

		start := time.Now()
		var claimed []*domain.Task
		err := r.withRetry(ctx, func(ctx context.Context) error {
			var err error
			claimed, err = r.tasks.Claim(ctx, service.ClaimRequest{
				QueueName: name,
				HolderID:  r.holderID,
				LeaseTTL:  r.config.LeaseTTL,
				Limit:     min(free, r.config.BatchSize),
			})
			return err
		})
		r.observer.ObserveClaim(name, time.Since(start))
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("claim failed", "queue", name, "error", err)
			}
			continue
		}

		for _, t := range claimed {
			r.observer.ObserveLease(metrics.LeaseAcquired)
			if err := queue.Enqueue(NewJob(t)); err != nil {
				// the lease lapses and the reclaim sweep routes the task
				r.logger.Error("claimed task could not be dispatched",
					"task_id", t.ID,
					"error", err)
			}
		}
	}
}

type execResult struct {
	out   json.RawMessage
	err   error
	stack string
	cause error
}

func (r *Runner) process(ctx context.Context, slot int, job *Job) {
	r.observer.WorkerBusy(1)
	defer r.observer.WorkerBusy(-1)

	log := r.logger.With(
		"worker_slot", slot,
		"task_id", job.ID(),
		"task_type", job.Type(),
		"queue", job.Task.QueueName,
	)
	ctx = logger.WithLogger(ctx, log)

	beginCtx, cancelBegin := r.reportContext(ctx)
	defer cancelBegin()
	err := r.withRetry(beginCtx, func(ctx context.Context) error {
		entry, err := r.execs.BeginAttempt(ctx, job.ID(), r.holderID)
		if err == nil {
			job.Execution = entry
		}
		return err
	})
	if err != nil {
		log.Error("failed to open execution log entry", "error", err)
		failCtx, cancelFail := r.reportContext(ctx)
		defer cancelFail()
		r.fail(failCtx, log, job, retry.Tag(retry.CategorySystem, fmt.Errorf("open execution log: %w", err)))
		return
	}
	log = log.With("execution_id", job.Execution.ExecutionID, "attempt", job.Execution.Attempt)
	r.transition(beginCtx, log, job, domain.ExecutionRunning, job.outcome())
	cancelBegin()

	log.Info("processing task")
	res := r.execute(ctx, job)
	r.finish(ctx, log, job, res)
}

// reportContext bounds the store calls that record an attempt. It survives
// cancellation of ctx so a draining worker still reports its outcome.
func (r *Runner) reportContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.config.LeaseTTL)
}

// execute runs the handler under a job context kept alive by the lease
// keeper. Handler panics become system failures.
func (r *Runner) execute(ctx context.Context, job *Job) (res execResult) {
	h, ok := r.registry.Lookup(job.Type())
	if !ok {
		res.err = retry.Tag(retry.CategoryValidation,
			fmt.Errorf("%w: no handler for %q", domain.ErrUnknownTaskType, job.Type()))
		return res
	}

	jobCtx, stop := context.WithCancelCause(ctx)
	keeperDone := make(chan struct{})
	go func() {
		defer close(keeperDone)
		r.keeper.keep(jobCtx, job, stop)
	}()
	defer func() {
		res.cause = context.Cause(jobCtx)
		stop(nil)
		<-keeperDone
	}()

	defer func() {
		if p := recover(); p != nil {
			res.out = nil
			res.stack = string(debug.Stack())
			res.err = retry.Tag(retry.CategorySystem, fmt.Errorf("handler panic: %v", p))
		}
	}()
	res.out, res.err = h.Execute(jobCtx, job)
	return res
}

func (r *Runner) finish(ctx context.Context, log *slog.Logger, job *Job, res execResult) {
	// the attempt may have run for longer than any deadline set before it
	ctx, cancel := r.reportContext(ctx)
	defer cancel()

	out := job.outcome()
	switch {
	case errors.Is(res.cause, domain.ErrLockLost):
		// another worker may own the task by now; only the attempt is closed
		out.Error = domain.ErrLockLost.Error()
		r.transition(ctx, log, job, domain.ExecutionFailed, out)

	case res.err == nil:
		// a result that arrives with a late cancel request still wins
		err := r.withRetry(ctx, func(ctx context.Context) error {
			_, err := r.tasks.Complete(ctx, job.ID(), r.holderID, res.out)
			return err
		})
		if err != nil {
			log.Error("failed to record completion", "error", err)
			out.Error = err.Error()
			r.transition(ctx, log, job, domain.ExecutionFailed, out)
			return
		}
		r.observer.ObserveLease(metrics.LeaseReleased)
		r.transition(ctx, log, job, domain.ExecutionCompleted, out)
		log.Info("task completed successfully")

	case errors.Is(res.cause, domain.ErrCancelRequested):
		r.transition(ctx, log, job, domain.ExecutionCancelled, out)
		err := r.withRetry(ctx, func(ctx context.Context) error {
			_, err := r.tasks.ConfirmCancel(ctx, job.ID(), r.holderID)
			return err
		})
		if err != nil {
			log.Error("failed to confirm cancellation", "error", err)
			return
		}
		r.observer.ObserveLease(metrics.LeaseReleased)
		log.Info("task cancelled")

	default:
		cause := res.err
		if errors.Is(res.cause, ErrShutdown) {
			cause = retry.Tag(retry.CategorySystem, fmt.Errorf("%w: %w", ErrShutdown, res.err))
		}
		out.Error = cause.Error()
		out.StackTrace = res.stack
		r.transition(ctx, log, job, domain.ExecutionFailed, out)
		r.fail(ctx, log, job, cause)
	}
}

func (r *Runner) fail(ctx context.Context, log *slog.Logger, job *Job, cause error) {
	var result *service.FailureResult
	err := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		result, err = r.tasks.Fail(ctx, job.ID(), r.holderID, cause)
		return err
	})
	if err != nil {
		log.Error("failed to record failure", "error", err, "cause", cause)
		return
	}
	r.observer.ObserveLease(metrics.LeaseReleased)
	log.Warn("task execution failed",
		"error", cause,
		"category", result.Decision.Classification.Category,
		"will_retry", result.Decision.WillRetry())
}

func (r *Runner) transition(ctx context.Context, log *slog.Logger, job *Job, status domain.ExecutionStatus, out domain.ExecutionOutcome) {
	if job.Execution == nil {
		return
	}
	if err := r.execs.Transition(ctx, job.Execution, status, out); err != nil {
		log.Warn("failed to record execution transition",
			"status", status,
			"error", err)
	}
}

func (r *Runner) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := goretry.WithMaxRetries(r.config.StoreRetries, goretry.NewExponential(r.config.StoreRetryBase))
	return goretry.Do(ctx, b, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if transient(err) {
				return goretry.RetryableError(err)
			}
			return err
		}
		return nil
	})
}
