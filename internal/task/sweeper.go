package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"github.com/phrazzld/conductor/internal/service"
)

// Sweep job names, also used as metric labels.
const (
	JobExpire    = "expire"
	JobRetries   = "promote_retries"
	JobLocks     = "sweep_locks"
	JobReclaim   = "reclaim_abandoned"
	JobRetention = "retention"
)

// Maintenance is the set of sweeps the Sweeper schedules.
// *service.MaintenanceService implements it.
type Maintenance interface {
	ExpireTasks(ctx context.Context) (int64, error)
	PromoteRetries(ctx context.Context) (int64, error)
	ReclaimAbandoned(ctx context.Context) (int64, error)
	SweepLocks(ctx context.Context) (int64, error)
	Retention(ctx context.Context, olderThan time.Duration) (service.RetentionReport, error)
}

var _ Maintenance = (*service.MaintenanceService)(nil)

// SweeperConfig holds the cron schedule of every sweep. Schedules accept the
// standard five-field syntax and descriptors such as "@every 30s".
type SweeperConfig struct {
	ExpirySchedule    string
	RetrySchedule     string
	LockSchedule      string
	ReclaimSchedule   string
	RetentionSchedule string
	Retention         time.Duration

	// JobTimeout bounds a single sweep run.
	JobTimeout time.Duration
}

// DefaultSweeperConfig returns a SweeperConfig with reasonable defaults
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		ExpirySchedule:    "@every 1m",
		RetrySchedule:     "@every 5s",
		LockSchedule:      "@every 5m",
		ReclaimSchedule:   "@every 30s",
		RetentionSchedule: "0 3 * * *",
		Retention:         7 * 24 * time.Hour,
		JobTimeout:        time.Minute,
	}
}

type sweepJob struct {
	name     string
	schedule string
	run      func(ctx context.Context) (int64, error)
}

// Sweeper runs the maintenance sweeps on cron schedules. Overlapping runs
// of the same job are skipped.
type Sweeper struct {
	cron     *cron.Cron
	jobs     []sweepJob
	observer Observer
	timeout  time.Duration
	logger   *slog.Logger

	base context.Context
}

// NewSweeper parses every schedule and registers the jobs. It fails on the
// first invalid schedule.
func NewSweeper(m Maintenance, config SweeperConfig, observer Observer, logger *slog.Logger) (*Sweeper, error) {
	if m == nil {
		return nil, fmt.Errorf("maintenance cannot be nil")
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = time.Minute
	}
	logger = logger.With("component", "sweeper")

	cl := cronLogger{logger}
	s := &Sweeper{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		observer: observer,
		timeout:  config.JobTimeout,
		logger:   logger,
		base:     context.Background(),
	}
	s.jobs = []sweepJob{
		{JobExpire, config.ExpirySchedule, m.ExpireTasks},
		{JobRetries, config.RetrySchedule, m.PromoteRetries},
		{JobLocks, config.LockSchedule, m.SweepLocks},
		{JobReclaim, config.ReclaimSchedule, m.ReclaimAbandoned},
		{JobRetention, config.RetentionSchedule, func(ctx context.Context) (int64, error) {
			report, err := m.Retention(ctx, config.Retention)
			return report.Total(), err
		}},
	}

	for _, j := range s.jobs {
		job := j
		if _, err := s.cron.AddFunc(job.schedule, func() { s.runJob(s.base, job) }); err != nil {
			return nil, fmt.Errorf("invalid schedule %q for %s: %w", job.schedule, job.name, err)
		}
	}
	return s, nil
}

// Start schedules the jobs in the background. Runs use ctx as their parent.
func (s *Sweeper) Start(ctx context.Context) {
	s.base = ctx
	s.cron.Start()
	s.logger.Info("sweeper started", "jobs", len(s.jobs))
}

// Stop stops scheduling and returns a context that is done once running
// jobs have finished.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce runs every job once in registration order and returns the
// combined errors.
func (s *Sweeper) RunOnce(ctx context.Context) (map[string]int64, error) {
	affected := make(map[string]int64, len(s.jobs))
	var merr *multierror.Error
	for _, j := range s.jobs {
		n, err := s.runJob(ctx, j)
		affected[j.name] = n
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", j.name, err))
		}
	}
	return affected, merr.ErrorOrNil()
}

func (s *Sweeper) runJob(ctx context.Context, j sweepJob) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := j.run(ctx)
	s.observer.ObserveSweep(j.name, n, err)
	if err != nil {
		s.logger.Error("sweep failed", "job", j.name, "error", err)
		return n, err
	}
	s.logger.Debug("sweep finished",
		"job", j.name,
		"affected", n,
		"duration_ms", time.Since(start).Milliseconds())
	return n, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
