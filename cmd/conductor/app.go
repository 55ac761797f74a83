package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/conductor/internal/api"
	"github.com/phrazzld/conductor/internal/config"
	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/domain/retry"
	"github.com/phrazzld/conductor/internal/events"
	"github.com/phrazzld/conductor/internal/platform/clock"
	"github.com/phrazzld/conductor/internal/platform/metrics"
	"github.com/phrazzld/conductor/internal/service"
	"github.com/phrazzld/conductor/internal/store"
	"github.com/phrazzld/conductor/internal/task"
)

// gaugeRefreshInterval is how often the per-status task gauges are recomputed.
const gaugeRefreshInterval = 15 * time.Second

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger
	clock  clock.Clock

	backend store.Backend
	// db is nil for the memory backend.
	db *sql.DB

	metrics *metrics.Metrics
	emitter *events.InMemoryEventEmitter

	tasks       service.TaskService
	executions  service.ExecutionLogService
	stats       *service.StatsAggregator
	maintenance *service.MaintenanceService

	registry *task.Registry
	runner   *task.Runner
	sweeper  *task.Sweeper
	ops      *api.OpsHandler
}

// newApplication wires every component on top of an established backend.
func newApplication(cfg *config.Config, logger *slog.Logger, backend store.Backend, db *sql.DB) (*application, error) {
	app := &application{
		config:  cfg,
		logger:  logger,
		clock:   clock.System{},
		backend: backend,
		db:      db,
		metrics: metrics.New(),
	}

	engine, err := newRetryEngine(cfg.Retry)
	if err != nil {
		return nil, fmt.Errorf("failed to build retry policies: %w", err)
	}

	app.stats, err = service.NewStatsAggregator(backend, app.clock, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create stats aggregator: %w", err)
	}

	// Stats and metrics follow the task lifecycle through committed events.
	app.emitter = events.NewInMemoryEventEmitter(logger)
	app.emitter.RegisterHandler(app.stats)
	app.emitter.RegisterHandler(app.metrics)

	app.tasks, err = service.NewTaskService(backend, engine, app.emitter, app.clock, service.TaskServiceConfig{
		KnownTypes:        domain.NewTypeSet(cfg.Tasks.KnownTypes...),
		DefaultQueue:      cfg.Tasks.DefaultQueue,
		DefaultPriority:   cfg.Tasks.DefaultPriority,
		DefaultMaxRetries: cfg.Tasks.DefaultMaxRetries,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create task service: %w", err)
	}

	app.executions, err = service.NewExecutionLogService(backend, app.clock, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution log service: %w", err)
	}

	app.maintenance, err = service.NewMaintenanceService(app.tasks, backend, app.clock, 0, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create maintenance service: %w", err)
	}

	app.registry, err = newRegistry(cfg.Tasks.KnownTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to register task handlers: %w", err)
	}

	app.runner, err = task.NewRunner(
		app.tasks,
		app.executions,
		backend.Stores().Locks,
		app.registry,
		app.metrics,
		app.clock,
		runnerConfig(cfg.Worker),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task runner: %w", err)
	}

	app.sweeper, err = task.NewSweeper(app.maintenance, sweeperConfig(cfg.Sweeper), app.metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweeper: %w", err)
	}

	app.ops = api.NewOpsHandler(app.stats, app.readiness, app.clock.Now, logger)

	logger.Info("Application initialized successfully",
		"handlers", app.registry.Types(),
		"holder_id", app.runner.HolderID())
	return app, nil
}

// newRetryEngine applies the configured per-category overrides on top of
// the built-in policy table.
func newRetryEngine(cfg config.RetryConfig) (*retry.Engine, error) {
	overrides := make(map[retry.Category]retry.PolicyConfig, len(cfg.Policies))
	for name, p := range cfg.Policies {
		category, err := retry.ParseCategory(name)
		if err != nil {
			return nil, err
		}
		overrides[category] = retry.PolicyConfig{
			Recoverable: p.Recoverable,
			MaxRetries:  p.MaxRetries,
			Strategy:    p.Strategy,
			BaseDelay:   p.BaseDelay,
			MaxDelay:    p.MaxDelay,
		}
	}
	policies, err := retry.NewPolicies(overrides)
	if err != nil {
		return nil, err
	}
	return retry.NewEngine(retry.NewClassifier(policies)), nil
}

// newRegistry binds every known task type to the echo handler. Deployments
// embedding the runner register their own handlers instead.
func newRegistry(knownTypes []string) (*task.Registry, error) {
	registry := task.NewRegistry()
	for _, t := range knownTypes {
		if err := registry.Register(t, task.EchoHandler); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func runnerConfig(cfg config.WorkerConfig) task.RunnerConfig {
	rc := task.DefaultRunnerConfig()
	rc.WorkerID = cfg.ID
	rc.Queues = cfg.Queues
	rc.WorkerCount = cfg.Count
	rc.PollInterval = cfg.PollInterval
	rc.BatchSize = cfg.BatchSize
	rc.LeaseTTL = cfg.LeaseTTL
	rc.RefreshInterval = cfg.RefreshInterval
	rc.ShutdownTimeout = cfg.ShutdownTimeout
	return rc
}

func sweeperConfig(cfg config.SweeperConfig) task.SweeperConfig {
	sc := task.DefaultSweeperConfig()
	sc.ExpirySchedule = cfg.ExpirySchedule
	sc.RetrySchedule = cfg.RetrySchedule
	sc.LockSchedule = cfg.LockSchedule
	sc.ReclaimSchedule = cfg.ReclaimSchedule
	sc.RetentionSchedule = cfg.RetentionSchedule
	sc.Retention = cfg.Retention
	return sc
}

// readiness pings the database. The memory backend is always ready.
func (app *application) readiness(ctx context.Context) error {
	if app.db == nil {
		return nil
	}
	return app.db.PingContext(ctx)
}

// Run starts the runner, the sweeper, the gauge refresher and the ops HTTP
// server, and blocks until ctx is cancelled and all of them have stopped.
func (app *application) Run(ctx context.Context) error {
	router := api.NewRouter(app.ops, app.metrics.Handler(), app.logger)

	app.sweeper.Start(ctx)
	defer func() {
		<-app.sweeper.Stop().Done()
		app.logger.Info("Sweeper stopped")
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.runner.Run(gctx)
	})
	g.Go(func() error {
		return app.startHTTPServer(gctx, router)
	})
	g.Go(func() error {
		app.refreshGauges(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("application error: %w", err)
	}
	return nil
}

// refreshGauges periodically publishes the task count per queue and status.
func (app *application) refreshGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugeRefreshInterval)
	defer ticker.Stop()
	for {
		for _, queue := range app.config.Worker.Queues {
			counts, err := app.stats.CountByStatus(ctx, queue)
			if err != nil {
				if ctx.Err() == nil {
					app.logger.Warn("Failed to count tasks", "queue", queue, "error", err)
				}
				continue
			}
			gauges := make(map[string]int64, len(counts))
			for status, n := range counts {
				gauges[string(status)] = n
			}
			app.metrics.SetTaskCounts(queue, gauges)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cleanup handles graceful shutdown of application resources.
func (app *application) cleanup() {
	closeDatabase(app.db, app.logger)
}
