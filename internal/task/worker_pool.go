package task

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// ProcessFunc handles one job on a worker goroutine.
type ProcessFunc func(ctx context.Context, workerID int, job *Job)

// WorkerPool runs a fixed number of workers over a TaskQueueReader.
type WorkerPool struct {
	// taskQueue provides read access to the jobs to be processed
	taskQueue TaskQueueReader

	// workerCount is the number of concurrent workers to start
	workerCount int

	process ProcessFunc
	logger  *slog.Logger
}

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// WorkerCount determines how many concurrent worker goroutines to start
	// If zero or negative, defaults to 1
	WorkerCount int
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with reasonable defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount: 2,
	}
}

// NewWorkerPool creates a new worker pool with the specified configuration
func NewWorkerPool(taskQueue TaskQueueReader, config WorkerPoolConfig, process ProcessFunc, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	workerCount := config.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
	}

	return &WorkerPool{
		taskQueue:   taskQueue,
		workerCount: workerCount,
		process:     process,
		logger:      logger,
	}
}

// Run starts the workers and blocks until the queue channel is closed and
// drained. ctx is passed to every job; cancelling it does not stop the
// workers from draining.
func (p *WorkerPool) Run(ctx context.Context) error {
	var g errgroup.Group
	for i := 0; i < p.workerCount; i++ {
		id := i
		g.Go(func() error {
			p.worker(ctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	p.logger.Debug("starting worker", "worker_id", id)
	for job := range p.taskQueue.GetChannel() {
		p.process(ctx, id, job)
	}
	p.logger.Debug("task channel closed, stopping worker", "worker_id", id)
}
