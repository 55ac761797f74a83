// Package main implements the conductor worker process: it claims and runs
// queued tasks, executes the periodic maintenance sweeps and serves the ops
// HTTP endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	migrateCmd := flag.String("migrate", "", "Run a database migration command (up|down|reset|status|version) and exit")
	onceSweep := flag.Bool("once-sweep", false, "Run every maintenance sweep once and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *migrateCmd, *onceSweep); err != nil {
		slog.Error("conductor exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, migrateCmd string, onceSweep bool) error {
	cfg, err := loadAppConfig()
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		return err
	}

	logger, err := setupAppLogger(cfg)
	if err != nil {
		return err
	}

	if migrateCmd != "" {
		return handleMigrations(ctx, cfg, migrateCmd, logger)
	}

	backend, db, err := setupBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}

	app, err := newApplication(cfg, logger, backend, db)
	if err != nil {
		closeDatabase(db, logger)
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.cleanup()

	if onceSweep {
		affected, err := app.sweeper.RunOnce(ctx)
		logger.Info("Maintenance sweeps finished", "affected", affected)
		return err
	}

	return app.Run(ctx)
}
