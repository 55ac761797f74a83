package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/conductor/internal/config"
	"github.com/phrazzld/conductor/internal/platform/postgres"
)

// handleMigrations runs one goose command against the configured database.
func handleMigrations(ctx context.Context, cfg *config.Config, command string, logger *slog.Logger) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required to run migrations")
	}
	logger.Info("Executing migrations", "command", command)

	db, err := openDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db, logger)

	return postgres.Migrate(ctx, db, command, logger)
}
