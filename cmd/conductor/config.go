package main

import (
	"fmt"
	"log/slog"

	"github.com/phrazzld/conductor/internal/config"
	"github.com/phrazzld/conductor/internal/platform/logger"
)

// loadAppConfig loads and validates the configuration from the environment
// and the optional config file.
func loadAppConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// setupAppLogger installs the structured logger as the slog default.
func setupAppLogger(cfg *config.Config) (*slog.Logger, error) {
	l, err := logger.Setup(cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}
	l.Info("Configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"store_driver", cfg.Store.Driver,
		"worker_id", cfg.Worker.ID,
		"queues", cfg.Worker.Queues)
	if cfg.Database.URL != "" {
		l.Debug("Database configuration", "url_present", true)
	}
	return l, nil
}
