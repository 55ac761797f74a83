package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. CONDUCTOR_SERVER_PORT.
const EnvPrefix = "CONDUCTOR"

// ConfigPathEnv names the environment variable holding an explicit config file path.
const ConfigPathEnv = "CONDUCTOR_CONFIG"

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv(ConfigPathEnv))
}

// LoadFrom loads configuration using path as the config file. An empty path
// looks for an optional config.yaml in the working directory.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if cfg.Store.Driver == "postgres" && cfg.Database.URL == "" {
		return nil, fmt.Errorf("config validation failed: database.url is required for the postgres store")
	}

	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper) {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "conductor"
	}

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("store.driver", "postgres")

	v.SetDefault("worker.id", hostname)
	v.SetDefault("worker.queues", []string{"default"})
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.lease_ttl", 30*time.Second)
	v.SetDefault("worker.refresh_interval", 10*time.Second)
	v.SetDefault("worker.shutdown_timeout", 30*time.Second)

	v.SetDefault("sweeper.expiry_schedule", "@every 30s")
	v.SetDefault("sweeper.retry_schedule", "@every 5s")
	v.SetDefault("sweeper.lock_schedule", "@every 1m")
	v.SetDefault("sweeper.reclaim_schedule", "@every 30s")
	v.SetDefault("sweeper.retention_schedule", "@daily")
	v.SetDefault("sweeper.retention", 30*24*time.Hour)

	v.SetDefault("tasks.known_types", []string{"sync_articles", "download_media", "send_notification"})
	v.SetDefault("tasks.default_max_retries", 3)
	v.SetDefault("tasks.default_queue", "default")
	v.SetDefault("tasks.default_priority", 0)
}
