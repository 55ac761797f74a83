package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database"`
	Store    StoreConfig    `mapstructure:"store" validate:"required"`
	Worker   WorkerConfig   `mapstructure:"worker" validate:"required"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper" validate:"required"`
	Tasks    TasksConfig    `mapstructure:"tasks" validate:"required"`
	Retry    RetryConfig    `mapstructure:"retry"`
}

// ServerConfig contains the ops HTTP server and logging settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" validate:"omitempty,url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=postgres memory"`
}

// WorkerConfig controls the worker runtime.
type WorkerConfig struct {
	// ID identifies this process in lease holder tokens and execution logs.
	ID              string        `mapstructure:"id" validate:"required"`
	Queues          []string      `mapstructure:"queues" validate:"required,min=1,dive,required"`
	Count           int           `mapstructure:"count" validate:"gte=1,lte=256"`
	PollInterval    time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize       int           `mapstructure:"batch_size" validate:"gte=1"`
	LeaseTTL        time.Duration `mapstructure:"lease_ttl" validate:"gt=0"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval" validate:"gt=0,ltfield=LeaseTTL"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// SweeperConfig holds cron schedules for the periodic maintenance jobs.
type SweeperConfig struct {
	ExpirySchedule    string        `mapstructure:"expiry_schedule" validate:"required"`
	RetrySchedule     string        `mapstructure:"retry_schedule" validate:"required"`
	LockSchedule      string        `mapstructure:"lock_schedule" validate:"required"`
	ReclaimSchedule   string        `mapstructure:"reclaim_schedule" validate:"required"`
	RetentionSchedule string        `mapstructure:"retention_schedule" validate:"required"`
	Retention         time.Duration `mapstructure:"retention" validate:"gt=0"`
}

// TasksConfig contains submission defaults and the set of accepted task types.
type TasksConfig struct {
	KnownTypes        []string `mapstructure:"known_types" validate:"required,min=1,dive,required"`
	DefaultMaxRetries int      `mapstructure:"default_max_retries" validate:"gte=0"`
	DefaultQueue      string   `mapstructure:"default_queue" validate:"required"`
	DefaultPriority   int      `mapstructure:"default_priority"`
}

// RetryConfig overrides the built-in retry policies per failure category.
type RetryConfig struct {
	Policies map[string]RetryPolicyConfig `mapstructure:"policies" validate:"dive"`
}

// RetryPolicyConfig overrides one category's policy. Unset fields keep the
// built-in value.
type RetryPolicyConfig struct {
	Recoverable *bool         `mapstructure:"recoverable"`
	MaxRetries  *int          `mapstructure:"max_retries" validate:"omitempty,gte=0"`
	Strategy    string        `mapstructure:"strategy" validate:"omitempty,oneof=exponential linear fixed"`
	BaseDelay   time.Duration `mapstructure:"base_delay" validate:"gte=0"`
	MaxDelay    time.Duration `mapstructure:"max_delay" validate:"gte=0"`
}
