// Package config provides configuration management for cmdq.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Concurrency bounds accepted by the execution coordinator.
const (
	MinConcurrency = 1
	MaxConcurrency = 10
)

// Config holds all configuration sections for cmdq.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds

	// AllowedOrigins lists browser origins allowed to call the API and open
	// streams. Empty refuses every cross-origin browser request.
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

// DatabaseConfig selects where the status ledger is persisted.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // memory, sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	DSN      string `mapstructure:"dsn"`    // postgres connection string
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig controls OTLP span export. An empty endpoint defers to
// OTEL_EXPORTER_OTLP_ENDPOINT.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sampleRatio"`
}

// ExecutionConfig controls the command coordinator.
type ExecutionConfig struct {
	MaxConcurrency           int    `mapstructure:"maxConcurrency"`
	CancelGracePeriodSeconds int    `mapstructure:"cancelGracePeriodSeconds"`
	KindsFile                string `mapstructure:"kindsFile"`       // optional YAML overriding the built-in kind catalog
	PruneAfterHours          int    `mapstructure:"pruneAfterHours"` // 0 disables pruning of finished records
	QueueLimit               int    `mapstructure:"queueLimit"`      // 0 means unbounded
	RetryLimit               int    `mapstructure:"retryLimit"`      // extra attempts for failed commands submitted with retry
	RetryDelaySeconds        int    `mapstructure:"retryDelaySeconds"`
	AllowOverrides           bool   `mapstructure:"allowOverrides"` // accept executable/env overrides on submit
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CancelGracePeriod returns the SIGTERM -> SIGKILL grace period.
func (e *ExecutionConfig) CancelGracePeriod() time.Duration {
	return time.Duration(e.CancelGracePeriodSeconds) * time.Second
}

// RetryDelay returns the pause between retry attempts.
func (e *ExecutionConfig) RetryDelay() time.Duration {
	return time.Duration(e.RetryDelaySeconds) * time.Second
}

// PruneAfter returns how long finished records are retained, or 0 when pruning is off.
func (e *ExecutionConfig) PruneAfter() time.Duration {
	return time.Duration(e.PruneAfterHours) * time.Hour
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CMDQ_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.allowedOrigins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./cmdq.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	// Empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "cmdq")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("execution.maxConcurrency", 3)
	v.SetDefault("execution.cancelGracePeriodSeconds", 5)
	v.SetDefault("execution.kindsFile", "")
	v.SetDefault("execution.pruneAfterHours", 24)
	v.SetDefault("execution.queueLimit", 0)
	v.SetDefault("execution.retryLimit", 2)
	v.SetDefault("execution.retryDelaySeconds", 5)
	v.SetDefault("execution.allowOverrides", false)

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sampleRatio", 1.0)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CMDQ_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/cmdq/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CMDQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("server.allowedOrigins", "CMDQ_SERVER_ALLOWED_ORIGINS")
	_ = v.BindEnv("execution.allowOverrides", "CMDQ_EXECUTION_ALLOW_OVERRIDES")
	_ = v.BindEnv("execution.maxConcurrency", "CMDQ_EXECUTION_MAX_CONCURRENCY")
	_ = v.BindEnv("execution.cancelGracePeriodSeconds", "CMDQ_EXECUTION_CANCEL_GRACE_PERIOD_SECONDS")
	_ = v.BindEnv("execution.kindsFile", "CMDQ_EXECUTION_KINDS_FILE")
	_ = v.BindEnv("execution.pruneAfterHours", "CMDQ_EXECUTION_PRUNE_AFTER_HOURS")
	_ = v.BindEnv("execution.queueLimit", "CMDQ_EXECUTION_QUEUE_LIMIT")
	_ = v.BindEnv("execution.retryLimit", "CMDQ_EXECUTION_RETRY_LIMIT")
	_ = v.BindEnv("execution.retryDelaySeconds", "CMDQ_EXECUTION_RETRY_DELAY_SECONDS")
	_ = v.BindEnv("tracing.sampleRatio", "CMDQ_TRACING_SAMPLE_RATIO")
	_ = v.BindEnv("database.driver", "CMDQ_DB_DRIVER")
	_ = v.BindEnv("database.path", "CMDQ_DB_PATH")
	_ = v.BindEnv("database.dsn", "CMDQ_DB_DSN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cmdq/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "memory":
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required when database.driver is sqlite")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required when database.driver is postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (memory, sqlite, postgres)", cfg.Database.Driver))
	}

	if cfg.Execution.MaxConcurrency < MinConcurrency || cfg.Execution.MaxConcurrency > MaxConcurrency {
		errs = append(errs, fmt.Sprintf("execution.maxConcurrency must be between %d and %d", MinConcurrency, MaxConcurrency))
	}
	if cfg.Execution.CancelGracePeriodSeconds <= 0 {
		errs = append(errs, "execution.cancelGracePeriodSeconds must be positive")
	}
	if cfg.Execution.PruneAfterHours < 0 {
		errs = append(errs, "execution.pruneAfterHours must not be negative")
	}
	if cfg.Execution.QueueLimit < 0 || cfg.Execution.RetryLimit < 0 || cfg.Execution.RetryDelaySeconds < 0 {
		errs = append(errs, "execution.queueLimit, retryLimit and retryDelaySeconds must not be negative")
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, "tracing.sampleRatio must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
