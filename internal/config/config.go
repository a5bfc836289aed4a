// Package config provides configuration loading for traderd.
package config

import (
	"fmt"
	"time"
)

// Config is the full daemon configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
	Workflow WorkflowConfig `koanf:"workflow"`
	Memory   MemoryConfig   `koanf:"memory"`
	Feed     FeedConfig     `koanf:"feed"`
	RunLog   RunLogConfig   `koanf:"runlog"`
}

// ServerConfig controls the HTTP surface (metrics endpoint).
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig controls log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// WorkflowConfig controls retry, backoff, and timeout behavior of the
// analysis pipeline.
type WorkflowConfig struct {
	MaxRetries    int           `koanf:"max_retries"`
	BaseDelay     time.Duration `koanf:"base_delay"`
	MaxDelay      time.Duration `koanf:"max_delay"`
	BackoffFactor float64       `koanf:"backoff_factor"`
	StageTimeout  time.Duration `koanf:"stage_timeout"`
	RunTimeout    time.Duration `koanf:"run_timeout"`
	MaxConcurrent int           `koanf:"max_concurrent"`
}

// MemoryConfig controls the bounded event memory.
type MemoryConfig struct {
	TokenBudget      int           `koanf:"token_budget"`
	Retention        time.Duration `koanf:"retention"`
	SnapshotPath     string        `koanf:"snapshot_path"`
	SnapshotInterval time.Duration `koanf:"snapshot_interval"`
}

// FeedConfig controls the NATS market event subscription.
type FeedConfig struct {
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

// RunLogConfig controls run record persistence. When DSN is set, records go
// to PostgreSQL; otherwise to JSONL files under Dir.
type RunLogConfig struct {
	Dir string `koanf:"dir"`
	DSN string `koanf:"dsn"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Workflow.MaxRetries == 0 {
		cfg.Workflow.MaxRetries = 3
	}
	if cfg.Workflow.BaseDelay == 0 {
		cfg.Workflow.BaseDelay = 500 * time.Millisecond
	}
	if cfg.Workflow.MaxDelay == 0 {
		cfg.Workflow.MaxDelay = 30 * time.Second
	}
	if cfg.Workflow.BackoffFactor == 0 {
		cfg.Workflow.BackoffFactor = 2.0
	}
	if cfg.Workflow.StageTimeout == 0 {
		cfg.Workflow.StageTimeout = 30 * time.Second
	}
	if cfg.Workflow.RunTimeout == 0 {
		cfg.Workflow.RunTimeout = 5 * time.Minute
	}
	if cfg.Workflow.MaxConcurrent == 0 {
		cfg.Workflow.MaxConcurrent = 8
	}

	if cfg.Memory.TokenBudget == 0 {
		cfg.Memory.TokenBudget = 8192
	}
	if cfg.Memory.Retention == 0 {
		cfg.Memory.Retention = 72 * time.Hour
	}
	if cfg.Memory.SnapshotPath == "" {
		cfg.Memory.SnapshotPath = "data/memory.json"
	}
	if cfg.Memory.SnapshotInterval == 0 {
		cfg.Memory.SnapshotInterval = 5 * time.Minute
	}

	if cfg.Feed.URL == "" {
		cfg.Feed.URL = "nats://localhost:4222"
	}
	if cfg.Feed.Subject == "" {
		cfg.Feed.Subject = "market.events"
	}

	if cfg.RunLog.Dir == "" {
		cfg.RunLog.Dir = "data/runs"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("log format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Workflow.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if c.Workflow.BackoffFactor < 1 {
		return fmt.Errorf("backoff_factor must be >= 1, got %g", c.Workflow.BackoffFactor)
	}
	if c.Workflow.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be >= 1, got %d", c.Workflow.MaxConcurrent)
	}
	if c.Memory.TokenBudget <= 0 {
		return fmt.Errorf("memory token_budget must be > 0, got %d", c.Memory.TokenBudget)
	}
	if c.Memory.Retention <= 0 {
		return fmt.Errorf("memory retention must be > 0")
	}
	return nil
}
