// Package config loads lingerd's server configuration from environment
// variables, with an optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every knob lingerd needs at startup.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr          string `env:"LINGERD_ADDR" envDefault:":3002"`
	KafkaBrokers  string `env:"KAFKA_BROKERS" envDefault:"localhost:19092"`
	KafkaTopics   string `env:"KAFKA_INGEST_TOPICS" envDefault:""`
	ConsumerGroup string `env:"KAFKA_CONSUMER_GROUP" envDefault:"lingerd-ingest-group"`

	// Resource limits (from container)
	CPULimit    float64 `env:"LINGERD_CPU_LIMIT" envDefault:"1.0"`
	MemoryLimit int64   `env:"LINGERD_MEMORY_LIMIT" envDefault:"536870912"` // 512MB

	// Capacity
	MaxInflightRequests int `env:"LINGERD_MAX_INFLIGHT_REQUESTS" envDefault:"2000"`

	// Rate limiting
	MaxKafkaRate   int `env:"LINGERD_MAX_KAFKA_RATE" envDefault:"1000"`
	MaxPublishRate int `env:"LINGERD_MAX_PUBLISH_RATE" envDefault:"500"`
	MaxGoroutines  int `env:"LINGERD_MAX_GOROUTINES" envDefault:"2000"`

	// CPU safety thresholds (container-aware): relative to container CPU
	// allocation when running under cgroups, host CPU percentage otherwise.
	CPURejectThreshold float64 `env:"LINGERD_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"LINGERD_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`

	// Defaults applied to add_message/add_subscription when the caller
	// doesn't specify a value.
	DefaultTimeout time.Duration `env:"LINGERD_DEFAULT_TIMEOUT" envDefault:"30s"`
	ExecutorQueue  int           `env:"LINGERD_EXECUTOR_QUEUE" envDefault:"4096"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (if present) and the
// environment. Priority: env vars > .env file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("LINGERD_ADDR is required")
	}
	if c.MaxInflightRequests < 1 {
		return fmt.Errorf("LINGERD_MAX_INFLIGHT_REQUESTS must be > 0, got %d", c.MaxInflightRequests)
	}
	if c.ExecutorQueue < 1 {
		return fmt.Errorf("LINGERD_EXECUTOR_QUEUE must be > 0, got %d", c.ExecutorQueue)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("LINGERD_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("LINGERD_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("LINGERD_CPU_PAUSE_THRESHOLD (%.1f) must be >= LINGERD_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogFields logs the loaded configuration via structured logging.
func (c *Config) LogFields(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("kafka_brokers", c.KafkaBrokers).
		Str("consumer_group", c.ConsumerGroup).
		Float64("cpu_limit", c.CPULimit).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Int("max_inflight_requests", c.MaxInflightRequests).
		Int("max_kafka_rate", c.MaxKafkaRate).
		Int("max_publish_rate", c.MaxPublishRate).
		Int("max_goroutines", c.MaxGoroutines).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Dur("default_timeout", c.DefaultTimeout).
		Int("executor_queue", c.ExecutorQueue).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("lingerd configuration loaded")
}
