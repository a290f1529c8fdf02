// Package logging configures lingerd's structured logger: zerolog with
// Loki-compatible JSON output.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects level and output shape.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text, pretty
}

// New creates a structured logger: JSON by default (Loki-compatible),
// switching to a human-readable console writer when Format is "pretty".
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "lingerd").
		Logger()
}

// Init installs logger as the package-level zerolog/log default, for code
// paths (third-party libraries, early startup) that log through it directly.
func Init(logger zerolog.Logger) {
	log.Logger = logger
}

// RecoverGoroutine is a deferred panic recovery helper for background
// goroutines (the Kafka ingestion bridge's consume loop): logs the panic
// with a stack trace and lets
// the goroutine exit instead of taking the process down.
func RecoverGoroutine(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}
