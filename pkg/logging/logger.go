// Package logging configures structured logging for the collector using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	var output io.Writer = cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: cfg.Output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Per-attempt request flow (sanitized target, attempt number)
//   - Pagination cursors and stop-condition evaluation
//   - Batch group boundaries
//
// Info: Normal operation events
//   - Collection run started/finished
//   - App-usage state updates (healthy)
//   - Daemon startup/shutdown
//
// Warn: Conditions that don't prevent operation
//   - Retry attempts and throttling
//   - Batch group failures (siblings continue)
//   - Optional metric groups unavailable
//
// Error: Conditions requiring attention
//   - Requests failed after retries
//   - Metadata fetch failures (run aborts)
//   - Supervisor-recovered panics
//
// Context Fields:
//   - endpoint: Graph API path with credentials stripped
//   - page_id: target page identifier
//   - attempt: request attempt number
//   - error_class: classification (transport, rate_limit, auth, permission, unsupported, transient, data_shape)
//   - call_usage_pct: app-level usage percentage from X-App-Usage
//   - group: batch group index
