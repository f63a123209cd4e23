// Package logging configures structured zerolog output for the listing resolver.
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
	// The tool server speaks on stdout, so logs never go there.
	Output io.Writer

	// Service is attached to every line when set.
	Service string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:   LevelInfo,
		Pretty:  false,
		Output:  os.Stderr,
		Service: "listing-resolver",
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(string(cfg.Level)))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	logger := ctx.Logger()

	log.Logger = logger

	return logger
}

// ParseLevel converts a level name to a zerolog.Level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// NewLogger creates a child of the global logger tagged with a component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// OrDefault dereferences logger, falling back to a component logger when it
// is nil. Library constructors use it so callers may leave the logger unset.
func OrDefault(logger *zerolog.Logger, component string) zerolog.Logger {
	if logger == nil {
		return NewLogger(component)
	}
	return *logger
}

// Log Level Guidelines:
//
// Debug: cache hit/miss, tier skipped (not configured, breaker open),
// extraction details, fallback step attempts.
//
// Info: resolution served by a provider, breaker state transitions,
// cache load/flush summaries, server startup/shutdown.
//
// Warn: provider failures (upstream, timeout, extraction), fallback level
// failures, cache persistence errors (the cache keeps serving from memory).
//
// Error: all tiers exhausted, every fallback level failed, configuration
// errors, recovered panics.
//
// Context Fields:
//   - provider: provider name (etsy-api, serper, perplexity, brave)
//   - keyword: normalized query
//   - source: source of a resolved value
//   - error_class: upstream, timeout, extraction, not_configured, circuit_open
//   - operation / fallback_level: fallback chain name and level
//     ("level" is the severity key and is never used as a field)
//   - duration, ttl
