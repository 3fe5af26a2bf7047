package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	// Set log level
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child of base carrying a component field. Every
// background loop (reconciler, waitlist director, task dispatcher) derives
// its own logger this way from core.Context.Logger rather than reaching for
// the package-global Logger, so per-replica log configuration and test
// doubles (e.g. zerolog.Nop()) apply uniformly.
func WithComponent(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// WithServerUUID returns a child of base carrying a server_uuid field.
func WithServerUUID(base zerolog.Logger, serverUUID string) zerolog.Logger {
	return base.With().Str("server_uuid", serverUUID).Logger()
}

// WithTicketUUID returns a child of base carrying a ticket_uuid field.
func WithTicketUUID(base zerolog.Logger, ticketUUID string) zerolog.Logger {
	return base.With().Str("ticket_uuid", ticketUUID).Logger()
}

// WithTaskID returns a child of base carrying a task_id field.
func WithTaskID(base zerolog.Logger, taskID string) zerolog.Logger {
	return base.With().Str("task_id", taskID).Logger()
}
