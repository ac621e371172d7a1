// Package log provides structured logging for Lexis using zerolog. It
// wraps the library with component-specific child loggers (shard id, node
// id, operation id) so every subsystem log line carries enough context to
// correlate across the cluster without threading a logger through every
// call.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Level represents a log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
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

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger tagged with the owning subsystem,
// e.g. "trie", "merge", "quadtree", "lockmanager", "statemachine".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithShard creates a child logger tagged with a data shard id.
func WithShard(shardID string) zerolog.Logger {
	return Logger.With().Str("shard_id", shardID).Logger()
}

// WithNode creates a child logger tagged with a cluster node id.
func WithNode(nodeID string) zerolog.Logger {
	return Logger.With().Str("node_id", nodeID).Logger()
}

// WithOperation creates a child logger tagged with a cluster operation id
// (spec.md §4.7's node-id + monotonic-counter operation identifiers).
func WithOperation(opID string) zerolog.Logger {
	return Logger.With().Str("operation_id", opID).Logger()
}

// Info logs a message at info level on the global logger.
func Info(msg string) { Logger.Info().Msg(msg) }

// Debug logs a message at debug level on the global logger.
func Debug(msg string) { Logger.Debug().Msg(msg) }

// Warn logs a message at warn level on the global logger.
func Warn(msg string) { Logger.Warn().Msg(msg) }

// Error logs a message at error level on the global logger.
func Error(msg string) { Logger.Error().Msg(msg) }

// Errorf logs an error with a message on the global logger.
func Errorf(msg string, err error) { Logger.Error().Err(err).Msg(msg) }

// Fatal logs a message at fatal level and terminates the process. Per
// spec.md §7, reserved for schema corruption and out-of-memory-during-
// serialization class failures, after flushing logs.
func Fatal(msg string) { Logger.Fatal().Msg(msg) }
