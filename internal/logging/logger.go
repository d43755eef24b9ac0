// Package logging builds Eventhub's structured zerolog logger.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the logger.
type Options struct {
	Level  string // debug|info|warn|error
	Format string // json|pretty
}

// New creates a structured logger. JSON output is the default, intended for
// Loki-style log aggregation; pretty output is for local development.
func New(opts Options) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if opts.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "eventhub").
		Logger()
}

// WithPanicRecovery logs a recovered panic with a stack trace. Used at
// worker-pool and connection-goroutine boundaries, which must never let a
// panic in one client's handling bring down the process.
func WithPanicRecovery(logger zerolog.Logger, panicValue any, msg string, fields map[string]any) {
	event := logger.Error().
		Interface("panic_value", panicValue).
		Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}
