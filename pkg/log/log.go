package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Components derive children from
// it so every line carries its correlation fields; nothing in the engine
// logs through zerolog's own global.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Config holds logging configuration.
type Config struct {
	Level      string
	JSONOutput bool
	Output     io.Writer
}

// Init configures the root logger. Unknown level strings fall back to
// info rather than erroring: a worker with a typo'd log level must still
// come up and deliver.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(output).Level(level).With().
		Timestamp().
		Str("service", "spinforge").
		Logger()
}

// WithComponent derives a child logger for a long-lived component
// (planner, router, ledger, reconciler, admin).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithWorkerID derives a delivery worker's logger. Parallel worker
// instances write to the same sink; the worker identity is what tells
// their interleaved cycles apart.
func WithWorkerID(workerID string) zerolog.Logger {
	return Logger.With().
		Str("component", "worker").
		Str("worker_id", workerID).
		Logger()
}

// Task derives the per-execution logger for one claimed task: every line
// of the claim/execute/retire chain carries the order, the task, and the
// attempt it belongs to.
func Task(base zerolog.Logger, orderID, taskID string, attempt int) zerolog.Logger {
	return base.With().
		Str("order_id", orderID).
		Str("task_id", taskID).
		Int("attempt", attempt).
		Logger()
}
