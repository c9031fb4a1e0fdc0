// Package logger provides structured logging infrastructure for the application.
// This is part of the platform layer and contains no business logic.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Context key types for storing values in context
type contextKey string

const (
	// RunIDKey is the context key for a batch run ID
	RunIDKey contextKey = "run_id"
	// TaskIDKey is the context key for the scheduler task ID
	TaskIDKey contextKey = "task_id"
)

// Logger wraps slog.Logger for structured logging
type Logger struct {
	*slog.Logger
}

// New creates a new logger based on environment
func New(env string) *Logger {
	return NewWithWriter(env, os.Stdout)
}

// NewWithWriter creates a logger writing to w. Development environments get
// human readable text output at debug level, everything else JSON at info.
func NewWithWriter(env string, w io.Writer) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if strings.EqualFold(env, "development") {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// Nop returns a logger that discards everything. Useful in tests.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithContext returns a logger with context values extracted.
// Supports run_id and task_id from context.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}

	newLogger := l

	if runID, ok := ctx.Value(RunIDKey).(string); ok && runID != "" {
		newLogger = newLogger.WithRunID(runID)
	}

	if taskID, ok := ctx.Value(TaskIDKey).(string); ok && taskID != "" {
		newLogger = &Logger{
			Logger: newLogger.With(slog.String("task_id", taskID)),
		}
	}

	return newLogger
}

// WithRunID returns a logger with run ID
func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("run_id", runID)),
	}
}

// DatabaseError logs database errors
func (l *Logger) DatabaseError(operation string, err error) {
	l.Error("database_error",
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}

// RuleSkipped logs a segmentation rule that could not be evaluated and was
// treated as non-matching.
func (l *Logger) RuleSkipped(field, operator, reason string) {
	l.Debug("rule_skipped",
		slog.String("field", field),
		slog.String("operator", operator),
		slog.String("reason", reason),
	)
}

// BatchRun logs the summary of a finished batch run.
func (l *Logger) BatchRun(kind, status string, processed, succeeded, failed, skipped int, durationMs float64) {
	level := slog.LevelInfo
	if failed > 0 {
		level = slog.LevelWarn
	}
	l.Log(context.Background(), level, "batch_run",
		slog.String("kind", kind),
		slog.String("status", status),
		slog.Int("processed", processed),
		slog.Int("succeeded", succeeded),
		slog.Int("failed", failed),
		slog.Int("skipped", skipped),
		slog.Float64("duration_ms", durationMs),
	)
}
