// Package logger provides the shared slog setup and context propagation
// helpers used across the service.
package logger

import (
	"context"
	"log/slog"
	"os"
)

type ctxKey struct{}

// New creates the process logger: JSON output on stdout.
func New(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

// AddToContext returns a context carrying the logger, so request-scoped
// fields survive across package boundaries.
func AddToContext(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext returns the logger stored in the context, or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return log
	}
	return slog.Default()
}
