package logger

import (
	"context"
	"log/slog"
)

type contextKey string

const loggerKey contextKey = "lib-slogger"

// AddToContext returns a copy of ctx carrying logger, retrievable via FromContext.
func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored in ctx, or slog.Default() if none was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithConnection scopes log to a single connection attempt, tagging every
// line it produces with the connection's id and its owning supervisor's
// description. Callers add the result to a context with AddToContext so
// everything downstream of a connection generator call logs pre-scoped.
func WithConnection(log *slog.Logger, connectionID, description string) *slog.Logger {
	return log.With("connection_id", connectionID, "description", description)
}
