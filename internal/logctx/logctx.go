package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const loggerKey contextKey = "logger"

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WithDownload returns a context whose logger is pre-tagged with the
// download's identity, so every log line along one admission pass correlates.
func WithDownload(ctx context.Context, id uint32, guid string) context.Context {
	logger := LoggerFromContext(ctx).With("download_id", id, "guid", guid)

	return WithLogger(ctx, logger)
}
