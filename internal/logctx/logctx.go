package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey     contextKey = "logger"
	downloadIDKey contextKey = "download_id"
)

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

// WithDownloadID tags the context with the composite id of the download being worked on.
// TraceHandler adds it to every record logged with this context.
func WithDownloadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, downloadIDKey, id)
}

// DownloadIDFromContext returns the download id stored in ctx, or "".
func DownloadIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(downloadIDKey).(string); ok {
		return id
	}

	return ""
}
