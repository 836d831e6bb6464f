package telemetry

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/italolelis/downloadhub/internal/logctx"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"

	// RequestIDHeader carries the request id in both directions.
	RequestIDHeader = "X-Request-ID"
)

// RequestID reuses an upstream X-Request-ID or generates one, echoes it on the
// response and attaches it to the context logger.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, requestID)

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		logger := logctx.LoggerFromContext(ctx).With("request_id", requestID)
		ctx = logctx.WithLogger(ctx, logger)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request_id from context.
// Returns empty string if not found.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}

	return ""
}
