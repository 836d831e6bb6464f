package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "log output must be valid JSON")

	return entry
}

func TestTraceHandler_NoSpanContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "chunk written", "bytes", 512)

	entry := decodeRecord(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
	assert.NotContains(t, entry, "download_id")
	assert.Equal(t, "chunk written", entry["msg"])
	assert.EqualValues(t, 512, entry["bytes"])
}

func TestTraceHandler_WithValidSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	logger.InfoContext(ctx, "session started")

	entry := decodeRecord(t, &buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
}

func TestTraceHandler_DownloadID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithDownloadID(context.Background(), "http:42")
	logger.WarnContext(ctx, "server ignored range")

	entry := decodeRecord(t, &buf)
	assert.Equal(t, "http:42", entry["download_id"])
}

func TestTraceHandler_Enabled(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(nil, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()

	assert.False(t, h.Enabled(ctx, slog.LevelInfo))
	assert.True(t, h.Enabled(ctx, slog.LevelWarn))
	assert.True(t, h.Enabled(ctx, slog.LevelError))
}

func TestTraceHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	h := NewTraceHandler(slog.NewJSONHandler(&buf, nil))

	withAttrs := h.WithAttrs([]slog.Attr{slog.String("provider", "http")})
	_, ok := withAttrs.(*TraceHandler)
	require.True(t, ok, "WithAttrs should return *TraceHandler, got %T", withAttrs)

	withGroup := withAttrs.WithGroup("download")
	_, ok = withGroup.(*TraceHandler)
	require.True(t, ok, "WithGroup should return *TraceHandler, got %T", withGroup)

	slog.New(withGroup).InfoContext(WithDownloadID(context.Background(), "http:1"), "done", "size", 10)

	entry := decodeRecord(t, &buf)
	assert.Equal(t, "http", entry["provider"])
	assert.Contains(t, entry, "download")
}

func TestTraceHandler_NilHandler(t *testing.T) {
	assert.Panics(t, func() { NewTraceHandler(nil) })
}

func TestLoggerFromContext_Default(t *testing.T) {
	assert.Same(t, slog.Default(), LoggerFromContext(context.Background()))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, logger, LoggerFromContext(WithLogger(context.Background(), logger)))
}
