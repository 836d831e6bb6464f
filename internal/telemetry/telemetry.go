package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
// A nil *Telemetry is valid and records nothing.
type Telemetry struct {
	meterProvider  metric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Business Metrics
	downloadTransitions     metric.Int64Counter
	downloadsActive         metric.Int64Gauge
	downloadRate            metric.Float64Gauge
	bytesReceived           metric.Int64Counter
	scratchRestarts         metric.Int64Counter
	providerOperationsTotal metric.Int64Counter
	providerErrors          metric.Int64Counter
	dbOperationsTotal       metric.Int64Counter
	dbOperationDuration     metric.Float64Histogram
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint, when set, additionally pushes metrics to an OTLP gRPC collector.
	OTLPEndpoint string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithReader(exporter), sdkmetric.WithResource(res)}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)

	otel.SetMeterProvider(meterProvider)

	// Spans are not exported; they give log lines trace and span ids.
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tracerProvider)

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
		exporter:       exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("downloadhub")
	}

	return t.tracer
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	if t.httpRequestsTotal != nil {
		t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	}

	if t.httpRequestDuration != nil {
		t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordStateTransition counts a download entering state on the given provider.
func (t *Telemetry) RecordStateTransition(ctx context.Context, provider, state string) {
	if t != nil && t.downloadTransitions != nil {
		t.downloadTransitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("state", state),
		))
	}
}

// RecordStats records the aggregated registry stats.
func (t *Telemetry) RecordStats(ctx context.Context, active int, downloadRate float64) {
	if t == nil {
		return
	}

	if t.downloadsActive != nil {
		t.downloadsActive.Record(ctx, int64(active))
	}

	if t.downloadRate != nil {
		t.downloadRate.Record(ctx, downloadRate)
	}
}

// RecordBytesReceived counts payload bytes appended to disk.
func (t *Telemetry) RecordBytesReceived(ctx context.Context, provider string, n int64) {
	if t != nil && t.bytesReceived != nil {
		t.bytesReceived.Add(ctx, n, metric.WithAttributes(attribute.String("provider", provider)))
	}
}

// RecordScratchRestart counts a transfer restarted from offset zero because the server refused to resume.
func (t *Telemetry) RecordScratchRestart(ctx context.Context, reason string) {
	if t != nil && t.scratchRestarts != nil {
		t.scratchRestarts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordProviderOperation records provider operation metrics.
func (t *Telemetry) RecordProviderOperation(provider, operation, status string) {
	if t == nil {
		return
	}

	if t.providerOperationsTotal != nil {
		t.providerOperationsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("operation", operation),
				attribute.String("status", status),
			),
		)
	}

	if status == "error" && t.providerErrors != nil {
		t.providerErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("operation", operation),
			),
		)
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	if t.dbOperationsTotal != nil {
		t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	}

	if t.dbOperationDuration != nil {
		t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error

	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}

	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		errs = append(errs, mp.Shutdown(ctx))
	}

	return errors.Join(errs...)
}

func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeREDMetrics(); err != nil {
		return err
	}

	return t.initializeBusinessMetrics()
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeBusinessMetrics() error {
	var err error

	t.downloadTransitions, err = t.meter.Int64Counter(
		"download_state_transitions_total",
		metric.WithDescription("Number of download state transitions by provider and target state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_state_transitions_total counter: %w", err)
	}

	t.downloadsActive, err = t.meter.Int64Gauge(
		"downloads_active",
		metric.WithDescription("Number of downloads not paused, failed or complete"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create downloads_active gauge: %w", err)
	}

	t.downloadRate, err = t.meter.Float64Gauge(
		"download_rate_bytes_per_second",
		metric.WithDescription("Aggregated download throughput"),
		metric.WithUnit("By/s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_rate gauge: %w", err)
	}

	t.bytesReceived, err = t.meter.Int64Counter(
		"download_bytes_received_total",
		metric.WithDescription("Payload bytes appended to destination files"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_bytes_received_total counter: %w", err)
	}

	t.scratchRestarts, err = t.meter.Int64Counter(
		"download_scratch_restarts_total",
		metric.WithDescription("Transfers restarted from offset zero after a refused resume"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_scratch_restarts_total counter: %w", err)
	}

	t.providerOperationsTotal, err = t.meter.Int64Counter(
		"provider_operations_total",
		metric.WithDescription("Total number of provider operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create provider_operations_total counter: %w", err)
	}

	t.providerErrors, err = t.meter.Int64Counter(
		"provider_errors_total",
		metric.WithDescription("Total number of provider errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create provider_errors counter: %w", err)
	}

	t.dbOperationsTotal, err = t.meter.Int64Counter(
		"db_operations_total",
		metric.WithDescription("Total number of database operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operations_total counter: %w", err)
	}

	t.dbOperationDuration, err = t.meter.Float64Histogram(
		"db_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operation_duration histogram: %w", err)
	}

	return nil
}
