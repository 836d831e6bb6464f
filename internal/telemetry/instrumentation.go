package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attributes must stay bounded. Download ids, URIs, file names and
// error messages belong in logs or span status, never in attributes.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation instruments a generic operation with telemetry.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)
	duration := time.Since(start)

	t.RecordDBOperation(operation, statusOf(err), duration)

	return err
}

// InstrumentProviderOperation instruments a call into a provider.
func (t *Telemetry) InstrumentProviderOperation(ctx context.Context, provider, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "provider_"+operation, "provider", func(ctx context.Context) error {
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.String("provider.name", provider),
			attribute.String("provider.operation", operation),
		)

		return fn(ctx)
	})

	t.RecordProviderOperation(provider, operation, statusOf(err))

	return err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
