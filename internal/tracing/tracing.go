// Package tracing wraps OpenTelemetry span creation for the Turn
// Orchestrator and Tool Executor: one span per turn, one per tool call,
// exported via OTLP/gRPC when OTEL_EXPORTER_OTLP_ENDPOINT is configured
// and a no-op tracer otherwise. Grounded on
// internal/observability/tracing.go's NewTracer/Start/RecordError shape,
// trimmed of the teacher's channel/webhook attribute helpers this system
// has no use for.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures NewTracer.
type Config struct {
	ServiceName string
	Endpoint    string
	Insecure    bool
}

// Tracer wraps an otel.Tracer scoped to the configured service name.
type Tracer struct {
	tracer trace.Tracer
}

// New builds a Tracer. When cfg.Endpoint is empty it returns a no-op
// tracer and a shutdown func that does nothing, so the orchestrator and
// tool executor can unconditionally call Start/End without a nil check.
func New(cfg Config) (*Tracer, func(context.Context) error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "agentrund"
	}
	if cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(serviceName)}, func(context.Context) error { return nil }
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(serviceName)}, func(context.Context) error { return nil }
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return &Tracer{tracer: provider.Tracer(serviceName)}, provider.Shutdown
}

// Start opens a span named name, tagged with the given sessionId/runId
// attributes shared by every span this system emits.
func (t *Tracer) Start(ctx context.Context, name, sessionID, runID string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("run_id", runID),
	))
}

// End closes span, recording err on it (if non-nil) before doing so.
func End(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
