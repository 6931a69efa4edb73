package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation scope names used by the services.
const (
	ScopeRateLimit = "adaptive-auth/ratelimit"
	ScopeThreat    = "adaptive-auth/threat"
	ScopeTrust     = "adaptive-auth/trust"
	ScopeIncident  = "adaptive-auth/incident"
	ScopeHTTP      = "adaptive-auth/http"
)

// StartServiceSpan starts an internal span named "<service>.<operation>".
func StartServiceSpan(ctx context.Context, scope, service, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("service.name", service),
		attribute.String("service.operation", operation),
	)
	return otel.Tracer(scope).Start(ctx, fmt.Sprintf("%s.%s", service, operation),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// StartHTTPSpan starts a server span for an inbound request.
func StartHTTPSpan(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return otel.Tracer(ScopeHTTP).Start(ctx, fmt.Sprintf("%s %s", method, path),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.target", path),
		),
	)
}

// StartMessagingSpan starts a producer span for an outbound message.
func StartMessagingSpan(ctx context.Context, system, destination string) (context.Context, trace.Span) {
	return otel.Tracer(ScopeIncident).Start(ctx, fmt.Sprintf("%s publish %s", system, destination),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", system),
			attribute.String("messaging.destination", destination),
		),
	)
}

// WithSpanError records err on span and marks it failed
func WithSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
