package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled to avoid overhead.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

// RecordAdmission does nothing.
func (NoopMetrics) RecordAdmission(_ context.Context, _ string, _ int) {}

// RecordDelivery does nothing.
func (NoopMetrics) RecordDelivery(_ context.Context, _ string, _ int, _ time.Duration, _ error) {}

// RecordBacklog does nothing.
func (NoopMetrics) RecordBacklog(_ context.Context, _ string, _ int64) {}

// RecordCacheLookup does nothing.
func (NoopMetrics) RecordCacheLookup(_ context.Context, _ string) {}

// RecordRouteRefresh does nothing.
func (NoopMetrics) RecordRouteRefresh(_ context.Context, _ string, _ error) {}

// RecordSweep does nothing.
func (NoopMetrics) RecordSweep(_ context.Context, _ string, _ int64) {}

// NoopSpanManager is a SpanManager that does nothing.
// Use when tracing is disabled to avoid overhead.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

// noopSpan is a span that does nothing.
// We use the OTel noop package for a proper no-op span implementation.
var noopSpan = noop.Span{}

// StartDeliverySpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartDeliverySpan(ctx context.Context, _ string, _ int) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartAdmissionSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartAdmissionSpan(ctx context.Context, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(_ context.Context, _ string, _ ...attribute.KeyValue) {}
