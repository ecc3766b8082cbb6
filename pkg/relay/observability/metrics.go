package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records relay engine metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordAdmission records an event entering the delivery queue.
	RecordAdmission(ctx context.Context, eventType string, destinations int)

	// RecordDelivery records a delivery attempt against a destination
	// with its batch size, duration, and error status.
	RecordDelivery(ctx context.Context, destination string, batchSize int, duration time.Duration, err error)

	// RecordBacklog records the pending backlog observed for a destination.
	RecordBacklog(ctx context.Context, destination string, pending int64)

	// RecordCacheLookup records a route cache lookup outcome
	// ("hit", "miss", or "expired").
	RecordCacheLookup(ctx context.Context, outcome string)

	// RecordRouteRefresh records a route discovery attempt.
	RecordRouteRefresh(ctx context.Context, reason string, err error)

	// RecordSweep records rows removed by a retention sweep.
	RecordSweep(ctx context.Context, table string, deleted int64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	admissions      metric.Int64Counter
	deliveries      metric.Int64Counter
	deliveryErrors  metric.Int64Counter
	deliveryLatency metric.Float64Histogram
	batchSize       metric.Int64Histogram
	backlog         metric.Int64Gauge
	cacheLookups    metric.Int64Counter
	routeRefreshes  metric.Int64Counter
	sweepDeleted    metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("meshrelay")

	admissions, err := meter.Int64Counter("meshrelay.queue.admissions",
		metric.WithDescription("Number of events admitted to the delivery queue"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter("meshrelay.delivery.attempts",
		metric.WithDescription("Number of delivery attempts"),
	)
	if err != nil {
		return nil, err
	}

	deliveryErrors, err := meter.Int64Counter("meshrelay.delivery.errors",
		metric.WithDescription("Number of failed delivery attempts"),
	)
	if err != nil {
		return nil, err
	}

	deliveryLatency, err := meter.Float64Histogram("meshrelay.delivery.latency_ms",
		metric.WithDescription("Delivery attempt latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	batchSize, err := meter.Int64Histogram("meshrelay.delivery.batch_size",
		metric.WithDescription("Events per delivery attempt"),
	)
	if err != nil {
		return nil, err
	}

	backlog, err := meter.Int64Gauge("meshrelay.queue.backlog",
		metric.WithDescription("Pending events per destination"),
	)
	if err != nil {
		return nil, err
	}

	cacheLookups, err := meter.Int64Counter("meshrelay.routes.lookups",
		metric.WithDescription("Route cache lookups by outcome"),
	)
	if err != nil {
		return nil, err
	}

	routeRefreshes, err := meter.Int64Counter("meshrelay.routes.refreshes",
		metric.WithDescription("Route discovery attempts"),
	)
	if err != nil {
		return nil, err
	}

	sweepDeleted, err := meter.Int64Counter("meshrelay.sweep.deleted",
		metric.WithDescription("Rows removed by retention sweeps"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		admissions:      admissions,
		deliveries:      deliveries,
		deliveryErrors:  deliveryErrors,
		deliveryLatency: deliveryLatency,
		batchSize:       batchSize,
		backlog:         backlog,
		cacheLookups:    cacheLookups,
		routeRefreshes:  routeRefreshes,
		sweepDeleted:    sweepDeleted,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordAdmission records an admitted event.
func (m *otelMetrics) RecordAdmission(ctx context.Context, eventType string, destinations int) {
	m.admissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Int("destinations", destinations),
	))
}

// RecordDelivery records a delivery attempt.
func (m *otelMetrics) RecordDelivery(ctx context.Context, destination string, batchSize int, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("destination", destination),
	}

	m.deliveries.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.deliveryLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	m.batchSize.Record(ctx, int64(batchSize), metric.WithAttributes(attrs...))

	if err != nil {
		m.deliveryErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordBacklog records the pending backlog for a destination.
func (m *otelMetrics) RecordBacklog(ctx context.Context, destination string, pending int64) {
	m.backlog.Record(ctx, pending, metric.WithAttributes(
		attribute.String("destination", destination),
	))
}

// RecordCacheLookup records a route cache lookup.
func (m *otelMetrics) RecordCacheLookup(ctx context.Context, outcome string) {
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordRouteRefresh records a route discovery attempt.
func (m *otelMetrics) RecordRouteRefresh(ctx context.Context, reason string, err error) {
	m.routeRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.Bool("success", err == nil),
	))
}

// RecordSweep records a retention sweep.
func (m *otelMetrics) RecordSweep(ctx context.Context, table string, deleted int64) {
	m.sweepDeleted.Add(ctx, deleted, metric.WithAttributes(
		attribute.String("table", table),
	))
}
