// Package observability provides production-grade observability features
// for the relay engine: structured logging, metrics, and distributed tracing.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds delivery context to a logger.
// Returns a new logger with agent_id, destination, and attempt fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "agent-001", "primary", 1)
//	enriched.Info("sending batch") // includes agent_id, destination, attempt
func EnrichLogger(logger *slog.Logger, agentID, destination string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("agent_id", agentID),
		slog.String("destination", destination),
		slog.Int("attempt", attempt),
	)
}

// LogAdmission logs an event admitted to the delivery queue.
func LogAdmission(logger *slog.Logger, eventID, eventType string, destinations []string) {
	if logger == nil {
		return
	}
	logger.Debug("event admitted",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.Int("destinations", len(destinations)),
	)
}

// LogAdmissionRejected logs an event the queue refused.
func LogAdmissionRejected(logger *slog.Logger, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event rejected",
		slog.String("error", err.Error()),
	)
}

// LogDeliverySuccess logs a batch delivered to a destination.
func LogDeliverySuccess(logger *slog.Logger, destination string, batchSize int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("batch delivered",
		slog.String("destination", destination),
		slog.Int("batch_size", batchSize),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogDeliveryGap logs an event lost at admission: the store write
// failed after classification, so no destination will ever see it.
func LogDeliveryGap(logger *slog.Logger, eventID, eventType string, destinations []string, err error) {
	if logger == nil {
		return
	}
	logger.Error("event lost before delivery",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.Any("destinations", destinations),
		slog.String("error", err.Error()),
	)
}

// LogDeliveryError logs a delivery failure.
func LogDeliveryError(logger *slog.Logger, destination string, batchSize int, err error) {
	if logger == nil {
		return
	}
	logger.Error("batch delivery failed",
		slog.String("destination", destination),
		slog.Int("batch_size", batchSize),
		slog.String("error", err.Error()),
	)
}

// LogHealthTransition logs a destination changing health state.
func LogHealthTransition(logger *slog.Logger, destination string, healthy bool, consecutiveFailures int) {
	if logger == nil {
		return
	}
	if healthy {
		logger.Info("destination recovered",
			slog.String("destination", destination),
		)
		return
	}
	logger.Warn("destination unhealthy",
		slog.String("destination", destination),
		slog.Int("consecutive_failures", consecutiveFailures),
	)
}

// LogSweep logs a retention sweep.
func LogSweep(logger *slog.Logger, table string, deleted int) {
	if logger == nil {
		return
	}
	logger.Debug("retention sweep",
		slog.String("table", table),
		slog.Int("deleted", deleted),
	)
}

// LogRouteRefresh logs a route discovery attempt.
func LogRouteRefresh(logger *slog.Logger, target, reason string, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Warn("route refresh failed",
			slog.String("target", target),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Debug("route refreshed",
		slog.String("target", target),
		slog.String("reason", reason),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
