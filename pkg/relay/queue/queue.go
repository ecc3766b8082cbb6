// Package queue implements the durable delivery queue: admission fans
// an event out into one delivery record per selected destination, and
// per-destination scheduler tasks consume pending records on their own
// cadence.
//
// The destination set for an event is fixed at admission. Later
// registry changes affect only events admitted after the change.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/randalmurphal/meshrelay/pkg/relay/classify"
	"github.com/randalmurphal/meshrelay/pkg/relay/config"
	relayerrors "github.com/randalmurphal/meshrelay/pkg/relay/errors"
	"github.com/randalmurphal/meshrelay/pkg/relay/observability"
	"github.com/randalmurphal/meshrelay/pkg/relay/store"
	"github.com/randalmurphal/meshrelay/pkg/relay/telemetry"
)

// Queue is the delivery queue over a durable store.
type Queue struct {
	store    store.Store
	registry *config.Registry
	engine   config.EngineConfig
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
}

// New creates a delivery queue. Nil metrics or span managers are
// replaced with no-op ones.
func New(st store.Store, registry *config.Registry, engine config.EngineConfig, logger *slog.Logger, metrics observability.MetricsRecorder, spans observability.SpanManager) *Queue {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	if spans == nil {
		spans = observability.NoopSpanManager{}
	}
	return &Queue{
		store:    st,
		registry: registry,
		engine:   engine,
		logger:   logger,
		metrics:  metrics,
		spans:    spans,
	}
}

// Admit classifies an event against the registry and persists it with
// one delivery record per selected destination. Returns the selected
// destination names. An event no enabled destination wants is dropped
// without touching the store; this is not an error.
//
// The node-status table is updated from the event as a side effect
// even when the event itself is dropped, so node visibility does not
// depend on destination filters.
func (q *Queue) Admit(ctx context.Context, evt telemetry.Event) ([]string, error) {
	spanCtx, span := q.spans.StartAdmissionSpan(ctx, evt.Type)
	destinations, err := q.admit(spanCtx, evt)
	q.spans.EndSpanWithError(span, err)
	return destinations, err
}

func (q *Queue) admit(ctx context.Context, evt telemetry.Event) ([]string, error) {
	if evt.ID == "" || evt.Origin == "" {
		err := &relayerrors.AdmissionError{Reason: "event missing id or origin"}
		observability.LogAdmissionRejected(q.logger, err)
		return nil, err
	}

	q.observeNode(evt)

	decisions := classify.Classify(evt, q.registry)
	destinations := classify.Selected(decisions)
	if len(destinations) == 0 {
		return nil, nil
	}

	if err := q.store.AdmitEvent(evt, destinations); err != nil {
		storageErr := &relayerrors.StorageError{Op: "admit", Err: err}
		observability.LogDeliveryGap(q.logger, evt.ID, evt.Type, destinations, storageErr)
		return nil, storageErr
	}

	observability.LogAdmission(q.logger, evt.ID, evt.Type, destinations)
	q.metrics.RecordAdmission(ctx, evt.Type, len(destinations))
	return destinations, nil
}

// observeNode folds the event's origin sighting into the node table.
// Best effort: a node write failure never blocks admission.
func (q *Queue) observeNode(evt telemetry.Event) {
	status := telemetry.Observation(evt)
	if status.NodeID == "" {
		return
	}
	if err := q.store.UpsertNode(status); err != nil && q.logger != nil {
		q.logger.Warn("node status update failed",
			slog.String("node_id", status.NodeID),
			slog.String("error", err.Error()),
		)
	}
}

// Pending returns up to limit undelivered events for a destination,
// oldest first. Events whose retry count reached the destination's
// budget are excluded.
func (q *Queue) Pending(destination string, limit int) ([]telemetry.Event, error) {
	if limit <= 0 {
		limit = q.batchLimit()
	}

	events, err := q.store.PendingEvents(destination, q.destMaxRetries(destination), limit)
	if err != nil {
		return nil, &relayerrors.StorageError{Op: "pending", Err: err}
	}
	return events, nil
}

// MarkSent records a successful delivery of the given events to one
// destination. Safe to call more than once for the same ids.
func (q *Queue) MarkSent(eventIDs []string, destination string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	if err := q.store.MarkSent(eventIDs, destination, time.Now().UTC()); err != nil {
		return &relayerrors.StorageError{Op: "mark sent", Err: err}
	}
	return nil
}

// RecordAttempt bumps the retry count for the given events against one
// destination after a failed delivery attempt.
func (q *Queue) RecordAttempt(eventIDs []string, destination string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	if err := q.store.RecordAttempt(eventIDs, destination, time.Now().UTC()); err != nil {
		return &relayerrors.StorageError{Op: "record attempt", Err: err}
	}
	return nil
}

// PendingCount reports the backlog for a destination under its retry
// budget, and records it as a metric.
func (q *Queue) PendingCount(ctx context.Context, destination string) (int, error) {
	count, err := q.store.PendingCount(destination, q.destMaxRetries(destination))
	if err != nil {
		return 0, &relayerrors.StorageError{Op: "pending count", Err: err}
	}
	q.metrics.RecordBacklog(ctx, destination, int64(count))
	return count, nil
}

// Status returns the delivery record for one event and destination.
func (q *Queue) Status(eventID, destination string) (store.DeliveryStatus, error) {
	status, err := q.store.DeliveryStatus(eventID, destination)
	if err != nil {
		return store.DeliveryStatus{}, err
	}
	return status, nil
}

// Sweep removes events past the event-retention horizon and node
// sightings past the node-retention horizon. Delivery status is
// dropped with its event regardless of whether it was ever sent.
func (q *Queue) Sweep(ctx context.Context) error {
	now := time.Now().UTC()

	deleted, err := q.store.SweepEvents(now.Add(-q.engine.EventRetention))
	if err != nil {
		return &relayerrors.StorageError{Op: "sweep events", Err: err}
	}
	observability.LogSweep(q.logger, "events", deleted)
	q.metrics.RecordSweep(ctx, "events", int64(deleted))

	deleted, err = q.store.SweepNodes(now.Add(-q.engine.NodeRetention))
	if err != nil {
		return &relayerrors.StorageError{Op: "sweep nodes", Err: err}
	}
	observability.LogSweep(q.logger, "nodes", deleted)
	q.metrics.RecordSweep(ctx, "nodes", int64(deleted))

	return nil
}

// Nodes returns node sightings newer than the given window, for
// inclusion in delivery payloads.
func (q *Queue) Nodes(window time.Duration) ([]telemetry.NodeStatus, error) {
	statuses, err := q.store.Nodes(time.Now().UTC().Add(-window))
	if err != nil {
		return nil, &relayerrors.StorageError{Op: "nodes", Err: err}
	}
	return statuses, nil
}

func (q *Queue) destMaxRetries(destination string) int {
	if dest, ok := q.registry.Destination(destination); ok {
		return dest.MaxRetries
	}
	return config.DefaultMaxRetries
}

func (q *Queue) batchLimit() int {
	if q.engine.BatchLimit > 0 {
		return q.engine.BatchLimit
	}
	return config.DefaultBatchLimit
}
