package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/randalmurphal/meshrelay/pkg/relay/config"
	relayerrors "github.com/randalmurphal/meshrelay/pkg/relay/errors"
	"github.com/randalmurphal/meshrelay/pkg/relay/health"
	"github.com/randalmurphal/meshrelay/pkg/relay/observability"
	"github.com/randalmurphal/meshrelay/pkg/relay/queue"
	"github.com/randalmurphal/meshrelay/pkg/relay/telemetry"
)

// nodeStatusWindow bounds how far back node sightings are included in
// each delivery payload.
const nodeStatusWindow = 24 * time.Hour

// Scheduler drives delivery for exactly one destination. It owns all
// writes to that destination's delivery records and health state, so
// schedulers never contend with each other.
type Scheduler struct {
	name     string
	registry *config.Registry
	queue    *queue.Queue
	health   *health.Tracker
	client   *Client
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
}

// NewScheduler creates a scheduler for one destination. Nil metrics
// and span managers are replaced with no-op implementations.
func NewScheduler(name string, registry *config.Registry, q *queue.Queue, tracker *health.Tracker, client *Client, logger *slog.Logger, metrics observability.MetricsRecorder, spans observability.SpanManager) *Scheduler {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	if spans == nil {
		spans = observability.NoopSpanManager{}
	}
	return &Scheduler{
		name:     name,
		registry: registry,
		queue:    q,
		health:   tracker,
		client:   client,
		logger:   logger,
		metrics:  metrics,
		spans:    spans,
	}
}

// Name returns the destination this scheduler serves.
func (s *Scheduler) Name() string {
	return s.name
}

// Run loops on the destination's cadence until the context is
// cancelled. The destination config is re-read from the registry each
// cycle so an atomic registry replace takes effect without restarting
// the scheduler.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		interval := config.DefaultReportInterval
		if dest, ok := s.registry.Destination(s.name); ok {
			if dest.ReportInterval > 0 {
				interval = dest.ReportInterval
			}
			if dest.Enabled {
				s.DeliverPending(ctx)
			}
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// DeliverPending performs one delivery cycle: pull pending events,
// attempt one batched request, and record the outcome. Returns the
// delivery error, or nil if the cycle succeeded or had nothing to do.
//
// A failed attempt bumps each included event's retry count, so events
// age out of candidacy per-event while destination-wide health gates
// whole cycles.
func (s *Scheduler) DeliverPending(ctx context.Context) error {
	dest, ok := s.registry.Destination(s.name)
	if !ok {
		return nil
	}

	if !s.health.ShouldAttempt(s.name) {
		return nil
	}

	events, err := s.queue.Pending(s.name, 0)
	if err != nil {
		observability.LogDeliveryError(s.logger, s.name, 0, err)
		return err
	}
	if len(events) == 0 {
		return nil
	}

	nodes, err := s.queue.Nodes(nodeStatusWindow)
	if err != nil {
		// Deliver the batch without node status rather than stall it.
		if s.logger != nil {
			s.logger.Warn("node status read failed",
				slog.String("destination", s.name),
				slog.String("error", err.Error()),
			)
		}
		nodes = nil
	}

	spanCtx, span := s.spans.StartDeliverySpan(ctx, s.name, len(events))
	done := observability.TimedOperation()
	sendErr := s.client.SendData(spanCtx, dest, events, nodes)
	durationMs := done()
	s.spans.EndSpanWithError(span, sendErr)
	s.metrics.RecordDelivery(ctx, s.name, len(events), time.Duration(durationMs)*time.Millisecond, sendErr)

	if sendErr == nil {
		ids := eventIDs(events)
		if err := s.queue.MarkSent(ids, s.name); err != nil {
			// The endpoint accepted the batch; a bookkeeping failure
			// here means these events may be re-sent next cycle.
			observability.LogDeliveryError(s.logger, s.name, len(events), err)
			return err
		}
		s.health.RecordSuccess(s.name)
		observability.LogDeliverySuccess(s.logger, s.name, len(events), durationMs)
		return nil
	}

	if relayerrors.IsAuth(sendErr) && s.logger != nil {
		s.logger.Error("destination rejected credentials",
			slog.String("destination", s.name),
		)
	}

	observability.LogDeliveryError(s.logger, s.name, len(events), sendErr)
	s.health.RecordFailure(s.name)
	if err := s.queue.RecordAttempt(eventIDs(events), s.name); err != nil {
		observability.LogDeliveryError(s.logger, s.name, len(events), err)
	}
	return sendErr
}

func eventIDs(events []telemetry.Event) []string {
	ids := make([]string, len(events))
	for i, evt := range events {
		ids[i] = evt.ID
	}
	return ids
}
