package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/randalmurphal/meshrelay/pkg/relay/config"
	relayerrors "github.com/randalmurphal/meshrelay/pkg/relay/errors"
	"github.com/randalmurphal/meshrelay/pkg/relay/store"
)

// routeRetry bounds inline retries for one route report. A report is a
// full snapshot with no per-event bookkeeping, so repeating it is safe.
var routeRetry = relayerrors.RetryConfig{
	MaxAttempts:    2,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
	// A rejected credential will not pass on an immediate retry;
	// leave it for the next cycle.
	RetryableFunc: func(err error) bool {
		return relayerrors.Categorize(err) == relayerrors.CategoryTransient
	},
}

// RouteReporter periodically ships unexpired discovered paths to every
// enabled destination. It runs on its own, lower-frequency cadence and
// does not touch delivery health: a failed route report is logged and
// retried whole next cycle.
type RouteReporter struct {
	registry *config.Registry
	store    store.Store
	client   *Client
	interval time.Duration
	logger   *slog.Logger
}

// NewRouteReporter creates a route reporter. A non-positive interval
// falls back to the default.
func NewRouteReporter(registry *config.Registry, st store.Store, client *Client, interval time.Duration, logger *slog.Logger) *RouteReporter {
	if interval <= 0 {
		interval = config.DefaultRouteReportInterval
	}
	return &RouteReporter{
		registry: registry,
		store:    st,
		client:   client,
		interval: interval,
		logger:   logger,
	}
}

// Run loops until the context is cancelled.
func (r *RouteReporter) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(r.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		r.ReportOnce(ctx)
	}
}

// ReportOnce sends the current unexpired route set to every enabled
// destination. Per-destination failures are logged and do not stop the
// remaining sends.
func (r *RouteReporter) ReportOnce(ctx context.Context) {
	routes, err := r.store.UnexpiredRoutes(time.Now().UTC())
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("route report read failed",
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if len(routes) == 0 {
		return
	}

	for _, dest := range r.registry.Enabled() {
		result := relayerrors.WithRetryContext(ctx, routeRetry, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, r.client.SendRoutes(ctx, dest, routes)
		})
		if result.Err != nil {
			if r.logger != nil {
				r.logger.Warn("route report failed",
					slog.String("destination", dest.Name),
					slog.Int("attempts", result.Attempts),
					slog.String("error", result.Err.Error()),
				)
			}
			continue
		}
		if r.logger != nil {
			r.logger.Debug("routes reported",
				slog.String("destination", dest.Name),
				slog.Int("routes", len(routes)),
			)
		}
	}
}
