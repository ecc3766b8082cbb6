// Package discover caches expensive multi-hop route discoveries and
// keeps a configured set of priority targets fresh.
//
// Cache entries are keyed by (source, target, channel) and carry a TTL.
// Priority-tier entries get a shorter horizon: at most half the
// standard horizon, and never more than the fixed priority ceiling.
package discover

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/meshrelay/pkg/relay/config"
	"github.com/randalmurphal/meshrelay/pkg/relay/observability"
	"github.com/randalmurphal/meshrelay/pkg/relay/store"
)

// PriorityCeiling is the hard upper bound on a priority entry's expiry
// horizon, regardless of configured durations.
const PriorityCeiling = 6 * time.Hour

// AgeUnknown is returned by Age when no entry exists for the key. It
// compares greater than any real staleness threshold.
const AgeUnknown = time.Duration(math.MaxInt64)

// Stats are cumulative cache lookup counters.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Expired uint64 `json:"expired"`
}

// Cache is the TTL route cache over the durable store.
type Cache struct {
	store           store.Store
	standardHorizon time.Duration
	priorityBase    time.Duration
	logger          *slog.Logger
	metrics         observability.MetricsRecorder

	hits    atomic.Uint64
	misses  atomic.Uint64
	expired atomic.Uint64
}

// NewCache creates a route cache using the engine's configured
// horizons. Non-positive horizons fall back to defaults.
func NewCache(st store.Store, engine config.EngineConfig, logger *slog.Logger, metrics observability.MetricsRecorder) *Cache {
	standard := engine.CacheHorizon
	if standard <= 0 {
		standard = config.DefaultCacheHorizon
	}
	priority := engine.PriorityCacheHorizon
	if priority <= 0 {
		priority = config.DefaultPriorityCacheHorizon
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Cache{
		store:           st,
		standardHorizon: standard,
		priorityBase:    priority,
		logger:          logger,
		metrics:         metrics,
	}
}

// priorityHorizon is the effective expiry horizon for priority
// entries: the configured base, but never more than half the standard
// horizon and never more than the ceiling.
func (c *Cache) priorityHorizon() time.Duration {
	h := c.priorityBase
	if half := c.standardHorizon / 2; half < h {
		h = half
	}
	if h > PriorityCeiling {
		h = PriorityCeiling
	}
	return h
}

// Lookup returns the entry for the key triple if one exists and is
// unexpired. A hit refreshes the entry's last-used timestamp but never
// its expiry.
func (c *Cache) Lookup(ctx context.Context, source, target, channel string) (store.RouteEntry, bool) {
	entry, err := c.store.Route(source, target, channel)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) && c.logger != nil {
			c.logger.Warn("route lookup failed",
				slog.String("target", target),
				slog.String("error", err.Error()),
			)
		}
		c.misses.Add(1)
		c.metrics.RecordCacheLookup(ctx, "miss")
		return store.RouteEntry{}, false
	}

	now := time.Now().UTC()
	if !now.Before(entry.ExpiresAt) {
		c.expired.Add(1)
		c.metrics.RecordCacheLookup(ctx, "expired")
		return store.RouteEntry{}, false
	}

	if err := c.store.TouchRoute(source, target, channel, now); err != nil && c.logger != nil {
		c.logger.Warn("route touch failed",
			slog.String("target", target),
			slog.String("error", err.Error()),
		)
	}
	entry.LastUsed = now

	c.hits.Add(1)
	c.metrics.RecordCacheLookup(ctx, "hit")
	return entry, true
}

// Store inserts or replaces the entry for its key triple, computing
// the expiry from the tier horizon. Zero discovered-at and last-used
// timestamps are stamped with now.
func (c *Cache) Store(ctx context.Context, entry store.RouteEntry, isPriority bool) error {
	now := time.Now().UTC()

	horizon := c.standardHorizon
	if isPriority {
		horizon = c.priorityHorizon()
	}

	if entry.DiscoveredAt.IsZero() {
		entry.DiscoveredAt = now
	}
	if entry.LastUsed.IsZero() {
		entry.LastUsed = now
	}
	entry.ExpiresAt = now.Add(horizon)

	if err := c.store.PutRoute(entry); err != nil {
		return err
	}
	return nil
}

// ExpireSweep deletes every entry whose expiry has passed. Run
// opportunistically rather than on a delivery cadence.
func (c *Cache) ExpireSweep(ctx context.Context) (int, error) {
	deleted, err := c.store.DeleteExpiredRoutes(time.Now().UTC())
	if err != nil {
		return 0, err
	}
	observability.LogSweep(c.logger, "routes", deleted)
	c.metrics.RecordSweep(ctx, "routes", int64(deleted))
	return deleted, nil
}

// Age returns how long ago the entry for the key triple was last
// used, or AgeUnknown if no entry exists. Expired entries still report
// a real age; staleness checks care about recency, not validity.
func (c *Cache) Age(source, target, channel string) time.Duration {
	entry, err := c.store.Route(source, target, channel)
	if err != nil {
		return AgeUnknown
	}
	return time.Since(entry.LastUsed)
}

// Stats returns a snapshot of the lookup counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Expired: c.expired.Load(),
	}
}
