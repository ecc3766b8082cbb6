package discover

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/meshrelay/pkg/relay/config"
	"github.com/randalmurphal/meshrelay/pkg/relay/observability"
)

// Monitor refresh thresholds. The staleness threshold sits below the
// standard cache horizon so a priority route is refreshed before it
// can expire; the proactive interval is shorter still so priority
// targets stay warm even when never queried.
const (
	StalenessThreshold = 6 * time.Hour
	ProactiveInterval  = 2 * time.Hour
	SeenTrigger        = 4 * time.Hour
)

// RefreshStats are cumulative refresh outcome counters.
type RefreshStats struct {
	Total          uint64 `json:"total"`
	Succeeded      uint64 `json:"succeeded"`
	Failed         uint64 `json:"failed"`
	Proactive      uint64 `json:"proactive"`
	StaleTriggered uint64 `json:"stale_triggered"`
	SeenTriggered  uint64 `json:"seen_triggered"`
	Forced         uint64 `json:"forced"`
}

// Monitor keeps cache entries for a configured set of priority targets
// fresh. Each cycle runs two independent passes: a staleness pass over
// targets whose cache age exceeds the threshold, and a proactive pass
// re-discovering each target on a fixed per-target wall-clock interval
// regardless of cache state.
type Monitor struct {
	cache      *Cache
	discoverer Discoverer
	source     string
	targets    map[string]bool
	interval   time.Duration
	logger     *slog.Logger
	metrics    observability.MetricsRecorder

	mu            sync.Mutex
	lastProactive map[string]time.Time
	stats         RefreshStats
}

// NewMonitor creates a priority monitor. The target set and check
// interval come from the engine config; an empty target set produces a
// monitor whose Run returns immediately.
func NewMonitor(cache *Cache, discoverer Discoverer, engine config.EngineConfig, logger *slog.Logger, metrics observability.MetricsRecorder) *Monitor {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	interval := engine.PriorityCheckInterval
	if interval <= 0 {
		interval = config.DefaultPriorityCheckInterval
	}
	targets := make(map[string]bool, len(engine.PriorityTargets))
	for _, target := range engine.PriorityTargets {
		targets[target] = true
	}
	return &Monitor{
		cache:         cache,
		discoverer:    discoverer,
		source:        engine.AgentID,
		targets:       targets,
		interval:      interval,
		logger:        logger,
		metrics:       metrics,
		lastProactive: make(map[string]time.Time),
	}
}

// Run loops on the check interval until the context is cancelled.
// With no priority targets configured it returns immediately.
func (m *Monitor) Run(ctx context.Context) {
	if len(m.targets) == 0 {
		if m.logger != nil {
			m.logger.Info("no priority targets configured, monitor will not run")
		}
		return
	}

	for {
		m.Cycle(ctx)

		timer := time.NewTimer(m.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Cycle executes one monitoring cycle: the staleness pass, then the
// proactive pass. A discovery failure is counted and logged but never
// halts the cycle or affects other targets.
func (m *Monitor) Cycle(ctx context.Context) {
	m.stalenessPass(ctx)
	m.proactivePass(ctx)
	m.cache.ExpireSweep(ctx)
}

func (m *Monitor) stalenessPass(ctx context.Context) {
	for target := range m.targets {
		if m.cache.Age(m.source, target, m.discoverer.Name()) <= StalenessThreshold {
			continue
		}
		m.refresh(ctx, target, "stale")
	}
}

func (m *Monitor) proactivePass(ctx context.Context) {
	now := time.Now()
	for target := range m.targets {
		m.mu.Lock()
		last := m.lastProactive[target]
		m.mu.Unlock()

		if now.Sub(last) <= ProactiveInterval {
			continue
		}
		m.refresh(ctx, target, "proactive")

		// The attempt time is tracked whether or not it succeeded, so
		// a dead target is not re-traced every cycle.
		m.mu.Lock()
		m.lastProactive[target] = now
		m.mu.Unlock()
	}
}

// ForceRefresh triggers an immediate refresh of one priority target.
// Returns an error for targets outside the priority set.
func (m *Monitor) ForceRefresh(ctx context.Context, target string) error {
	if !m.targets[target] {
		return fmt.Errorf("node %s is not a priority target", target)
	}

	err := m.refresh(ctx, target, "forced")

	m.mu.Lock()
	m.lastProactive[target] = time.Now()
	m.mu.Unlock()
	return err
}

// TargetSeen is the reactive hook: called when traffic from a priority
// target is observed. If the target's cached route is older than the
// seen-trigger threshold, a refresh is started; otherwise it is a
// no-op. Non-priority nodes are ignored.
func (m *Monitor) TargetSeen(ctx context.Context, target string) {
	if !m.targets[target] {
		return
	}
	if m.cache.Age(m.source, target, m.discoverer.Name()) <= SeenTrigger {
		return
	}
	m.refresh(ctx, target, "seen")
}

// refresh performs one discovery for target and stores the result as a
// priority entry.
func (m *Monitor) refresh(ctx context.Context, target, reason string) error {
	entry, err := m.discoverer.Discover(ctx, m.source, target)

	m.mu.Lock()
	m.stats.Total++
	switch reason {
	case "stale":
		m.stats.StaleTriggered++
	case "proactive":
		m.stats.Proactive++
	case "seen":
		m.stats.SeenTriggered++
	case "forced":
		m.stats.Forced++
	}
	if err != nil {
		m.stats.Failed++
	} else {
		m.stats.Succeeded++
	}
	m.mu.Unlock()

	m.metrics.RecordRouteRefresh(ctx, reason, err)
	observability.LogRouteRefresh(m.logger, target, reason, err)
	if err != nil {
		return err
	}

	entry.Source = m.source
	entry.Target = target
	entry.Destination = m.discoverer.Name()
	if err := m.cache.Store(ctx, entry, true); err != nil {
		if m.logger != nil {
			m.logger.Warn("route cache store failed",
				slog.String("target", target),
				slog.String("error", err.Error()),
			)
		}
		return err
	}
	return nil
}

// Stats returns a snapshot of the refresh counters.
func (m *Monitor) Stats() RefreshStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Targets returns the configured priority target set.
func (m *Monitor) Targets() []string {
	targets := make([]string, 0, len(m.targets))
	for target := range m.targets {
		targets = append(targets, target)
	}
	return targets
}
