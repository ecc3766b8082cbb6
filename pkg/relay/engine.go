package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/meshrelay/pkg/relay/config"
	"github.com/randalmurphal/meshrelay/pkg/relay/discover"
	"github.com/randalmurphal/meshrelay/pkg/relay/dispatch"
	"github.com/randalmurphal/meshrelay/pkg/relay/health"
	"github.com/randalmurphal/meshrelay/pkg/relay/queue"
	"github.com/randalmurphal/meshrelay/pkg/relay/store"
	"github.com/randalmurphal/meshrelay/pkg/relay/task"
	"github.com/randalmurphal/meshrelay/pkg/relay/telemetry"
)

// ErrMonitorDisabled is returned by ForceRefresh when the engine was
// built without a discoverer or without priority targets.
var ErrMonitorDisabled = errors.New("relay: priority monitoring disabled")

// Engine is the assembled delivery engine. Construct with New or
// FromConfig, then Start to launch the background loops and Stop to
// drain them.
type Engine struct {
	engine    config.EngineConfig
	registry  *config.Registry
	store     store.Store
	ownsStore bool

	queue    *queue.Queue
	health   *health.Tracker
	client   *dispatch.Client
	cache    *discover.Cache
	monitor  *discover.Monitor
	reporter *dispatch.RouteReporter

	logger     *slog.Logger
	supervisor *task.Supervisor

	mu      sync.Mutex
	started bool
}

// New assembles an engine from parsed configuration. The destination
// map must not be empty and the engine config needs an agent id.
func New(engineCfg config.EngineConfig, destinations map[string]config.DestinationConfig, opts ...Option) (*Engine, error) {
	if engineCfg.AgentID == "" {
		return nil, fmt.Errorf("relay: engine config missing agent id")
	}
	if len(destinations) == 0 {
		return nil, fmt.Errorf("relay: no destinations configured")
	}

	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.err != nil {
		return nil, fmt.Errorf("relay: %w", cfg.err)
	}

	registry := config.NewRegistry(destinations)
	client := dispatch.NewClient(engineCfg, cfg.httpClient)
	q := queue.New(cfg.store, registry, engineCfg, cfg.logger, cfg.metrics, cfg.spans)
	tracker := health.NewTracker(cfg.store, registry, cfg.logger)
	cache := discover.NewCache(cfg.store, engineCfg, cfg.logger, cfg.metrics)

	e := &Engine{
		engine:     engineCfg,
		registry:   registry,
		store:      cfg.store,
		ownsStore:  cfg.ownsStore,
		queue:      q,
		health:     tracker,
		client:     client,
		cache:      cache,
		reporter:   dispatch.NewRouteReporter(registry, cfg.store, client, engineCfg.RouteReportInterval, cfg.logger),
		logger:     cfg.logger,
		supervisor: task.NewSupervisor(cfg.logger),
	}

	if cfg.discoverer != nil && len(engineCfg.PriorityTargets) > 0 {
		e.monitor = discover.NewMonitor(cache, cfg.discoverer, engineCfg, cfg.logger, cfg.metrics)
	}

	for name := range registry.Destinations() {
		sched := dispatch.NewScheduler(name, registry, q, tracker, client, cfg.logger, cfg.metrics, cfg.spans)
		if err := e.supervisor.Add(sched); err != nil {
			return nil, err
		}
	}
	if err := e.supervisor.AddFunc("route-reporter", e.reporter.Run); err != nil {
		return nil, err
	}
	if err := e.supervisor.AddFunc("retention-sweeper", e.sweepLoop); err != nil {
		return nil, err
	}
	if e.monitor != nil {
		if err := e.supervisor.AddFunc("priority-monitor", e.monitor.Run); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// FromConfig parses the "agent" and "destinations" sections of a
// loaded Config and assembles an engine.
func FromConfig(cfg config.Config, opts ...Option) (*Engine, error) {
	engineCfg, err := config.ParseEngine(cfg)
	if err != nil {
		return nil, err
	}
	destinations, err := config.ParseDestinations(cfg)
	if err != nil {
		return nil, err
	}
	return New(engineCfg, destinations, opts...)
}

// Start launches every background loop: one delivery scheduler per
// destination, the route reporter, the retention sweeper, and the
// priority monitor when one is configured. Start is one-shot.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return task.ErrAlreadyStarted
	}
	if err := e.supervisor.Start(ctx); err != nil {
		return err
	}
	e.started = true
	if e.logger != nil {
		e.logger.Info("engine started",
			slog.String("agent_id", e.engine.AgentID),
			slog.Int("destinations", len(e.registry.Destinations())),
		)
	}
	return nil
}

// Stop drains the background loops, then closes the store if the
// engine owns it. Producers stop before storage goes away.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()

	var errs []error
	if started {
		if err := e.supervisor.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if e.ownsStore {
		if err := e.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ingest decodes one raw sensor frame, normalizes it, and admits the
// event. Returns the destinations the event was queued for; an event
// no destination accepts is dropped and returns an empty list. Frames
// from a priority target also nudge the route monitor.
func (e *Engine) Ingest(ctx context.Context, data []byte) ([]string, error) {
	frame, err := telemetry.DecodeFrame(data)
	if err != nil {
		return nil, err
	}
	evt, err := telemetry.Normalize(frame)
	if err != nil {
		return nil, err
	}
	destinations, err := e.queue.Admit(ctx, evt)
	if err != nil {
		return nil, err
	}
	if e.monitor != nil {
		e.monitor.TargetSeen(ctx, evt.Origin)
	}
	return destinations, nil
}

// Admit queues an already-normalized event, bypassing frame decoding.
func (e *Engine) Admit(ctx context.Context, evt telemetry.Event) ([]string, error) {
	return e.queue.Admit(ctx, evt)
}

// DeliverNow runs one immediate delivery cycle for the named
// destination, outside its cadence.
func (e *Engine) DeliverNow(ctx context.Context, destination string) error {
	sched := dispatch.NewScheduler(destination, e.registry, e.queue, e.health, e.client, e.logger, nil, nil)
	return sched.DeliverPending(ctx)
}

// ForceRefresh triggers an immediate route refresh for one priority
// target.
func (e *Engine) ForceRefresh(ctx context.Context, target string) error {
	if e.monitor == nil {
		return ErrMonitorDisabled
	}
	return e.monitor.ForceRefresh(ctx, target)
}

// ResetHealth clears the failure count for one destination so the
// scheduler resumes attempts on its next cycle.
func (e *Engine) ResetHealth(destination string) {
	e.health.Reset(destination)
}

// Reload atomically swaps the destination set. Cadence, filter, and
// credential changes to existing destinations take effect on each
// scheduler's next cycle; destinations added under new names need an
// engine restart to get a scheduler.
func (e *Engine) Reload(destinations map[string]config.DestinationConfig) {
	e.registry.Replace(destinations)
}

// DestinationStatus is one destination's row in a Snapshot.
type DestinationStatus struct {
	Name    string             `json:"name"`
	Enabled bool               `json:"enabled"`
	Pending int                `json:"pending"`
	Health  store.HealthRecord `json:"health"`
}

// Snapshot is the operator read surface: per-destination backlog and
// health, cache effectiveness, and priority refresh counters.
type Snapshot struct {
	AgentID      string                `json:"agent_id"`
	Destinations []DestinationStatus   `json:"destinations"`
	Cache        discover.Stats        `json:"cache"`
	Refresh      discover.RefreshStats `json:"refresh"`
}

// Snapshot reports the engine's current state. Pending counts come
// from storage; a storage failure leaves that destination's count at
// zero rather than failing the whole snapshot.
func (e *Engine) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		AgentID: e.engine.AgentID,
		Cache:   e.cache.Stats(),
	}
	if e.monitor != nil {
		snap.Refresh = e.monitor.Stats()
	}

	destinations := e.registry.Destinations()
	names := make([]string, 0, len(destinations))
	for name := range destinations {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pending, err := e.queue.PendingCount(ctx, name)
		if err != nil && e.logger != nil {
			e.logger.Warn("pending count unavailable",
				slog.String("destination", name),
				slog.String("error", err.Error()),
			)
		}
		snap.Destinations = append(snap.Destinations, DestinationStatus{
			Name:    name,
			Enabled: destinations[name].Enabled,
			Pending: pending,
			Health:  e.health.Info(name),
		})
	}
	return snap
}

// Queue exposes the delivery queue for direct inspection.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Health exposes the per-destination health tracker.
func (e *Engine) Health() *health.Tracker { return e.health }

// Cache exposes the discovery route cache.
func (e *Engine) Cache() *discover.Cache { return e.cache }

func (e *Engine) sweepLoop(ctx context.Context) {
	interval := e.engine.SweepInterval
	if interval <= 0 {
		interval = config.DefaultSweepInterval
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		if err := e.queue.Sweep(ctx); err != nil && e.logger != nil {
			e.logger.Warn("retention sweep failed", slog.String("error", err.Error()))
		}
		if _, err := e.cache.ExpireSweep(ctx); err != nil && e.logger != nil {
			e.logger.Warn("route expiry sweep failed", slog.String("error", err.Error()))
		}
	}
}
