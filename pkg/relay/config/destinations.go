package config

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Defaults for per-destination settings.
const (
	DefaultReportInterval = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultTimeout        = 10 * time.Second
	DefaultPriority       = 1
)

// Defaults for engine-wide settings.
const (
	DefaultPriorityCheckInterval = 5 * time.Minute
	DefaultPriorityCacheHorizon  = 12 * time.Hour
	DefaultCacheHorizon          = 24 * time.Hour
	DefaultEventRetention        = 24 * time.Hour
	DefaultNodeRetention         = 7 * 24 * time.Hour
	DefaultSweepInterval         = 1 * time.Hour
	DefaultRouteReportInterval   = 5 * time.Minute
	DefaultBatchLimit            = 100
)

// TypeAll is the wildcard entry that admits every event type.
const TypeAll = "all"

// DestinationConfig holds the immutable-per-cycle configuration for a
// single remote collection endpoint. Loaded once from configuration;
// the engine treats it as read-only at runtime (a reload replaces the
// whole registry map atomically, never a field in place).
type DestinationConfig struct {
	// Name is the unique destination key.
	Name string

	// URL is the endpoint base address.
	URL string

	// APIKey is the credential sent with every request.
	APIKey string

	// Enabled gates the destination entirely.
	Enabled bool

	// ReportInterval is the delivery cadence.
	ReportInterval time.Duration

	// EventTypes is the type allow-list. A single "all" entry admits
	// every type.
	EventTypes []string

	// Priority is the destination's rank; lower is higher priority.
	Priority int

	// MaxRetries bounds both per-event delivery attempts and the
	// consecutive-failure threshold for the health tracker.
	MaxRetries int

	// Timeout applies to each delivery request.
	Timeout time.Duration

	// FilterNodes is the origin allow-list; empty admits all origins.
	FilterNodes []string

	// ExcludeNodes is the origin deny-list.
	ExcludeNodes []string
}

// AllowsType reports whether the destination accepts events of the
// given type tag.
func (d DestinationConfig) AllowsType(eventType string) bool {
	if len(d.EventTypes) == 1 && d.EventTypes[0] == TypeAll {
		return true
	}
	return slices.Contains(d.EventTypes, eventType)
}

// AllowsOrigin reports whether the destination accepts events from the
// given origin node.
func (d DestinationConfig) AllowsOrigin(origin string) bool {
	if len(d.FilterNodes) > 0 && !slices.Contains(d.FilterNodes, origin) {
		return false
	}
	return !slices.Contains(d.ExcludeNodes, origin)
}

// EngineConfig holds engine-wide settings: agent identity, priority
// target monitoring, cache horizons, and retention.
type EngineConfig struct {
	// AgentID identifies this sensor source in delivery payloads.
	AgentID string

	// LocationName, LocationLat, LocationLon describe the sensor site.
	LocationName string
	LocationLat  float64
	LocationLon  float64

	// PriorityTargets is the set of high-value discovery targets.
	// Empty disables the priority monitor.
	PriorityTargets []string

	// PriorityCheckInterval is the monitor's cycle interval.
	PriorityCheckInterval time.Duration

	// PriorityCacheHorizon is the base cache duration for priority
	// entries; the cache halves it relative to CacheHorizon semantics
	// (a priority store never outlives half the standard horizon).
	PriorityCacheHorizon time.Duration

	// CacheHorizon is the standard discovery-cache TTL.
	CacheHorizon time.Duration

	// EventRetention bounds how long admitted events are kept,
	// regardless of delivery status.
	EventRetention time.Duration

	// NodeRetention bounds how long idle node-status rows are kept.
	NodeRetention time.Duration

	// SweepInterval is the retention sweep cadence, independent of
	// any destination cadence.
	SweepInterval time.Duration

	// RouteReportInterval is the cadence of the lower-frequency
	// discovered-path channel.
	RouteReportInterval time.Duration

	// BatchLimit bounds how many pending events one delivery cycle
	// pulls.
	BatchLimit int
}

// ParseEngine extracts the engine-wide configuration from the "agent"
// section of a loaded Config.
func ParseEngine(cfg Config) (EngineConfig, error) {
	agent := cfg.Section("agent")
	id := agent.String("id", "")
	if id == "" {
		return EngineConfig{}, fmt.Errorf("agent config: missing id")
	}

	return EngineConfig{
		AgentID:               id,
		LocationName:          agent.String("location_name", ""),
		LocationLat:           agent.Float("location_lat", 0),
		LocationLon:           agent.Float("location_lon", 0),
		PriorityTargets:       agent.StringList("priority_nodes", nil),
		PriorityCheckInterval: agent.Seconds("priority_check_interval", DefaultPriorityCheckInterval),
		PriorityCacheHorizon:  agent.Hours("priority_cache_duration", DefaultPriorityCacheHorizon),
		CacheHorizon:          agent.Hours("cache_duration", DefaultCacheHorizon),
		EventRetention:        agent.Hours("event_retention", DefaultEventRetention),
		NodeRetention:         agent.Hours("node_retention", DefaultNodeRetention),
		SweepInterval:         agent.Seconds("sweep_interval", DefaultSweepInterval),
		RouteReportInterval:   agent.Seconds("route_report_interval", DefaultRouteReportInterval),
		BatchLimit:            agent.Int("batch_limit", DefaultBatchLimit),
	}, nil
}

// ParseDestinations extracts all destination configurations from the
// "destinations" section of a loaded Config. At least one destination
// must be present and each needs a url and api_key.
func ParseDestinations(cfg Config) (map[string]DestinationConfig, error) {
	section := cfg.Section("destinations")
	names := section.Keys()
	if len(names) == 0 {
		return nil, fmt.Errorf("destination config: no destinations configured")
	}

	destinations := make(map[string]DestinationConfig, len(names))
	for _, name := range names {
		dest, err := parseDestination(name, section.Section(name))
		if err != nil {
			return nil, err
		}
		destinations[name] = dest
	}
	return destinations, nil
}

func parseDestination(name string, section Config) (DestinationConfig, error) {
	url := section.String("url", "")
	if url == "" {
		return DestinationConfig{}, fmt.Errorf("destination %s: missing url", name)
	}
	apiKey := section.String("api_key", "")
	if apiKey == "" {
		return DestinationConfig{}, fmt.Errorf("destination %s: missing api_key", name)
	}

	eventTypes := section.StringList("packet_types", nil)
	if len(eventTypes) == 0 {
		eventTypes = []string{TypeAll}
	}

	return DestinationConfig{
		Name:           name,
		URL:            url,
		APIKey:         apiKey,
		Enabled:        section.Bool("enabled", true),
		ReportInterval: section.Seconds("report_interval", DefaultReportInterval),
		EventTypes:     eventTypes,
		Priority:       section.Int("priority", DefaultPriority),
		MaxRetries:     section.Int("max_retries", DefaultMaxRetries),
		Timeout:        section.Seconds("timeout", DefaultTimeout),
		FilterNodes:    section.StringList("filter_nodes", nil),
		ExcludeNodes:   section.StringList("exclude_nodes", nil),
	}, nil
}

// Registry holds the destination configuration map. Reads are
// lock-protected copies; Replace swaps the whole map atomically so a
// config reload never exposes a partially updated view.
type Registry struct {
	mu           sync.RWMutex
	destinations map[string]DestinationConfig
}

// NewRegistry creates a registry over the given destination map.
func NewRegistry(destinations map[string]DestinationConfig) *Registry {
	r := &Registry{}
	r.Replace(destinations)
	return r
}

// Destination returns the configuration for name.
func (r *Registry) Destination(name string) (DestinationConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dest, ok := r.destinations[name]
	return dest, ok
}

// Destinations returns a copy of the full destination map.
func (r *Registry) Destinations() map[string]DestinationConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]DestinationConfig, len(r.destinations))
	for name, dest := range r.destinations {
		out[name] = dest
	}
	return out
}

// Enabled returns the enabled destinations ordered by priority rank
// (lower rank first), name as tiebreaker.
func (r *Registry) Enabled() []DestinationConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DestinationConfig, 0, len(r.destinations))
	for _, dest := range r.destinations {
		if dest.Enabled {
			out = append(out, dest)
		}
	}
	slices.SortFunc(out, func(a, b DestinationConfig) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

// Replace swaps the destination map. Callers pass ownership of the map.
func (r *Registry) Replace(destinations map[string]DestinationConfig) {
	if destinations == nil {
		destinations = make(map[string]DestinationConfig)
	}
	r.mu.Lock()
	r.destinations = destinations
	r.mu.Unlock()
}
