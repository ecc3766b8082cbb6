package relay

import (
	"log/slog"
	"net/http"

	"github.com/randalmurphal/meshrelay/pkg/relay/discover"
	"github.com/randalmurphal/meshrelay/pkg/relay/observability"
	"github.com/randalmurphal/meshrelay/pkg/relay/store"
)

// engineConfig holds the optional collaborators an Engine is built
// with. Defaults: in-memory store, no logging, no-op metrics and
// spans, http.DefaultClient, no discoverer.
type engineConfig struct {
	store      store.Store
	ownsStore  bool
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
	spans      observability.SpanManager
	httpClient *http.Client
	discoverer discover.Discoverer
	err        error
}

// Option configures an Engine at construction.
type Option func(*engineConfig)

// WithStore uses an existing store instead of the default in-memory
// one. The caller keeps ownership: Stop will not close it.
func WithStore(st store.Store) Option {
	return func(c *engineConfig) {
		c.store = st
		c.ownsStore = false
	}
}

// WithSQLiteStore opens a SQLite store at path and hands ownership to
// the engine; Stop closes it.
func WithSQLiteStore(path string) Option {
	return func(c *engineConfig) {
		st, err := store.NewSQLiteStore(path)
		if err != nil {
			c.err = err
			return
		}
		c.store = st
		c.ownsStore = true
	}
}

// WithLogger enables structured logging on every component.
func WithLogger(logger *slog.Logger) Option {
	return func(c *engineConfig) {
		c.logger = logger
	}
}

// WithMetrics enables metrics recording. Use
// observability.NewMetricsRecorder for the OpenTelemetry
// implementation.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *engineConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithSpans enables distributed tracing around admission and delivery.
func WithSpans(s observability.SpanManager) Option {
	return func(c *engineConfig) {
		if s != nil {
			c.spans = s
		}
	}
}

// WithHTTPClient overrides the HTTP client used for deliveries.
// Per-destination timeouts still apply per request.
func WithHTTPClient(client *http.Client) Option {
	return func(c *engineConfig) {
		c.httpClient = client
	}
}

// WithDiscoverer supplies the route-discovery backend. Without one the
// priority monitor is disabled even when priority targets are
// configured.
func WithDiscoverer(d discover.Discoverer) Option {
	return func(c *engineConfig) {
		c.discoverer = d
	}
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		store:      store.NewMemoryStore(),
		ownsStore:  true,
		metrics:    observability.NoopMetrics{},
		spans:      observability.NoopSpanManager{},
		httpClient: http.DefaultClient,
	}
}
