// Package health tracks per-destination delivery health.
//
// Each destination carries a two-state model: Healthy (initial) and
// Unhealthy. A destination flips unhealthy once its consecutive-failure
// count reaches its retry budget, and recovers on the next recorded
// success. There is no cool-down timer; recovery requires an actual
// successful delivery, so attempt gating stays bounded by the retry
// budget rather than locking a destination out permanently.
package health

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/meshrelay/pkg/relay/config"
	"github.com/randalmurphal/meshrelay/pkg/relay/observability"
	"github.com/randalmurphal/meshrelay/pkg/relay/store"
)

// Tracker maintains health state for every destination.
//
// State is persisted through the store on every recorded outcome, so a
// restarted agent resumes with its prior view of each destination.
// Writers are partitioned by destination name (one scheduler task per
// destination), so the mutex only guards the map itself.
type Tracker struct {
	store    store.Store
	registry *config.Registry
	logger   *slog.Logger

	mu     sync.Mutex
	states map[string]*store.HealthRecord
}

// NewTracker creates a tracker backed by the given store. Records are
// loaded lazily on first access per destination.
func NewTracker(st store.Store, registry *config.Registry, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:    st,
		registry: registry,
		logger:   logger,
		states:   make(map[string]*store.HealthRecord),
	}
}

// load returns the in-memory record for a destination, reading it from
// the store on first access. Callers must hold t.mu.
func (t *Tracker) load(name string) *store.HealthRecord {
	if rec, ok := t.states[name]; ok {
		return rec
	}

	rec := &store.HealthRecord{Destination: name, Healthy: true}
	if stored, err := t.store.Health(name); err == nil {
		*rec = stored
	} else if !errors.Is(err, store.ErrNotFound) && t.logger != nil {
		t.logger.Warn("health state load failed",
			slog.String("destination", name),
			slog.String("error", err.Error()),
		)
	}
	t.states[name] = rec
	return rec
}

// maxRetries returns the destination's retry budget, falling back to
// the default for destinations missing from the registry.
func (t *Tracker) maxRetries(name string) int {
	if t.registry != nil {
		if dest, ok := t.registry.Destination(name); ok {
			return dest.MaxRetries
		}
	}
	return config.DefaultMaxRetries
}

// RecordSuccess resets the failure count and restores health. The
// Unhealthy to Healthy transition happens exactly here.
func (t *Tracker) RecordSuccess(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.load(name)
	wasUnhealthy := !rec.Healthy

	rec.ConsecutiveFailures = 0
	rec.Healthy = true
	rec.LastSuccess = time.Now().UTC()

	t.persist(rec)
	if wasUnhealthy {
		observability.LogHealthTransition(t.logger, name, true, 0)
	}
}

// RecordFailure increments the failure count and flips the destination
// unhealthy once the count reaches its retry budget.
func (t *Tracker) RecordFailure(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.load(name)
	rec.ConsecutiveFailures++

	if rec.Healthy && rec.ConsecutiveFailures >= t.maxRetries(name) {
		rec.Healthy = false
		observability.LogHealthTransition(t.logger, name, false, rec.ConsecutiveFailures)
	}

	t.persist(rec)
}

// IsHealthy reports the destination's current health state.
func (t *Tracker) IsHealthy(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.load(name).Healthy
}

// ShouldAttempt reports whether a delivery attempt should be made this
// cycle: true while consecutive failures stay under the retry budget.
// A destination at the cap is skipped until Reset or an out-of-band
// success recorded by a probe.
func (t *Tracker) ShouldAttempt(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.load(name).ConsecutiveFailures < t.maxRetries(name)
}

// Reset clears a destination's failure state, restoring it to Healthy.
// Intended for operator-driven recovery after fixing a credential or
// endpoint.
func (t *Tracker) Reset(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.load(name)
	rec.ConsecutiveFailures = 0
	rec.Healthy = true

	t.persist(rec)
	if t.logger != nil {
		t.logger.Info("health state reset",
			slog.String("destination", name),
		)
	}
}

// Info returns a snapshot of the destination's health record.
func (t *Tracker) Info(name string) store.HealthRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	return *t.load(name)
}

// All returns snapshots for every destination seen so far, keyed by
// destination name.
func (t *Tracker) All() map[string]store.HealthRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]store.HealthRecord, len(t.states))
	for name, rec := range t.states {
		out[name] = *rec
	}
	return out
}

// persist writes a record through to the store. A write failure keeps
// the in-memory state authoritative for this process.
func (t *Tracker) persist(rec *store.HealthRecord) {
	if err := t.store.SaveHealth(*rec); err != nil && t.logger != nil {
		t.logger.Warn("health state save failed",
			slog.String("destination", rec.Destination),
			slog.String("error", err.Error()),
		)
	}
}
