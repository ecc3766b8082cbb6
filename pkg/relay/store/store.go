// Package store provides the durable persistence substrate for the
// delivery engine: admitted events, per-destination delivery status,
// destination health, node status, and the discovery route cache.
package store

import (
	"errors"
	"time"

	"github.com/randalmurphal/meshrelay/pkg/relay/telemetry"
)

// DeliveryStatus is the per-(event, destination) delivery record.
// Created at admission; mutated only by that destination's scheduler
// task. RetryCount is monotonically non-decreasing and never exceeds
// the destination's retry budget, because selection excludes capped
// records before any attempt is made.
type DeliveryStatus struct {
	EventID     string
	Destination string
	Queued      bool
	Sent        bool
	LastAttempt time.Time
	RetryCount  int
}

// HealthRecord is the persisted health state for one destination.
type HealthRecord struct {
	Destination         string    `json:"destination"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success"`
	Healthy             bool      `json:"healthy"`
}

// RouteEntry is one cached discovery result, keyed by
// (source, target, destination). Writes replace the whole row.
type RouteEntry struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	Destination string `json:"destination"`

	// Path is the ordered list of node identifiers from source to
	// target.
	Path []string `json:"path"`

	// HopCount is len(Path)-1, stored for query convenience.
	HopCount int `json:"hop_count"`

	// LinkSNR is the per-hop quality metric, parallel to Path edges.
	LinkSNR []float64 `json:"link_snr,omitempty"`

	DiscoveredAt time.Time `json:"discovered_at"`
	LastUsed     time.Time `json:"last_used"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Store persists engine state. Implementations must be safe for
// concurrent use; the engine partitions delivery-status writes by
// destination name, so implementations only need per-statement
// atomicity, never cross-row coordination.
type Store interface {
	// AdmitEvent persists the event once and creates one delivery
	// record per destination with queued=true, sent=false,
	// retryCount=0. Atomic: on error nothing is persisted.
	AdmitEvent(evt telemetry.Event, destinations []string) error

	// PendingEvents returns events queued for the destination that are
	// unsent and under the retry cap, oldest event timestamp first
	// (id as tiebreaker), bounded by limit.
	PendingEvents(destination string, maxRetries, limit int) ([]telemetry.Event, error)

	// MarkSent sets sent=true and stamps the attempt time for the
	// given ids at one destination. Idempotent: ids already sent are
	// left untouched, so a repeat call is a no-op.
	MarkSent(eventIDs []string, destination string, at time.Time) error

	// RecordAttempt increments the retry count and stamps the attempt
	// time for the given ids at one destination.
	RecordAttempt(eventIDs []string, destination string, at time.Time) error

	// DeliveryStatus returns one delivery record.
	// Returns ErrNotFound if no record exists.
	DeliveryStatus(eventID, destination string) (DeliveryStatus, error)

	// PendingCount returns how many events PendingEvents would find
	// for the destination, unbounded.
	PendingCount(destination string, maxRetries int) (int, error)

	// SweepEvents deletes events admitted before the horizon,
	// regardless of delivery status, along with their delivery
	// records. Returns the number of events deleted.
	SweepEvents(olderThan time.Time) (int, error)

	// UpsertNode replaces the status row for a node.
	UpsertNode(status telemetry.NodeStatus) error

	// Nodes returns status rows last seen at or after the cutoff.
	Nodes(activeSince time.Time) ([]telemetry.NodeStatus, error)

	// SweepNodes deletes node rows last seen before the horizon.
	SweepNodes(olderThan time.Time) (int, error)

	// SaveHealth replaces the health row for a destination.
	SaveHealth(rec HealthRecord) error

	// Health returns the health row for a destination.
	// Returns ErrNotFound if none has been recorded.
	Health(destination string) (HealthRecord, error)

	// PutRoute replaces the cache row for the entry's key triple.
	// Whole-row replace, never a merge.
	PutRoute(entry RouteEntry) error

	// Route returns the cache row for the key triple regardless of
	// expiry. Returns ErrNotFound if absent. Expiry policy lives in
	// the discover package.
	Route(source, target, destination string) (RouteEntry, error)

	// TouchRoute updates last-used for the key triple. Never extends
	// expiry.
	TouchRoute(source, target, destination string, usedAt time.Time) error

	// UnexpiredRoutes returns all cache rows with expires-at after
	// now.
	UnexpiredRoutes(now time.Time) ([]RouteEntry, error)

	// DeleteExpiredRoutes removes rows with expires-at at or before
	// now. Returns the number deleted.
	DeleteExpiredRoutes(now time.Time) (int, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the requested row doesn't exist.
	ErrNotFound = errors.New("store: not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store: closed")
)
