package store

import (
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/meshrelay/pkg/relay/telemetry"
)

// MemoryStore keeps engine state in memory. Useful for testing and
// short-lived agents where persistence across restarts is not needed.
type MemoryStore struct {
	mu       sync.RWMutex
	events   map[string]memoryEvent
	statuses map[statusKey]*DeliveryStatus
	nodes    map[string]telemetry.NodeStatus
	health   map[string]HealthRecord
	routes   map[routeKey]RouteEntry
	closed   bool
}

type memoryEvent struct {
	event      telemetry.Event
	admittedAt time.Time
}

type statusKey struct {
	eventID     string
	destination string
}

type routeKey struct {
	source      string
	target      string
	destination string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:   make(map[string]memoryEvent),
		statuses: make(map[statusKey]*DeliveryStatus),
		nodes:    make(map[string]telemetry.NodeStatus),
		health:   make(map[string]HealthRecord),
		routes:   make(map[routeKey]RouteEntry),
	}
}

// AdmitEvent implements Store.
func (s *MemoryStore) AdmitEvent(evt telemetry.Event, destinations []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	s.events[evt.ID] = memoryEvent{event: evt, admittedAt: time.Now().UTC()}
	for _, destination := range destinations {
		s.statuses[statusKey{evt.ID, destination}] = &DeliveryStatus{
			EventID:     evt.ID,
			Destination: destination,
			Queued:      true,
		}
	}
	return nil
}

// PendingEvents implements Store.
func (s *MemoryStore) PendingEvents(destination string, maxRetries, limit int) ([]telemetry.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var events []telemetry.Event
	for key, status := range s.statuses {
		if key.destination != destination || status.Sent || status.RetryCount >= maxRetries {
			continue
		}
		if rec, ok := s.events[key.eventID]; ok {
			events = append(events, rec.event)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// MarkSent implements Store.
func (s *MemoryStore) MarkSent(eventIDs []string, destination string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	for _, id := range eventIDs {
		status, ok := s.statuses[statusKey{id, destination}]
		if !ok || status.Sent {
			continue
		}
		status.Sent = true
		status.LastAttempt = at
	}
	return nil
}

// RecordAttempt implements Store.
func (s *MemoryStore) RecordAttempt(eventIDs []string, destination string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	for _, id := range eventIDs {
		if status, ok := s.statuses[statusKey{id, destination}]; ok {
			status.RetryCount++
			status.LastAttempt = at
		}
	}
	return nil
}

// DeliveryStatus implements Store.
func (s *MemoryStore) DeliveryStatus(eventID, destination string) (DeliveryStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return DeliveryStatus{}, ErrStoreClosed
	}

	status, ok := s.statuses[statusKey{eventID, destination}]
	if !ok {
		return DeliveryStatus{}, ErrNotFound
	}
	return *status, nil
}

// PendingCount implements Store.
func (s *MemoryStore) PendingCount(destination string, maxRetries int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	count := 0
	for key, status := range s.statuses {
		if key.destination == destination && !status.Sent && status.RetryCount < maxRetries {
			count++
		}
	}
	return count, nil
}

// SweepEvents implements Store.
func (s *MemoryStore) SweepEvents(olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	deleted := 0
	for id, rec := range s.events {
		if !rec.admittedAt.Before(olderThan) {
			continue
		}
		delete(s.events, id)
		deleted++
		for key := range s.statuses {
			if key.eventID == id {
				delete(s.statuses, key)
			}
		}
	}
	return deleted, nil
}

// UpsertNode implements Store.
func (s *MemoryStore) UpsertNode(status telemetry.NodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	s.nodes[status.NodeID] = status
	return nil
}

// Nodes implements Store.
func (s *MemoryStore) Nodes(activeSince time.Time) ([]telemetry.NodeStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var statuses []telemetry.NodeStatus
	for _, status := range s.nodes {
		if !status.LastSeen.Before(activeSince) {
			statuses = append(statuses, status)
		}
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].NodeID < statuses[j].NodeID
	})
	return statuses, nil
}

// SweepNodes implements Store.
func (s *MemoryStore) SweepNodes(olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	deleted := 0
	for id, status := range s.nodes {
		if status.LastSeen.Before(olderThan) {
			delete(s.nodes, id)
			deleted++
		}
	}
	return deleted, nil
}

// SaveHealth implements Store.
func (s *MemoryStore) SaveHealth(rec HealthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	s.health[rec.Destination] = rec
	return nil
}

// Health implements Store.
func (s *MemoryStore) Health(destination string) (HealthRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return HealthRecord{}, ErrStoreClosed
	}

	rec, ok := s.health[destination]
	if !ok {
		return HealthRecord{}, ErrNotFound
	}
	return rec, nil
}

// PutRoute implements Store.
func (s *MemoryStore) PutRoute(entry RouteEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	s.routes[routeKey{entry.Source, entry.Target, entry.Destination}] = entry
	return nil
}

// Route implements Store.
func (s *MemoryStore) Route(source, target, destination string) (RouteEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return RouteEntry{}, ErrStoreClosed
	}

	entry, ok := s.routes[routeKey{source, target, destination}]
	if !ok {
		return RouteEntry{}, ErrNotFound
	}
	return entry, nil
}

// TouchRoute implements Store.
func (s *MemoryStore) TouchRoute(source, target, destination string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	key := routeKey{source, target, destination}
	if entry, ok := s.routes[key]; ok {
		entry.LastUsed = usedAt
		s.routes[key] = entry
	}
	return nil
}

// UnexpiredRoutes implements Store.
func (s *MemoryStore) UnexpiredRoutes(now time.Time) ([]RouteEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var entries []RouteEntry
	for _, entry := range s.routes {
		if entry.ExpiresAt.After(now) {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Destination < b.Destination
	})
	return entries, nil
}

// DeleteExpiredRoutes implements Store.
func (s *MemoryStore) DeleteExpiredRoutes(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	deleted := 0
	for key, entry := range s.routes {
		if !entry.ExpiresAt.After(now) {
			delete(s.routes, key)
			deleted++
		}
	}
	return deleted, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
