package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/meshrelay/pkg/relay/telemetry"
)

// SQLiteStore persists engine state to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a new SQLite store.
// The path should be a file path (e.g., "./agent_buffer.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		origin TEXT NOT NULL,
		target TEXT,
		type TEXT NOT NULL,
		payload BLOB,
		rssi INTEGER,
		snr REAL,
		admitted_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS delivery_status (
		event_id TEXT NOT NULL,
		destination TEXT NOT NULL,
		queued INTEGER NOT NULL DEFAULT 1,
		sent INTEGER NOT NULL DEFAULT 0,
		last_attempt TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (event_id, destination)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_pending
	 ON delivery_status(destination, sent, retry_count)`,
	`CREATE TABLE IF NOT EXISTS nodes (
		node_id TEXT PRIMARY KEY,
		last_seen TEXT NOT NULL,
		battery_level INTEGER,
		position_lat REAL,
		position_lon REAL,
		rssi INTEGER,
		snr REAL
	)`,
	`CREATE TABLE IF NOT EXISTS destination_health (
		destination TEXT PRIMARY KEY,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_success TEXT,
		is_healthy INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS route_cache (
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		destination TEXT NOT NULL,
		path TEXT NOT NULL,
		hop_count INTEGER NOT NULL,
		link_snr TEXT,
		discovered_at TEXT NOT NULL,
		last_used TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		PRIMARY KEY (source, target, destination)
	)`,
}

// AdmitEvent implements Store. The event row and its delivery records
// are written in one transaction so a failed admission leaves nothing
// behind.
func (s *SQLiteStore) AdmitEvent(evt telemetry.Event, destinations []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("admit event: %w", err)
	}
	defer tx.Rollback()

	var rssi, snr any
	if evt.Signal != nil {
		rssi = evt.Signal.RSSI
		snr = evt.Signal.SNR
	}

	if _, err := tx.Exec(`
		INSERT INTO events (id, timestamp, origin, target, type, payload, rssi, snr, admitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, evt.ID, formatTime(evt.Timestamp), evt.Origin, evt.Target, evt.Type,
		[]byte(evt.Payload), rssi, snr, formatTime(time.Now().UTC())); err != nil {
		return fmt.Errorf("admit event: %w", err)
	}

	for _, destination := range destinations {
		if _, err := tx.Exec(`
			INSERT INTO delivery_status (event_id, destination, queued, sent, retry_count)
			VALUES (?, ?, 1, 0, 0)
		`, evt.ID, destination); err != nil {
			return fmt.Errorf("admit event status: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("admit event: %w", err)
	}
	return nil
}

// PendingEvents implements Store.
func (s *SQLiteStore) PendingEvents(destination string, maxRetries, limit int) ([]telemetry.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT e.id, e.timestamp, e.origin, e.target, e.type, e.payload, e.rssi, e.snr
		FROM events e
		JOIN delivery_status d ON d.event_id = e.id
		WHERE d.destination = ? AND d.sent = 0 AND d.retry_count < ?
		ORDER BY e.timestamp, e.id
		LIMIT ?
	`, destination, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("pending events: %w", err)
	}
	defer rows.Close()

	var events []telemetry.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (telemetry.Event, error) {
	var (
		evt       telemetry.Event
		timestamp string
		target    sql.NullString
		payload   []byte
		rssi      sql.NullInt64
		snr       sql.NullFloat64
	)
	if err := rows.Scan(&evt.ID, &timestamp, &evt.Origin, &target, &evt.Type,
		&payload, &rssi, &snr); err != nil {
		return telemetry.Event{}, err
	}
	evt.Timestamp = parseTime(timestamp)
	evt.Target = target.String
	if len(payload) > 0 {
		evt.Payload = payload
	}
	if rssi.Valid || snr.Valid {
		evt.Signal = &telemetry.Signal{RSSI: int(rssi.Int64), SNR: snr.Float64}
	}
	return evt, nil
}

// MarkSent implements Store. The sent=0 guard makes repeat calls no-ops
// rather than re-stamping the attempt time.
func (s *SQLiteStore) MarkSent(eventIDs []string, destination string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	for _, id := range eventIDs {
		if _, err := s.db.Exec(`
			UPDATE delivery_status SET sent = 1, last_attempt = ?
			WHERE event_id = ? AND destination = ? AND sent = 0
		`, formatTime(at), id, destination); err != nil {
			return fmt.Errorf("mark sent: %w", err)
		}
	}
	return nil
}

// RecordAttempt implements Store.
func (s *SQLiteStore) RecordAttempt(eventIDs []string, destination string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	for _, id := range eventIDs {
		if _, err := s.db.Exec(`
			UPDATE delivery_status SET retry_count = retry_count + 1, last_attempt = ?
			WHERE event_id = ? AND destination = ?
		`, formatTime(at), id, destination); err != nil {
			return fmt.Errorf("record attempt: %w", err)
		}
	}
	return nil
}

// DeliveryStatus implements Store.
func (s *SQLiteStore) DeliveryStatus(eventID, destination string) (DeliveryStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return DeliveryStatus{}, ErrStoreClosed
	}

	var (
		status      DeliveryStatus
		queued      int
		sent        int
		lastAttempt sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT queued, sent, last_attempt, retry_count
		FROM delivery_status WHERE event_id = ? AND destination = ?
	`, eventID, destination).Scan(&queued, &sent, &lastAttempt, &status.RetryCount)
	if err == sql.ErrNoRows {
		return DeliveryStatus{}, ErrNotFound
	}
	if err != nil {
		return DeliveryStatus{}, fmt.Errorf("delivery status: %w", err)
	}

	status.EventID = eventID
	status.Destination = destination
	status.Queued = queued != 0
	status.Sent = sent != 0
	if lastAttempt.Valid {
		status.LastAttempt = parseTime(lastAttempt.String)
	}
	return status, nil
}

// PendingCount implements Store.
func (s *SQLiteStore) PendingCount(destination string, maxRetries int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM delivery_status
		WHERE destination = ? AND sent = 0 AND retry_count < ?
	`, destination, maxRetries).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return count, nil
}

// SweepEvents implements Store.
func (s *SQLiteStore) SweepEvents(olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	if _, err := s.db.Exec(`
		DELETE FROM delivery_status WHERE event_id IN
			(SELECT id FROM events WHERE admitted_at < ?)
	`, formatTime(olderThan)); err != nil {
		return 0, fmt.Errorf("sweep delivery status: %w", err)
	}

	result, err := s.db.Exec(`DELETE FROM events WHERE admitted_at < ?`, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("sweep events: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

// UpsertNode implements Store. Whole-row replace.
func (s *SQLiteStore) UpsertNode(status telemetry.NodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	var lat, lon any
	if len(status.Position) == 2 {
		lat = status.Position[0]
		lon = status.Position[1]
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO nodes
		(node_id, last_seen, battery_level, position_lat, position_lon, rssi, snr)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, status.NodeID, formatTime(status.LastSeen), nullableInt(status.Battery),
		lat, lon, nullableInt(status.RSSI), nullableFloat(status.SNR))
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

// Nodes implements Store.
func (s *SQLiteStore) Nodes(activeSince time.Time) ([]telemetry.NodeStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT node_id, last_seen, battery_level, position_lat, position_lon, rssi, snr
		FROM nodes WHERE last_seen >= ? ORDER BY node_id
	`, formatTime(activeSince))
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var statuses []telemetry.NodeStatus
	for rows.Next() {
		var (
			status   telemetry.NodeStatus
			lastSeen string
			battery  sql.NullInt64
			lat, lon sql.NullFloat64
			rssi     sql.NullInt64
			snr      sql.NullFloat64
		)
		if err := rows.Scan(&status.NodeID, &lastSeen, &battery, &lat, &lon, &rssi, &snr); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		status.LastSeen = parseTime(lastSeen)
		if battery.Valid {
			b := int(battery.Int64)
			status.Battery = &b
		}
		if lat.Valid && lon.Valid {
			status.Position = []float64{lat.Float64, lon.Float64}
		}
		if rssi.Valid {
			r := int(rssi.Int64)
			status.RSSI = &r
		}
		if snr.Valid {
			v := snr.Float64
			status.SNR = &v
		}
		statuses = append(statuses, status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return statuses, nil
}

// SweepNodes implements Store.
func (s *SQLiteStore) SweepNodes(olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	result, err := s.db.Exec(`DELETE FROM nodes WHERE last_seen < ?`, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("sweep nodes: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

// SaveHealth implements Store. Whole-row replace.
func (s *SQLiteStore) SaveHealth(rec HealthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	var lastSuccess any
	if !rec.LastSuccess.IsZero() {
		lastSuccess = formatTime(rec.LastSuccess)
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO destination_health
		(destination, consecutive_failures, last_success, is_healthy)
		VALUES (?, ?, ?, ?)
	`, rec.Destination, rec.ConsecutiveFailures, lastSuccess, boolInt(rec.Healthy))
	if err != nil {
		return fmt.Errorf("save health: %w", err)
	}
	return nil
}

// Health implements Store.
func (s *SQLiteStore) Health(destination string) (HealthRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return HealthRecord{}, ErrStoreClosed
	}

	var (
		rec         HealthRecord
		lastSuccess sql.NullString
		healthy     int
	)
	err := s.db.QueryRow(`
		SELECT consecutive_failures, last_success, is_healthy
		FROM destination_health WHERE destination = ?
	`, destination).Scan(&rec.ConsecutiveFailures, &lastSuccess, &healthy)
	if err == sql.ErrNoRows {
		return HealthRecord{}, ErrNotFound
	}
	if err != nil {
		return HealthRecord{}, fmt.Errorf("load health: %w", err)
	}

	rec.Destination = destination
	rec.Healthy = healthy != 0
	if lastSuccess.Valid {
		rec.LastSuccess = parseTime(lastSuccess.String)
	}
	return rec, nil
}

// PutRoute implements Store. Whole-row replace on the key triple.
func (s *SQLiteStore) PutRoute(entry RouteEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	path, err := json.Marshal(entry.Path)
	if err != nil {
		return fmt.Errorf("encode route path: %w", err)
	}
	linkSNR, err := json.Marshal(entry.LinkSNR)
	if err != nil {
		return fmt.Errorf("encode route snr: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO route_cache
		(source, target, destination, path, hop_count, link_snr, discovered_at, last_used, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.Source, entry.Target, entry.Destination, string(path), entry.HopCount,
		string(linkSNR), formatTime(entry.DiscoveredAt), formatTime(entry.LastUsed),
		formatTime(entry.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put route: %w", err)
	}
	return nil
}

// Route implements Store.
func (s *SQLiteStore) Route(source, target, destination string) (RouteEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return RouteEntry{}, ErrStoreClosed
	}

	var (
		entry                             RouteEntry
		path, linkSNR                     string
		discoveredAt, lastUsed, expiresAt string
	)
	err := s.db.QueryRow(`
		SELECT path, hop_count, link_snr, discovered_at, last_used, expires_at
		FROM route_cache WHERE source = ? AND target = ? AND destination = ?
	`, source, target, destination).Scan(&path, &entry.HopCount, &linkSNR,
		&discoveredAt, &lastUsed, &expiresAt)
	if err == sql.ErrNoRows {
		return RouteEntry{}, ErrNotFound
	}
	if err != nil {
		return RouteEntry{}, fmt.Errorf("load route: %w", err)
	}

	entry.Source = source
	entry.Target = target
	entry.Destination = destination
	if err := json.Unmarshal([]byte(path), &entry.Path); err != nil {
		return RouteEntry{}, fmt.Errorf("decode route path: %w", err)
	}
	if linkSNR != "" {
		if err := json.Unmarshal([]byte(linkSNR), &entry.LinkSNR); err != nil {
			return RouteEntry{}, fmt.Errorf("decode route snr: %w", err)
		}
	}
	entry.DiscoveredAt = parseTime(discoveredAt)
	entry.LastUsed = parseTime(lastUsed)
	entry.ExpiresAt = parseTime(expiresAt)
	return entry, nil
}

// TouchRoute implements Store.
func (s *SQLiteStore) TouchRoute(source, target, destination string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		UPDATE route_cache SET last_used = ?
		WHERE source = ? AND target = ? AND destination = ?
	`, formatTime(usedAt), source, target, destination)
	if err != nil {
		return fmt.Errorf("touch route: %w", err)
	}
	return nil
}

// UnexpiredRoutes implements Store.
func (s *SQLiteStore) UnexpiredRoutes(now time.Time) ([]RouteEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT source, target, destination, path, hop_count, link_snr,
		       discovered_at, last_used, expires_at
		FROM route_cache WHERE expires_at > ?
		ORDER BY source, target, destination
	`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()

	var entries []RouteEntry
	for rows.Next() {
		var (
			entry                             RouteEntry
			path, linkSNR                     string
			discoveredAt, lastUsed, expiresAt string
		)
		if err := rows.Scan(&entry.Source, &entry.Target, &entry.Destination,
			&path, &entry.HopCount, &linkSNR, &discoveredAt, &lastUsed, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		if err := json.Unmarshal([]byte(path), &entry.Path); err != nil {
			return nil, fmt.Errorf("decode route path: %w", err)
		}
		if linkSNR != "" {
			if err := json.Unmarshal([]byte(linkSNR), &entry.LinkSNR); err != nil {
				return nil, fmt.Errorf("decode route snr: %w", err)
			}
		}
		entry.DiscoveredAt = parseTime(discoveredAt)
		entry.LastUsed = parseTime(lastUsed)
		entry.ExpiresAt = parseTime(expiresAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate routes: %w", err)
	}
	return entries, nil
}

// DeleteExpiredRoutes implements Store.
func (s *SQLiteStore) DeleteExpiredRoutes(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	result, err := s.db.Exec(`DELETE FROM route_cache WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired routes: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// timeLayout is fixed-width: the zero-padded fraction keeps the TEXT
// column's lexicographic order chronological for mixed-precision
// timestamps, which RFC3339Nano's trimmed trailing zeros would break.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// formatTime renders a timestamp for storage, fixed-width UTC so the
// oldest-first queries can ORDER BY the column directly.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
