package store_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/meshrelay/pkg/relay/store"
	"github.com/randalmurphal/meshrelay/pkg/relay/telemetry"
)

// storeFactory creates a store instance for testing.
type storeFactory func(t *testing.T) store.Store

func testEvent(id, origin, kind string, ts time.Time) telemetry.Event {
	return telemetry.Event{
		ID:        id,
		Timestamp: ts,
		Origin:    origin,
		Type:      kind,
		Payload:   json.RawMessage(`{"text":"hi"}`),
	}
}

// storeContractTest runs contract tests against any Store implementation.
func storeContractTest(t *testing.T, name string, factory storeFactory) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run(name+"/Admit_and_Pending", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		// Admit out of timestamp order to check ordering on read.
		require.NoError(t, s.AdmitEvent(testEvent("evt-2", "!node1", "position", base.Add(time.Minute)), []string{"primary"}))
		require.NoError(t, s.AdmitEvent(testEvent("evt-1", "!node1", "text_message", base), []string{"primary", "analytics"}))

		events, err := s.PendingEvents("primary", 3, 100)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "evt-1", events[0].ID)
		assert.Equal(t, "evt-2", events[1].ID)

		events, err = s.PendingEvents("analytics", 3, 100)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "evt-1", events[0].ID)

		// Destinations not named at admission have nothing pending.
		events, err = s.PendingEvents("unknown", 3, 100)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run(name+"/Pending_OrderTiebreak", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		// Equal timestamps fall back to id order.
		require.NoError(t, s.AdmitEvent(testEvent("evt-b", "!node1", "telemetry", base), []string{"primary"}))
		require.NoError(t, s.AdmitEvent(testEvent("evt-a", "!node1", "telemetry", base), []string{"primary"}))

		events, err := s.PendingEvents("primary", 3, 100)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "evt-a", events[0].ID)
		assert.Equal(t, "evt-b", events[1].ID)
	})

	t.Run(name+"/Pending_OrderMixedPrecision", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		// A whole-second timestamp must still sort before one half a
		// second later; normalization produces both precisions
		// (epoch-seconds frames vs wall-clock fallback).
		require.NoError(t, s.AdmitEvent(testEvent("evt-newer", "!node1", "telemetry", base.Add(500*time.Millisecond)), []string{"primary"}))
		require.NoError(t, s.AdmitEvent(testEvent("evt-older", "!node1", "telemetry", base), []string{"primary"}))

		events, err := s.PendingEvents("primary", 3, 100)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "evt-older", events[0].ID)
		assert.Equal(t, "evt-newer", events[1].ID)
	})

	t.Run(name+"/Pending_Limit", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		for i := 0; i < 5; i++ {
			evt := testEvent("evt-"+string(rune('a'+i)), "!node1", "telemetry", base.Add(time.Duration(i)*time.Second))
			require.NoError(t, s.AdmitEvent(evt, []string{"primary"}))
		}

		events, err := s.PendingEvents("primary", 3, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "evt-a", events[0].ID)
		assert.Equal(t, "evt-b", events[1].ID)
	})

	t.Run(name+"/MarkSent", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		require.NoError(t, s.AdmitEvent(testEvent("evt-1", "!node1", "telemetry", base), []string{"primary", "analytics"}))

		sentAt := base.Add(5 * time.Second)
		require.NoError(t, s.MarkSent([]string{"evt-1"}, "primary", sentAt))

		status, err := s.DeliveryStatus("evt-1", "primary")
		require.NoError(t, err)
		assert.True(t, status.Sent)
		assert.WithinDuration(t, sentAt, status.LastAttempt, 0)

		// Sent for primary only; analytics still pending.
		status, err = s.DeliveryStatus("evt-1", "analytics")
		require.NoError(t, err)
		assert.False(t, status.Sent)

		events, err := s.PendingEvents("primary", 3, 100)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run(name+"/MarkSent_Idempotent", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		require.NoError(t, s.AdmitEvent(testEvent("evt-1", "!node1", "telemetry", base), []string{"primary"}))

		first := base.Add(5 * time.Second)
		require.NoError(t, s.MarkSent([]string{"evt-1"}, "primary", first))

		// A second call must not re-stamp the attempt time.
		require.NoError(t, s.MarkSent([]string{"evt-1"}, "primary", first.Add(time.Hour)))

		status, err := s.DeliveryStatus("evt-1", "primary")
		require.NoError(t, err)
		assert.True(t, status.Sent)
		assert.WithinDuration(t, first, status.LastAttempt, 0)
	})

	t.Run(name+"/RecordAttempt_ExcludesCapped", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		require.NoError(t, s.AdmitEvent(testEvent("evt-1", "!node1", "telemetry", base), []string{"primary"}))

		for i := 0; i < 3; i++ {
			at := base.Add(time.Duration(i+1) * time.Minute)
			require.NoError(t, s.RecordAttempt([]string{"evt-1"}, "primary", at))
		}

		status, err := s.DeliveryStatus("evt-1", "primary")
		require.NoError(t, err)
		assert.Equal(t, 3, status.RetryCount)
		assert.False(t, status.Sent)

		// Retry budget of 3 exhausted: no longer pending.
		events, err := s.PendingEvents("primary", 3, 100)
		require.NoError(t, err)
		assert.Empty(t, events)

		count, err := s.PendingCount("primary", 3)
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		// A larger budget would still see it.
		count, err = s.PendingCount("primary", 5)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run(name+"/DeliveryStatus_NotFound", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		_, err := s.DeliveryStatus("evt-missing", "primary")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run(name+"/SweepEvents", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		require.NoError(t, s.AdmitEvent(testEvent("evt-old", "!node1", "telemetry", base), []string{"primary"}))

		// Sweep by admission time, not event timestamp.
		deleted, err := s.SweepEvents(time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)

		events, err := s.PendingEvents("primary", 3, 100)
		require.NoError(t, err)
		assert.Empty(t, events)

		_, err = s.DeliveryStatus("evt-old", "primary")
		assert.ErrorIs(t, err, store.ErrNotFound)

		// Nothing left to sweep.
		deleted, err = s.SweepEvents(time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, deleted)
	})

	t.Run(name+"/Nodes", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		battery := 87
		require.NoError(t, s.UpsertNode(telemetry.NodeStatus{
			NodeID:   "!node2",
			LastSeen: base,
			Battery:  &battery,
			Position: []float64{37.77, -122.42},
		}))
		require.NoError(t, s.UpsertNode(telemetry.NodeStatus{
			NodeID:   "!node1",
			LastSeen: base.Add(-48 * time.Hour),
		}))

		statuses, err := s.Nodes(base.Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, statuses, 1)
		assert.Equal(t, "!node2", statuses[0].NodeID)
		require.NotNil(t, statuses[0].Battery)
		assert.Equal(t, 87, *statuses[0].Battery)
		assert.Equal(t, []float64{37.77, -122.42}, statuses[0].Position)

		// Upsert replaces the whole row.
		require.NoError(t, s.UpsertNode(telemetry.NodeStatus{
			NodeID:   "!node2",
			LastSeen: base.Add(time.Minute),
		}))
		statuses, err = s.Nodes(base.Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, statuses, 1)
		assert.Nil(t, statuses[0].Battery)

		deleted, err := s.SweepNodes(base.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)
	})

	t.Run(name+"/Health", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		_, err := s.Health("primary")
		assert.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, s.SaveHealth(store.HealthRecord{
			Destination:         "primary",
			ConsecutiveFailures: 2,
			LastSuccess:         base,
			Healthy:             true,
		}))

		rec, err := s.Health("primary")
		require.NoError(t, err)
		assert.Equal(t, 2, rec.ConsecutiveFailures)
		assert.WithinDuration(t, base, rec.LastSuccess, 0)
		assert.True(t, rec.Healthy)

		require.NoError(t, s.SaveHealth(store.HealthRecord{
			Destination:         "primary",
			ConsecutiveFailures: 3,
			LastSuccess:         base,
			Healthy:             false,
		}))

		rec, err = s.Health("primary")
		require.NoError(t, err)
		assert.False(t, rec.Healthy)
	})

	t.Run(name+"/Routes", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		_, err := s.Route("!a", "!b", "primary")
		assert.ErrorIs(t, err, store.ErrNotFound)

		entry := store.RouteEntry{
			Source:       "!a",
			Target:       "!b",
			Destination:  "primary",
			Path:         []string{"!a", "!relay", "!b"},
			HopCount:     2,
			LinkSNR:      []float64{5.5, -3.25},
			DiscoveredAt: base,
			LastUsed:     base,
			ExpiresAt:    base.Add(24 * time.Hour),
		}
		require.NoError(t, s.PutRoute(entry))

		got, err := s.Route("!a", "!b", "primary")
		require.NoError(t, err)
		assert.Equal(t, entry.Path, got.Path)
		assert.Equal(t, 2, got.HopCount)
		assert.Equal(t, entry.LinkSNR, got.LinkSNR)
		assert.WithinDuration(t, entry.ExpiresAt, got.ExpiresAt, 0)

		// Touch updates last-used without changing expiry.
		usedAt := base.Add(time.Hour)
		require.NoError(t, s.TouchRoute("!a", "!b", "primary", usedAt))
		got, err = s.Route("!a", "!b", "primary")
		require.NoError(t, err)
		assert.WithinDuration(t, usedAt, got.LastUsed, 0)
		assert.WithinDuration(t, entry.ExpiresAt, got.ExpiresAt, 0)

		entries, err := s.UnexpiredRoutes(base.Add(2 * time.Hour))
		require.NoError(t, err)
		assert.Len(t, entries, 1)

		entries, err = s.UnexpiredRoutes(base.Add(25 * time.Hour))
		require.NoError(t, err)
		assert.Empty(t, entries)

		deleted, err := s.DeleteExpiredRoutes(base.Add(25 * time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)

		_, err = s.Route("!a", "!b", "primary")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run(name+"/Closed", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Close())

		err := s.AdmitEvent(testEvent("evt-1", "!node1", "telemetry", base), []string{"primary"})
		assert.ErrorIs(t, err, store.ErrStoreClosed)

		_, err = s.PendingEvents("primary", 3, 100)
		assert.ErrorIs(t, err, store.ErrStoreClosed)

		_, err = s.Health("primary")
		assert.ErrorIs(t, err, store.ErrStoreClosed)
	})
}
