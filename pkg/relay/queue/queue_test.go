package queue_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/meshrelay/pkg/relay/config"
	relayerrors "github.com/randalmurphal/meshrelay/pkg/relay/errors"
	"github.com/randalmurphal/meshrelay/pkg/relay/observability"
	"github.com/randalmurphal/meshrelay/pkg/relay/queue"
	"github.com/randalmurphal/meshrelay/pkg/relay/store"
	"github.com/randalmurphal/meshrelay/pkg/relay/telemetry"
)

func testRegistry() *config.Registry {
	return config.NewRegistry(map[string]config.DestinationConfig{
		"primary": {
			Name:       "primary",
			URL:        "https://collector.example.com",
			APIKey:     "key",
			Enabled:    true,
			EventTypes: []string{config.TypeAll},
			MaxRetries: 3,
		},
		"analytics": {
			Name:       "analytics",
			URL:        "https://analytics.example.com",
			APIKey:     "key",
			Enabled:    true,
			EventTypes: []string{telemetry.KindPosition, telemetry.KindTelemetry},
			MaxRetries: 2,
		},
		"disabled": {
			Name:       "disabled",
			URL:        "https://off.example.com",
			APIKey:     "key",
			Enabled:    false,
			EventTypes: []string{config.TypeAll},
			MaxRetries: 3,
		},
	})
}

func testEngine() config.EngineConfig {
	return config.EngineConfig{
		AgentID:        "agent-001",
		EventRetention: 24 * time.Hour,
		NodeRetention:  7 * 24 * time.Hour,
		BatchLimit:     100,
	}
}

func newQueue(t *testing.T) (*queue.Queue, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return queue.New(st, testRegistry(), testEngine(), nil, nil, nil), st
}

func event(id, origin, kind string, ts time.Time) telemetry.Event {
	return telemetry.Event{
		ID:        id,
		Timestamp: ts,
		Origin:    origin,
		Type:      kind,
		Payload:   json.RawMessage(`{}`),
	}
}

func TestQueue_AdmitFansOut(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	destinations, err := q.Admit(ctx, event("evt-1", "!node1", telemetry.KindPosition, base))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"primary", "analytics"}, destinations)

	// text_message is outside analytics' type list.
	destinations, err = q.Admit(ctx, event("evt-2", "!node1", telemetry.KindText, base.Add(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, []string{"primary"}, destinations)

	pending, err := q.Pending("primary", 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	pending, err = q.Pending("analytics", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "evt-1", pending[0].ID)

	// Disabled destinations are never part of the fan-out.
	pending, err = q.Pending("disabled", 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestQueue_AdmitRejectsMalformed(t *testing.T) {
	q, _ := newQueue(t)

	_, err := q.Admit(context.Background(), telemetry.Event{Type: telemetry.KindOther})

	var admissionErr *relayerrors.AdmissionError
	require.ErrorAs(t, err, &admissionErr)
}

func TestQueue_AdmitWithNoTakersDropsEvent(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	registry := config.NewRegistry(map[string]config.DestinationConfig{
		"curated": {
			Name:        "curated",
			URL:         "https://curated.example.com",
			APIKey:      "key",
			Enabled:     true,
			EventTypes:  []string{config.TypeAll},
			FilterNodes: []string{"!allowed"},
			MaxRetries:  3,
		},
	})
	q := queue.New(st, registry, testEngine(), nil, nil, nil)

	destinations, err := q.Admit(context.Background(), event("evt-1", "!other", telemetry.KindText, time.Now()))
	require.NoError(t, err)
	assert.Empty(t, destinations)

	// Nothing was persisted for the event.
	_, err = st.DeliveryStatus("evt-1", "curated")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The origin sighting was still recorded.
	nodes, err := st.Nodes(time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "!other", nodes[0].NodeID)
}

func TestQueue_MarkSentPerDestination(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := q.Admit(ctx, event("evt-1", "!node1", telemetry.KindPosition, base))
	require.NoError(t, err)

	require.NoError(t, q.MarkSent([]string{"evt-1"}, "primary"))

	pending, err := q.Pending("primary", 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Delivery to primary does not affect analytics' copy.
	pending, err = q.Pending("analytics", 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// Idempotent on repeat.
	require.NoError(t, q.MarkSent([]string{"evt-1"}, "primary"))
}

func TestQueue_RetryBudgetPerDestination(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := q.Admit(ctx, event("evt-1", "!node1", telemetry.KindTelemetry, base))
	require.NoError(t, err)

	// analytics has max_retries=2: two failed attempts exhaust it.
	require.NoError(t, q.RecordAttempt([]string{"evt-1"}, "analytics"))
	require.NoError(t, q.RecordAttempt([]string{"evt-1"}, "analytics"))

	pending, err := q.Pending("analytics", 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	count, err := q.PendingCount(ctx, "analytics")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// primary (max_retries=3) still sees the event.
	pending, err = q.Pending("primary", 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	status, err := q.Status("evt-1", "analytics")
	require.NoError(t, err)
	assert.Equal(t, 2, status.RetryCount)
	assert.False(t, status.Sent)
}

func TestQueue_PendingOrderAndLimit(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 4; i >= 0; i-- {
		evt := event("evt-"+string(rune('a'+i)), "!node1", telemetry.KindTelemetry, base.Add(time.Duration(i)*time.Second))
		_, err := q.Admit(ctx, evt)
		require.NoError(t, err)
	}

	pending, err := q.Pending("primary", 3)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "evt-a", pending[0].ID)
	assert.Equal(t, "evt-b", pending[1].ID)
	assert.Equal(t, "evt-c", pending[2].ID)
}

func TestQueue_Sweep(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	engine := testEngine()
	engine.EventRetention = 0 // everything is immediately past the horizon
	engine.NodeRetention = 0
	q := queue.New(st, testRegistry(), engine, nil, nil, nil)

	ctx := context.Background()
	_, err := q.Admit(ctx, event("evt-1", "!node1", telemetry.KindTelemetry, time.Now().UTC()))
	require.NoError(t, err)

	// Sweep removes events regardless of delivery status.
	require.NoError(t, q.Sweep(ctx))

	pending, err := q.Pending("primary", 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	nodes, err := st.Nodes(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestQueue_Nodes(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	evt := event("evt-1", "!node1", telemetry.KindTelemetry, time.Now().UTC())
	evt.Signal = &telemetry.Signal{RSSI: -80, SNR: 6.5}
	_, err := q.Admit(ctx, evt)
	require.NoError(t, err)

	nodes, err := q.Nodes(time.Hour)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "!node1", nodes[0].NodeID)
	require.NotNil(t, nodes[0].RSSI)
	assert.Equal(t, -80, *nodes[0].RSSI)
}

func TestQueue_StorageErrorsWrapped(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.Close())

	q := queue.New(st, testRegistry(), testEngine(), nil, nil, nil)

	_, err := q.Admit(context.Background(), event("evt-1", "!node1", telemetry.KindTelemetry, time.Now()))
	var storageErr *relayerrors.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.ErrorIs(t, err, store.ErrStoreClosed)
}

func TestQueue_StorageFailureLogsDeliveryGap(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.Close())

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	q := queue.New(st, testRegistry(), testEngine(), logger, nil, nil)

	_, err := q.Admit(context.Background(), event("evt-lost", "!node1", telemetry.KindTelemetry, time.Now()))
	require.Error(t, err)

	// An event the store could not persist is gone for every
	// destination; the gap has to show up in the log.
	logged := buf.String()
	assert.Contains(t, logged, "event lost before delivery")
	assert.Contains(t, logged, "evt-lost")
	assert.Contains(t, logged, "primary")
}

// recordingSpans captures admission span lifecycles while delegating the
// actual span construction to the noop implementation.
type recordingSpans struct {
	observability.NoopSpanManager
	started []string
	ended   []error
}

func (r *recordingSpans) StartAdmissionSpan(ctx context.Context, eventType string) (context.Context, trace.Span) {
	r.started = append(r.started, eventType)
	return r.NoopSpanManager.StartAdmissionSpan(ctx, eventType)
}

func (r *recordingSpans) EndSpanWithError(span trace.Span, err error) {
	r.ended = append(r.ended, err)
}

func TestQueue_AdmitTracesAdmission(t *testing.T) {
	spans := &recordingSpans{}
	q, _ := newQueueWithSpans(t, spans)

	_, err := q.Admit(context.Background(), event("evt-1", "!node1", telemetry.KindTelemetry, time.Now()))
	require.NoError(t, err)

	require.Equal(t, []string{telemetry.KindTelemetry}, spans.started)
	require.Len(t, spans.ended, 1)
	assert.NoError(t, spans.ended[0])
}

func TestQueue_AdmitTracesFailure(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.Close())

	spans := &recordingSpans{}
	q := queue.New(st, testRegistry(), testEngine(), nil, nil, spans)

	_, err := q.Admit(context.Background(), event("evt-1", "!node1", telemetry.KindTelemetry, time.Now()))
	require.Error(t, err)

	require.Len(t, spans.ended, 1)
	assert.ErrorIs(t, spans.ended[0], store.ErrStoreClosed)
}

func newQueueWithSpans(t *testing.T, spans observability.SpanManager) (*queue.Queue, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return queue.New(st, testRegistry(), testEngine(), nil, nil, spans), st
}
