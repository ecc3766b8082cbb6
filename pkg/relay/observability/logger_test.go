package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHandler captures log records for testing.
type testHandler struct {
	buf    *bytes.Buffer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func newTestHandler() *testHandler {
	return &testHandler{
		buf:   &bytes.Buffer{},
		level: slog.LevelDebug,
	}
}

func (h *testHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *testHandler) Handle(_ context.Context, r slog.Record) error {
	data := map[string]any{
		"level": r.Level.String(),
		"msg":   r.Message,
	}

	for _, attr := range h.attrs {
		data[attr.Key] = attr.Value.Any()
	}

	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Any()
		return true
	})

	enc := json.NewEncoder(h.buf)
	return enc.Encode(data)
}

func (h *testHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newH := &testHandler{
		buf:    h.buf,
		level:  h.level,
		attrs:  make([]slog.Attr, len(h.attrs)+len(attrs)),
		groups: h.groups,
	}
	copy(newH.attrs, h.attrs)
	copy(newH.attrs[len(h.attrs):], attrs)
	return newH
}

func (h *testHandler) WithGroup(name string) slog.Handler {
	return &testHandler{
		buf:    h.buf,
		level:  h.level,
		attrs:  h.attrs,
		groups: append(h.groups, name),
	}
}

func (h *testHandler) getLastRecord() map[string]any {
	lines := bytes.Split(h.buf.Bytes(), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if len(lines[i]) > 0 {
			var m map[string]any
			if err := json.Unmarshal(lines[i], &m); err == nil {
				return m
			}
		}
	}
	return nil
}

func TestEnrichLogger(t *testing.T) {
	t.Run("adds agent_id, destination, and attempt", func(t *testing.T) {
		h := newTestHandler()
		logger := slog.New(h)

		enriched := EnrichLogger(logger, "agent-001", "primary", 2)
		enriched.Info("test message")

		record := h.getLastRecord()
		require.NotNil(t, record)
		assert.Equal(t, "agent-001", record["agent_id"])
		assert.Equal(t, "primary", record["destination"])
		assert.Equal(t, float64(2), record["attempt"]) // JSON decodes ints as float64
		assert.Equal(t, "test message", record["msg"])
	})

	t.Run("nil logger returns nil", func(t *testing.T) {
		enriched := EnrichLogger(nil, "agent-001", "primary", 1)
		assert.Nil(t, enriched)
	})
}

func TestLogAdmission(t *testing.T) {
	h := newTestHandler()
	logger := slog.New(h)

	LogAdmission(logger, "evt-1", "text_message", []string{"primary", "analytics"})

	record := h.getLastRecord()
	require.NotNil(t, record)
	assert.Equal(t, "event admitted", record["msg"])
	assert.Equal(t, "evt-1", record["event_id"])
	assert.Equal(t, "text_message", record["event_type"])
	assert.Equal(t, float64(2), record["destinations"])

	// Nil logger is safe
	LogAdmission(nil, "evt-1", "text_message", nil)
}

func TestLogAdmissionRejected(t *testing.T) {
	h := newTestHandler()
	logger := slog.New(h)

	LogAdmissionRejected(logger, errors.New("missing origin"))

	record := h.getLastRecord()
	require.NotNil(t, record)
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "missing origin", record["error"])

	LogAdmissionRejected(nil, errors.New("ignored"))
}

func TestLogDeliverySuccess(t *testing.T) {
	h := newTestHandler()
	logger := slog.New(h)

	LogDeliverySuccess(logger, "primary", 42, 123.4)

	record := h.getLastRecord()
	require.NotNil(t, record)
	assert.Equal(t, "batch delivered", record["msg"])
	assert.Equal(t, "primary", record["destination"])
	assert.Equal(t, float64(42), record["batch_size"])
	assert.Equal(t, 123.4, record["duration_ms"])

	LogDeliverySuccess(nil, "primary", 1, 0)
}

func TestLogDeliveryError(t *testing.T) {
	h := newTestHandler()
	logger := slog.New(h)

	LogDeliveryError(logger, "analytics", 7, errors.New("connection refused"))

	record := h.getLastRecord()
	require.NotNil(t, record)
	assert.Equal(t, "ERROR", record["level"])
	assert.Equal(t, "analytics", record["destination"])
	assert.Equal(t, "connection refused", record["error"])

	LogDeliveryError(nil, "analytics", 7, errors.New("ignored"))
}

func TestLogHealthTransition(t *testing.T) {
	t.Run("unhealthy logs warning with failure count", func(t *testing.T) {
		h := newTestHandler()
		logger := slog.New(h)

		LogHealthTransition(logger, "primary", false, 3)

		record := h.getLastRecord()
		require.NotNil(t, record)
		assert.Equal(t, "WARN", record["level"])
		assert.Equal(t, "destination unhealthy", record["msg"])
		assert.Equal(t, float64(3), record["consecutive_failures"])
	})

	t.Run("recovery logs info", func(t *testing.T) {
		h := newTestHandler()
		logger := slog.New(h)

		LogHealthTransition(logger, "primary", true, 0)

		record := h.getLastRecord()
		require.NotNil(t, record)
		assert.Equal(t, "INFO", record["level"])
		assert.Equal(t, "destination recovered", record["msg"])
	})

	t.Run("nil logger is safe", func(t *testing.T) {
		LogHealthTransition(nil, "primary", false, 3)
	})
}

func TestLogSweep(t *testing.T) {
	h := newTestHandler()
	logger := slog.New(h)

	LogSweep(logger, "events", 17)

	record := h.getLastRecord()
	require.NotNil(t, record)
	assert.Equal(t, "retention sweep", record["msg"])
	assert.Equal(t, "events", record["table"])
	assert.Equal(t, float64(17), record["deleted"])

	LogSweep(nil, "events", 0)
}

func TestLogRouteRefresh(t *testing.T) {
	t.Run("success logs debug", func(t *testing.T) {
		h := newTestHandler()
		logger := slog.New(h)

		LogRouteRefresh(logger, "!target1", "stale", nil)

		record := h.getLastRecord()
		require.NotNil(t, record)
		assert.Equal(t, "DEBUG", record["level"])
		assert.Equal(t, "route refreshed", record["msg"])
		assert.Equal(t, "stale", record["reason"])
	})

	t.Run("failure logs warning with error", func(t *testing.T) {
		h := newTestHandler()
		logger := slog.New(h)

		LogRouteRefresh(logger, "!target1", "proactive", errors.New("timeout"))

		record := h.getLastRecord()
		require.NotNil(t, record)
		assert.Equal(t, "WARN", record["level"])
		assert.Equal(t, "timeout", record["error"])
	})

	t.Run("nil logger is safe", func(t *testing.T) {
		LogRouteRefresh(nil, "!target1", "stale", nil)
	})
}

func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	time.Sleep(5 * time.Millisecond)
	elapsed := done()
	assert.GreaterOrEqual(t, elapsed, float64(0))
}
