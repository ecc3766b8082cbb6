package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestNoopMetrics(t *testing.T) {
	ctx := context.Background()
	m := NoopMetrics{}

	// All methods should be safe to call
	m.RecordAdmission(ctx, "telemetry", 2)
	m.RecordDelivery(ctx, "primary", 10, time.Second, nil)
	m.RecordDelivery(ctx, "primary", 10, time.Second, errors.New("err"))
	m.RecordBacklog(ctx, "primary", 5)
	m.RecordCacheLookup(ctx, "hit")
	m.RecordRouteRefresh(ctx, "stale", nil)
	m.RecordSweep(ctx, "events", 3)
}

func TestNoopSpanManager(t *testing.T) {
	ctx := context.Background()
	sm := NoopSpanManager{}

	newCtx, span := sm.StartDeliverySpan(ctx, "primary", 10)
	assert.Equal(t, ctx, newCtx)
	assert.NotNil(t, span)
	assert.False(t, span.IsRecording())

	newCtx, span = sm.StartAdmissionSpan(ctx, "telemetry")
	assert.Equal(t, ctx, newCtx)
	assert.NotNil(t, span)

	sm.EndSpanWithError(span, nil)
	sm.EndSpanWithError(span, errors.New("err"))
	sm.EndSpanWithError(nil, nil)
	sm.AddSpanEvent(ctx, "event", attribute.String("k", "v"))
}
