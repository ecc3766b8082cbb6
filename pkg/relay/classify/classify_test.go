package classify_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/randalmurphal/meshrelay/pkg/relay/classify"
	"github.com/randalmurphal/meshrelay/pkg/relay/config"
	"github.com/randalmurphal/meshrelay/pkg/relay/telemetry"
)

func testRegistry() *config.Registry {
	return config.NewRegistry(map[string]config.DestinationConfig{
		"primary": {
			Name:       "primary",
			Enabled:    true,
			EventTypes: []string{config.TypeAll},
		},
		"analytics": {
			Name:       "analytics",
			Enabled:    true,
			EventTypes: []string{"position", "telemetry"},
		},
		"curated": {
			Name:         "curated",
			Enabled:      true,
			EventTypes:   []string{config.TypeAll},
			FilterNodes:  []string{"!a", "!b"},
			ExcludeNodes: []string{"!b"},
		},
		"retired": {
			Name:       "retired",
			Enabled:    false,
			EventTypes: []string{config.TypeAll},
		},
	})
}

func TestClassify(t *testing.T) {
	registry := testRegistry()

	tests := []struct {
		name string
		evt  telemetry.Event
		want map[string]bool
	}{
		{
			"position event from allowed node",
			telemetry.Event{Origin: "!a", Type: telemetry.KindPosition},
			map[string]bool{"primary": true, "analytics": true, "curated": true},
		},
		{
			"text event excluded by type filter",
			telemetry.Event{Origin: "!a", Type: telemetry.KindText},
			map[string]bool{"primary": true, "analytics": false, "curated": true},
		},
		{
			"deny-list beats allow-list",
			telemetry.Event{Origin: "!b", Type: telemetry.KindPosition},
			map[string]bool{"primary": true, "analytics": true, "curated": false},
		},
		{
			"origin not on allow-list",
			telemetry.Event{Origin: "!z", Type: telemetry.KindTelemetry},
			map[string]bool{"primary": true, "analytics": true, "curated": false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify.Classify(tt.evt, registry)
			assert.Equal(t, tt.want, got)
			assert.NotContains(t, got, "retired", "disabled destinations never appear")
		})
	}
}

func TestSelected(t *testing.T) {
	selected := classify.Selected(map[string]bool{
		"primary":   true,
		"analytics": false,
		"curated":   true,
	})
	assert.ElementsMatch(t, []string{"primary", "curated"}, selected)
}
