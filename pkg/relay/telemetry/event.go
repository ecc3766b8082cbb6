// Package telemetry defines the event model and the ingestion boundary
// that normalizes raw sensor frames into it.
//
// Sensor frames arrive shape-unstable: fields may be present or absent,
// numbers arrive as ints or floats depending on the encoder, and the
// decoded section varies by packet kind. Everything downstream of this
// package operates on the fixed Event shape; no component ever branches
// on the runtime shape of a frame again.
package telemetry

import (
	"encoding/json"
	"time"
)

// Signal carries optional link-quality metrics observed at the sensor.
type Signal struct {
	RSSI int     `json:"rssi"`
	SNR  float64 `json:"snr"`
}

// Event is one immutable telemetry record. Created once at
// normalization and never mutated after admission; retained in the
// delivery queue until past the retention horizon.
type Event struct {
	// ID is the unique event identifier, assigned at normalization.
	ID string `json:"id"`

	// Timestamp is when the event was observed.
	Timestamp time.Time `json:"timestamp"`

	// Origin is the identifier of the node the event came from.
	Origin string `json:"from_node"`

	// Target is the addressed node, if any.
	Target string `json:"to_node,omitempty"`

	// Type is the event's type tag (one of the Kind* constants).
	Type string `json:"type"`

	// Payload is the kind-specific body. Opaque to the engine; it is
	// stored and forwarded without inspection.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Signal holds link-quality metrics when the frame carried them.
	Signal *Signal `json:"signal,omitempty"`
}

// Event type tags produced by normalization.
const (
	KindText       = "text_message"
	KindPosition   = "position"
	KindTelemetry  = "telemetry"
	KindUserInfo   = "user_info"
	KindRouting    = "routing"
	KindTraceroute = "traceroute"
	KindEncrypted  = "encrypted"
	KindOther      = "other"
)

// NodeStatus is the per-origin record kept alongside events and shipped
// in delivery payloads. Rows are whole-row replaced on update.
type NodeStatus struct {
	NodeID   string    `json:"node_id"`
	LastSeen time.Time `json:"last_seen"`
	Battery  *int      `json:"battery_level,omitempty"`
	Position []float64 `json:"position,omitempty"`
	RSSI     *int      `json:"rssi,omitempty"`
	SNR      *float64  `json:"snr,omitempty"`
}

// Observation extracts the node-status fields an event contributes for
// its origin: last-seen always, signal metrics when present, position
// from position events, battery from telemetry device metrics.
func Observation(evt Event) NodeStatus {
	status := NodeStatus{
		NodeID:   evt.Origin,
		LastSeen: evt.Timestamp,
	}
	if evt.Signal != nil {
		rssi := evt.Signal.RSSI
		snr := evt.Signal.SNR
		status.RSSI = &rssi
		status.SNR = &snr
	}

	switch evt.Type {
	case KindPosition:
		var pos struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		}
		if err := json.Unmarshal(evt.Payload, &pos); err == nil {
			if pos.Latitude != 0 || pos.Longitude != 0 {
				status.Position = []float64{pos.Latitude, pos.Longitude}
			}
		}
	case KindTelemetry:
		var body struct {
			DeviceMetrics struct {
				BatteryLevel *int `json:"battery_level"`
			} `json:"device_metrics"`
		}
		if err := json.Unmarshal(evt.Payload, &body); err == nil {
			status.Battery = body.DeviceMetrics.BatteryLevel
		}
	}
	return status
}
