package telemetry

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	rerrors "github.com/randalmurphal/meshrelay/pkg/relay/errors"
)

// kindRule pairs a predicate with the transform that builds the
// kind-specific payload. Rules are evaluated in order; the first match
// wins, and the final rule matches everything.
type kindRule struct {
	kind    string
	match   func(Frame) bool
	payload func(Frame) any
}

var kindRules = []kindRule{
	{KindText, decodedHas("text"), textPayload},
	{KindPosition, decodedHas("position"), positionPayload},
	{KindTelemetry, decodedHas("telemetry"), telemetryPayload},
	{KindUserInfo, decodedHas("user"), userPayload},
	{KindRouting, decodedHas("routing"), decodedSection("routing")},
	{KindTraceroute, decodedHas("traceroute"), decodedSection("traceroute")},
	{KindEncrypted, func(f Frame) bool { return f.has("encrypted") }, func(Frame) any { return nil }},
	{KindOther, func(Frame) bool { return true }, func(Frame) any { return nil }},
}

// Normalize turns a raw sensor frame into an immutable Event. The one
// hard requirement is an origin identifier; a frame without one is
// rejected with an AdmissionError and dropped before queueing.
func Normalize(frame Frame) (Event, error) {
	origin := firstString(frame, "fromId", "from_node", "from")
	if origin == "" {
		return Event{}, &rerrors.AdmissionError{Reason: "frame has no origin identifier"}
	}

	rule := matchRule(frame)

	var payload json.RawMessage
	if body := rule.payload(frame); body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return Event{}, &rerrors.AdmissionError{Reason: "payload not serializable", Err: err}
		}
		payload = encoded
	}

	return Event{
		ID:        uuid.New().String(),
		Timestamp: frameTime(frame),
		Origin:    origin,
		Target:    firstString(frame, "toId", "to_node", "to"),
		Type:      rule.kind,
		Payload:   payload,
		Signal:    frameSignal(frame),
	}, nil
}

// matchRule returns the first matching kind rule. The fallback rule
// guarantees a match.
func matchRule(frame Frame) kindRule {
	for _, rule := range kindRules {
		if rule.match(frame) {
			return rule
		}
	}
	return kindRules[len(kindRules)-1]
}

func decodedHas(key string) func(Frame) bool {
	return func(f Frame) bool {
		decoded := f.section("decoded")
		return decoded != nil && decoded.has(key)
	}
}

func decodedSection(key string) func(Frame) any {
	return func(f Frame) any {
		if section := f.section("decoded").section(key); section != nil {
			return map[string]any(section)
		}
		return nil
	}
}

func textPayload(f Frame) any {
	return f.section("decoded").str("text")
}

func positionPayload(f Frame) any {
	return pickNums(f.section("decoded").section("position"),
		"latitude", "longitude", "altitude", "time")
}

func telemetryPayload(f Frame) any {
	telemetry := f.section("decoded").section("telemetry")
	body := make(map[string]any)
	if device := pickNums(telemetry.section("device_metrics"),
		"battery_level", "voltage", "channel_utilization", "air_util_tx"); len(device) > 0 {
		body["device_metrics"] = device
	}
	if env := pickNums(telemetry.section("environment_metrics"),
		"temperature", "relative_humidity", "barometric_pressure"); len(env) > 0 {
		body["environment_metrics"] = env
	}
	return body
}

func userPayload(f Frame) any {
	user := f.section("decoded").section("user")
	if user == nil {
		return nil
	}
	return map[string]any{
		"id":         firstString(user, "id"),
		"long_name":  firstString(user, "longName", "long_name"),
		"short_name": firstString(user, "shortName", "short_name"),
		"hw_model":   firstString(user, "hwModel", "hw_model"),
	}
}

// pickNums copies the named numeric fields that are actually present.
// Tolerates nil sections.
func pickNums(section Frame, keys ...string) map[string]any {
	if section == nil {
		return nil
	}
	out := make(map[string]any)
	for _, key := range keys {
		if v, ok := section.num(key); ok {
			out[key] = v
		}
	}
	return out
}

// firstString returns the first present string value among keys.
func firstString(f Frame, keys ...string) string {
	if f == nil {
		return ""
	}
	for _, key := range keys {
		if s := f.str(key); s != "" {
			return s
		}
	}
	return ""
}

// frameTime resolves the observation time: an RFC3339 timestamp field,
// then an epoch-seconds rx_time field, then now.
func frameTime(f Frame) time.Time {
	if s := f.str("timestamp"); s != "" {
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts
		}
	}
	if epoch, ok := f.num("rx_time"); ok && epoch > 0 {
		return time.Unix(int64(epoch), 0).UTC()
	}
	return time.Now().UTC()
}

// frameSignal extracts link-quality metrics when the frame carries any.
func frameSignal(f Frame) *Signal {
	rssi, hasRSSI := f.num("rssi")
	snr, hasSNR := f.num("snr")
	if !hasRSSI && !hasSNR {
		return nil
	}
	return &Signal{RSSI: int(rssi), SNR: snr}
}
