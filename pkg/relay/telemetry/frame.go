package telemetry

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame is a raw sensor record before normalization. Keys and value
// shapes vary by sensor firmware; only Normalize may inspect one.
type Frame map[string]any

// DecodeFrame parses an encoded sensor frame. Msgpack is tried first
// (the sensor bridge's native encoding), then JSON.
func DecodeFrame(data []byte) (Frame, error) {
	var m map[string]any
	if err := msgpack.Unmarshal(data, &m); err == nil {
		return Frame(m), nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode frame: not msgpack or json: %w", err)
	}
	return Frame(m), nil
}

// str returns the string at key, or "" when absent or not a string.
func (f Frame) str(key string) string {
	if s, ok := f[key].(string); ok {
		return s
	}
	return ""
}

// section returns the nested map at key, or nil.
func (f Frame) section(key string) Frame {
	switch m := f[key].(type) {
	case map[string]any:
		return Frame(m)
	case Frame:
		return m
	}
	return nil
}

// num returns the numeric value at key. Encoders disagree on integer
// widths, so every numeric shape collapses to float64 here.
func (f Frame) num(key string) (float64, bool) {
	switch v := f[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		if n, err := v.Float64(); err == nil {
			return n, true
		}
	}
	return 0, false
}

// has reports whether key is present with a non-nil value.
func (f Frame) has(key string) bool {
	v, ok := f[key]
	return ok && v != nil
}
