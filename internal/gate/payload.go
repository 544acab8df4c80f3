package gate

import (
	"encoding/json"
	"fmt"

	"github.com/wolfguard/tracklink/internal/jt808"
)

// -------------------------------------------------------------------------
// Payload Shaping
// -------------------------------------------------------------------------

// verboseLocation builds the full location payload shape.
func verboseLocation(deviceID string, r *jt808.LocationReport) map[string]any {
	return map[string]any{
		"device_id": deviceID,
		"timestamp": r.Timestamp,
		"event":     "location",
		"location": map[string]any{
			"latitude":  r.Latitude,
			"longitude": r.Longitude,
			"altitude":  r.Altitude,
			"speed":     r.Speed,
			"direction": r.Direction,
		},
		"status":     jt808.StatusFlags(r.Status),
		"alarm":      jt808.AlarmFlags(r.Alarm),
		"additional": r.Additional,
	}
}

// compactLocation builds the bandwidth-optimized location shape: short
// keys, zero fields omitted, only-true flags, and only the mileage and
// fuel additional items.
func compactLocation(deviceID string, r *jt808.LocationReport) map[string]any {
	loc := map[string]any{
		"lat": r.Latitude,
		"lon": r.Longitude,
	}
	if r.Altitude != 0 {
		loc["alt"] = r.Altitude
	}
	if r.Speed != 0 {
		loc["spd"] = r.Speed
	}
	if r.Direction != 0 {
		loc["dir"] = r.Direction
	}

	out := map[string]any{
		"d":   deviceID,
		"t":   r.Timestamp,
		"loc": loc,
	}

	if st := trueFlags(jt808.StatusFlags(r.Status)); len(st) > 0 {
		out["st"] = st
	}
	if alm := trueFlags(jt808.AlarmFlags(r.Alarm)); len(alm) > 0 {
		out["alm"] = alm
	}

	add := map[string]any{}
	if m, ok := r.Additional["mileage"]; ok {
		add["m"] = m
	}
	if b, ok := r.Additional["fuel"]; ok {
		add["b"] = b
	}
	if len(add) > 0 {
		out["add"] = add
	}

	return out
}

// trueFlags keeps only the set bits of a flag map.
func trueFlags(flags map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for name, set := range flags {
		if set {
			out[name] = true
		}
	}
	return out
}

// batchEntry is the per-report shape inside a batch_location payload.
func batchEntry(r *jt808.LocationReport) map[string]any {
	return map[string]any{
		"timestamp": r.Timestamp,
		"latitude":  r.Latitude,
		"longitude": r.Longitude,
		"altitude":  r.Altitude,
		"speed":     r.Speed,
		"direction": r.Direction,
	}
}

// marshalPayload encodes a payload as JSON. If a value refuses to
// marshal, it is coerced to its string form and the encode retried, so
// one bad field never drops a whole event.
func marshalPayload(payload map[string]any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err == nil {
		return data, nil
	}

	coerced := make(map[string]any, len(payload))
	for key, val := range payload {
		if _, keyErr := json.Marshal(val); keyErr != nil {
			coerced[key] = fmt.Sprint(val)
			continue
		}
		coerced[key] = val
	}
	return json.Marshal(coerced)
}
