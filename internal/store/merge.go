package store

import (
	"strings"

	"github.com/spf13/cast"
)

// Thermostat fields the panel is known to push blank intermittently. A blank
// incoming value must not clobber a previously known one.
var thermostatGuarded = map[string]bool{
	"ACT_MODE": true,
	"ACT_SEA":  true,
	"MAN_HRS":  true,
}

// Thermostat sub-objects (seasonal profiles, timer options) merged
// field-by-field rather than wholesale.
var thermostatNested = map[string]bool{
	"WIN": true,
	"SUM": true,
	"TOF": true,
}

// Zone status sub-fields whose transitions count as activity.
var zoneStatusFields = []string{"STA", "BYP", "T", "VAS", "FM", "A"}

// STA values that indicate an alarm state.
var zoneAlarmSTA = map[string]bool{
	"A": true, "AL": true, "ALARM": true, "TRIG": true, "TRIGGERED": true,
}

// A-field values considered normal; anything else is trouble.
var zoneNormalA = map[string]bool{
	"": true, "N": true, "0": true, "F": true, "OFF": true, "FALSE": true, "NO": true,
}

// isBlank reports whether an incoming value carries no information.
func isBlank(v any) bool {
	if v == nil {
		return true
	}
	return strings.TrimSpace(cast.ToString(v)) == ""
}

// normField canonicalizes a status value for comparison.
func normField(v any) string {
	return strings.ToUpper(strings.TrimSpace(cast.ToString(v)))
}

// mergeShallow unions patch into dst key by key, overwriting existing keys.
func mergeShallow(dst, patch map[string]any) {
	for k, v := range patch {
		dst[k] = v
	}
}

// mergeThermostatRealtime applies the thermostat smart merge: guarded fields
// keep their prior value (realtime first, then static) when the incoming
// value is blank, and nested profile blocks only absorb non-blank sub-fields
// so a partial push cannot blank out a known profile.
func mergeThermostatRealtime(dst *Entity, patch map[string]any) {
	for k, v := range patch {
		switch {
		case thermostatGuarded[k] && isBlank(v):
			if _, ok := dst.Realtime[k]; ok {
				continue
			}
			if prev, ok := dst.Static[k]; ok && !isBlank(prev) {
				continue
			}
			dst.Realtime[k] = v
		case thermostatNested[k]:
			incoming, ok := v.(map[string]any)
			if !ok {
				dst.Realtime[k] = v
				continue
			}
			dst.Realtime[k] = mergeProfile(existingBlock(dst, k), incoming)
		default:
			dst.Realtime[k] = v
		}
	}
}

// existingBlock finds the prior value of a nested block, realtime first.
func existingBlock(e *Entity, key string) map[string]any {
	if b, ok := e.Realtime[key].(map[string]any); ok {
		return b
	}
	if b, ok := e.Static[key].(map[string]any); ok {
		return b
	}
	return nil
}

// mergeProfile copies only non-blank incoming sub-fields over the existing
// block.
func mergeProfile(existing, incoming map[string]any) map[string]any {
	out := copyMap(existing)
	if out == nil {
		out = make(map[string]any, len(incoming))
	}
	for k, v := range incoming {
		if isBlank(v) {
			if _, ok := out[k]; ok {
				continue
			}
		}
		out[k] = v
	}
	return out
}

// mergedView overlays realtime on static. For thermostats the overlay uses
// the same smart-merge rules as upsert so blank push values never shadow
// known static values.
func mergedView(e *Entity) map[string]any {
	out := copyMap(e.Static)
	if e.Kind != KindThermostat {
		mergeShallow(out, e.Realtime)
		return out
	}

	for k, v := range e.Realtime {
		switch {
		case thermostatGuarded[k] && isBlank(v):
			if prev, ok := out[k]; ok && !isBlank(prev) {
				continue
			}
			out[k] = v
		case thermostatNested[k]:
			incoming, ok := v.(map[string]any)
			if !ok {
				out[k] = v
				continue
			}
			base, _ := out[k].(map[string]any)
			out[k] = mergeProfile(base, incoming)
		default:
			out[k] = v
		}
	}
	return out
}

// zoneTransition reports whether any tracked status sub-field differs
// between the previous and next realtime maps.
func zoneTransition(prev, next map[string]any) bool {
	for _, f := range zoneStatusFields {
		if normField(prev[f]) != normField(next[f]) {
			return true
		}
	}
	return false
}

// zoneInTrouble reports whether the realtime map shows an alarm, tamper,
// mask, fault or bypass condition, checked against the allow-list of normal
// sentinel values.
func zoneInTrouble(rt map[string]any) bool {
	if zoneAlarmSTA[normField(rt["STA"])] {
		return true
	}
	if !zoneNormalA[normField(rt["A"])] {
		return true
	}
	for _, f := range []string{"T", "VAS", "FM"} {
		v := normField(rt[f])
		if !zoneNormalA[v] {
			return true
		}
	}
	if !zoneNormalA[normField(rt["BYP"])] {
		return true
	}
	return false
}
