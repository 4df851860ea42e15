package store

import (
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// Entity kinds known to the bridge. Kinds map to the panel's realtime and
// configuration payload types.
const (
	KindOutput      = "output"
	KindZone        = "zone"
	KindPartition   = "partition"
	KindScenario    = "scenario"
	KindSystem      = "system"
	KindPowerLine   = "powerline"
	KindBusSensor   = "bus_ha"
	KindThermostat  = "thermostat"
	KindTemperature = "temperature"
	KindHumidity    = "humidity"
	KindConnection  = "connection"
)

// Kinds that accept commands get read-write access; everything else is
// read-only.
var commandKinds = map[string]bool{
	KindOutput:     true,
	KindZone:       true,
	KindPartition:  true,
	KindScenario:   true,
	KindThermostat: true,
}

// nameFields are tried in order when deriving a display label.
var nameFields = []string{"DES", "NAME", "NM"}

// Entity is one addressable panel object. Static holds configuration-origin
// fields, Realtime holds push-origin operational fields; the two merge
// independently.
type Entity struct {
	Key      string         `json:"key"`
	Kind     string         `json:"type"`
	ID       string         `json:"id"`
	Access   string         `json:"access"`
	Name     string         `json:"name,omitempty"`
	Static   map[string]any `json:"static"`
	Realtime map[string]any `json:"realtime"`
	LastSeen int64          `json:"last_seen,omitempty"`
}

// Patch is a partial update for one entity.
type Patch struct {
	Static   map[string]any
	Realtime map[string]any
}

// accessFor derives the capability classifier from the kind.
func accessFor(kind string) string {
	if commandKinds[kind] {
		return "rw"
	}
	return "r"
}

// NormalizeID collapses the wire format's numeric/string drift to one
// canonical string so "7", 7 and 7.0 address the same entity. Returns false
// for nil or blank identifiers.
func NormalizeID(raw any) (string, bool) {
	if raw == nil {
		return "", false
	}
	s := strings.TrimSpace(cast.ToString(raw))
	if s == "" {
		return "", false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(n, 10), true
	}
	return s, true
}

// entityKey builds the map key for a normalized (kind, id) pair.
func entityKey(kind, id string) string {
	return kind + ":" + id
}

// deriveName picks the first non-empty well-known name field, static first.
func deriveName(static, realtime map[string]any) string {
	for _, m := range []map[string]any{static, realtime} {
		for _, field := range nameFields {
			if v, ok := m[field]; ok {
				if s := strings.TrimSpace(cast.ToString(v)); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

// clone returns a defensive copy; callers never see the stored maps.
func (e *Entity) clone() *Entity {
	cp := *e
	cp.Static = copyMap(e.Static)
	cp.Realtime = copyMap(e.Realtime)
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sub, ok := v.(map[string]any); ok {
			out[k] = copyMap(sub)
			continue
		}
		out[k] = v
	}
	return out
}
