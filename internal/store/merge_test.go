package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsBlank(t *testing.T) {
	assert.True(t, isBlank(nil))
	assert.True(t, isBlank(""))
	assert.True(t, isBlank("   "))
	assert.False(t, isBlank("AUTO"))
	assert.False(t, isBlank(0))
}

func TestMergeThermostatRealtime(t *testing.T) {
	t.Run("blank guarded field keeps prior realtime value", func(t *testing.T) {
		e := &Entity{
			Kind:     KindThermostat,
			Static:   map[string]any{},
			Realtime: map[string]any{"ACT_MODE": "AUTO"},
		}
		mergeThermostatRealtime(e, map[string]any{"ACT_MODE": "", "TEMP": "21.5"})

		assert.Equal(t, "AUTO", e.Realtime["ACT_MODE"])
		assert.Equal(t, "21.5", e.Realtime["TEMP"])
	})

	t.Run("blank guarded field keeps prior static value", func(t *testing.T) {
		e := &Entity{
			Kind:     KindThermostat,
			Static:   map[string]any{"ACT_SEA": "WIN"},
			Realtime: map[string]any{},
		}
		mergeThermostatRealtime(e, map[string]any{"ACT_SEA": ""})

		_, overwritten := e.Realtime["ACT_SEA"]
		assert.False(t, overwritten, "blank must not shadow the static value")
	})

	t.Run("non-blank guarded field overwrites", func(t *testing.T) {
		e := &Entity{
			Kind:     KindThermostat,
			Static:   map[string]any{},
			Realtime: map[string]any{"ACT_MODE": "AUTO"},
		}
		mergeThermostatRealtime(e, map[string]any{"ACT_MODE": "MAN"})
		assert.Equal(t, "MAN", e.Realtime["ACT_MODE"])
	})

	t.Run("nested profile merges field by field", func(t *testing.T) {
		e := &Entity{
			Kind:   KindThermostat,
			Static: map[string]any{},
			Realtime: map[string]any{
				"WIN": map[string]any{"T1": "19.0", "T2": "21.0"},
			},
		}
		mergeThermostatRealtime(e, map[string]any{
			"WIN": map[string]any{"T1": "20.0", "T2": ""},
		})

		win := e.Realtime["WIN"].(map[string]any)
		assert.Equal(t, "20.0", win["T1"], "non-blank sub-field is absorbed")
		assert.Equal(t, "21.0", win["T2"], "blank sub-field keeps prior value")
	})

	t.Run("nested profile seeds from static", func(t *testing.T) {
		e := &Entity{
			Kind: KindThermostat,
			Static: map[string]any{
				"SUM": map[string]any{"T1": "24.0", "T2": "26.0"},
			},
			Realtime: map[string]any{},
		}
		mergeThermostatRealtime(e, map[string]any{
			"SUM": map[string]any{"T1": "25.0"},
		})

		sum := e.Realtime["SUM"].(map[string]any)
		assert.Equal(t, "25.0", sum["T1"])
		assert.Equal(t, "26.0", sum["T2"])
	})
}

func TestMergedView(t *testing.T) {
	t.Run("plain kinds overlay realtime on static", func(t *testing.T) {
		e := &Entity{
			Kind:     KindOutput,
			Static:   map[string]any{"DES": "Porch", "STA": "OFF"},
			Realtime: map[string]any{"STA": "ON"},
		}
		out := mergedView(e)
		assert.Equal(t, "Porch", out["DES"])
		assert.Equal(t, "ON", out["STA"])
	})

	t.Run("thermostat blank realtime never shadows static", func(t *testing.T) {
		e := &Entity{
			Kind:     KindThermostat,
			Static:   map[string]any{"ACT_MODE": "AUTO"},
			Realtime: map[string]any{"ACT_MODE": "", "TEMP": "20.0"},
		}
		out := mergedView(e)
		assert.Equal(t, "AUTO", out["ACT_MODE"])
		assert.Equal(t, "20.0", out["TEMP"])
	})

	t.Run("does not mutate the entity", func(t *testing.T) {
		e := &Entity{
			Kind:     KindOutput,
			Static:   map[string]any{"DES": "Porch"},
			Realtime: map[string]any{"STA": "ON"},
		}
		out := mergedView(e)
		out["DES"] = "changed"
		assert.Equal(t, "Porch", e.Static["DES"])
	})
}

func TestZoneTransition(t *testing.T) {
	base := map[string]any{"STA": "R", "BYP": "NO", "T": "N", "VAS": "N", "FM": "N", "A": "N"}

	t.Run("identical maps are not a transition", func(t *testing.T) {
		assert.False(t, zoneTransition(base, map[string]any{
			"STA": "R", "BYP": "NO", "T": "N", "VAS": "N", "FM": "N", "A": "N",
		}))
	})

	t.Run("case and whitespace are normalized", func(t *testing.T) {
		assert.False(t, zoneTransition(base, map[string]any{
			"STA": " r ", "BYP": "no", "T": "n", "VAS": "N", "FM": "N", "A": "N",
		}))
	})

	t.Run("any tracked field change is a transition", func(t *testing.T) {
		for _, f := range zoneStatusFields {
			next := map[string]any{}
			for k, v := range base {
				next[k] = v
			}
			next[f] = "CHANGED"
			assert.True(t, zoneTransition(base, next), "field %s", f)
		}
	})

	t.Run("untracked field changes are ignored", func(t *testing.T) {
		next := map[string]any{}
		for k, v := range base {
			next[k] = v
		}
		next["LBL"] = "different"
		assert.False(t, zoneTransition(base, next))
	})
}

func TestZoneInTrouble(t *testing.T) {
	t.Run("quiet zone", func(t *testing.T) {
		assert.False(t, zoneInTrouble(map[string]any{
			"STA": "R", "A": "N", "T": "N", "VAS": "N", "FM": "N", "BYP": "NO",
		}))
	})

	t.Run("alarm sentinels", func(t *testing.T) {
		for sta := range zoneAlarmSTA {
			assert.True(t, zoneInTrouble(map[string]any{"STA": sta}), "STA=%s", sta)
		}
	})

	t.Run("lowercase alarm value", func(t *testing.T) {
		assert.True(t, zoneInTrouble(map[string]any{"STA": "alarm"}))
	})

	t.Run("tamper mask fault and bypass", func(t *testing.T) {
		for _, f := range []string{"A", "T", "VAS", "FM", "BYP"} {
			rt := map[string]any{f: "Y"}
			assert.True(t, zoneInTrouble(rt), "field %s", f)
		}
	})

	t.Run("normal sentinels are not trouble", func(t *testing.T) {
		assert.False(t, zoneInTrouble(map[string]any{
			"A": "OFF", "T": "FALSE", "VAS": "0", "FM": "F", "BYP": "NO",
		}))
	})

	t.Run("empty map is quiet", func(t *testing.T) {
		assert.False(t, zoneInTrouble(map[string]any{}))
	})
}
