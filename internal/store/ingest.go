package store

import (
	"context"

	"laresbridge/internal/frame"

	"go.uber.org/zap"
)

// realtimeKeys maps REALTIME payload keys to entity kinds, in the order the
// panel emits them.
var realtimeKeys = []struct {
	key  string
	kind string
}{
	{"STATUS_OUTPUTS", KindOutput},
	{"STATUS_ZONES", KindZone},
	{"STATUS_PARTITIONS", KindPartition},
	{"STATUS_SYSTEM", KindSystem},
	{"STATUS_POWER_LINES", KindPowerLine},
	{"STATUS_BUS_HA_SENSORS", KindBusSensor},
	{"STATUS_TEMPERATURES", KindTemperature},
	{"STATUS_HUMIDITY", KindHumidity},
	{"STATUS_CONNECTION", KindConnection},
}

// readKeys maps READ/READ_RES payload keys to entity kinds for full
// configuration snapshots.
var readKeys = []struct {
	key  string
	kind string
}{
	{"OUTPUTS", KindOutput},
	{"ZONES", KindZone},
	{"PARTITIONS", KindPartition},
	{"SCENARIOS", KindScenario},
	{"STATUS_SYSTEM", KindSystem},
	{"POWER_LINES", KindPowerLine},
	{"BUS_HAS", KindBusSensor},
	{"TEMPERATURES", KindTemperature},
	{"HUMIDITY", KindHumidity},
	{"CFG_THERMOSTATS", KindThermostat},
}

// Run drains the unhandled-frame channel fed by the correlation layer until
// ctx is done. Each frame is processed under a recover so a malformed
// payload can never propagate back into the connection's read loop.
func (s *Store) Run(ctx context.Context, frames <-chan *frame.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			s.ingest(f)
		}
	}
}

func (s *Store) ingest(f *frame.Frame) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Ingestion panic recovered",
				zap.String("cmd", f.Cmd), zap.Any("panic", r))
		}
	}()
	s.HandleFrame(f)
}

// HandleFrame routes one unhandled inbound frame. Unknown verbs and replies
// whose correlation record has expired are logged and dropped; they are
// traffic, not errors.
func (s *Store) HandleFrame(f *frame.Frame) {
	switch f.Cmd {
	case "REALTIME":
		s.applyRealtimeFrame(f)
	case "CMD_USR_RES":
		s.logger.Warn("Command reply with no pending record, dropping",
			zap.String("id", f.ID))
	default:
		s.logger.Debug("Unhandled frame", zap.String("cmd", f.Cmd))
	}
}

// applyRealtimeFrame unpacks a push update. The payload nests the per-type
// lists under the receiver name ({"HomeAssistant": {...}}); some firmware
// uses the login ID instead, so fall back to the first object value.
func (s *Store) applyRealtimeFrame(f *frame.Frame) {
	payload := f.PayloadMap()

	data, ok := payload[frame.Sender].(map[string]any)
	if !ok {
		for _, v := range payload {
			if m, isMap := v.(map[string]any); isMap {
				data = m
				break
			}
		}
	}
	if data == nil {
		return
	}

	for _, rk := range realtimeKeys {
		raw, present := data[rk.key]
		if !present {
			continue
		}
		if items := itemList(raw); len(items) > 0 {
			s.ApplyRealtimeList(rk.kind, items)
		}
	}

	// Some firmware emits PARTITIONS instead of STATUS_PARTITIONS.
	if _, hasStatus := data["STATUS_PARTITIONS"]; !hasStatus {
		if raw, present := data["PARTITIONS"]; present {
			if items := itemList(raw); len(items) > 0 {
				s.ApplyRealtimeList(KindPartition, items)
			}
		}
	}
}

// ApplyReadPayload ingests a READ_RES payload (full configuration snapshot)
// as static data for every known section.
func (s *Store) ApplyReadPayload(payload map[string]any) {
	for _, rk := range readKeys {
		raw, present := payload[rk.key]
		if !present {
			continue
		}
		if items := itemList(raw); len(items) > 0 {
			s.ApplyStaticList(rk.kind, items)
		}
	}
}

// itemList normalizes a payload section to a list of objects. Some panels
// send a single object where others send a list.
func itemList(raw any) []map[string]any {
	switch v := raw.(type) {
	case map[string]any:
		return []map[string]any{v}
	case []any:
		items := make([]map[string]any, 0, len(v))
		for _, el := range v {
			if m, ok := el.(map[string]any); ok {
				items = append(items, m)
			}
		}
		return items
	default:
		return nil
	}
}
