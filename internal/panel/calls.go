package panel

import (
	"fmt"

	"laresbridge/internal/frame"

	"go.uber.org/zap"
)

// readTypes is the full configuration snapshot requested at connect.
var readTypes = []string{
	"OUTPUTS", "BUS_HAS", "SCENARIOS", "POWER_LINES", "PARTITIONS",
	"ZONES", "STATUS_SYSTEM", "TEMPERATURES", "HUMIDITY", "CFG_THERMOSTATS",
}

// realtimeTypes is the set of push categories registered for.
var realtimeTypes = []string{
	"STATUS_OUTPUTS", "STATUS_BUS_HA_SENSORS", "STATUS_POWER_LINES",
	"STATUS_PARTITIONS", "STATUS_ZONES", "STATUS_SYSTEM",
	"STATUS_CONNECTION", "STATUS_TEMPERATURES", "STATUS_HUMIDITY",
}

// strictReply matches the reply verb only when the echoed ID is the
// request's own.
func strictReply(verb string) func(id string) Matcher {
	return func(id string) Matcher {
		return func(f *frame.Frame) bool {
			return f.Cmd == verb+"_RES" && f.ID == id
		}
	}
}

// tolerantReply matches the reply verb even when the echoed ID differs,
// logging the mismatch. Needed for firmware that does not echo request IDs.
func (c *Client) tolerantReply(verb string) func(id string) Matcher {
	return func(id string) Matcher {
		return func(f *frame.Frame) bool {
			if f.Cmd != verb+"_RES" {
				return false
			}
			if f.ID != id {
				c.logger.Warn("Reply id mismatch tolerated",
					zap.String("verb", verb),
					zap.String("want", id), zap.String("got", f.ID))
			}
			return true
		}
	}
}

// tolerantTypedReply additionally requires the reply's payload type, so two
// in-flight READs of different sections cannot be cross-attributed even on
// firmware that mangles IDs.
func (c *Client) tolerantTypedReply(verb, payloadType string) func(id string) Matcher {
	return func(id string) Matcher {
		return func(f *frame.Frame) bool {
			if f.Cmd != verb+"_RES" || f.PayloadType != payloadType {
				return false
			}
			if f.ID != id {
				c.logger.Warn("Reply id mismatch tolerated",
					zap.String("verb", verb),
					zap.String("want", id), zap.String("got", f.ID))
			}
			return true
		}
	}
}

// SystemVersion reads the panel model and firmware revision.
func (c *Client) SystemVersion() (map[string]any, error) {
	f, err := c.SendAndAwait("SYSTEM_VERSION", "REQUEST",
		map[string]any{"ID_LOGIN": c.LoginID()},
		c.tolerantReply("SYSTEM_VERSION"), 0)
	if err != nil {
		return nil, err
	}
	return f.PayloadMap(), nil
}

// ReadAll fetches the full configuration snapshot (all sections in one
// MULTI_TYPES read).
func (c *Client) ReadAll() (map[string]any, error) {
	return c.readTypes(readTypes)
}

// ReadZones fetches the current zone configuration section. Polled so zone
// labels and arming assignments stay fresh without a reconnect.
func (c *Client) ReadZones() (map[string]any, error) {
	return c.readTypes([]string{"ZONES"})
}

func (c *Client) readTypes(types []string) (map[string]any, error) {
	f, err := c.SendAndAwait("READ", "MULTI_TYPES", map[string]any{
		"ID_LOGIN": c.LoginID(),
		"ID_READ":  "1",
		"TYPES":    types,
	}, strictReply("READ"), 0)
	if err != nil {
		return nil, err
	}
	return f.PayloadMap(), nil
}

// ReadThermostatsCfg fetches thermostat configuration, which is not part of
// the realtime push set and must be polled.
func (c *Client) ReadThermostatsCfg() (map[string]any, error) {
	f, err := c.SendAndAwait("READ", "CFG_THERMOSTATS", map[string]any{
		"ID_LOGIN": c.LoginID(),
		"ID_READ":  "1",
	}, c.tolerantTypedReply("READ", "CFG_THERMOSTATS"), 0)
	if err != nil {
		return nil, err
	}
	return f.PayloadMap(), nil
}

// RegisterRealtime subscribes to push updates. The reply carries the initial
// realtime state for every registered category.
func (c *Client) RegisterRealtime() (*frame.Frame, error) {
	return c.SendAndAwait("REALTIME", "REGISTER", map[string]any{
		"ID_LOGIN": c.LoginID(),
		"TYPES":    realtimeTypes,
	}, func(id string) Matcher {
		return func(f *frame.Frame) bool {
			if f.Cmd != "REALTIME_RES" && f.Cmd != "REALTIME" {
				return false
			}
			if f.ID != id {
				c.logger.Warn("Realtime registration id mismatch tolerated",
					zap.String("want", id), zap.String("got", f.ID))
			}
			return true
		}
	}, 0)
}

// ReadLogs fetches the most recent panel log records.
func (c *Client) ReadLogs(count int) (map[string]any, error) {
	if count <= 0 {
		count = 12
	}
	f, err := c.SendAndAwait("LOGS", "GET_LAST_LOGS", map[string]any{
		"ID_LOGIN": c.LoginID(),
		"TOT":      fmt.Sprint(count),
	}, c.tolerantReply("LOGS"), 0)
	if err != nil {
		return nil, err
	}
	return f.PayloadMap(), nil
}

// WriteCfg writes a configuration patch of the given payload type. The PIN
// accompanies writes because the panel authorizes them per request.
func (c *Client) WriteCfg(payloadType string, patch map[string]any) (map[string]any, error) {
	payload := map[string]any{
		"ID_LOGIN": c.LoginID(),
		"PIN":      c.opts.PIN,
	}
	for k, v := range patch {
		payload[k] = v
	}
	f, err := c.SendAndAwait("WRITE_CFG", payloadType, payload,
		c.tolerantTypedReply("WRITE_CFG", payloadType), 0)
	if err != nil {
		return nil, err
	}
	return f.PayloadMap(), nil
}

// Clear resets panel memory of the given payload type (alarm memory, faults).
func (c *Client) Clear(payloadType string) (bool, error) {
	f, err := c.SendAndAwait("CLEAR", payloadType, map[string]any{
		"ID_LOGIN": c.LoginID(),
		"PIN":      c.opts.PIN,
	}, c.tolerantTypedReply("CLEAR", payloadType), 0)
	if err != nil {
		return false, err
	}
	return resultOK(f.PayloadMap()), nil
}

// command issues a CMD_USR request fire-and-forget style and waits for the
// acknowledgement on the completion channel, bounded by the command watchdog.
func (c *Client) command(payloadType string, body map[string]any) (bool, error) {
	payload := map[string]any{
		"ID_LOGIN": c.LoginID(),
		"PIN":      c.opts.PIN,
	}
	for k, v := range body {
		payload[k] = v
	}

	done, id, err := c.FireAndForget("CMD_USR", payloadType, payload,
		strictReply("CMD_USR"))
	if err != nil {
		return false, err
	}

	f, ok := <-done
	if !ok || f == nil {
		return false, fmt.Errorf("%s (id %s): %w", payloadType, id, ErrTimeout)
	}
	return resultOK(f.PayloadMap()), nil
}

// SetOutput switches an output. state is the wire value (ON, OFF or a dimmer
// level 1..99).
func (c *Client) SetOutput(outputID, state string) (bool, error) {
	return c.command("CMD_SET_OUTPUT", map[string]any{
		"OUTPUT": map[string]any{"ID": outputID, "STA": state},
	})
}

// ExecuteScenario triggers a panel scenario by ID.
func (c *Client) ExecuteScenario(scenarioID string) (bool, error) {
	return c.command("CMD_EXE_SCENARIO", map[string]any{
		"SCENARIO": map[string]any{"ID": scenarioID},
	})
}

// ArmPartition changes a partition's arming state. mode is the wire value
// (D to disarm, or an arm mode such as T or P).
func (c *Client) ArmPartition(partitionID, mode string) (bool, error) {
	return c.command("CMD_ARM_PARTITION", map[string]any{
		"PARTITION": map[string]any{"ID": partitionID, "MOD": mode},
	})
}

// BypassZone includes or excludes a zone. bypass accepts the API-level
// ON/OFF and translates to the panel's AUTO/NO wire values.
func (c *Client) BypassZone(zoneID, bypass string) (bool, error) {
	byp := bypass
	switch bypass {
	case "ON":
		byp = "AUTO"
	case "OFF":
		byp = "NO"
	}
	return c.command("CMD_BYP_ZONE", map[string]any{
		"ZONE": map[string]any{"ID": zoneID, "BYP": byp},
	})
}

// resultOK extracts the RESULT flag from a reply payload. Panels nest it
// either at the root or under the receiver object.
func resultOK(payload map[string]any) bool {
	if v, ok := payload["RESULT"]; ok {
		return fmt.Sprint(v) == "OK" || fmt.Sprint(v) == "TRUE"
	}
	for _, v := range payload {
		if m, ok := v.(map[string]any); ok {
			if r, ok := m["RESULT"]; ok {
				return fmt.Sprint(r) == "OK" || fmt.Sprint(r) == "TRUE"
			}
		}
	}
	return false
}

// pollZones refreshes zone configuration on a fixed interval while
// connected.
func (c *Client) pollZones() {
	for {
		select {
		case <-c.stop:
			return
		case <-c.clk.After(c.opts.ZonesPollInterval):
		}
		if !c.IsConnected() {
			continue
		}
		payload, err := c.ReadZones()
		if err != nil {
			c.logger.Warn("Zone poll failed", zap.Error(err))
			continue
		}
		c.sink.ApplyReadPayload(payload)
	}
}

// pollThermostats refreshes thermostat configuration on a slower interval.
func (c *Client) pollThermostats() {
	for {
		select {
		case <-c.stop:
			return
		case <-c.clk.After(c.opts.ThermoPollInterval):
		}
		if !c.IsConnected() {
			continue
		}
		payload, err := c.ReadThermostatsCfg()
		if err != nil {
			c.logger.Warn("Thermostat poll failed", zap.Error(err))
			continue
		}
		c.sink.ApplyReadPayload(payload)
	}
}
