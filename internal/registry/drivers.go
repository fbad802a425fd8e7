package registry

import (
	"math"

	"ring-go-home/internal/devicekind"
	"ring-go-home/internal/normalize"
	"ring-go-home/internal/store"
)

// Driver turns a normalized record into attribute changes for one device.
// Apply must not mutate dev; the registry merges the returned map.
type Driver interface {
	Apply(dev *store.Device, rec normalize.Record) map[string]any
}

// DriverFunc adapts a function to Driver.
type DriverFunc func(dev *store.Device, rec normalize.Record) map[string]any

func (f DriverFunc) Apply(dev *store.Device, rec normalize.Record) map[string]any {
	return f(dev, rec)
}

// DefaultDrivers returns the built-in drivers keyed by driver name.
func DefaultDrivers() map[string]Driver {
	byFamily := map[devicekind.Family]DriverFunc{
		devicekind.FamilyHub:         applyHub,
		devicekind.FamilyCamera:      applyCommon,
		devicekind.FamilyChime:       applyCommon,
		devicekind.FamilyContact:     applyFaulted("contact", "open", "closed"),
		devicekind.FamilyMotion:      applyFaulted("motion", "active", "inactive"),
		devicekind.FamilyLeak:        applyLeak,
		devicekind.FamilySmoke:       applySmoke,
		devicekind.FamilyPanel:       applyPanel,
		devicekind.FamilyKeypad:      applyKeypad,
		devicekind.FamilySiren:       applySiren,
		devicekind.FamilyLock:        applyLock,
		devicekind.FamilySwitch:      applySwitch,
		devicekind.FamilyDimmer:      applyDimmer,
		devicekind.FamilyThermostat:  applyThermostat,
		devicekind.FamilyTemperature: applyTemperature,
		devicekind.FamilyExtender:    applyExtender,
	}

	drivers := make(map[string]Driver)
	for _, name := range devicekind.Drivers() {
		drivers[name] = nil
	}
	// Resolve each driver name through any kind that uses it.
	for _, raw := range sampleKinds {
		d := devicekind.Parse(raw)
		if fn, ok := byFamily[d.Family]; ok && drivers[d.Driver] == nil {
			drivers[d.Driver] = fn
		}
	}
	for name, d := range drivers {
		if d == nil {
			drivers[name] = DriverFunc(applyCommon)
		}
	}
	return drivers
}

// sampleKinds has one raw kind per driver.
var sampleKinds = []string{
	"base_station_v1", "beams_bridge_v1", "lpd_v2", "hp_cam_v1", "chime",
	"sensor.contact", "sensor.motion", "sensor.flood-freeze", "listener.smoke-co",
	"security-panel", "security-keypad", "range-extender.zwave", "siren", "lock",
	"temperature-control.thermostat", "sensor.temperature", "switch", "switch.multilevel",
	"switch.multilevel.beams", "group.light-group.beams",
}

func applyCommon(_ *store.Device, rec normalize.Record) map[string]any {
	out := make(map[string]any)
	if rec.Battery != nil {
		out["battery"] = *rec.Battery
	}
	if rec.BatteryStatus != nil {
		out["battery_status"] = *rec.BatteryStatus
	}
	if rec.Tamper != nil {
		out["tamper"] = *rec.Tamper != "ok"
	}
	if rec.Signal != nil {
		out["signal"] = *rec.Signal
	}
	return out
}

func applyFaulted(attr, on, off string) DriverFunc {
	return func(dev *store.Device, rec normalize.Record) map[string]any {
		out := applyCommon(dev, rec)
		if f, ok := rec.State["faulted"].(bool); ok {
			if f {
				out[attr] = on
			} else {
				out[attr] = off
			}
		}
		return out
	}
}

func applyHub(dev *store.Device, rec normalize.Record) map[string]any {
	out := applyCommon(dev, rec)
	if s, ok := rec.State["commStatus"].(string); ok {
		out["comm_status"] = s
	}
	if s, ok := rec.State["acStatus"].(string); ok {
		out["ac_status"] = s
	}
	if nets, ok := rec.State["networks"].(map[string]any); ok {
		if wan, ok := nets["wan0"].(map[string]any); ok {
			if t, ok := wan["type"].(string); ok {
				out["network"] = t
			}
		}
	}
	return out
}

func applyLeak(dev *store.Device, rec normalize.Record) map[string]any {
	out := applyCommon(dev, rec)
	if m, ok := rec.State["flood"].(map[string]any); ok {
		if f, ok := m["faulted"].(bool); ok {
			out["water"] = wetDry(f)
		}
	}
	if m, ok := rec.State["freeze"].(map[string]any); ok {
		if f, ok := m["faulted"].(bool); ok {
			out["freeze"] = f
		}
	}
	return out
}

func wetDry(wet bool) string {
	if wet {
		return "wet"
	}
	return "dry"
}

func applySmoke(dev *store.Device, rec normalize.Record) map[string]any {
	out := applyCommon(dev, rec)
	for _, key := range []string{"smoke", "co"} {
		if m, ok := rec.State[key].(map[string]any); ok {
			if s, ok := m["alarmStatus"].(string); ok {
				out[key] = s
			}
		}
	}
	if s, ok := rec.State["alarmStatus"].(string); ok {
		out["alarm"] = s
	}
	return out
}

// panelModes maps the vendor security modes to hub alarm modes.
var panelModes = map[string]string{
	"none": "disarmed",
	"some": "home",
	"all":  "away",
}

func applyPanel(dev *store.Device, rec normalize.Record) map[string]any {
	out := applyCommon(dev, rec)
	if m, ok := rec.State["mode"].(string); ok {
		if mode, ok := panelModes[m]; ok {
			out["alarm_mode"] = mode
		} else {
			out["alarm_mode"] = m
		}
	}
	if info, ok := rec.State["alarmInfo"].(map[string]any); ok {
		if s, ok := info["state"].(string); ok {
			out["alarm_state"] = s
		}
	} else if v, ok := rec.State["alarmInfo"]; ok && v == nil {
		out["alarm_state"] = "clear"
	}
	if v, ok := rec.State["transitionDelayEndTimestamp"]; ok {
		out["exit_delay_end"] = v
	}
	return out
}

func applyKeypad(dev *store.Device, rec normalize.Record) map[string]any {
	out := applyCommon(dev, rec)
	if v, ok := rec.State["volume"].(float64); ok {
		out["volume"] = percent(v)
	}
	if v, ok := rec.State["brightness"].(float64); ok {
		out["brightness"] = percent(v)
	}
	return out
}

func applySiren(dev *store.Device, rec normalize.Record) map[string]any {
	out := applyCommon(dev, rec)
	if s, ok := rec.State["sirenStatus"].(string); ok {
		out["siren"] = s == "active"
	}
	if v, ok := rec.State["volume"].(float64); ok {
		out["volume"] = percent(v)
	}
	return out
}

func applyLock(dev *store.Device, rec normalize.Record) map[string]any {
	out := applyCommon(dev, rec)
	if s, ok := rec.State["locked"].(string); ok {
		out["lock"] = s
	}
	return out
}

func applySwitch(dev *store.Device, rec normalize.Record) map[string]any {
	out := applyCommon(dev, rec)
	if on, ok := rec.State["on"].(bool); ok {
		out["switch"] = onOff(on)
	}
	return out
}

func applyDimmer(dev *store.Device, rec normalize.Record) map[string]any {
	out := applySwitch(dev, rec)
	if v, ok := rec.State["level"].(float64); ok {
		out["level"] = percent(v)
	}
	if s, ok := rec.State["motionStatus"].(string); ok {
		if s == "faulted" {
			out["motion"] = "active"
		} else {
			out["motion"] = "inactive"
		}
	}
	return out
}

func applyThermostat(dev *store.Device, rec normalize.Record) map[string]any {
	out := applyCommon(dev, rec)
	if s, ok := rec.State["mode"].(string); ok {
		out["thermostat_mode"] = s
	}
	if v, ok := rec.State["setPoint"].(float64); ok {
		out["set_point"] = v
	}
	return out
}

func applyTemperature(dev *store.Device, rec normalize.Record) map[string]any {
	out := applyCommon(dev, rec)
	if c, ok := rec.State["celsius"].(float64); ok {
		out["temperature"] = math.Round(c*10) / 10
	}
	return out
}

func applyExtender(dev *store.Device, rec normalize.Record) map[string]any {
	out := applyCommon(dev, rec)
	if s, ok := rec.State["acStatus"].(string); ok {
		out["ac_status"] = s
	}
	return out
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// percent converts the vendor 0..1 scale to 0..100.
func percent(v float64) int {
	return int(math.Round(v * 100))
}
