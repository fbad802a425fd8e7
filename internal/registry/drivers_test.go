package registry

import (
	"testing"

	"ring-go-home/internal/devicekind"
	"ring-go-home/internal/normalize"
	"ring-go-home/internal/store"
)

func TestDefaultDriversCoverTable(t *testing.T) {
	drivers := DefaultDrivers()
	for _, name := range devicekind.Drivers() {
		if drivers[name] == nil {
			t.Errorf("no driver for %q", name)
		}
	}
}

func intp(v int) *int       { return &v }
func strp(v string) *string { return &v }

func applyKind(kind string, rec normalize.Record) map[string]any {
	d := devicekind.Parse(kind)
	return DefaultDrivers()[d.Driver].Apply(&store.Device{Kind: kind, Driver: d.Driver}, rec)
}

func TestDriverApply(t *testing.T) {
	tests := []struct {
		name string
		kind string
		rec  normalize.Record
		key  string
		want any
	}{
		{"contact open", "sensor.contact", normalize.Record{State: map[string]any{"faulted": true}}, "contact", "open"},
		{"motion idle", "sensor.motion", normalize.Record{State: map[string]any{"faulted": false}}, "motion", "inactive"},
		{"battery", "sensor.motion", normalize.Record{Battery: intp(42)}, "battery", 42},
		{"tamper", "sensor.contact", normalize.Record{Tamper: strp("tamper")}, "tamper", true},
		{"panel away", "security-panel", normalize.Record{State: map[string]any{"mode": "all"}}, "alarm_mode", "away"},
		{"panel clear", "security-panel", normalize.Record{State: map[string]any{"alarmInfo": nil}}, "alarm_state", "clear"},
		{"dimmer level", "switch.multilevel", normalize.Record{State: map[string]any{"level": 0.37}}, "level", 37},
		{"beams motion", "switch.multilevel.beams", normalize.Record{State: map[string]any{"motionStatus": "faulted"}}, "motion", "active"},
		{"switch", "switch", normalize.Record{State: map[string]any{"on": true}}, "switch", "on"},
		{"lock", "lock", normalize.Record{State: map[string]any{"locked": "jammed"}}, "lock", "jammed"},
		{"leak", "sensor.flood-freeze", normalize.Record{State: map[string]any{"flood": map[string]any{"faulted": true}}}, "water", "wet"},
		{"smoke", "listener.smoke-co", normalize.Record{State: map[string]any{"co": map[string]any{"alarmStatus": "active"}}}, "co", "active"},
		{"temperature", "sensor.temperature", normalize.Record{State: map[string]any{"celsius": 21.46}}, "temperature", 21.5},
		{"siren", "siren", normalize.Record{State: map[string]any{"sirenStatus": "active"}}, "siren", true},
		{"keypad", "security-keypad", normalize.Record{State: map[string]any{"volume": 0.5}}, "volume", 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applyKind(tt.kind, tt.rec)
			if got[tt.key] != tt.want {
				t.Errorf("%s = %v (%T), want %v", tt.key, got[tt.key], got[tt.key], tt.want)
			}
		})
	}
}

func TestDriverAbsentFieldsNotReported(t *testing.T) {
	got := applyKind("sensor.contact", normalize.Record{})
	if len(got) != 0 {
		t.Errorf("changes = %v, want none", got)
	}
}
