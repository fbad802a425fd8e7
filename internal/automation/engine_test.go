//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"ring-go-home/internal/devicekind"
	"ring-go-home/internal/registry"
	"ring-go-home/internal/store"
)

type sentCommand struct {
	id  string
	cmd registry.Command
}

type stubCommander struct {
	mu    sync.Mutex
	sent  chan sentCommand
	modes []string
	err   error
}

func newStubCommander() *stubCommander {
	return &stubCommander{sent: make(chan sentCommand, 8)}
}

func (c *stubCommander) Command(_ context.Context, localID string, cmd registry.Command) error {
	c.sent <- sentCommand{id: localID, cmd: cmd}
	return c.err
}

func (c *stubCommander) LocationMode(_ context.Context, mode string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modes = append(c.modes, mode)
	return c.err
}

func newTestSetup(t *testing.T) (*Engine, *registry.Registry, *stubCommander, *Manager) {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New(st, registry.NewEventBus(testLogger()), testLogger())
	if _, err := reg.EnsureDevice("101", devicekind.Parse("lpd_v2"), registry.Metadata{Name: "Front Door"}); err != nil {
		t.Fatal(err)
	}
	cmd := newStubCommander()
	mgr := newTestManager(t)
	e := NewEngine(reg, cmd, mgr, testLogger(), SystemConfig{}, TelegramConfig{})
	return e, reg, cmd, mgr
}

func TestScriptReactsToDing(t *testing.T) {
	e, reg, cmd, mgr := newTestSetup(t)
	_, err := mgr.Save(&Script{
		ID:   "siren",
		Meta: ScriptMeta{Name: "Siren on ding", Enabled: true},
		Code: `
ring.on("device_event", {kind="ding"}, function(ev)
    ring.command(ev.device, "siren", true)
end)
ring.on("device_event", {kind="motion"}, function(ev)
    ring.command(ev.device, "light", "on")
end)
`,
	})
	if err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()
	if !e.Running("siren") {
		t.Fatal("script not running")
	}

	if err := reg.Trigger(registry.LocalID("101"), "ding"); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-cmd.sent:
		if got.id != "ring_101" || got.cmd.Name != "siren" || got.cmd.Value != true {
			t.Errorf("command = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("script did not send a command")
	}

	select {
	case got := <-cmd.sent:
		t.Errorf("unexpected extra command %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisabledScriptNotStarted(t *testing.T) {
	e, _, _, mgr := newTestSetup(t)
	if _, err := mgr.Save(&Script{ID: "off", Meta: ScriptMeta{Name: "Off"}, Code: `ring.log("x")`}); err != nil {
		t.Fatal(err)
	}
	e.Start()
	defer e.Stop()
	if e.Running("off") {
		t.Error("disabled script is running")
	}
}

func TestReloadAndStopScript(t *testing.T) {
	e, _, _, mgr := newTestSetup(t)
	e.Start()
	defer e.Stop()

	s, err := mgr.Save(&Script{ID: "later", Meta: ScriptMeta{Name: "Later", Enabled: true}, Code: `ring.log("x")`})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if !e.Running("later") {
		t.Fatal("reloaded script not running")
	}

	e.StopScript("later")
	if e.Running("later") {
		t.Error("stopped script still running")
	}

	if _, err := mgr.Save(&Script{ID: "broken", Meta: ScriptMeta{Enabled: true}, Code: `ring.on(`}); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript("broken"); err == nil {
		t.Error("syntax error should fail reload")
	}
	if err := e.ReloadScript("missing"); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("reload missing: err = %v", err)
	}
}

func TestRunLuaCode(t *testing.T) {
	e, _, cmd, _ := newTestSetup(t)

	res := e.RunLuaCode(`
ring.log(tostring(ring.get("Front Door", "missing")))
ring.on("device_event", {device="ring_101", kind="ding"}, function(ev)
    ring.log(ev.device .. " " .. ev.kind)
    local ok = ring.command(ev.device, "light", "on")
    ring.log(tostring(ok))
end)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 3 || res.Logs[0] != "nil" || res.Logs[1] != "ring_101 ding" || res.Logs[2] != "true" {
		t.Errorf("logs = %q", res.Logs)
	}
	select {
	case got := <-cmd.sent:
		if got.id != "ring_101" || got.cmd.Name != "light" || got.cmd.Value != "on" {
			t.Errorf("command = %+v", got)
		}
	default:
		t.Error("handler did not send a command")
	}
}

func TestRunLuaCodeErrors(t *testing.T) {
	e, _, _, _ := newTestSetup(t)

	if res := e.RunLuaCode(`error("boom")`); res.OK || res.Error == "" {
		t.Errorf("error result = %+v", res)
	}
	if res := e.RunLuaCode(`while true do end`); res.OK || res.Error != "timeout (5s)" {
		t.Errorf("timeout result = %+v", res)
	}
	if res := e.RunLuaCode(`os.exit(1)`); res.OK {
		t.Error("sandboxed os should be unavailable")
	}
	if res := e.RunScript("nope"); res.OK {
		t.Error("missing script should fail")
	}
}

func TestRingModuleLookupsAndMode(t *testing.T) {
	e, _, cmd, _ := newTestSetup(t)
	res := e.RunLuaCode(`
local devs = ring.devices()
ring.log(tostring(#devs) .. " " .. devs[1].id .. " " .. devs[1].kind)
local ok, err = ring.command("Nobody", "light", "on")
ring.log(tostring(ok) .. " " .. err)
ring.mode("away")
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 2 || res.Logs[0] != "1 ring_101 lpd_v2" || res.Logs[1] != "false device not found: Nobody" {
		t.Errorf("logs = %q", res.Logs)
	}
	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	if len(cmd.modes) != 1 || cmd.modes[0] != "away" {
		t.Errorf("modes = %v", cmd.modes)
	}
}

func TestResolveDevice(t *testing.T) {
	e, _, _, _ := newTestSetup(t)
	for _, target := range []string{"ring_101", "101", "front door"} {
		if dev := resolveDevice(e, target); dev == nil || dev.ID != "ring_101" {
			t.Errorf("resolveDevice(%q) = %v", target, dev)
		}
	}
	if dev := resolveDevice(e, "back door"); dev != nil {
		t.Errorf("resolveDevice(back door) = %v, want nil", dev)
	}
}

func TestMatchesHandler(t *testing.T) {
	ding := map[string]any{"type": "device_event", "device": "ring_1", "kind": "ding"}
	update := map[string]any{"type": "device_updated", "device": "ring_1", "changes": map[string]any{"contact": "open"}}

	tests := []struct {
		name    string
		handler luaEventHandler
		evType  string
		fields  map[string]any
		want    bool
	}{
		{"type only", luaEventHandler{eventType: "device_event"}, "device_event", ding, true},
		{"wrong type", luaEventHandler{eventType: "device_updated"}, "device_event", ding, false},
		{"device match", luaEventHandler{eventType: "device_event", device: "ring_1"}, "device_event", ding, true},
		{"device mismatch", luaEventHandler{eventType: "device_event", device: "ring_2"}, "device_event", ding, false},
		{"kind mismatch", luaEventHandler{eventType: "device_event", kind: "motion"}, "device_event", ding, false},
		{"attribute changed", luaEventHandler{eventType: "device_updated", attribute: "contact"}, "device_updated", update, true},
		{"attribute unchanged", luaEventHandler{eventType: "device_updated", attribute: "battery"}, "device_updated", update, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesHandler(tt.handler, tt.evType, tt.fields); got != tt.want {
				t.Errorf("matchesHandler() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventFields(t *testing.T) {
	tests := []struct {
		event registry.Event
		key   string
		want  any
	}{
		{registry.Event{Type: registry.EventDeviceCreated, Data: &store.Device{ID: "ring_1", Kind: "chime"}}, "kind", "chime"},
		{registry.Event{Type: registry.EventDeviceEvent, Data: registry.DeviceEvent{DeviceID: "ring_1", Kind: "motion"}}, "device", "ring_1"},
		{registry.Event{Type: registry.EventDeviceRemoved, Data: map[string]string{"device_id": "ring_9"}}, "device", "ring_9"},
		{registry.Event{Type: registry.EventGatewayStatus, Data: registry.GatewayStatus{Status: "connected"}}, "status", "connected"},
		{registry.Event{Type: registry.EventLocationMode, Data: map[string]string{"mode": "home"}}, "mode", "home"},
	}
	for _, tt := range tests {
		fields := eventFields(tt.event)
		if fields["type"] != tt.event.Type || fields[tt.key] != tt.want {
			t.Errorf("eventFields(%s)[%s] = %v, want %v", tt.event.Type, tt.key, fields[tt.key], tt.want)
		}
	}
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  any
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"time", time.Unix(10, 0), lua.LTNumber},
		{"map", map[string]any{"a": 1}, lua.LTTable},
		{"string map", map[string]string{"a": "b"}, lua.LTTable},
		{"slice", []any{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}
	for _, tt := range tests {
		if got := goToLua(L, tt.val).Type(); got != tt.want {
			t.Errorf("goToLua(%s) type = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestLuaToGo(t *testing.T) {
	if v := luaToGo(lua.LNumber(3)); v != float64(3) {
		t.Errorf("number = %v", v)
	}
	if v := luaToGo(lua.LTrue); v != true {
		t.Errorf("bool = %v", v)
	}
	if v := luaToGo(lua.LString("on")); v != "on" {
		t.Errorf("string = %v", v)
	}
	if v := luaToGo(lua.LNil); v != nil {
		t.Errorf("nil = %v", v)
	}
}
