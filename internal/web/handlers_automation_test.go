//go:build !no_automation

package web

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"

	"ring-go-home/internal/automation"
)

func newAutomationEnv(t *testing.T) (*testEnv, *automation.Engine) {
	t.Helper()
	env := newTestEnv(t, "")
	mgr, err := automation.NewManager(filepath.Join(t.TempDir(), "scripts"))
	if err != nil {
		t.Fatal(err)
	}
	engine := automation.NewEngine(env.reg, env.cmd, mgr, testLogger(), automation.SystemConfig{}, automation.TelegramConfig{})
	engine.Start()
	t.Cleanup(engine.Stop)

	env.srv = NewServer(env.reg, env.cmd, env.st, testLogger(), WithAutomation(engine, mgr))
	t.Cleanup(env.srv.Stop)
	return env, engine
}

func TestAutomationCRUD(t *testing.T) {
	env, engine := newAutomationEnv(t)

	w := env.do("POST", "/api/automations", `{"name":"Porch","code":"ring.log('x')","enabled":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body)
	}
	var created automation.Script
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID != "porch" || !engine.Running("porch") {
		t.Fatalf("created = %+v, running = %v", created, engine.Running("porch"))
	}

	w = env.do("GET", "/api/automations", "")
	var list []automation.Script
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Fatalf("list = %s (%v)", w.Body, err)
	}

	w = env.do("POST", "/api/automations/porch/toggle", "")
	if w.Code != http.StatusOK || engine.Running("porch") {
		t.Errorf("toggle status = %d, running = %v", w.Code, engine.Running("porch"))
	}

	w = env.do("PUT", "/api/automations/porch", `{"name":"Porch","code":"ring.log('y')","enabled":true}`)
	if w.Code != http.StatusOK || !engine.Running("porch") {
		t.Errorf("update status = %d, running = %v", w.Code, engine.Running("porch"))
	}

	w = env.do("GET", "/api/automations/porch", "")
	var got automation.Script
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil || got.Code != "ring.log('y')\n" {
		t.Errorf("get = %s (%v)", w.Body, err)
	}

	if w := env.do("DELETE", "/api/automations/porch", ""); w.Code != http.StatusOK {
		t.Errorf("delete status = %d", w.Code)
	}
	if engine.Running("porch") {
		t.Error("deleted script still running")
	}
	if w := env.do("GET", "/api/automations/porch", ""); w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", w.Code)
	}
	if w := env.do("DELETE", "/api/automations/porch", ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", w.Code)
	}
}

func TestAutomationValidation(t *testing.T) {
	env, _ := newAutomationEnv(t)
	if w := env.do("POST", "/api/automations", `{"code":"x"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing name status = %d", w.Code)
	}
	if w := env.do("POST", "/api/automations", `{`); w.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d", w.Code)
	}
	if w := env.do("PUT", "/api/automations/absent", `{"name":"x"}`); w.Code != http.StatusNotFound {
		t.Errorf("update missing status = %d", w.Code)
	}
}

func TestAutomationRunInline(t *testing.T) {
	env, _ := newAutomationEnv(t)
	seedCamera(t, env)

	w := env.do("POST", "/api/automations/_inline/run", `{"code":"ring.on('device_event', {device='ring_101', kind='ding'}, function(ev) ring.command(ev.device, 'siren', true) end)"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var res automation.RunResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil || !res.OK {
		t.Fatalf("result = %s (%v)", w.Body, err)
	}
	if len(env.cmd.ids) != 1 || env.cmd.ids[0] != "ring_101" || env.cmd.got[0].Name != "siren" {
		t.Errorf("commands = %v %+v", env.cmd.ids, env.cmd.got)
	}

	w = env.do("POST", "/api/automations/absent/run", "")
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil || res.OK {
		t.Errorf("run missing = %s", w.Body)
	}
}

func TestAutomationUnavailable(t *testing.T) {
	env := newTestEnv(t, "")
	if w := env.do("GET", "/api/automations", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
