//go:build !no_automation

// Package automation runs user Lua scripts against registry events.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"ring-go-home/internal/registry"
	"ring-go-home/internal/store"
)

// runTimeout bounds a one-shot script run.
const runTimeout = 5 * time.Second

// Devices is the registry surface scripts can read.
type Devices interface {
	Device(localID string) (*store.Device, error)
	Devices() ([]*store.Device, error)
	Events() *registry.EventBus
}

// Commander executes device and location commands on behalf of scripts.
type Commander interface {
	Command(ctx context.Context, localID string, cmd registry.Command) error
	LocationMode(ctx context.Context, mode string) error
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a callback registered with ring.on.
type luaEventHandler struct {
	eventType string
	device    string // local id, empty matches any
	kind      string // impulse kind for device_event
	attribute string // changed attribute for device_updated
	fn        *lua.LFunction
}

// scriptVM is the Lua state of one running script. All Lua access goes
// through commands.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

// Engine runs one Lua VM per enabled script and dispatches registry
// events to them.
type Engine struct {
	devs    Devices
	cmd     Commander
	manager *Manager
	logger  *slog.Logger

	systemCfg   SystemConfig
	telegramCfg TelegramConfig

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates an automation engine.
func NewEngine(devs Devices, cmd Commander, mgr *Manager, logger *slog.Logger, sysCfg SystemConfig, teleCfg TelegramConfig) *Engine {
	return &Engine{
		devs:        devs,
		cmd:         cmd,
		manager:     mgr,
		logger:      logger.With("component", "automation"),
		systemCfg:   sysCfg,
		telegramCfg: teleCfg,
		vms:         make(map[string]*scriptVM),
	}
}

// Start subscribes to registry events and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.devs.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all VMs and unsubscribes from the event bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()
	e.logger.Info("automation engine stopped")
}

// ReloadScript restarts a script from disk; a disabled script is only
// stopped.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)
	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// Running reports whether a script VM is active.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

// RunScript executes a saved script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: err.Error(), Logs: []string{}, Duration: "0s"}
	}
	return e.RunLuaCode(s.Code)
}

// RunLuaCode executes code in a throwaway VM. Each handler the code
// registers is then called once with a synthetic event built from its
// filter, so the actions can be tried without waiting for a real event.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	vm := newVM(ctx, cancel)
	L := vm.state
	defer L.Close()

	var (
		logMu sync.Mutex
		logs  = []string{}
	)
	capture := func(line string) {
		logMu.Lock()
		logs = append(logs, line)
		logMu.Unlock()
	}
	e.registerModules(L, vm)

	if tbl, ok := L.GetGlobal("ring").(*lua.LTable); ok {
		tbl.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			capture(L.CheckString(1))
			return 0
		}))
	}
	if tbl, ok := L.GetGlobal("system").(*lua.LTable); ok {
		tbl.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			capture("[" + L.CheckString(1) + "] " + L.CheckString(2))
			return 0
		}))
	}

	result := func(err error) *RunResult {
		res := &RunResult{OK: err == nil, Logs: logs, Duration: time.Since(start).String()}
		if err != nil {
			res.Error = describeLuaError(err)
			e.logger.Warn("script run failed", "err", res.Error)
		}
		return res
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()

	for _, h := range handlers {
		ev := L.NewTable()
		ev.RawSetString("type", lua.LString(h.eventType))
		if h.device != "" {
			ev.RawSetString("device", lua.LString(h.device))
		}
		if h.kind != "" {
			ev.RawSetString("kind", lua.LString(h.kind))
		}
		if h.attribute != "" {
			ev.RawSetString("attribute", lua.LString(h.attribute))
		}
		ev.RawSetString("value", lua.LTrue)
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

func describeLuaError(err error) string {
	msg := err.Error()
	if strings.Contains(msg, "context deadline exceeded") {
		return "timeout (" + runTimeout.String() + ")"
	}
	return msg
}

// newVM creates a sandboxed Lua state.
func newVM(ctx context.Context, cancel context.CancelFunc) *scriptVM {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(ctx)
	return &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (e *Engine) registerModules(L *lua.LState, vm *scriptVM) {
	registerRingModule(L, vm, e)
	registerSystemModule(L, e)
	registerTelegramModule(L, e)
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := newVM(ctx, cancel)
	L := vm.state
	e.registerModules(L, vm)

	if err := L.DoString(s.Code); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent queues matching handlers on their VMs. It never blocks:
// a VM with a full queue drops the event.
func (e *Engine) dispatchEvent(event registry.Event) {
	fields := eventFields(event)

	e.mu.Lock()
	vms := make(map[string]*scriptVM, len(e.vms))
	maps.Copy(vms, e.vms)
	e.mu.Unlock()

	for id, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, event.Type, fields) {
				continue
			}
			fn := h.fn
			if vm.ctx.Err() != nil {
				break
			}
			select {
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, fields) }:
			default:
				e.logger.Warn("script queue full, dropping event", "id", id, "type", event.Type)
			}
		}
	}
}

// eventFields flattens a registry event into the table handed to Lua.
func eventFields(event registry.Event) map[string]any {
	fields := map[string]any{"type": event.Type}
	switch d := event.Data.(type) {
	case *store.Device:
		fields["device"] = d.ID
		fields["name"] = d.Name
		fields["kind"] = d.Kind
	case registry.DeviceChange:
		fields["device"] = d.DeviceID
		fields["changes"] = d.Changes
	case registry.DeviceEvent:
		fields["device"] = d.DeviceID
		fields["kind"] = d.Kind
		if d.Data != nil {
			fields["data"] = d.Data
		}
	case registry.GatewayStatus:
		fields["status"] = d.Status
		fields["detail"] = d.Detail
	case map[string]string:
		for k, v := range d {
			fields[k] = v
		}
	case map[string]any:
		maps.Copy(fields, d)
		fields["type"] = event.Type
	}
	if id, ok := fields["device_id"]; ok {
		if _, set := fields["device"]; !set {
			fields["device"] = id
		}
	}
	return fields
}

func matchesHandler(h luaEventHandler, eventType string, fields map[string]any) bool {
	if h.eventType != eventType {
		return false
	}
	if h.device != "" {
		if dev, _ := fields["device"].(string); dev != h.device {
			return false
		}
	}
	if h.kind != "" {
		if kind, _ := fields["kind"].(string); kind != h.kind {
			return false
		}
	}
	if h.attribute != "" {
		changes, _ := fields["changes"].(map[string]any)
		if _, ok := changes[h.attribute]; !ok {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, fields map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	ev := L.NewTable()
	for k, v := range fields {
		ev.RawSetString(k, goToLua(L, v))
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, ev); err != nil {
		e.logger.Error("lua handler error", "err", err)
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case time.Time:
		return lua.LNumber(val.Unix())
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case map[string]string:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, lua.LString(vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua argument to a command value.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		m := make(map[string]any)
		val.ForEach(func(k, vv lua.LValue) {
			m[k.String()] = luaToGo(vv)
		})
		return m
	default:
		return nil
	}
}
