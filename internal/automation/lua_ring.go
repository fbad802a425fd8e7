//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"ring-go-home/internal/registry"
	"ring-go-home/internal/store"
)

const (
	maxHandlersPerScript = 100
	commandTimeout       = 15 * time.Second
)

// registerRingModule registers the `ring` global table in a Lua state.
func registerRingModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	funcs := map[string]lua.LGFunction{
		"on":      func(L *lua.LState) int { return ringOn(L, vm) },
		"command": func(L *lua.LState) int { return ringCommand(L, e) },
		"mode":    func(L *lua.LState) int { return ringMode(L, e) },
		"get":     func(L *lua.LState) int { return ringGet(L, e) },
		"after":   func(L *lua.LState) int { return ringAfter(L, vm, e) },
		"devices": func(L *lua.LState) int { return ringDevices(L, e) },
		"log": func(L *lua.LState) int {
			e.logger.Info("script log", "msg", L.CheckString(1))
			return 0
		},
	}
	for name, fn := range funcs {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("ring", mod)
}

// ring.on(type, [filter], callback). Filter keys: device, kind, attribute.
func ringOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if L.GetTop() >= 3 {
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		if v := filter.RawGetString("device"); v != lua.LNil {
			h.device = v.String()
		}
		if v := filter.RawGetString("kind"); v != lua.LNil {
			h.kind = v.String()
		}
		if v := filter.RawGetString("attribute"); v != lua.LNil {
			h.attribute = v.String()
		}
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// ring.command(device, name, [value]) returns true, or false and an error
// message.
func ringCommand(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	cmd := registry.Command{Name: L.CheckString(2)}
	if L.GetTop() >= 3 {
		cmd.Value = luaToGo(L.Get(3))
	}

	dev := resolveDevice(e, target)
	if dev == nil {
		e.logger.Warn("script command for unknown device", "target", target)
		L.Push(lua.LFalse)
		L.Push(lua.LString("device not found: " + target))
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := e.cmd.Command(ctx, dev.ID, cmd); err != nil {
		e.logger.Warn("script command failed", "id", dev.ID, "command", cmd.Name, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// ring.mode(mode) sets the location mode.
func ringMode(L *lua.LState, e *Engine) int {
	mode := L.CheckString(1)
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := e.cmd.LocationMode(ctx, mode); err != nil {
		e.logger.Warn("script mode change failed", "mode", mode, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// ring.get(device, attribute)
func ringGet(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	attr := L.CheckString(2)
	dev := resolveDevice(e, target)
	if dev == nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, dev.Attributes[attr]))
	return 1
}

// ring.after(seconds, callback) runs callback on the script's VM later.
func ringAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: script queue full")
		}
	}()
	return 0
}

// ring.devices() returns {id, vendor_id, name, kind} tables.
func ringDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	devices, err := e.devs.Devices()
	if err != nil {
		e.logger.Warn("list devices for script", "err", err)
		L.Push(tbl)
		return 1
	}
	for i, dev := range devices {
		d := L.NewTable()
		d.RawSetString("id", lua.LString(dev.ID))
		d.RawSetString("vendor_id", lua.LString(dev.VendorID))
		d.RawSetString("name", lua.LString(dev.Name))
		d.RawSetString("kind", lua.LString(dev.Kind))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// resolveDevice finds a device by local id, vendor id or name.
func resolveDevice(e *Engine, target string) *store.Device {
	if dev, err := e.devs.Device(target); err == nil {
		return dev
	}
	if dev, err := e.devs.Device(registry.LocalID(target)); err == nil {
		return dev
	}
	devices, err := e.devs.Devices()
	if err != nil {
		return nil
	}
	for _, dev := range devices {
		if strings.EqualFold(dev.Name, target) {
			return dev
		}
	}
	return nil
}
