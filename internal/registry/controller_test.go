package registry

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"ring-go-home/internal/api"
	"ring-go-home/internal/devicekind"
)

type gatewayCall struct {
	kind        string
	hubID       string
	zid         string
	commandType string
	data        map[string]any
}

type stubGateway struct {
	calls []gatewayCall
	err   error
}

func (g *stubGateway) SetCommand(hubID, zid, commandType string, data map[string]any) error {
	g.calls = append(g.calls, gatewayCall{"setcommand", hubID, zid, commandType, data})
	return g.err
}

func (g *stubGateway) SetDevice(hubID, zid string, data map[string]any) error {
	g.calls = append(g.calls, gatewayCall{"setdevice", hubID, zid, "", data})
	return g.err
}

type stubCloud struct {
	actions  []string
	settings []map[string]any
	modes    []string
}

func (c *stubCloud) DeviceControl(_ context.Context, id, action string, _ url.Values) error {
	c.actions = append(c.actions, id+":"+action)
	return nil
}

func (c *stubCloud) DeviceSet(_ context.Context, _ string, settings map[string]any) error {
	c.settings = append(c.settings, settings)
	return nil
}

func (c *stubCloud) ModeSet(_ context.Context, loc, mode string) (*api.Mode, error) {
	c.modes = append(c.modes, loc+":"+mode)
	return &api.Mode{Mode: mode}, nil
}

func newTestController(t *testing.T) (*Controller, *Registry, *stubGateway, *stubCloud) {
	t.Helper()
	r, _, _ := newTestRegistry(t)
	gw := &stubGateway{}
	cloud := &stubCloud{}
	for _, d := range []struct{ id, kind string }{
		{"panel", "security-panel"},
		{"dim", "switch.multilevel"},
		{"lock", "lock"},
		{"c1", "sensor.contact"},
		{"101", "hp_cam_v1"},
	} {
		if _, err := r.EnsureDevice(d.id, devicekind.Parse(d.kind), Metadata{HubID: "hub-1"}); err != nil {
			t.Fatal(err)
		}
	}
	return NewController(r, gw, cloud, r.logger), r, gw, cloud
}

func TestControllerPanelMode(t *testing.T) {
	c, _, gw, _ := newTestController(t)
	if err := c.Command(context.Background(), "ring_panel", Command{Name: "mode", Value: "away"}); err != nil {
		t.Fatal(err)
	}
	if len(gw.calls) != 1 {
		t.Fatalf("calls = %+v", gw.calls)
	}
	call := gw.calls[0]
	if call.kind != "setcommand" || call.hubID != "hub-1" || call.zid != "panel" || call.commandType != "security-panel.switch-mode" {
		t.Errorf("call = %+v", call)
	}
	if call.data["mode"] != "all" {
		t.Errorf("data = %v", call.data)
	}

	if err := c.Command(context.Background(), "ring_panel", Command{Name: "mode", Value: "vacation"}); !errors.Is(err, ErrUnsupportedCommand) {
		t.Errorf("bad mode err = %v", err)
	}
}

func TestControllerDimmerAndLock(t *testing.T) {
	c, _, gw, _ := newTestController(t)
	ctx := context.Background()
	if err := c.Command(ctx, "ring_dim", Command{Name: "level", Value: 50.0}); err != nil {
		t.Fatal(err)
	}
	if err := c.Command(ctx, "ring_dim", Command{Name: "switch", Value: "off"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Command(ctx, "ring_lock", Command{Name: "lock", Value: "unlock"}); err != nil {
		t.Fatal(err)
	}
	if len(gw.calls) != 3 {
		t.Fatalf("calls = %+v", gw.calls)
	}
	if gw.calls[0].kind != "setdevice" || gw.calls[0].data["level"] != 0.5 {
		t.Errorf("level call = %+v", gw.calls[0])
	}
	if gw.calls[1].data["on"] != false {
		t.Errorf("switch call = %+v", gw.calls[1])
	}
	if gw.calls[2].commandType != "lock.unlock" {
		t.Errorf("lock call = %+v", gw.calls[2])
	}
}

func TestControllerCameraUsesREST(t *testing.T) {
	c, _, gw, cloud := newTestController(t)
	if err := c.Command(context.Background(), "ring_101", Command{Name: "light", Value: true}); err != nil {
		t.Fatal(err)
	}
	if len(cloud.actions) != 1 || cloud.actions[0] != "101:floodlight_light_on" {
		t.Errorf("actions = %v", cloud.actions)
	}
	if len(gw.calls) != 0 {
		t.Errorf("gateway used for camera: %+v", gw.calls)
	}
}

func TestControllerUnsupported(t *testing.T) {
	c, _, _, _ := newTestController(t)
	err := c.Command(context.Background(), "ring_c1", Command{Name: "switch", Value: true})
	if !errors.Is(err, ErrUnsupportedCommand) {
		t.Errorf("err = %v", err)
	}
}

func TestControllerGatewayDisabled(t *testing.T) {
	_, r, _, cloud := newTestController(t)
	c := NewController(r, nil, cloud, r.logger)
	if err := c.Command(context.Background(), "ring_dim", Command{Name: "switch", Value: true}); err == nil {
		t.Error("expected error without gateway")
	}
}

func TestControllerLocationMode(t *testing.T) {
	c, r, _, cloud := newTestController(t)
	if err := c.LocationMode(context.Background(), "home"); err == nil {
		t.Error("expected error without a location")
	}

	r.SetLocation("loc-1")
	var got []Event
	r.Events().On(EventLocationMode, func(e Event) { got = append(got, e) })
	if err := c.LocationMode(context.Background(), "home"); err != nil {
		t.Fatal(err)
	}
	if len(cloud.modes) != 1 || cloud.modes[0] != "loc-1:home" {
		t.Errorf("modes = %v", cloud.modes)
	}
	if len(got) != 1 || got[0].Data.(map[string]string)["mode"] != "home" {
		t.Errorf("events = %+v", got)
	}
}
