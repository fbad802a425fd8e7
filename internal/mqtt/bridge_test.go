//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"ring-go-home/internal/devicekind"
	"ring-go-home/internal/normalize"
	"ring-go-home/internal/registry"
	"ring-go-home/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Error() error                   { return nil }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	payload  string
	retained bool
}

// fakeClient records publishes; other Client methods are not used.
type fakeClient struct {
	pahomqtt.Client
	mu   sync.Mutex
	msgs []published
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic, string(payload.([]byte)), retained})
	return doneToken{}
}

func (c *fakeClient) last(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].topic == topic {
			return c.msgs[i], true
		}
	}
	return published{}, false
}

func (c *fakeClient) count(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if strings.HasPrefix(m.topic, prefix) {
			n++
		}
	}
	return n
}

type stubCommander struct {
	cmds  []registry.Command
	ids   []string
	modes []string
}

func (s *stubCommander) Command(_ context.Context, id string, cmd registry.Command) error {
	s.ids = append(s.ids, id)
	s.cmds = append(s.cmds, cmd)
	return nil
}

func (s *stubCommander) LocationMode(_ context.Context, mode string) error {
	s.modes = append(s.modes, mode)
	return nil
}

func newTestBridge(t *testing.T) (*Bridge, *registry.Registry, *fakeClient, *stubCommander) {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	logger := testLogger()
	reg := registry.New(st, registry.NewEventBus(logger), logger)
	cmd := &stubCommander{}
	client := &fakeClient{}
	b := newBridge(reg, cmd, "ring", logger)
	b.client = client
	b.Start()
	t.Cleanup(func() { b.unsub() })
	return b, reg, client, cmd
}

func decodeState(t *testing.T, p published) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(p.payload), &m); err != nil {
		t.Fatalf("state %q: %v", p.payload, err)
	}
	return m
}

func TestDiscoveryContactSensor(t *testing.T) {
	dev := &store.Device{
		ID:       "ring_c1",
		VendorID: "c1",
		Kind:     "sensor.contact",
		Name:     "Back Door",
		HubID:    "hub-1",
		Attributes: map[string]any{
			"contact": "open",
			"battery": 90,
		},
	}

	msgs := buildDiscovery(dev, "ring")
	topics := extractTopics(msgs)
	for _, want := range []string{
		"homeassistant/binary_sensor/ring_c1/contact/config",
		"homeassistant/sensor/ring_c1/battery/config",
	} {
		if !topics[want] {
			t.Errorf("missing %s in %v", want, topics)
		}
	}

	var payload haDiscovery
	if err := json.Unmarshal(msgs[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Name != "Back Door Contact" || payload.DeviceClass != "door" {
		t.Errorf("payload = %+v", payload)
	}
	if payload.StateTopic != "ring/ring_c1" || payload.AvailabilityTopic != "ring/bridge/state" {
		t.Errorf("topics = %q, %q", payload.StateTopic, payload.AvailabilityTopic)
	}
	if payload.Device.ViaDevice != "ring_hub-1" || payload.Device.Model != "Contact Sensor" {
		t.Errorf("device = %+v", payload.Device)
	}
}

func TestDiscoveryCommandTopics(t *testing.T) {
	tests := []struct {
		kind, topic, command string
	}{
		{"switch", "homeassistant/switch/ring_x/switch/config", "ring/ring_x/switch/set"},
		{"switch.multilevel", "homeassistant/light/ring_x/light/config", "ring/ring_x/switch/set"},
		{"lock", "homeassistant/lock/ring_x/lock/config", "ring/ring_x/lock/set"},
		{"security-panel", "homeassistant/alarm_control_panel/ring_x/alarm/config", "ring/ring_x/mode/set"},
		{"hp_cam_v1", "homeassistant/switch/ring_x/light/config", "ring/ring_x/light/set"},
	}
	for _, tt := range tests {
		dev := &store.Device{ID: "ring_x", VendorID: "x", Kind: tt.kind}
		var found *haDiscovery
		for _, m := range buildDiscovery(dev, "ring") {
			if m.Topic == tt.topic {
				var p haDiscovery
				if err := json.Unmarshal(m.Payload, &p); err != nil {
					t.Fatal(err)
				}
				found = &p
			}
		}
		if found == nil {
			t.Errorf("%s: %s not published", tt.kind, tt.topic)
			continue
		}
		if found.CommandTopic != tt.command {
			t.Errorf("%s: command topic = %q, want %q", tt.kind, found.CommandTopic, tt.command)
		}
	}
}

func TestDiscoverySkipsHiddenAndUnknown(t *testing.T) {
	for _, kind := range []string{"adapter.zwave", "mystery-box"} {
		if msgs := buildDiscovery(&store.Device{ID: "ring_a", Kind: kind}, "ring"); len(msgs) != 0 {
			t.Errorf("%s: %d discovery messages", kind, len(msgs))
		}
	}
}

func TestDoorbellHasDing(t *testing.T) {
	topics := extractTopics(buildDiscovery(&store.Device{ID: "ring_d", Kind: "lpd_v2"}, "ring"))
	if !topics["homeassistant/binary_sensor/ring_d/ding/config"] || !topics["homeassistant/binary_sensor/ring_d/motion/config"] {
		t.Errorf("topics = %v", topics)
	}
	topics = extractTopics(buildDiscovery(&store.Device{ID: "ring_c", Kind: "stickup_cam"}, "ring"))
	if topics["homeassistant/binary_sensor/ring_c/ding/config"] {
		t.Error("camera without a button published ding")
	}
}

func TestRemoveDiscovery(t *testing.T) {
	msgs := buildRemoveDiscovery(&store.Device{ID: "ring_c1"})
	if len(msgs) != len(allComponents) {
		t.Fatalf("got %d messages", len(msgs))
	}
	for _, m := range msgs {
		if len(m.Payload) != 0 || !strings.Contains(m.Topic, "/ring_c1/") {
			t.Errorf("remove msg = %+v", m)
		}
	}
}

func TestDeviceTopicName(t *testing.T) {
	if got := deviceTopicName(&store.Device{ID: "ring_a b/c#"}); got != "ring_a_b_c_" {
		t.Errorf("topic name = %q", got)
	}
}

func TestBridgeMirrorsRegistry(t *testing.T) {
	_, reg, client, _ := newTestBridge(t)

	if _, err := reg.EnsureDevice("c1", devicekind.Parse("sensor.contact"), registry.Metadata{Name: "Back Door"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := client.last("homeassistant/binary_sensor/ring_c1/contact/config"); !ok {
		t.Fatal("discovery not published on create")
	}
	entities := client.count("homeassistant/")

	faulted := map[string]any{"faulted": true}
	battery := 80
	if err := reg.RouteUpdate("c1", normalize.Record{VendorID: "c1", DeviceType: "sensor.contact", State: faulted, Battery: &battery}); err != nil {
		t.Fatal(err)
	}
	p, ok := client.last("ring/ring_c1")
	if !ok || !p.retained {
		t.Fatalf("state = %+v, %v", p, ok)
	}
	state := decodeState(t, p)
	if state["contact"] != "open" || state["battery"] != float64(80) || state["name"] != "Back Door" {
		t.Errorf("state = %v", state)
	}
	// The battery attribute adds an entity, so discovery is republished.
	if _, ok := client.last("homeassistant/sensor/ring_c1/battery/config"); !ok {
		t.Error("battery entity not published")
	}
	if client.count("homeassistant/") <= entities {
		t.Error("discovery not refreshed")
	}

	if err := reg.DeleteDevice("c1"); err != nil {
		t.Fatal(err)
	}
	if p, _ := client.last("homeassistant/binary_sensor/ring_c1/contact/config"); p.payload != "" {
		t.Errorf("discovery not removed: %+v", p)
	}
}

func TestBridgeImpulsesAndMode(t *testing.T) {
	_, reg, client, _ := newTestBridge(t)
	if _, err := reg.EnsureDevice("101", devicekind.Parse("lpd_v2"), registry.Metadata{Name: "Front"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Trigger("ring_101", "ding"); err != nil {
		t.Fatal(err)
	}
	p, ok := client.last("ring/ring_101/ding")
	if !ok || p.payload != "ON" || p.retained {
		t.Errorf("ding = %+v, %v", p, ok)
	}
	if _, ok := client.last("ring/ring_101/event"); !ok {
		t.Error("event not published")
	}

	reg.Events().Emit(registry.Event{Type: registry.EventLocationMode, Data: map[string]string{"location_id": "l", "mode": "away"}})
	if p, _ := client.last("ring/location/mode"); p.payload != "away" || !p.retained {
		t.Errorf("mode = %+v", p)
	}
}

func TestHandleSet(t *testing.T) {
	b, reg, client, cmd := newTestBridge(t)
	if _, err := reg.EnsureDevice("f1", devicekind.Parse("hp_cam_v1"), registry.Metadata{Name: "Drive"}); err != nil {
		t.Fatal(err)
	}

	b.handleSet("ring/ring_f1/light/set", []byte("ON"))
	b.handleSet("ring/ring_f1/level/set", []byte("42"))
	b.handleSet("ring/location/mode/set", []byte("away"))
	b.handleSet("other/ring_f1/light/set", []byte("on"))
	b.handleSet("ring/ring_f1/light", []byte("on"))

	if len(cmd.cmds) != 2 {
		t.Fatalf("commands = %+v", cmd.cmds)
	}
	if cmd.ids[0] != "ring_f1" || cmd.cmds[0].Name != "light" || cmd.cmds[0].Value != "on" {
		t.Errorf("first command = %s %+v", cmd.ids[0], cmd.cmds[0])
	}
	if cmd.cmds[1].Value != float64(42) {
		t.Errorf("level value = %#v", cmd.cmds[1].Value)
	}
	if len(cmd.modes) != 1 || cmd.modes[0] != "away" {
		t.Errorf("modes = %v", cmd.modes)
	}

	// Camera lights are not reported back; the command result is kept.
	p, _ := client.last("ring/ring_f1")
	if state := decodeState(t, p); state["light"] != "on" {
		t.Errorf("state = %v", state)
	}
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"ON", "on"},
		{"true", true},
		{"12.5", 12.5},
		{`"Home"`, "Home"},
		{"{bad", "{bad"},
	}
	for _, tt := range tests {
		if got := parsePayload([]byte(tt.in)); got != tt.want {
			t.Errorf("parsePayload(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func extractTopics(msgs []discoveryMsg) map[string]bool {
	m := make(map[string]bool)
	for _, msg := range msgs {
		m[msg.Topic] = true
	}
	return m
}
