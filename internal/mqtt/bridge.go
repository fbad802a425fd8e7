//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"ring-go-home/internal/registry"
	"ring-go-home/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Devices is the registry surface the bridge mirrors.
type Devices interface {
	Device(localID string) (*store.Device, error)
	Devices() ([]*store.Device, error)
	Events() *registry.EventBus
}

// Commander executes hub-side commands.
type Commander interface {
	Command(ctx context.Context, localID string, cmd registry.Command) error
	LocationMode(ctx context.Context, mode string) error
}

// Bridge mirrors registry devices to MQTT with HA autodiscovery and
// forwards /set topics to the command controller.
type Bridge struct {
	client pahomqtt.Client
	devs   Devices
	cmd    Commander
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	// optimistic holds command results for attributes the vendor never
	// reports back, such as camera lights.
	optimistic map[string]map[string]any
	// published counts discovery entities per device, to republish when
	// new attributes add entities.
	published map[string]int
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(devs Devices, cmd Commander, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(devs, cmd, cfg.TopicPrefix, logger)
	if cfg.ClientID == "" {
		cfg.ClientID = "ring-go-home"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.availabilityTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAll()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// The client is set before Connect so the on-connect handler can publish.
	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, errors.New("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(devs Devices, cmd Commander, prefix string, logger *slog.Logger) *Bridge {
	if prefix == "" {
		prefix = "ring"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		devs:       devs,
		cmd:        cmd,
		prefix:     prefix,
		logger:     logger.With("component", "mqtt"),
		ctx:        ctx,
		cancel:     cancel,
		optimistic: make(map[string]map[string]any),
		published:  make(map[string]int),
	}
}

// Start subscribes to registry events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.devs.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) availabilityTopic() string {
	return b.prefix + "/bridge/state"
}

func (b *Bridge) handleEvent(event registry.Event) {
	switch event.Type {
	case registry.EventDeviceCreated:
		if dev, ok := event.Data.(*store.Device); ok {
			b.publishDevice(dev.ID)
		}
	case registry.EventDeviceUpdated:
		if ch, ok := event.Data.(registry.DeviceChange); ok {
			b.publishDevice(ch.DeviceID)
		}
	case registry.EventDeviceRemoved:
		if data, ok := event.Data.(map[string]string); ok {
			b.removeDevice(data["device_id"])
		}
	case registry.EventDeviceEvent:
		if ev, ok := event.Data.(registry.DeviceEvent); ok {
			b.publishImpulse(ev)
		}
	case registry.EventLocationMode:
		if data, ok := event.Data.(map[string]string); ok {
			b.publish(b.prefix+"/location/mode", []byte(data["mode"]), true)
		}
	case registry.EventGatewayStatus:
		if st, ok := event.Data.(registry.GatewayStatus); ok {
			b.publish(b.prefix+"/bridge/gateway", []byte(st.Status), true)
		}
	}
}

// publishDevice publishes the device state and, when its entity set
// changed, its discovery config.
func (b *Bridge) publishDevice(id string) {
	dev, err := b.devs.Device(id)
	if err != nil {
		b.logger.Debug("publish unknown device", "id", id, "err", err)
		return
	}
	msgs := buildDiscovery(dev, b.prefix)
	b.mu.Lock()
	fresh := b.published[id] != len(msgs)
	b.published[id] = len(msgs)
	b.mu.Unlock()
	if fresh {
		for _, msg := range msgs {
			b.publish(msg.Topic, msg.Payload, true)
		}
		b.logger.Info("published HA discovery", "id", id, "name", deviceDisplayName(dev), "entities", len(msgs))
	}
	b.publishState(dev)
}

func (b *Bridge) stateOf(dev *store.Device) map[string]any {
	b.mu.Lock()
	state := maps.Clone(b.optimistic[dev.ID])
	b.mu.Unlock()
	if state == nil {
		state = make(map[string]any)
	}
	maps.Copy(state, dev.Attributes)
	state["name"] = deviceDisplayName(dev)
	if !dev.LastSeen.IsZero() {
		state["last_seen"] = dev.LastSeen.UTC().Format(time.RFC3339)
	}
	return state
}

func (b *Bridge) publishState(dev *store.Device) {
	b.publish(b.prefix+"/"+deviceTopicName(dev), mustJSON(b.stateOf(dev)), true)
}

func (b *Bridge) publishImpulse(ev registry.DeviceEvent) {
	dev := &store.Device{ID: ev.DeviceID}
	base := b.prefix + "/" + deviceTopicName(dev)
	switch ev.Kind {
	case "motion", "ding":
		b.publish(base+"/"+ev.Kind, []byte("ON"), false)
	}
	b.publish(base+"/event", mustJSON(ev), false)
}

func (b *Bridge) removeDevice(id string) {
	if id == "" {
		return
	}
	dev := &store.Device{ID: id}
	for _, msg := range buildRemoveDiscovery(dev) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.publish(b.prefix+"/"+deviceTopicName(dev), nil, true)

	b.mu.Lock()
	delete(b.optimistic, id)
	delete(b.published, id)
	b.mu.Unlock()
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.availabilityTopic(), []byte(state), true)
}

func (b *Bridge) publishAll() {
	devices, err := b.devs.Devices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	b.mu.Lock()
	clear(b.published)
	b.mu.Unlock()
	for _, dev := range devices {
		b.publishDevice(dev.ID)
	}
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/+/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleSet(msg.Topic(), msg.Payload())
	})
}

// handleSet runs a command received on <prefix>/<device>/<attr>/set or
// <prefix>/location/mode/set.
func (b *Bridge) handleSet(topic string, payload []byte) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" {
		return
	}
	id, attr := parts[0], parts[1]
	value := parsePayload(payload)

	ctx, cancel := context.WithTimeout(b.ctx, 15*time.Second)
	defer cancel()

	if id == "location" && attr == "mode" {
		mode, _ := value.(string)
		if err := b.cmd.LocationMode(ctx, mode); err != nil {
			b.logger.Warn("location mode command failed", "mode", mode, "err", err)
		}
		return
	}

	if err := b.cmd.Command(ctx, id, registry.Command{Name: attr, Value: value}); err != nil {
		b.logger.Warn("command failed", "id", id, "command", attr, "value", value, "err", err)
		return
	}

	dev, err := b.devs.Device(id)
	if err != nil {
		return
	}
	if _, reported := dev.Attributes[attr]; !reported {
		b.mu.Lock()
		if b.optimistic[id] == nil {
			b.optimistic[id] = make(map[string]any)
		}
		b.optimistic[id][attr] = value
		b.mu.Unlock()
		b.publishState(dev)
	}
}

// parsePayload decodes JSON scalars and falls back to the raw string.
func parsePayload(payload []byte) any {
	s := strings.TrimSpace(string(payload))
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		switch v.(type) {
		case float64, bool, string:
			return v
		}
	}
	return strings.ToLower(s)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if b.client == nil {
		return
	}
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
