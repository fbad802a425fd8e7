//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"ring-go-home/internal/devicekind"
	"ring-go-home/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/binary_sensor/ring_123/contact/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                    string   `json:"name"`
	UniqueID                string   `json:"unique_id"`
	StateTopic              string   `json:"state_topic"`
	CommandTopic            string   `json:"command_topic,omitempty"`
	AvailabilityTopic       string   `json:"availability_topic"`
	ValueTemplate           string   `json:"value_template,omitempty"`
	StateValueTemplate      string   `json:"state_value_template,omitempty"`
	UnitOfMeasurement       string   `json:"unit_of_measurement,omitempty"`
	DeviceClass             string   `json:"device_class,omitempty"`
	StateClass              string   `json:"state_class,omitempty"`
	PayloadOn               string   `json:"payload_on,omitempty"`
	PayloadOff              string   `json:"payload_off,omitempty"`
	OffDelay                int      `json:"off_delay,omitempty"`
	BrightnessScale         int      `json:"brightness_scale,omitempty"`
	BrightnessStateTopic    string   `json:"brightness_state_topic,omitempty"`
	BrightnessCommandTopic  string   `json:"brightness_command_topic,omitempty"`
	BrightnessValueTemplate string   `json:"brightness_value_template,omitempty"`
	PayloadLock             string   `json:"payload_lock,omitempty"`
	PayloadUnlock           string   `json:"payload_unlock,omitempty"`
	StateLocked             string   `json:"state_locked,omitempty"`
	StateUnlocked           string   `json:"state_unlocked,omitempty"`
	PayloadDisarm           string   `json:"payload_disarm,omitempty"`
	PayloadArmHome          string   `json:"payload_arm_home,omitempty"`
	PayloadArmAway          string   `json:"payload_arm_away,omitempty"`
	SupportedFeatures       []string `json:"supported_features,omitempty"`
	CodeArmRequired         *bool    `json:"code_arm_required,omitempty"`
	Device                  haDevice `json:"device"`
}

// component is one HA entity of a device.
type component struct {
	comp string // HA platform
	obj  string // object id, also the attribute name for commands
}

// every entity the bridge can publish, used for removal.
var allComponents = []component{
	{"binary_sensor", "motion"},
	{"binary_sensor", "ding"},
	{"binary_sensor", "contact"},
	{"binary_sensor", "water"},
	{"binary_sensor", "freeze"},
	{"binary_sensor", "smoke"},
	{"binary_sensor", "co"},
	{"binary_sensor", "tamper"},
	{"switch", "light"},
	{"switch", "siren"},
	{"switch", "switch"},
	{"light", "light"},
	{"lock", "lock"},
	{"alarm_control_panel", "alarm"},
	{"sensor", "battery"},
	{"sensor", "temperature"},
	{"sensor", "set_point"},
	{"sensor", "alarm_state"},
	{"sensor", "comm_status"},
}

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(dev *store.Device) string {
	if dev.Name != "" {
		return dev.Name
	}
	if d := devicekind.Parse(dev.Kind); d.Known() {
		return d.Name + " " + dev.VendorID
	}
	return dev.ID
}

// deviceTopicName returns the topic segment for a device. Local ids are
// stable and already topic-safe; anything else is sanitized.
func deviceTopicName(dev *store.Device) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, dev.ID)
}

type builder struct {
	prefix string
	dev    *store.Device
	node   string
	name   string
	state  string
	avail  string
	haDev  haDevice
}

func newBuilder(dev *store.Device, prefix string) *builder {
	node := deviceTopicName(dev)
	haDev := haDevice{
		Identifiers:  []string{node},
		Manufacturer: dev.Manufacturer,
		Model:        devicekind.Parse(dev.Kind).Name,
		Name:         deviceDisplayName(dev),
		SWVersion:    dev.Firmware,
	}
	if haDev.Manufacturer == "" {
		haDev.Manufacturer = "Ring"
	}
	if dev.HubID != "" && dev.HubID != dev.VendorID {
		haDev.ViaDevice = "ring_" + dev.HubID
	}
	return &builder{
		prefix: prefix,
		dev:    dev,
		node:   node,
		name:   haDev.Name,
		state:  prefix + "/" + node,
		avail:  prefix + "/bridge/state",
		haDev:  haDev,
	}
}

func (b *builder) topic(c component) string {
	return fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, b.node, c.obj)
}

func (b *builder) commandTopic(attr string) string {
	return b.state + "/" + attr + "/set"
}

func (b *builder) base(c component, suffix string) haDiscovery {
	name := b.name
	if suffix != "" {
		name += " " + suffix
	}
	return haDiscovery{
		Name:              name,
		UniqueID:          b.node + "_" + c.obj,
		StateTopic:        b.state,
		AvailabilityTopic: b.avail,
		Device:            b.haDev,
	}
}

func (b *builder) msg(c component, p haDiscovery) discoveryMsg {
	return discoveryMsg{Topic: b.topic(c), Payload: mustJSON(p)}
}

func (b *builder) binary(obj, suffix, class, tmpl string) discoveryMsg {
	c := component{"binary_sensor", obj}
	p := b.base(c, suffix)
	p.DeviceClass = class
	p.ValueTemplate = tmpl
	p.PayloadOn = "ON"
	p.PayloadOff = "OFF"
	return b.msg(c, p)
}

// impulse is a binary sensor fed by device events on its own topic and
// cleared by HA after offDelay seconds.
func (b *builder) impulse(obj, suffix, class string, offDelay int) discoveryMsg {
	c := component{"binary_sensor", obj}
	p := b.base(c, suffix)
	p.StateTopic = b.state + "/" + obj
	p.DeviceClass = class
	p.PayloadOn = "ON"
	p.PayloadOff = "OFF"
	p.OffDelay = offDelay
	return b.msg(c, p)
}

func (b *builder) sensor(obj, suffix, class, unit, tmpl string) discoveryMsg {
	c := component{"sensor", obj}
	p := b.base(c, suffix)
	p.DeviceClass = class
	p.UnitOfMeasurement = unit
	p.ValueTemplate = tmpl
	if unit != "" {
		p.StateClass = "measurement"
	}
	return b.msg(c, p)
}

func (b *builder) toggle(obj, suffix, tmpl, on, off string) discoveryMsg {
	c := component{"switch", obj}
	p := b.base(c, suffix)
	p.CommandTopic = b.commandTopic(obj)
	p.ValueTemplate = tmpl
	p.PayloadOn = on
	p.PayloadOff = off
	return b.msg(c, p)
}

func (b *builder) dimmer() discoveryMsg {
	c := component{"light", "light"}
	p := b.base(c, "")
	p.CommandTopic = b.commandTopic("switch")
	p.StateValueTemplate = "{{ value_json.switch }}"
	p.PayloadOn = "on"
	p.PayloadOff = "off"
	p.BrightnessStateTopic = b.state
	p.BrightnessCommandTopic = b.commandTopic("level")
	p.BrightnessValueTemplate = "{{ value_json.level }}"
	p.BrightnessScale = 100
	return b.msg(c, p)
}

func (b *builder) lock() discoveryMsg {
	c := component{"lock", "lock"}
	p := b.base(c, "")
	p.CommandTopic = b.commandTopic("lock")
	p.ValueTemplate = "{{ value_json.lock }}"
	p.PayloadLock = "lock"
	p.PayloadUnlock = "unlock"
	p.StateLocked = "locked"
	p.StateUnlocked = "unlocked"
	return b.msg(c, p)
}

func (b *builder) alarmPanel() discoveryMsg {
	c := component{"alarm_control_panel", "alarm"}
	p := b.base(c, "")
	p.CommandTopic = b.commandTopic("mode")
	p.ValueTemplate = "{{ {'disarmed': 'disarmed', 'home': 'armed_home', 'away': 'armed_away'}[value_json.alarm_mode] | default('unknown') }}"
	p.PayloadDisarm = "disarmed"
	p.PayloadArmHome = "home"
	p.PayloadArmAway = "away"
	p.SupportedFeatures = []string{"arm_home", "arm_away"}
	no := false
	p.CodeArmRequired = &no
	return b.msg(c, p)
}

// buildDiscovery generates HA discovery messages for a device from its
// kind family and the attributes it has reported.
func buildDiscovery(dev *store.Device, prefix string) []discoveryMsg {
	desc := devicekind.Parse(dev.Kind)
	if !desc.Known() || desc.Hidden {
		return nil
	}
	b := newBuilder(dev, prefix)

	var msgs []discoveryMsg
	switch desc.Family {
	case devicekind.FamilyCamera:
		msgs = append(msgs, b.impulse("motion", "Motion", "motion", 180))
		if desc.Kind == devicekind.Doorbell {
			msgs = append(msgs, b.impulse("ding", "Ding", "occupancy", 180))
		}
		if desc.Kind == devicekind.Floodlight || desc.Kind == devicekind.Spotlight {
			msgs = append(msgs,
				b.toggle("light", "Light", "{{ value_json.light | default('off') }}", "on", "off"),
				b.toggle("siren", "Siren", "{{ value_json.siren | default('off') }}", "on", "off"))
		}
	case devicekind.FamilyContact:
		msgs = append(msgs, b.binary("contact", "Contact", "door", "{{ 'ON' if value_json.contact == 'open' else 'OFF' }}"))
	case devicekind.FamilyMotion:
		msgs = append(msgs, b.binary("motion", "Motion", "motion", "{{ 'ON' if value_json.motion == 'active' else 'OFF' }}"))
	case devicekind.FamilyLeak:
		msgs = append(msgs,
			b.binary("water", "Water", "moisture", "{{ 'ON' if value_json.water == 'wet' else 'OFF' }}"),
			b.binary("freeze", "Freeze", "cold", "{{ 'ON' if value_json.freeze else 'OFF' }}"))
	case devicekind.FamilySmoke:
		msgs = append(msgs,
			b.binary("smoke", "Smoke", "smoke", "{{ 'ON' if value_json.smoke == 'active' or value_json.alarm == 'active' else 'OFF' }}"),
			b.binary("co", "CO", "carbon_monoxide", "{{ 'ON' if value_json.co == 'active' else 'OFF' }}"))
	case devicekind.FamilyPanel:
		msgs = append(msgs,
			b.alarmPanel(),
			b.sensor("alarm_state", "Alarm State", "", "", "{{ value_json.alarm_state | default('clear') }}"))
	case devicekind.FamilySiren:
		msgs = append(msgs, b.toggle("siren", "", "{{ 'on' if value_json.siren else 'off' }}", "on", "off"))
	case devicekind.FamilyLock:
		msgs = append(msgs, b.lock())
	case devicekind.FamilySwitch:
		msgs = append(msgs, b.toggle("switch", "", "{{ value_json.switch }}", "on", "off"))
	case devicekind.FamilyDimmer:
		msgs = append(msgs, b.dimmer())
	case devicekind.FamilyThermostat:
		msgs = append(msgs, b.sensor("set_point", "Set Point", "temperature", "°C", "{{ value_json.set_point }}"))
	case devicekind.FamilyTemperature:
		msgs = append(msgs, b.sensor("temperature", "Temperature", "temperature", "°C", "{{ value_json.temperature }}"))
	case devicekind.FamilyHub:
		msgs = append(msgs, b.sensor("comm_status", "Status", "", "", "{{ value_json.comm_status }}"))
	}

	if _, ok := dev.Attributes["battery"]; ok {
		msgs = append(msgs, b.sensor("battery", "Battery", "battery", "%", "{{ value_json.battery }}"))
	}
	if _, ok := dev.Attributes["tamper"]; ok {
		msgs = append(msgs, b.binary("tamper", "Tamper", "tamper", "{{ 'ON' if value_json.tamper else 'OFF' }}"))
	}
	return msgs
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(dev *store.Device) []discoveryMsg {
	node := deviceTopicName(dev)
	msgs := make([]discoveryMsg, 0, len(allComponents))
	for _, c := range allComponents {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, node, c.obj),
		})
	}
	return msgs
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
