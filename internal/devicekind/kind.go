// Package devicekind is the closed table of vendor device kinds the bridge
// understands, with the capability descriptor for each.
package devicekind

import (
	"slices"
	"strings"
)

// Kind is a supported vendor device kind. Unknown covers everything else.
type Kind int

const (
	Unknown Kind = iota

	// Hubs, as listed by the REST device listing and real-time assets.
	AlarmBaseStation
	BeamsBridge

	// Hub self-entries inside the real-time device list.
	AlarmHub
	AlarmProHub

	// Video and chimes.
	Doorbell
	Camera
	Floodlight
	Spotlight
	Chime

	// Alarm children.
	ContactSensor
	MotionSensor
	FloodFreezeSensor
	TiltSensor
	SmokeCOListener
	SmokeAlarm
	COAlarm
	SecurityPanel
	Keypad
	RangeExtender
	Siren
	OutdoorSiren
	Lock
	Thermostat
	TemperatureSensor

	// Smart lighting and Z-Wave switches.
	Switch
	Dimmer
	BeamsLight
	BeamsMotion
	BeamsLightGroup

	// Internal carriers, never created.
	Adapter
	AccessCode
)

// Family groups kinds that share a driver and an MQTT entity shape.
type Family string

const (
	FamilyHub         Family = "hub"
	FamilyCamera      Family = "camera"
	FamilyChime       Family = "chime"
	FamilyContact     Family = "contact"
	FamilyMotion      Family = "motion"
	FamilyLeak        Family = "leak"
	FamilySmoke       Family = "smoke"
	FamilyPanel       Family = "panel"
	FamilyKeypad      Family = "keypad"
	FamilySiren       Family = "siren"
	FamilyLock        Family = "lock"
	FamilySwitch      Family = "switch"
	FamilyDimmer      Family = "dimmer"
	FamilyThermostat  Family = "thermostat"
	FamilyTemperature Family = "temperature"
	FamilyExtender    Family = "extender"
	FamilyInternal    Family = "internal"
)

// Descriptor is the capability record for a kind.
type Descriptor struct {
	Kind Kind
	// Raw is the vendor string the descriptor was parsed from.
	Raw    string
	Name   string
	Driver string
	Family Family
	// Hub kinds need the real-time gateway and own child devices.
	Hub bool
	// HubSelf marks the real-time entry describing the hub itself.
	HubSelf bool
	// Hidden kinds carry data but are never created as devices.
	Hidden bool
	// Snapshots marks video devices with periodic stills.
	Snapshots bool
}

// Known reports whether the descriptor is for a supported kind.
func (d Descriptor) Known() bool { return d.Kind != Unknown }

// Creatable reports whether a device of this kind may be instantiated.
func (d Descriptor) Creatable() bool { return d.Known() && !d.Hidden && !d.Hub && !d.HubSelf }

var table = map[string]Descriptor{}

func add(kind Kind, name, driver string, family Family, raws ...string) {
	for _, raw := range raws {
		table[raw] = Descriptor{Kind: kind, Raw: raw, Name: name, Driver: driver, Family: family}
	}
}

func init() {
	add(AlarmBaseStation, "Alarm Base Station", "Ring Virtual Alarm Hub", FamilyHub, "base_station_v1")
	add(BeamsBridge, "Smart Lighting Bridge", "Ring Virtual Beams Bridge", FamilyHub, "beams_bridge_v1")
	add(AlarmHub, "Alarm Hub", "Ring Virtual Alarm Hub", FamilyHub, "hub.redsky")
	add(AlarmProHub, "Alarm Pro Hub", "Ring Virtual Alarm Hub", FamilyHub, "hub.kili")

	add(Doorbell, "Video Doorbell", "Ring Virtual Camera", FamilyCamera,
		"doorbot", "doorbell", "doorbell_v3", "doorbell_v4", "doorbell_v5", "lpd_v1", "lpd_v2", "lpd_v3",
		"jbox_v1", "doorbell_scallop", "doorbell_scallop_lite", "doorbell_portal", "doorbell_graham_cracker")
	add(Camera, "Camera", "Ring Virtual Camera", FamilyCamera,
		"stickup_cam", "stickup_cam_v3", "stickup_cam_v4", "stickup_cam_lunar", "stickup_cam_elite",
		"stickup_cam_mini", "stickup_cam_mini_v2", "cocoa_camera", "cocoa_doorbell")
	add(Floodlight, "Floodlight Camera", "Ring Virtual Light with Siren", FamilyCamera,
		"hp_cam_v1", "hp_cam_v2", "floodlight_v2", "floodlight_pro", "cocoa_floodlight")
	add(Spotlight, "Spotlight Camera", "Ring Virtual Light with Siren", FamilyCamera,
		"spotlightw_v2", "stickup_cam_longfin")
	add(Chime, "Chime", "Ring Virtual Chime", FamilyChime, "chime", "chime_pro", "chime_v2", "chime_pro_v2")

	add(ContactSensor, "Contact Sensor", "Ring Virtual Contact Sensor", FamilyContact, "sensor.contact", "sensor.zone")
	add(MotionSensor, "Motion Sensor", "Ring Virtual Motion Sensor", FamilyMotion, "sensor.motion")
	add(FloodFreezeSensor, "Flood Freeze Sensor", "Ring Virtual Flood Freeze Sensor", FamilyLeak, "sensor.flood-freeze")
	add(TiltSensor, "Tilt Sensor", "Ring Virtual Contact Sensor", FamilyContact, "sensor.tilt")
	add(SmokeCOListener, "Smoke & CO Listener", "Ring Virtual Smoke CO Listener", FamilySmoke, "listener.smoke-co")
	add(SmokeAlarm, "Smoke Alarm", "Ring Virtual Smoke CO Listener", FamilySmoke, "alarm.smoke")
	add(COAlarm, "CO Alarm", "Ring Virtual Smoke CO Listener", FamilySmoke, "alarm.co")
	add(SecurityPanel, "Security Panel", "Ring Virtual Security Panel", FamilyPanel, "security-panel")
	add(Keypad, "Keypad", "Ring Virtual Keypad", FamilyKeypad, "security-keypad")
	add(RangeExtender, "Range Extender", "Ring Virtual Range Extender", FamilyExtender, "range-extender.zwave")
	add(Siren, "Siren", "Ring Virtual Siren", FamilySiren, "siren")
	add(OutdoorSiren, "Outdoor Siren", "Ring Virtual Siren", FamilySiren, "siren.outdoor-strobe")
	add(Lock, "Lock", "Ring Virtual Lock", FamilyLock, "lock")
	add(Thermostat, "Thermostat", "Ring Virtual Thermostat", FamilyThermostat, "temperature-control.thermostat")
	add(TemperatureSensor, "Temperature Sensor", "Ring Virtual Temperature Sensor", FamilyTemperature, "sensor.temperature")

	add(Switch, "Switch", "Ring Virtual Switch", FamilySwitch, "switch")
	add(Dimmer, "Dimmer", "Ring Virtual Dimmer", FamilyDimmer, "switch.multilevel")
	add(BeamsLight, "Smart Light", "Ring Virtual Beams Light", FamilyDimmer, "switch.multilevel.beams", "switch.transformer.beams")
	add(BeamsMotion, "Smart Lighting Motion Sensor", "Ring Virtual Motion Sensor", FamilyMotion, "motion-sensor.beams")
	add(BeamsLightGroup, "Smart Light Group", "Ring Virtual Beams Group", FamilyDimmer, "group.light-group.beams")

	for _, raw := range []string{"base_station_v1", "beams_bridge_v1"} {
		d := table[raw]
		d.Hub = true
		table[raw] = d
	}
	for _, raw := range []string{"hub.redsky", "hub.kili"} {
		d := table[raw]
		d.HubSelf = true
		table[raw] = d
	}
	for raw, d := range table {
		if d.Family == FamilyCamera {
			d.Snapshots = true
			table[raw] = d
		}
	}
}

// Parse resolves a vendor device kind string.
func Parse(raw string) Descriptor {
	if d, ok := table[raw]; ok {
		return d
	}
	switch {
	case strings.HasPrefix(raw, "adapter."):
		return Descriptor{Kind: Adapter, Raw: raw, Name: "Adapter", Family: FamilyInternal, Hidden: true}
	case strings.HasPrefix(raw, "access-code"):
		return Descriptor{Kind: AccessCode, Raw: raw, Name: "Access Code", Family: FamilyInternal, Hidden: true}
	}
	return Descriptor{Kind: Unknown, Raw: raw}
}

// HubFor maps a real-time asset kind to the hub descriptor.
func HubFor(assetKind string) (Descriptor, bool) {
	d := Parse(assetKind)
	return d, d.Hub
}

// Drivers lists every driver name the table refers to.
func Drivers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range table {
		if d.Driver != "" && !seen[d.Driver] {
			seen[d.Driver] = true
			out = append(out, d.Driver)
		}
	}
	slices.Sort(out)
	return out
}
