package api

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ID is a vendor identifier that arrives either as a JSON number or a
// string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("decode id: %w", err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Location is an account location.
type Location struct {
	LocationID string `json:"location_id"`
	Name       string `json:"name"`
	OwnerID    ID     `json:"owner_id,omitempty"`
}

type locationsResponse struct {
	UserLocations []Location `json:"user_locations"`
}

// Device is one entry of the device listing.
type Device struct {
	ID              ID     `json:"id"`
	Description     string `json:"description"`
	Kind            string `json:"kind"`
	LocationID      string `json:"location_id"`
	FirmwareVersion string `json:"firmware_version"`
	DeviceID        string `json:"device_id"`
	BatteryLife     any    `json:"battery_life,omitempty"`

	// Group is the listing group the device came from.
	Group string `json:"-"`
}

// DeviceGroups is the device listing response.
type DeviceGroups struct {
	Doorbots           []Device `json:"doorbots"`
	AuthorizedDoorbots []Device `json:"authorized_doorbots"`
	Chimes             []Device `json:"chimes"`
	StickupCams        []Device `json:"stickup_cams"`
	BaseStations       []Device `json:"base_stations"`
	BeamsBridges       []Device `json:"beams_bridges"`
	Other              []Device `json:"other"`
}

// All flattens the groups, tagging each device with its group name.
func (g *DeviceGroups) All() []Device {
	groups := []struct {
		name string
		devs []Device
	}{
		{"doorbots", g.Doorbots},
		{"authorized_doorbots", g.AuthorizedDoorbots},
		{"chimes", g.Chimes},
		{"stickup_cams", g.StickupCams},
		{"base_stations", g.BaseStations},
		{"beams_bridges", g.BeamsBridges},
		{"other", g.Other},
	}
	var out []Device
	for _, grp := range groups {
		for _, d := range grp.devs {
			d.Group = grp.name
			out = append(out, d)
		}
	}
	return out
}

// Ding is an active motion or doorbell event.
type Ding struct {
	ID                 ID     `json:"id"`
	DoorbotID          ID     `json:"doorbot_id"`
	DoorbotDescription string `json:"doorbot_description"`
	Kind               string `json:"kind"`
	State              string `json:"state"`
	Motion             bool   `json:"motion"`
	CreatedAt          string `json:"created_at,omitempty"`
	ExpiresIn          int    `json:"expires_in,omitempty"`
}

// Ticket is the real-time connection credential. Two response shapes
// exist: {server, authCode} and {host, ticket, assets}.
type Ticket struct {
	Server   string        `json:"server,omitempty"`
	AuthCode string        `json:"authCode,omitempty"`
	Host     string        `json:"host,omitempty"`
	Ticket   string        `json:"ticket,omitempty"`
	Assets   []TicketAsset `json:"assets,omitempty"`
}

// TicketAsset is a hub reachable through the ticketed connection.
type TicketAsset struct {
	UUID   string `json:"uuid"`
	DocID  ID     `json:"doorbotId,omitempty"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

// Mode is a location's security mode.
type Mode struct {
	Mode             string `json:"mode"`
	LastUpdateTimeMS int64  `json:"lastUpdateTimeMS,omitempty"`
}

// HistoryEvent is one entry of a device's event history.
type HistoryEvent struct {
	ID        ID     `json:"id"`
	CreatedAt string `json:"created_at"`
	Kind      string `json:"kind"`
	Answered  bool   `json:"answered"`
	Doorbot   struct {
		ID          ID     `json:"id"`
		Description string `json:"description"`
	} `json:"doorbot"`
}

// SnapshotTimestamp is the latest snapshot time for a camera, in
// milliseconds.
type SnapshotTimestamp struct {
	DoorbotID ID    `json:"doorbot_id"`
	Timestamp int64 `json:"timestamp"`
}

type snapshotTimestampsResponse struct {
	Timestamps []SnapshotTimestamp `json:"timestamps"`
}
