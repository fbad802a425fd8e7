package store

import "time"

// Device is a local virtual device mirroring one vendor device.
type Device struct {
	ID              string         `json:"id"`
	VendorID        string         `json:"vendor_id"`
	Kind            string         `json:"kind"`
	Driver          string         `json:"driver"`
	Name            string         `json:"name,omitempty"`
	LocationID      string         `json:"location_id,omitempty"`
	ParentID        string         `json:"parent_id,omitempty"`
	HubID           string         `json:"hub_id,omitempty"`
	Firmware        string         `json:"firmware,omitempty"`
	HardwareVersion string         `json:"hardware_version,omitempty"`
	Manufacturer    string         `json:"manufacturer,omitempty"`
	Serial          string         `json:"serial,omitempty"`
	Attributes      map[string]any `json:"attributes,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	LastSeen        time.Time      `json:"last_seen"`
}

// Credentials holds the vendor session state for this installation.
// Tokens are hidden from API/JSON serialization via json:"-".
type Credentials struct {
	AccessToken         string    `json:"-"`
	RefreshToken        string    `json:"-"`
	AuthenticationToken string    `json:"-"`
	ExpiresAt           time.Time `json:"expires_at,omitempty"`
	HardwareID          string    `json:"hardware_id"`
	TwoFactorPending    bool      `json:"two_factor_pending"`
	Held                bool      `json:"held"`
	HoldReason          string    `json:"hold_reason,omitempty"`
}

// credentialsStorage is the internal struct used for DB serialization,
// preserving the tokens on disk.
type credentialsStorage struct {
	AccessToken         string    `json:"access_token,omitempty"`
	RefreshToken        string    `json:"refresh_token,omitempty"`
	AuthenticationToken string    `json:"authentication_token,omitempty"`
	ExpiresAt           time.Time `json:"expires_at,omitempty"`
	HardwareID          string    `json:"hardware_id"`
	TwoFactorPending    bool      `json:"two_factor_pending"`
	Held                bool      `json:"held"`
	HoldReason          string    `json:"hold_reason,omitempty"`
}

// LocationSelection is the chosen account location plus the cached
// location id -> display name map.
type LocationSelection struct {
	LocationID string            `json:"location_id"`
	Names      map[string]string `json:"names,omitempty"`
}

// Snapshot is the most recently cached image of a camera.
type Snapshot struct {
	Image       []byte    `json:"image"`
	ContentType string    `json:"content_type"`
	Timestamp   time.Time `json:"timestamp"`
}
