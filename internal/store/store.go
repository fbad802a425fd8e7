package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for installation state.
type Store interface {
	// Device registry entries, keyed by local device id.
	SaveDevice(dev *Device) error
	GetDevice(id string) (*Device, error)
	DeleteDevice(id string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(id string, fn func(dev *Device) error) error

	// Credential state and hardware identifier.
	SaveCredentials(creds *Credentials) error
	GetCredentials() (*Credentials, error)

	// Account location selection.
	SaveLocation(loc *LocationSelection) error
	GetLocation() (*LocationSelection, error)

	// Cached snapshot images, keyed by local device id.
	SaveSnapshot(id string, snap *Snapshot) error
	GetSnapshot(id string) (*Snapshot, error)
	DeleteSnapshot(id string) error

	// Close the store
	Close() error
}
