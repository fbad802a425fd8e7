package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices   = []byte("devices")
	bucketSession   = []byte("session")
	bucketSnapshots = []byte("snapshots")
	keyCredentials  = []byte("credentials")
	keyLocation     = []byte("location")
	allBuckets      = [][]byte{bucketDevices, bucketSession, bucketSnapshots}
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) putJSON(bucket, key []byte, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) getJSON(bucket, key []byte, what string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("%s: %w", what, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) deleteKey(bucket, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		return b.Delete(key)
	})
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.putJSON(bucketDevices, []byte(dev.ID), dev)
}

func (s *BoltStore) GetDevice(id string) (*Device, error) {
	var dev Device
	if err := s.getJSON(bucketDevices, []byte(id), "device "+id, &dev); err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *BoltStore) DeleteDevice(id string) error {
	return s.deleteKey(bucketDevices, []byte(id))
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) UpdateDevice(id string, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("device %s: %w", id, ErrNotFound)
		}
		var dev Device
		if err := json.Unmarshal(data, &dev); err != nil {
			return err
		}
		if err := fn(&dev); err != nil {
			return err
		}
		out, err := json.Marshal(&dev)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

func (s *BoltStore) SaveCredentials(creds *Credentials) error {
	// Use internal storage struct to persist the tokens.
	st := credentialsStorage{
		AccessToken:         creds.AccessToken,
		RefreshToken:        creds.RefreshToken,
		AuthenticationToken: creds.AuthenticationToken,
		ExpiresAt:           creds.ExpiresAt,
		HardwareID:          creds.HardwareID,
		TwoFactorPending:    creds.TwoFactorPending,
		Held:                creds.Held,
		HoldReason:          creds.HoldReason,
	}
	return s.putJSON(bucketSession, keyCredentials, st)
}

func (s *BoltStore) GetCredentials() (*Credentials, error) {
	var st credentialsStorage
	if err := s.getJSON(bucketSession, keyCredentials, "credentials", &st); err != nil {
		return nil, err
	}
	return &Credentials{
		AccessToken:         st.AccessToken,
		RefreshToken:        st.RefreshToken,
		AuthenticationToken: st.AuthenticationToken,
		ExpiresAt:           st.ExpiresAt,
		HardwareID:          st.HardwareID,
		TwoFactorPending:    st.TwoFactorPending,
		Held:                st.Held,
		HoldReason:          st.HoldReason,
	}, nil
}

func (s *BoltStore) SaveLocation(loc *LocationSelection) error {
	return s.putJSON(bucketSession, keyLocation, loc)
}

func (s *BoltStore) GetLocation() (*LocationSelection, error) {
	var loc LocationSelection
	if err := s.getJSON(bucketSession, keyLocation, "location", &loc); err != nil {
		return nil, err
	}
	return &loc, nil
}

func (s *BoltStore) SaveSnapshot(id string, snap *Snapshot) error {
	return s.putJSON(bucketSnapshots, []byte(id), snap)
}

func (s *BoltStore) GetSnapshot(id string) (*Snapshot, error) {
	var snap Snapshot
	if err := s.getJSON(bucketSnapshots, []byte(id), "snapshot "+id, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *BoltStore) DeleteSnapshot(id string) error {
	return s.deleteKey(bucketSnapshots, []byte(id))
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
