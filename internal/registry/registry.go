// Package registry owns the local virtual devices: it maps vendor ids to
// local ids, creates devices on first sight and routes normalized updates
// to them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"ring-go-home/internal/api"
	"ring-go-home/internal/devicekind"
	"ring-go-home/internal/metrics"
	"ring-go-home/internal/normalize"
	"ring-go-home/internal/store"
)

var (
	// ErrUnknownKind is returned for kinds missing from the kind table.
	ErrUnknownKind = errors.New("unknown device kind")
	// ErrNotCreatable is returned for hidden kinds and for hub kinds outside
	// the real-time device list.
	ErrNotCreatable = errors.New("device kind not creatable")
	// ErrUnknownDevice is returned when no local device maps to a vendor id.
	ErrUnknownDevice = errors.New("unknown device")
)

// MissingDriverError names a driver that a kind needs but is not
// installed.
type MissingDriverError struct {
	Driver string
	Kind   string
}

func (e *MissingDriverError) Error() string {
	return fmt.Sprintf("driver %q required by kind %q is not installed", e.Driver, e.Kind)
}

// DeviceStore is the persistence the registry needs.
type DeviceStore interface {
	SaveDevice(dev *store.Device) error
	GetDevice(id string) (*store.Device, error)
	DeleteDevice(id string) error
	ListDevices() ([]*store.Device, error)
	UpdateDevice(id string, fn func(dev *store.Device) error) error
}

// DeviceLister is the REST device listing.
type DeviceLister interface {
	Devices(ctx context.Context) (*api.DeviceGroups, error)
}

// Metadata is the descriptive part of a device entry. Empty fields leave
// the stored value untouched.
type Metadata struct {
	Name            string
	LocationID      string
	ParentID        string
	HubID           string
	Firmware        string
	HardwareVersion string
	Manufacturer    string
	Serial          string
}

func (m Metadata) applyTo(d *store.Device) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&d.Name, m.Name)
	set(&d.LocationID, m.LocationID)
	set(&d.ParentID, m.ParentID)
	set(&d.HubID, m.HubID)
	set(&d.Firmware, m.Firmware)
	set(&d.HardwareVersion, m.HardwareVersion)
	set(&d.Manufacturer, m.Manufacturer)
	set(&d.Serial, m.Serial)
}

func metadataFrom(rec normalize.Record, hubID string) Metadata {
	deref := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	return Metadata{
		Name:            deref(rec.Name),
		ParentID:        rec.ParentID,
		HubID:           hubID,
		Firmware:        deref(rec.Firmware),
		HardwareVersion: deref(rec.HardwareVersion),
		Manufacturer:    deref(rec.Manufacturer),
		Serial:          deref(rec.Serial),
	}
}

// Discovered is a device from the REST listing that may be created.
type Discovered struct {
	VendorID string
	Kind     devicekind.Descriptor
	Meta     Metadata
}

// IngestReport summarizes one real-time envelope.
type IngestReport struct {
	HubCreated  bool
	BulkPending bool
	Created     int
	Updated     int
	Dropped     int
	Passthrough int
}

// Option configures a Registry.
type Option func(*Registry)

// WithDrivers replaces the built-in driver set.
func WithDrivers(d map[string]Driver) Option {
	return func(r *Registry) { r.drivers = d }
}

// WithLocation scopes discovery to one location.
func WithLocation(id string) Option {
	return func(r *Registry) { r.locationID = id }
}

// Registry maps vendor devices to local devices.
type Registry struct {
	store   DeviceStore
	events  *EventBus
	drivers map[string]Driver
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	index      map[string]string // vendor id -> local id
	hubIDs     map[string]string // hub vendor id -> kind
	hubKinds   map[string]bool
	pending    map[string]bool
	seenDings  map[string]time.Time
	locationID string
}

// New creates a registry and rebuilds its index from the store.
func New(st DeviceStore, events *EventBus, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:     st,
		events:    events,
		drivers:   DefaultDrivers(),
		logger:    logger.With("component", "registry"),
		now:       time.Now,
		index:     make(map[string]string),
		hubIDs:    make(map[string]string),
		hubKinds:  make(map[string]bool),
		pending:   make(map[string]bool),
		seenDings: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.RebuildIndex()
	return r
}

// LocalID is the local identifier for a vendor id.
func LocalID(vendorID string) string {
	return "ring_" + vendorID
}

// Events returns the registry's event bus.
func (r *Registry) Events() *EventBus { return r.events }

// LocationID returns the selected location.
func (r *Registry) LocationID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locationID
}

// SetLocation changes the selected location.
func (r *Registry) SetLocation(id string) {
	r.mu.Lock()
	r.locationID = id
	r.mu.Unlock()
}

// RebuildIndex loads all devices from the store and repopulates the
// vendor id index.
func (r *Registry) RebuildIndex() {
	devices, err := r.store.ListDevices()
	if err != nil {
		r.logger.Error("rebuild index", "err", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.index)
	clear(r.hubIDs)
	for _, d := range devices {
		r.index[d.VendorID] = d.ID
		if desc := devicekind.Parse(d.Kind); desc.Hub {
			r.hubIDs[d.VendorID] = d.Kind
			r.hubKinds[d.Kind] = true
		}
	}
}

// EnableHub turns on real-time support for a hub kind.
func (r *Registry) EnableHub(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hubKinds[kind] {
		r.hubKinds[kind] = true
		r.logger.Info("hub kind enabled", "kind", kind)
	}
}

// HubEnabled reports whether a hub kind has been enabled.
func (r *Registry) HubEnabled(kind string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hubKinds[kind]
}

// HasHubs reports whether any hub kind is enabled.
func (r *Registry) HasHubs() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hubKinds) > 0
}

// HubIDs returns the vendor ids of known hub devices.
func (r *Registry) HubIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.hubIDs))
}

// BulkPending reports whether a hub's initial device list is being
// processed.
func (r *Registry) BulkPending(hubID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[hubID]
}

func (r *Registry) known(vendorID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.index[vendorID]
	return ok
}

func (r *Registry) lookup(vendorID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.index[vendorID]
	return id, ok
}

// Device returns a device by local id.
func (r *Registry) Device(localID string) (*store.Device, error) {
	return r.store.GetDevice(localID)
}

// ByVendor returns a device by vendor id.
func (r *Registry) ByVendor(vendorID string) (*store.Device, error) {
	localID, ok := r.lookup(vendorID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, vendorID)
	}
	return r.store.GetDevice(localID)
}

// Devices returns all devices ordered by local id.
func (r *Registry) Devices() ([]*store.Device, error) {
	devs, err := r.store.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	slices.SortFunc(devs, func(a, b *store.Device) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return devs, nil
}

// SnapshotDevices returns the devices that produce periodic stills.
func (r *Registry) SnapshotDevices() ([]*store.Device, error) {
	devs, err := r.Devices()
	if err != nil {
		return nil, err
	}
	var out []*store.Device
	for _, d := range devs {
		if devicekind.Parse(d.Kind).Snapshots {
			out = append(out, d)
		}
	}
	return out, nil
}

// Discover lists the account devices and returns the creatable ones in the
// selected location. Hub kinds are not returned; they enable the real-time
// gateway instead.
func (r *Registry) Discover(ctx context.Context, lister DeviceLister) ([]Discovered, error) {
	groups, err := lister.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	loc := r.LocationID()

	var out []Discovered
	for _, d := range groups.All() {
		if loc != "" && d.LocationID != "" && d.LocationID != loc {
			continue
		}
		desc := devicekind.Parse(d.Kind)
		switch {
		case !desc.Known():
			r.logger.Warn("unknown device kind, skipping", "kind", d.Kind, "vendor_id", d.ID, "name", d.Description)
			continue
		case desc.Hub:
			r.EnableHub(d.Kind)
			continue
		case desc.Hidden:
			continue
		}
		out = append(out, Discovered{
			VendorID: d.ID.String(),
			Kind:     desc,
			Meta: Metadata{
				Name:       d.Description,
				LocationID: d.LocationID,
				Firmware:   d.FirmwareVersion,
			},
		})
	}
	return out, nil
}

// Sync discovers devices and creates the missing ones. One failing device
// does not abort the batch.
func (r *Registry) Sync(ctx context.Context, lister DeviceLister) (int, error) {
	found, err := r.Discover(ctx, lister)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, d := range found {
		_, isNew, err := r.ensure(d.VendorID, d.Kind, d.Meta, false)
		if err != nil {
			continue
		}
		if isNew {
			created++
		}
	}
	r.logger.Info("discovery complete", "found", len(found), "created", created)
	return created, nil
}

// EnsureDevice returns the device for vendorID, creating it on first
// sight. A second call with the same id updates metadata only.
func (r *Registry) EnsureDevice(vendorID string, desc devicekind.Descriptor, meta Metadata) (*store.Device, error) {
	dev, _, err := r.ensure(vendorID, desc, meta, false)
	return dev, err
}

func (r *Registry) ensure(vendorID string, desc devicekind.Descriptor, meta Metadata, allowHub bool) (*store.Device, bool, error) {
	if vendorID == "" {
		return nil, false, errors.New("ensure device: empty vendor id")
	}
	dev, created, err := r.ensureLocked(vendorID, desc, meta, allowHub)
	if err != nil {
		return nil, false, err
	}
	if created {
		r.events.Emit(Event{Type: EventDeviceCreated, Data: cloneDevice(dev)})
	}
	return dev, created, nil
}

func (r *Registry) ensureLocked(vendorID string, desc devicekind.Descriptor, meta Metadata, allowHub bool) (*store.Device, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if localID, ok := r.index[vendorID]; ok {
		var dev *store.Device
		err := r.store.UpdateDevice(localID, func(d *store.Device) error {
			meta.applyTo(d)
			d.LastSeen = now
			dev = cloneDevice(d)
			return nil
		})
		if err == nil {
			return dev, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, fmt.Errorf("update device %s: %w", localID, err)
		}
		delete(r.index, vendorID)
	}

	switch {
	case !desc.Known():
		r.logger.Warn("unknown device kind, not creating", "kind", desc.Raw, "vendor_id", vendorID)
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownKind, desc.Raw)
	case desc.Hidden, (desc.Hub || desc.HubSelf) && !allowHub:
		return nil, false, fmt.Errorf("%w: %q", ErrNotCreatable, desc.Raw)
	}
	if _, ok := r.drivers[desc.Driver]; !ok {
		r.logger.Error("driver not installed, device not created", "driver", desc.Driver, "kind", desc.Raw, "vendor_id", vendorID)
		return nil, false, &MissingDriverError{Driver: desc.Driver, Kind: desc.Raw}
	}

	dev := &store.Device{
		ID:         LocalID(vendorID),
		VendorID:   vendorID,
		Kind:       desc.Raw,
		Driver:     desc.Driver,
		Attributes: make(map[string]any),
		CreatedAt:  now,
		LastSeen:   now,
	}
	meta.applyTo(dev)
	if dev.Name == "" {
		dev.Name = desc.Name
	}
	if dev.LocationID == "" {
		dev.LocationID = r.locationID
	}
	if err := r.store.SaveDevice(dev); err != nil {
		return nil, false, fmt.Errorf("save device %s: %w", dev.ID, err)
	}
	r.index[vendorID] = dev.ID
	if desc.Hub {
		r.hubIDs[vendorID] = desc.Raw
		r.hubKinds[desc.Raw] = true
	}
	r.logger.Info("device created", "id", dev.ID, "kind", dev.Kind, "name", dev.Name)
	return dev, true, nil
}

// RouteUpdate applies a normalized record to the device for vendorID.
// Updates for unknown devices are logged and dropped.
func (r *Registry) RouteUpdate(vendorID string, rec normalize.Record) error {
	return r.route(vendorID, rec, true)
}

func (r *Registry) route(vendorID string, rec normalize.Record, logMissing bool) error {
	localID, ok := r.lookup(vendorID)
	if !ok {
		if logMissing {
			r.logger.Info("update for unknown device dropped", "vendor_id", vendorID, "type", rec.DeviceType)
		}
		metrics.DeviceUpdates.WithLabelValues("dropped").Inc()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, vendorID)
	}

	changes := make(map[string]any)
	err := r.store.UpdateDevice(localID, func(d *store.Device) error {
		drv, ok := r.drivers[d.Driver]
		if !ok {
			return &MissingDriverError{Driver: d.Driver, Kind: d.Kind}
		}
		if d.Attributes == nil {
			d.Attributes = make(map[string]any)
		}
		for k, v := range drv.Apply(d, rec) {
			if old, ok := d.Attributes[k]; ok && fmt.Sprint(old) == fmt.Sprint(v) {
				continue
			}
			d.Attributes[k] = v
			changes[k] = v
		}
		meta := metadataFrom(rec, "")
		meta.ParentID = ""
		if !devicekind.Parse(d.Kind).Hub {
			meta.Name = ""
		}
		meta.applyTo(d)
		d.LastSeen = r.now()
		return nil
	})
	if err != nil {
		var mde *MissingDriverError
		if errors.As(err, &mde) {
			r.logger.Error("driver not installed, update dropped", "driver", mde.Driver, "vendor_id", vendorID)
		} else {
			r.logger.Error("apply update", "vendor_id", vendorID, "err", err)
		}
		metrics.DeviceUpdates.WithLabelValues("error").Inc()
		return fmt.Errorf("route update %s: %w", vendorID, err)
	}

	if len(changes) > 0 {
		metrics.DeviceUpdates.WithLabelValues("applied").Inc()
		r.events.Emit(Event{Type: EventDeviceUpdated, Data: DeviceChange{DeviceID: localID, VendorID: vendorID, Changes: changes}})
	} else {
		metrics.DeviceUpdates.WithLabelValues("unchanged").Inc()
	}
	for _, t := range slices.Sorted(maps.Keys(rec.Impulses)) {
		r.events.Emit(Event{Type: EventDeviceEvent, Data: DeviceEvent{DeviceID: localID, VendorID: vendorID, Kind: t, Data: rec.Impulses[t]}})
	}
	return nil
}

// DeleteDevice removes the local device for vendorID. A removal failure is
// reported to the caller and leaves the rest of the registry intact.
func (r *Registry) DeleteDevice(vendorID string) error {
	r.mu.Lock()
	localID, ok := r.index[vendorID]
	if !ok {
		localID = LocalID(vendorID)
	}
	delete(r.index, vendorID)
	if kind, isHub := r.hubIDs[vendorID]; isHub {
		delete(r.hubIDs, vendorID)
		if !slices.Contains(slices.Collect(maps.Values(r.hubIDs)), kind) {
			delete(r.hubKinds, kind)
		}
	}
	r.mu.Unlock()

	if err := r.store.DeleteDevice(localID); err != nil {
		r.logger.Error("delete device", "id", localID, "err", err)
		return fmt.Errorf("delete device %s: %w", localID, err)
	}
	r.logger.Info("device removed", "id", localID)
	r.events.Emit(Event{Type: EventDeviceRemoved, Data: map[string]string{"device_id": localID, "vendor_id": vendorID}})
	return nil
}

// Ingest applies one normalized real-time envelope.
func (r *Registry) Ingest(res normalize.Result) IngestReport {
	var rep IngestReport
	switch res.Kind {
	case normalize.KindDeviceList:
		r.ingestList(res, &rep)
	case normalize.KindDataUpdate:
		if res.HubKind != "" && !r.HubEnabled(res.HubKind) {
			r.logger.Debug("update for disabled hub kind dropped", "kind", res.HubKind, "hub", res.HubID)
			rep.Dropped = len(res.Records)
			return rep
		}
		for _, rec := range res.Records {
			r.apply(res.HubID, rec, &rep)
		}
	case normalize.KindAck:
		if res.Status != nil && *res.Status != 0 {
			r.logger.Warn("command rejected", "msg", res.Msg, "status", *res.Status, "seq", res.Seq)
		} else {
			r.logger.Debug("command acknowledged", "msg", res.Msg)
		}
	default:
		r.logger.Debug("unhandled message", "msg", res.Msg, "datatype", res.DataType)
	}
	return rep
}

func (r *Registry) ingestList(res normalize.Result, rep *IngestReport) {
	if hub, isHub := devicekind.HubFor(res.HubKind); isHub && res.HubID != "" {
		r.EnableHub(res.HubKind)
		if !r.known(res.HubID) {
			_, created, err := r.ensure(res.HubID, hub, Metadata{Name: hub.Name, HubID: res.HubID}, true)
			if err != nil {
				r.logger.Error("create hub", "hub", res.HubID, "err", err)
			}
			rep.HubCreated = created
			rep.BulkPending = true
			r.mu.Lock()
			r.pending[res.HubID] = true
			r.mu.Unlock()
			defer func() {
				r.mu.Lock()
				delete(r.pending, res.HubID)
				r.mu.Unlock()
			}()
		}
	}
	for _, rec := range res.Records {
		r.apply(res.HubID, rec, rep)
	}
	r.logger.Info("device list processed", "hub", res.HubID, "created", rep.Created, "updated", rep.Updated, "dropped", rep.Dropped)
}

func (r *Registry) apply(hubID string, rec normalize.Record, rep *IngestReport) {
	switch {
	case rec.Passthrough:
		rep.Passthrough++
		r.events.Emit(Event{Type: EventPassthrough, Data: map[string]any{
			"hub_id":    hubID,
			"vendor_id": rec.VendorID,
			"type":      rec.DeviceType,
			"data":      rec.Data,
		}})
		return
	case rec.HubSelf:
		if hubID == "" {
			rep.Dropped++
			return
		}
		if r.route(hubID, rec, false) == nil {
			rep.Updated++
		} else {
			rep.Dropped++
		}
		return
	}

	if !rec.Creatable && !r.known(rec.VendorID) && !devicekind.Parse(rec.DeviceType).Known() {
		r.logger.Warn("unknown device kind, skipping", "kind", rec.DeviceType, "vendor_id", rec.VendorID, "hub", hubID)
	}
	if rec.Creatable && !r.known(rec.VendorID) {
		_, created, err := r.ensure(rec.VendorID, devicekind.Parse(rec.DeviceType), metadataFrom(rec, hubID), false)
		if err == nil && created {
			rep.Created++
		}
	}
	if r.route(rec.VendorID, rec, rec.Creatable) == nil {
		rep.Updated++
	} else {
		rep.Dropped++
	}
}

const dingMemory = time.Hour

// HandleDings is the continuation for asynchronous dings requests.
func (r *Registry) HandleDings(resp *api.Response, err error) {
	if err != nil {
		r.logger.Warn("poll dings failed", "err", err)
		return
	}
	var dings []api.Ding
	if err := resp.Decode(&dings); err != nil {
		r.logger.Warn("poll dings failed", "err", err)
		return
	}
	if n := r.IngestDings(dings); n > 0 {
		r.logger.Debug("dings fired", "count", n)
	}
}

// IngestDings fires device events for active dings from the poll path.
// Each ding id fires once.
func (r *Registry) IngestDings(dings []api.Ding) int {
	now := r.now()
	r.mu.Lock()
	for id, at := range r.seenDings {
		if now.Sub(at) > dingMemory {
			delete(r.seenDings, id)
		}
	}
	r.mu.Unlock()

	fired := 0
	for _, d := range dings {
		key := d.ID.String()
		r.mu.Lock()
		_, seen := r.seenDings[key]
		if !seen {
			r.seenDings[key] = now
		}
		r.mu.Unlock()
		if seen {
			continue
		}

		localID, ok := r.lookup(d.DoorbotID.String())
		if !ok {
			r.logger.Debug("ding for unknown device", "doorbot_id", d.DoorbotID, "kind", d.Kind)
			continue
		}
		kind := d.Kind
		if kind == "on_demand" {
			continue
		}
		if err := r.fire(localID, d.DoorbotID.String(), kind, d); err != nil {
			r.logger.Warn("ding event", "id", localID, "err", err)
			continue
		}
		fired++
	}
	return fired
}

// Trigger fires a device event from an external trigger. Kinds other than
// "motion" and "ding" are ignored.
func (r *Registry) Trigger(localID, kind string) error {
	if kind != "motion" && kind != "ding" {
		r.logger.Debug("trigger kind ignored", "kind", kind, "id", localID)
		return nil
	}
	dev, err := r.store.GetDevice(localID)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", localID, err)
	}
	return r.fire(localID, dev.VendorID, kind, map[string]string{"source": "trigger"})
}

func (r *Registry) fire(localID, vendorID, kind string, data any) error {
	ts := r.now().UTC().Format(time.RFC3339)
	attr := "last_" + kind
	err := r.store.UpdateDevice(localID, func(d *store.Device) error {
		if d.Attributes == nil {
			d.Attributes = make(map[string]any)
		}
		d.Attributes[attr] = ts
		d.LastSeen = r.now()
		return nil
	})
	if err != nil {
		return err
	}
	r.events.Emit(Event{Type: EventDeviceUpdated, Data: DeviceChange{DeviceID: localID, VendorID: vendorID, Changes: map[string]any{attr: ts}}})
	r.events.Emit(Event{Type: EventDeviceEvent, Data: DeviceEvent{DeviceID: localID, VendorID: vendorID, Kind: kind, Data: data}})
	return nil
}

func cloneDevice(d *store.Device) *store.Device {
	cp := *d
	cp.Attributes = maps.Clone(d.Attributes)
	return &cp
}
