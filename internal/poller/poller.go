// Package poller runs the periodic REST polls: active dings, location
// mode and camera snapshots.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ring-go-home/internal/api"
	"ring-go-home/internal/registry"
	"ring-go-home/internal/store"
)

// Client is the REST surface the poller uses. Dings are issued
// asynchronously; their responses go to the handler registered for
// api.OpDings.
type Client interface {
	Go(ctx context.Context, req api.Request, h api.ResponseHandler)
	ModeGet(ctx context.Context, locationID string) (*api.Mode, error)
	SnapshotUpdate(ctx context.Context, deviceIDs []string) error
	SnapshotTimestamps(ctx context.Context, deviceIDs []string) ([]api.SnapshotTimestamp, error)
	SnapshotImage(ctx context.Context, deviceID string) ([]byte, string, error)
	SnapshotImageTmp(ctx context.Context, deviceID string) ([]byte, string, error)
}

// Registry is the device side of the poller.
type Registry interface {
	SnapshotDevices() ([]*store.Device, error)
	HasHubs() bool
	LocationID() string
	Events() *registry.EventBus
}

// SnapshotStore caches the latest image per device.
type SnapshotStore interface {
	SaveSnapshot(id string, snap *store.Snapshot) error
}

// Config sets the poll cadence.
type Config struct {
	DingsInterval    time.Duration
	SnapshotInterval time.Duration
	Timeout          time.Duration
}

// Poller schedules the polls on a cron.
type Poller struct {
	cfg    Config
	client Client
	reg    Registry
	snaps  SnapshotStore
	logger *slog.Logger
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	lastSnap map[string]int64
	lastMode string
}

// New creates a poller. Zero intervals fall back to 90s for dings and
// 10m for snapshots.
func New(cfg Config, client Client, reg Registry, snaps SnapshotStore, logger *slog.Logger) *Poller {
	if cfg.DingsInterval <= 0 {
		cfg.DingsInterval = 90 * time.Second
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 10 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		client:   client,
		reg:      reg,
		snaps:    snaps,
		logger:   logger.With("component", "poller"),
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		lastSnap: make(map[string]int64),
	}
}

// Start registers the schedules and starts the cron.
func (p *Poller) Start() error {
	jobs := []struct {
		name  string
		every time.Duration
		run   func(context.Context) error
	}{
		{"dings", p.cfg.DingsInterval, p.PollDings},
		{"mode", p.cfg.DingsInterval, p.PollMode},
		{"snapshots", p.cfg.SnapshotInterval, p.RefreshSnapshots},
	}
	for _, j := range jobs {
		spec := "@every " + j.every.String()
		if _, err := p.cron.AddFunc(spec, p.job(j.name, j.run)); err != nil {
			return fmt.Errorf("schedule %s poll: %w", j.name, err)
		}
	}
	p.cron.Start()
	p.logger.Info("polling started", "dings", p.cfg.DingsInterval, "snapshots", p.cfg.SnapshotInterval)
	return nil
}

// Stop stops the cron, waits for running polls and cancels dings
// requests still in flight.
func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
	p.cancel()
}

func (p *Poller) job(name string, run func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
		defer cancel()
		if err := run(ctx); err != nil {
			p.logger.Warn("poll failed", "poll", name, "err", err)
		}
	}
}

// PollDings requests the active dings without waiting for the response.
// The request outlives the poll tick and is bound to the poller's
// lifetime instead.
func (p *Poller) PollDings(context.Context) error {
	if err := p.ctx.Err(); err != nil {
		return fmt.Errorf("poll dings: %w", err)
	}
	p.client.Go(p.ctx, api.Request{Op: api.OpDings}, nil)
	return nil
}

// PollMode emits EventLocationMode when the location mode changes.
// Locations with an alarm hub get mode changes over the socket instead.
func (p *Poller) PollMode(ctx context.Context) error {
	loc := p.reg.LocationID()
	if loc == "" || p.reg.HasHubs() {
		return nil
	}
	m, err := p.client.ModeGet(ctx, loc)
	if err != nil {
		return fmt.Errorf("poll mode: %w", err)
	}
	p.mu.Lock()
	changed := m.Mode != "" && m.Mode != p.lastMode
	if changed {
		p.lastMode = m.Mode
	}
	p.mu.Unlock()
	if changed {
		p.reg.Events().Emit(registry.Event{
			Type: registry.EventLocationMode,
			Data: map[string]string{"location_id": loc, "mode": m.Mode},
		})
	}
	return nil
}

// RefreshSnapshots asks for fresh stills and caches every image newer than
// the last one stored.
func (p *Poller) RefreshSnapshots(ctx context.Context) error {
	devs, err := p.reg.SnapshotDevices()
	if err != nil {
		return fmt.Errorf("list snapshot devices: %w", err)
	}
	if len(devs) == 0 {
		return nil
	}
	localByVendor := make(map[string]string, len(devs))
	ids := make([]string, 0, len(devs))
	for _, d := range devs {
		localByVendor[d.VendorID] = d.ID
		ids = append(ids, d.VendorID)
	}

	if err := p.client.SnapshotUpdate(ctx, ids); err != nil {
		p.logger.Warn("request snapshot update", "err", err)
	}
	stamps, err := p.client.SnapshotTimestamps(ctx, ids)
	if err != nil {
		return fmt.Errorf("snapshot timestamps: %w", err)
	}

	saved := 0
	for _, ts := range stamps {
		vendorID := ts.DoorbotID.String()
		localID, ok := localByVendor[vendorID]
		if !ok {
			continue
		}
		p.mu.Lock()
		stale := ts.Timestamp <= p.lastSnap[vendorID]
		p.mu.Unlock()
		if stale {
			continue
		}

		img, contentType, err := p.client.SnapshotImage(ctx, vendorID)
		if err != nil || len(img) == 0 {
			// Battery cameras often have only the pending still.
			img, contentType, err = p.client.SnapshotImageTmp(ctx, vendorID)
		}
		if err != nil {
			p.logger.Warn("fetch snapshot", "device", localID, "err", err)
			continue
		}
		if len(img) == 0 {
			continue
		}
		snap := &store.Snapshot{Image: img, ContentType: contentType, Timestamp: time.UnixMilli(ts.Timestamp).UTC()}
		if err := p.snaps.SaveSnapshot(localID, snap); err != nil {
			p.logger.Error("save snapshot", "device", localID, "err", err)
			continue
		}
		p.mu.Lock()
		p.lastSnap[vendorID] = ts.Timestamp
		p.mu.Unlock()
		saved++
	}
	if saved > 0 {
		p.logger.Debug("snapshots cached", "count", saved)
	}
	return nil
}
