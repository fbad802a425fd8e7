package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ring-go-home/internal/api"
	"ring-go-home/internal/poller"
	"ring-go-home/internal/realtime"
	"ring-go-home/internal/registry"
	"ring-go-home/internal/session"
	"ring-go-home/internal/store"
)

// Bring-up retry delays, doubling from base to max.
const (
	startRetryBase = 10 * time.Second
	startRetryMax  = 10 * time.Minute
)

// bridge brings the cloud side up once a token is held: location
// selection, device sync, gateway and polling. Failed attempts are
// retried with backoff; while requests are held (two-factor code pending,
// rate limited) retries wait for a login through the web API.
type bridge struct {
	cfg     *Config
	logger  *slog.Logger
	db      *store.BoltStore
	sess    *session.Session
	auth    *session.Authenticator
	client  *api.Dispatcher
	reg     *registry.Registry
	gateway *realtime.Gateway
	poll    *poller.Poller

	mu      sync.Mutex
	started bool
}

// login is the web API login action; success brings the bridge up.
func (b *bridge) login(ctx context.Context, code string) (session.Result, error) {
	res, err := b.auth.Login(ctx, code)
	if err != nil || res != session.ResultAccessToken {
		return res, err
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := b.start(ctx); err != nil {
			b.logger.Error("start bridge after login", "err", err)
		}
	}()
	return res, nil
}

// run retries bring-up until it succeeds or ctx ends.
func (b *bridge) run(ctx context.Context) {
	retryUntil(ctx, realtime.Backoff{Base: startRetryBase, Max: startRetryMax}, b.sess.Held, b.bringUp, b.logger)
}

// retryUntil calls attempt until it succeeds, backing off after each
// failure. Attempts are skipped, without advancing the backoff, while held
// reports true.
func retryUntil(ctx context.Context, policy realtime.Backoff, held func() (bool, string), attempt func(context.Context) error, logger *slog.Logger) {
	for {
		delay := policy.Base
		if isHeld, reason := held(); isHeld {
			logger.Debug("bring-up waiting, requests held", "reason", reason)
		} else if err := attempt(ctx); err != nil {
			delay = policy.Next(false)
			logger.Warn("bring-up failed, retrying", "err", err, "retry_in", delay)
		} else {
			return
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// bringUp authenticates when no access token is held, then starts the
// bridge.
func (b *bridge) bringUp(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if b.sess.AccessToken() == "" {
		res, err := b.auth.Authenticate(ctx, "")
		if errors.Is(err, session.ErrChallengeRequired) {
			b.logger.Warn("two-factor code required; POST it to /api/session/login")
		}
		if err != nil {
			return fmt.Errorf("authenticate (%s): %w", res, err)
		}
	}
	return b.start(ctx)
}

func (b *bridge) start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	if err := b.selectLocation(ctx); err != nil {
		return err
	}
	created, err := b.reg.Sync(ctx, b.client)
	if err != nil {
		return fmt.Errorf("sync devices: %w", err)
	}
	b.logger.Info("devices synced", "location_id", b.reg.LocationID(), "created", created, "hubs", len(b.reg.HubIDs()))

	if b.cfg.realtimeEnabled() {
		b.gateway.Initialize()
	}
	if b.cfg.pollingEnabled() {
		if err := b.poll.Start(); err != nil {
			return err
		}
	}
	b.started = true
	return nil
}

// selectLocation resolves the location from config, the stored selection
// or the account's first location, and persists the choice with the
// location name map.
func (b *bridge) selectLocation(ctx context.Context) error {
	locs, err := b.client.Locations(ctx)
	if err != nil {
		return fmt.Errorf("list locations: %w", err)
	}
	if len(locs) == 0 {
		return errors.New("account has no locations")
	}

	names := make(map[string]string, len(locs))
	for _, l := range locs {
		names[l.LocationID] = l.Name
	}
	id := b.reg.LocationID()
	if _, ok := names[id]; !ok {
		if id != "" {
			b.logger.Warn("configured location not found on account", "location_id", id)
		}
		id = locs[0].LocationID
		if len(locs) > 1 {
			b.logger.Warn("several locations on account, using the first; set ring.location_id to choose", "location_id", id, "name", names[id])
		}
	}

	b.reg.SetLocation(id)
	if err := b.db.SaveLocation(&store.LocationSelection{LocationID: id, Names: names}); err != nil {
		b.logger.Warn("save location selection", "err", err)
	}
	b.logger.Info("location selected", "location_id", id, "name", names[id])
	return nil
}

func (b *bridge) stop() {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if started {
		b.poll.Stop()
	}
	b.gateway.Stop()
}
