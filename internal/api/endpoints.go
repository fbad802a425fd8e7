package api

import (
	"context"
	"net/url"
	"strconv"
)

// Locations lists the account locations.
func (d *Dispatcher) Locations(ctx context.Context) ([]Location, error) {
	resp, err := d.Do(ctx, Request{Op: OpLocations})
	if err != nil {
		return nil, err
	}
	var lr locationsResponse
	if err := resp.Decode(&lr); err != nil {
		return nil, err
	}
	return lr.UserLocations, nil
}

// Devices lists every device on the account.
func (d *Dispatcher) Devices(ctx context.Context) (*DeviceGroups, error) {
	resp, err := d.Do(ctx, Request{Op: OpDevices})
	if err != nil {
		return nil, err
	}
	var g DeviceGroups
	if err := resp.Decode(&g); err != nil {
		return nil, err
	}
	return &g, nil
}

// ActiveDings returns the current motion and doorbell events.
func (d *Dispatcher) ActiveDings(ctx context.Context) ([]Ding, error) {
	resp, err := d.Do(ctx, Request{Op: OpDings})
	if err != nil {
		return nil, err
	}
	var dings []Ding
	if err := resp.Decode(&dings); err != nil {
		return nil, err
	}
	return dings, nil
}

// Ticket requests a real-time connection ticket for a location.
func (d *Dispatcher) Ticket(ctx context.Context, locationID string) (*Ticket, error) {
	q := url.Values{}
	if locationID != "" {
		q.Set("locationID", locationID)
	}
	resp, err := d.Do(ctx, Request{Op: OpTickets, Query: q})
	if err != nil {
		return nil, err
	}
	var t Ticket
	if err := resp.Decode(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ModeGet returns the location mode.
func (d *Dispatcher) ModeGet(ctx context.Context, locationID string) (*Mode, error) {
	resp, err := d.Do(ctx, Request{Op: OpModeGet, Params: map[string]string{"location": locationID}})
	if err != nil {
		return nil, err
	}
	var m Mode
	if err := resp.Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ModeSet changes the location mode ("home", "away", "disarmed").
func (d *Dispatcher) ModeSet(ctx context.Context, locationID, mode string) (*Mode, error) {
	resp, err := d.Do(ctx, Request{
		Op:     OpModeSet,
		Params: map[string]string{"location": locationID},
		Body:   map[string]string{"mode": mode},
	})
	if err != nil {
		return nil, err
	}
	m := Mode{Mode: mode}
	if len(resp.Body) > 0 {
		if err := resp.Decode(&m); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// ModeSettings returns the per-mode device behaviour settings.
func (d *Dispatcher) ModeSettings(ctx context.Context, locationID string) (map[string]any, error) {
	resp, err := d.Do(ctx, Request{Op: OpModeSettings, Params: map[string]string{"location": locationID}})
	if err != nil {
		return nil, err
	}
	var s map[string]any
	if err := resp.Decode(&s); err != nil {
		return nil, err
	}
	return s, nil
}

// History returns recent events for a device.
func (d *Dispatcher) History(ctx context.Context, deviceID string, limit int) ([]HistoryEvent, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	resp, err := d.Do(ctx, Request{Op: OpHistory, Params: map[string]string{"id": deviceID}, Query: q})
	if err != nil {
		return nil, err
	}
	var events []HistoryEvent
	if err := resp.Decode(&events); err != nil {
		return nil, err
	}
	return events, nil
}

// SnapshotTimestamps returns the latest snapshot times for the cameras.
func (d *Dispatcher) SnapshotTimestamps(ctx context.Context, deviceIDs []string) ([]SnapshotTimestamp, error) {
	resp, err := d.Do(ctx, Request{Op: OpSnapshotTimestamps, Body: map[string]any{"doorbot_ids": numericIDs(deviceIDs)}})
	if err != nil {
		return nil, err
	}
	var sr snapshotTimestampsResponse
	if err := resp.Decode(&sr); err != nil {
		return nil, err
	}
	return sr.Timestamps, nil
}

// SnapshotImage fetches the latest snapshot image for a camera.
func (d *Dispatcher) SnapshotImage(ctx context.Context, deviceID string) ([]byte, string, error) {
	return d.image(ctx, OpSnapshotImage, deviceID)
}

// SnapshotImageTmp fetches the next, not yet persisted, snapshot image.
func (d *Dispatcher) SnapshotImageTmp(ctx context.Context, deviceID string) ([]byte, string, error) {
	return d.image(ctx, OpSnapshotImageTmp, deviceID)
}

func (d *Dispatcher) image(ctx context.Context, op, deviceID string) ([]byte, string, error) {
	resp, err := d.Do(ctx, Request{Op: op, Params: map[string]string{"id": deviceID}})
	if err != nil {
		return nil, "", err
	}
	ct := resp.ContentType
	if ct == "" {
		ct = acceptImage
	}
	return resp.Body, ct, nil
}

// SnapshotUpdate asks the cameras to take fresh snapshots.
func (d *Dispatcher) SnapshotUpdate(ctx context.Context, deviceIDs []string) error {
	_, err := d.Do(ctx, Request{Op: OpSnapshotUpdate, Body: map[string]any{
		"doorbot_ids": numericIDs(deviceIDs),
		"refresh":     true,
	}})
	return err
}

// DeviceControl issues an actuation such as "floodlight_light_on" or
// "siren_on".
func (d *Dispatcher) DeviceControl(ctx context.Context, deviceID, action string, params url.Values) error {
	_, err := d.Do(ctx, Request{
		Op:     OpDeviceControl,
		Params: map[string]string{"id": deviceID, "action": action},
		Body:   params,
	})
	return err
}

// DeviceSet patches device settings.
func (d *Dispatcher) DeviceSet(ctx context.Context, deviceID string, settings map[string]any) error {
	_, err := d.Do(ctx, Request{Op: OpDeviceSet, Params: map[string]string{"id": deviceID}, Body: settings})
	return err
}

// numericIDs sends numeric ids as JSON numbers, which the snapshot
// endpoints require.
func numericIDs(ids []string) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			out = append(out, n)
			continue
		}
		out = append(out, id)
	}
	return out
}
