package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"ring-go-home/internal/api"
	"ring-go-home/internal/devicekind"
)

// ErrUnsupportedCommand is returned for commands a device kind does not
// accept.
var ErrUnsupportedCommand = errors.New("unsupported command")

// Command is a hub-side request against one device.
type Command struct {
	Name   string         `json:"command"`
	Value  any            `json:"value,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// GatewaySender sends commands over the real-time connection.
type GatewaySender interface {
	SetCommand(hubID, zid, commandType string, data map[string]any) error
	SetDevice(hubID, zid string, data map[string]any) error
}

// CloudControl is the REST side of device control.
type CloudControl interface {
	DeviceControl(ctx context.Context, deviceID, action string, params url.Values) error
	DeviceSet(ctx context.Context, deviceID string, settings map[string]any) error
	ModeSet(ctx context.Context, locationID, mode string) (*api.Mode, error)
}

// Controller forwards hub commands to the vendor: alarm and lighting
// devices through the gateway, video devices and location modes through
// REST.
type Controller struct {
	reg     *Registry
	gateway GatewaySender
	cloud   CloudControl
	logger  *slog.Logger
}

// NewController creates a controller. gateway may be nil when the
// real-time connection is disabled.
func NewController(reg *Registry, gateway GatewaySender, cloud CloudControl, logger *slog.Logger) *Controller {
	return &Controller{
		reg:     reg,
		gateway: gateway,
		cloud:   cloud,
		logger:  logger.With("component", "controller"),
	}
}

// alarmModes maps hub alarm modes to vendor security modes.
var alarmModes = map[string]string{
	"disarmed": "none",
	"home":     "some",
	"away":     "all",
}

// Command executes cmd against the device with the given local id.
func (c *Controller) Command(ctx context.Context, localID string, cmd Command) error {
	dev, err := c.reg.Device(localID)
	if err != nil {
		return fmt.Errorf("command %s: %w", localID, err)
	}
	desc := devicekind.Parse(dev.Kind)
	c.logger.Debug("command", "id", localID, "command", cmd.Name, "value", cmd.Value)

	hub := dev.HubID
	if hub == "" {
		hub = dev.ParentID
	}

	switch desc.Family {
	case devicekind.FamilyCamera:
		return c.camera(ctx, dev.VendorID, cmd)
	case devicekind.FamilyChime:
		if cmd.Name == "volume" {
			v, err := asFloat(cmd.Value)
			if err != nil {
				return err
			}
			return c.cloud.DeviceSet(ctx, dev.VendorID, map[string]any{"volume": int(v)})
		}
	case devicekind.FamilyPanel:
		if cmd.Name == "mode" {
			s, _ := cmd.Value.(string)
			mode, ok := alarmModes[s]
			if !ok {
				return fmt.Errorf("%w: mode %q", ErrUnsupportedCommand, s)
			}
			return c.setCommand(hub, dev.VendorID, "security-panel.switch-mode", map[string]any{"mode": mode})
		}
	case devicekind.FamilyLock:
		if cmd.Name == "lock" {
			switch cmd.Value {
			case "lock", "unlock":
				return c.setCommand(hub, dev.VendorID, "lock."+cmd.Value.(string), map[string]any{})
			}
		}
	case devicekind.FamilySiren:
		if cmd.Name == "siren" {
			on, err := asBool(cmd.Value)
			if err != nil {
				return err
			}
			t := "siren-test.stop"
			if on {
				t = "siren-test.start"
			}
			return c.setCommand(hub, dev.VendorID, t, map[string]any{})
		}
	case devicekind.FamilySwitch, devicekind.FamilyDimmer:
		switch cmd.Name {
		case "switch":
			on, err := asBool(cmd.Value)
			if err != nil {
				return err
			}
			return c.setDevice(hub, dev.VendorID, map[string]any{"on": on})
		case "level":
			if desc.Family != devicekind.FamilyDimmer {
				break
			}
			v, err := asFloat(cmd.Value)
			if err != nil {
				return err
			}
			return c.setDevice(hub, dev.VendorID, map[string]any{"level": clamp(v, 0, 100) / 100})
		}
	case devicekind.FamilyKeypad:
		switch cmd.Name {
		case "volume", "brightness":
			v, err := asFloat(cmd.Value)
			if err != nil {
				return err
			}
			return c.setDevice(hub, dev.VendorID, map[string]any{cmd.Name: clamp(v, 0, 100) / 100})
		}
	case devicekind.FamilyThermostat:
		switch cmd.Name {
		case "mode":
			s, ok := cmd.Value.(string)
			if !ok {
				return fmt.Errorf("%w: mode %v", ErrUnsupportedCommand, cmd.Value)
			}
			return c.setDevice(hub, dev.VendorID, map[string]any{"mode": s})
		case "set_point":
			v, err := asFloat(cmd.Value)
			if err != nil {
				return err
			}
			return c.setDevice(hub, dev.VendorID, map[string]any{"setPoint": v})
		}
	}
	return fmt.Errorf("%w: %s on %s", ErrUnsupportedCommand, cmd.Name, dev.Kind)
}

func (c *Controller) camera(ctx context.Context, vendorID string, cmd Command) error {
	switch cmd.Name {
	case "light":
		on, err := asBool(cmd.Value)
		if err != nil {
			return err
		}
		action := "floodlight_light_off"
		if on {
			action = "floodlight_light_on"
		}
		return c.cloud.DeviceControl(ctx, vendorID, action, nil)
	case "siren":
		on, err := asBool(cmd.Value)
		if err != nil {
			return err
		}
		if !on {
			return c.cloud.DeviceControl(ctx, vendorID, "siren_off", nil)
		}
		params := url.Values{}
		if d, ok := cmd.Params["duration"]; ok {
			params.Set("duration", fmt.Sprint(d))
		}
		return c.cloud.DeviceControl(ctx, vendorID, "siren_on", params)
	case "motion_detection":
		on, err := asBool(cmd.Value)
		if err != nil {
			return err
		}
		return c.cloud.DeviceSet(ctx, vendorID, map[string]any{
			"motion_settings": map[string]any{"motion_detection_enabled": on},
		})
	}
	return fmt.Errorf("%w: %s on camera", ErrUnsupportedCommand, cmd.Name)
}

// LocationMode sets the location security mode through REST and emits
// EventLocationMode with the accepted mode.
func (c *Controller) LocationMode(ctx context.Context, mode string) error {
	loc := c.reg.LocationID()
	if loc == "" {
		return errors.New("set location mode: no location selected")
	}
	switch mode {
	case "disarmed", "home", "away":
	default:
		return fmt.Errorf("%w: location mode %q", ErrUnsupportedCommand, mode)
	}
	m, err := c.cloud.ModeSet(ctx, loc, mode)
	if err != nil {
		return fmt.Errorf("set location mode: %w", err)
	}
	accepted := mode
	if m != nil && m.Mode != "" {
		accepted = m.Mode
	}
	c.reg.Events().Emit(Event{Type: EventLocationMode, Data: map[string]string{"location_id": loc, "mode": accepted}})
	return nil
}

func (c *Controller) setCommand(hubID, zid, commandType string, data map[string]any) error {
	if c.gateway == nil {
		return errors.New("real-time gateway disabled")
	}
	if err := c.gateway.SetCommand(hubID, zid, commandType, data); err != nil {
		return fmt.Errorf("send %s: %w", commandType, err)
	}
	return nil
}

func (c *Controller) setDevice(hubID, zid string, data map[string]any) error {
	if c.gateway == nil {
		return errors.New("real-time gateway disabled")
	}
	if err := c.gateway.SetDevice(hubID, zid, data); err != nil {
		return fmt.Errorf("set device %s: %w", zid, err)
	}
	return nil
}

func asBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch strings.ToLower(b) {
		case "on", "true", "1":
			return true, nil
		case "off", "false", "0":
			return false, nil
		}
	case float64:
		return b != 0, nil
	}
	return false, fmt.Errorf("%w: value %v is not a boolean", ErrUnsupportedCommand, v)
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: value %v is not a number", ErrUnsupportedCommand, v)
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}
