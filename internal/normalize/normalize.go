// Package normalize turns real-time socket envelopes into flat per-device
// update records.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"

	"ring-go-home/internal/devicekind"
)

// ErrMalformed is returned for payloads that are not the expected shape.
var ErrMalformed = errors.New("malformed payload")

// Kind is the envelope kind.
type Kind int

const (
	KindUnknown Kind = iota
	// KindDataUpdate is an incremental per-device delta.
	KindDataUpdate
	// KindDeviceList is a full device list for one hub.
	KindDeviceList
	// KindAck acknowledges a set command. It carries no device updates.
	KindAck
	// KindDisconnect is a gateway-level close request.
	KindDisconnect
)

func (k Kind) String() string {
	switch k {
	case KindDataUpdate:
		return "data_update"
	case KindDeviceList:
		return "device_list"
	case KindAck:
		return "ack"
	case KindDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Message names used by the socket protocol.
const (
	MsgDataUpdate       = "DataUpdate"
	MsgDeviceList       = "DeviceInfoDocGetList"
	MsgDeviceInfoSet    = "DeviceInfoSet"
	MsgSetKeychainValue = "SetKeychainValue"
	MsgDisconnect       = "disconnect"
)

// Envelope datatypes.
const (
	DataTypePassthrough = "PassthruType"
	DataTypeDeviceInfo  = "DeviceInfoDocType"
	DataTypeSet         = "DeviceInfoSetType"
)

// Result is a normalized envelope.
type Result struct {
	Kind     Kind
	Msg      string
	DataType string
	HubKind  string
	HubID    string
	Seq      *int64
	Status   *int
	Records  []Record
	// Skipped counts body entries without a vendor id.
	Skipped int
}

// Record is one device's update. Pointer fields are nil when the input
// did not carry the key.
type Record struct {
	DeviceType      string
	VendorID        string
	ParentID        string
	Battery         *int
	BatteryStatus   *string
	Tamper          *string
	Signal          *int
	Firmware        *string
	HardwareVersion *string
	Manufacturer    *string
	Serial          *string
	Name            *string
	State           map[string]any
	Impulses        map[string]any

	// Passthrough records carry a command acknowledgement or raw vendor
	// data in Data instead of device state.
	Passthrough bool
	Data        map[string]any

	// Creatable is false for unknown and hidden device types.
	Creatable bool
	// HubSelf marks the entry describing the hub itself.
	HubSelf bool
}

// Normalize decodes one socket event. eventName is the first element of
// the event array and payload the second.
func Normalize(eventName string, payload json.RawMessage) (Result, error) {
	if eventName == MsgDisconnect {
		return Result{Kind: KindDisconnect, Msg: MsgDisconnect}, nil
	}

	var env map[string]any
	if err := json.Unmarshal(payload, &env); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env == nil {
		return Result{}, fmt.Errorf("%w: null payload", ErrMalformed)
	}

	res := Result{}
	res.Msg, _ = env["msg"].(string)
	if res.Msg == "" && eventName == MsgDataUpdate {
		res.Msg = MsgDataUpdate
	}
	res.DataType, _ = env["datatype"].(string)
	if n, ok := number(env, "seq"); ok {
		seq := int64(n)
		res.Seq = &seq
	}
	if n, ok := number(env, "status"); ok {
		st := int(n)
		res.Status = &st
	}
	if ctx, ok := object(env, "context"); ok {
		res.HubKind, _ = ctx["assetKind"].(string)
		res.HubID, _ = ctx["assetId"].(string)
	}

	switch res.Msg {
	case MsgDataUpdate:
		res.Kind = KindDataUpdate
	case MsgDeviceList:
		res.Kind = KindDeviceList
	case MsgDeviceInfoSet, MsgSetKeychainValue:
		res.Kind = KindAck
		return res, nil
	case MsgDisconnect:
		res.Kind = KindDisconnect
		return res, nil
	default:
		res.Kind = KindUnknown
		return res, nil
	}

	rawBody, present := env["body"]
	if !present || rawBody == nil {
		return res, nil
	}
	body, ok := rawBody.([]any)
	if !ok {
		return res, fmt.Errorf("%w: %s body is %T", ErrMalformed, res.Msg, rawBody)
	}

	for _, e := range body {
		entry, ok := e.(map[string]any)
		if !ok {
			res.Skipped++
			continue
		}
		rec, ok := record(entry, res.HubID, res.DataType == DataTypePassthrough)
		if !ok {
			res.Skipped++
			continue
		}
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

func record(entry map[string]any, hubID string, passthruType bool) (Record, bool) {
	var rec Record

	general, hasGeneral := versioned(entry, "general", "v2", "v1")
	device, hasDevice := versioned(entry, "device", "v1")

	if id, ok := entry["zid"].(string); ok {
		rec.VendorID = id
	}

	if data, ok := object(entry, "data"); ok && !hasGeneral && !hasDevice {
		rec.Passthrough = true
		rec.Data = data
	} else if passthruType && !hasGeneral && !hasDevice {
		rec.Passthrough = true
	}
	if t, ok := entry["type"].(string); ok && rec.Passthrough {
		rec.DeviceType = t
	}

	if hasGeneral {
		if id, ok := general["zid"].(string); ok {
			rec.VendorID = id
		}
		if t, ok := general["deviceType"].(string); ok {
			rec.DeviceType = t
		}
		rec.Battery = intField(general, "batteryLevel")
		rec.BatteryStatus = strField(general, "batteryStatus")
		rec.Tamper = strField(general, "tamperStatus")
		rec.Manufacturer = strField(general, "manufacturerName")
		rec.Serial = strField(general, "serialNumber")
		rec.Name = strField(general, "name")
		if p, ok := general["parentZid"].(string); ok {
			rec.ParentID = p
		} else if p, ok := general["adapterZid"].(string); ok {
			rec.ParentID = p
		}
		if fp, ok := object(general, "fingerprint"); ok {
			rec.Firmware = firmware(fp)
			rec.HardwareVersion = strField(fp, "hardwareVersion")
		}
	}

	if ctx, ok := versioned(entry, "context", "v1"); ok {
		if rec.Name == nil {
			if n := strField(ctx, "deviceName"); n != nil {
				rec.Name = n
			}
		}
		if rec.ParentID == "" {
			if p, ok := ctx["parentZid"].(string); ok {
				rec.ParentID = p
			}
		}
	}

	if adapter, ok := versioned(entry, "adapter", "v1"); ok {
		rec.Signal = intField(adapter, "signalStrength")
		if rec.Firmware == nil {
			if fp, ok := object(adapter, "fingerprint"); ok {
				rec.Firmware = firmware(fp)
			}
		}
		if rec.Firmware == nil {
			rec.Firmware = strField(adapter, "firmwareVersion")
		}
		if rec.HardwareVersion == nil {
			rec.HardwareVersion = strField(adapter, "hardwareVersion")
		}
	}

	if hasDevice {
		rec.State = make(map[string]any, len(device))
		for k, v := range device {
			rec.State[k] = v
		}
	}

	if rawImp, ok := entry["impulse"].(map[string]any); ok {
		if list, ok := rawImp["v1"].([]any); ok {
			for _, it := range list {
				imp, ok := it.(map[string]any)
				if !ok {
					continue
				}
				t, ok := imp["impulseType"].(string)
				if !ok {
					continue
				}
				if rec.Impulses == nil {
					rec.Impulses = make(map[string]any)
				}
				rec.Impulses[t] = imp["data"]
			}
		}
	}

	if rec.VendorID == "" {
		return Record{}, false
	}
	if rec.ParentID == "" {
		rec.ParentID = hubID
	}

	d := devicekind.Parse(rec.DeviceType)
	rec.Creatable = !rec.Passthrough && d.Creatable()
	rec.HubSelf = d.HubSelf
	return rec, true
}

// versioned returns the first present version object under key.
func versioned(m map[string]any, key string, versions ...string) (map[string]any, bool) {
	outer, ok := object(m, key)
	if !ok {
		return nil, false
	}
	for _, v := range versions {
		if inner, ok := object(outer, v); ok {
			return inner, true
		}
	}
	return nil, false
}

func object(m map[string]any, key string) (map[string]any, bool) {
	v, ok := m[key].(map[string]any)
	return v, ok
}

func number(m map[string]any, key string) (float64, bool) {
	v, ok := m[key].(float64)
	return v, ok
}

func intField(m map[string]any, key string) *int {
	v, ok := number(m, key)
	if !ok {
		return nil
	}
	n := int(v)
	return &n
}

func strField(m map[string]any, key string) *string {
	v, ok := m[key].(string)
	if !ok {
		return nil
	}
	return &v
}

// firmware reads fingerprint.firmware, which is either a string or an
// object with a version.
func firmware(fp map[string]any) *string {
	switch f := fp["firmware"].(type) {
	case string:
		return &f
	case map[string]any:
		if v := strField(f, "version"); v != nil {
			return v
		}
		if n, ok := number(f, "version"); ok {
			s := fmt.Sprintf("%d", int64(n))
			return &s
		}
	}
	return nil
}
