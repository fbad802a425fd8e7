package api

import (
	"net/http"
	"net/url"
	"strings"
)

// Host selects which vendor base URL an operation targets.
type Host int

const (
	HostAPI Host = iota
	HostApp
	HostSnaps
)

// Hosts are the vendor base URLs, without trailing slash.
type Hosts struct {
	API   string
	App   string
	Snaps string
}

// DefaultHosts are the production vendor endpoints.
var DefaultHosts = Hosts{
	API:   "https://api.ring.com",
	App:   "https://app.ring.com",
	Snaps: "https://app-snaps.ring.com",
}

func (h Hosts) base(host Host) string {
	switch host {
	case HostApp:
		return h.App
	case HostSnaps:
		return h.Snaps
	default:
		return h.API
	}
}

const (
	contentJSON = "application/json"
	contentForm = "application/x-www-form-urlencoded"
	acceptJSON  = "application/json"
	acceptImage = "image/jpeg"
)

// Operation describes how a logical vendor call maps onto HTTP.
//
// Path may contain {name} placeholders filled from Request.Params, and
// {/name} placeholders that expand to "/value" or vanish when the param is
// absent.
type Operation struct {
	Name        string
	Method      string
	Host        Host
	Path        string
	ContentType string
	Accept      string
	HardwareID  bool
}

// Operation names.
const (
	OpLocations          = "locations"
	OpDevices            = "devices"
	OpDings              = "dings"
	OpDeviceControl      = "device-control"
	OpDeviceSet          = "device-set"
	OpTickets            = "tickets"
	OpModeSet            = "mode-set"
	OpModeGet            = "mode-get"
	OpModeSettings       = "mode-settings"
	OpHistory            = "history"
	OpSnapshotTimestamps = "snapshot-timestamps"
	OpSnapshotImage      = "snapshot-image"
	OpSnapshotImageTmp   = "snapshot-image-tmp"
	OpSnapshotUpdate     = "snapshot-update"
	OpSubscribe          = "subscribe"
	OpMasterKey          = "master-key"
)

var operations = map[string]Operation{
	OpLocations:          {Method: http.MethodGet, Host: HostApp, Path: "rhq/v1/devices/v1/locations", Accept: acceptJSON, HardwareID: true},
	OpDevices:            {Method: http.MethodGet, Host: HostAPI, Path: "clients_api/ring_devices{/id}", Accept: acceptJSON, HardwareID: true},
	OpDings:              {Method: http.MethodGet, Host: HostAPI, Path: "clients_api/dings/active", Accept: acceptJSON, HardwareID: true},
	OpDeviceControl:      {Method: http.MethodPut, Host: HostAPI, Path: "clients_api/doorbots/{id}/{action}", ContentType: contentForm, Accept: acceptJSON, HardwareID: true},
	OpDeviceSet:          {Method: http.MethodPatch, Host: HostAPI, Path: "devices/v1/devices/{id}/settings", ContentType: contentJSON, Accept: acceptJSON, HardwareID: true},
	OpTickets:            {Method: http.MethodGet, Host: HostApp, Path: "api/v1/clap/tickets", Accept: acceptJSON, HardwareID: true},
	OpModeSet:            {Method: http.MethodPost, Host: HostApp, Path: "api/v1/mode/location/{location}", ContentType: contentJSON, Accept: acceptJSON, HardwareID: true},
	OpModeGet:            {Method: http.MethodGet, Host: HostApp, Path: "api/v1/mode/location/{location}", Accept: acceptJSON, HardwareID: true},
	OpModeSettings:       {Method: http.MethodGet, Host: HostApp, Path: "api/v1/mode/location/{location}/settings", Accept: acceptJSON, HardwareID: true},
	OpHistory:            {Method: http.MethodGet, Host: HostAPI, Path: "clients_api/doorbots/{id}/history", Accept: acceptJSON, HardwareID: true},
	OpSnapshotTimestamps: {Method: http.MethodPost, Host: HostSnaps, Path: "snapshots/timestamps", ContentType: contentJSON, Accept: acceptJSON, HardwareID: true},
	OpSnapshotImage:      {Method: http.MethodGet, Host: HostSnaps, Path: "snapshots/image/{id}", Accept: acceptImage, HardwareID: true},
	OpSnapshotImageTmp:   {Method: http.MethodGet, Host: HostSnaps, Path: "snapshots/next/{id}", Accept: acceptImage, HardwareID: true},
	OpSnapshotUpdate:     {Method: http.MethodPut, Host: HostSnaps, Path: "snapshots/update_all", ContentType: contentJSON, Accept: acceptJSON, HardwareID: true},
	OpSubscribe:          {Method: http.MethodPatch, Host: HostAPI, Path: "clients_api/device", ContentType: contentJSON, Accept: acceptJSON, HardwareID: true},
	OpMasterKey:          {Method: http.MethodGet, Host: HostApp, Path: "api/v1/rs/masterkey", Accept: acceptJSON, HardwareID: true},
}

func init() {
	for name, op := range operations {
		op.Name = name
		operations[name] = op
	}
}

// Lookup returns the operation registered under name.
func Lookup(name string) (Operation, bool) {
	op, ok := operations[name]
	return op, ok
}

// renderPath fills path placeholders from params. Values are path-escaped.
func renderPath(tmpl string, params map[string]string) string {
	var b strings.Builder
	for {
		i := strings.IndexByte(tmpl, '{')
		if i < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		j := strings.IndexByte(tmpl[i:], '}')
		if j < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		b.WriteString(tmpl[:i])
		name := tmpl[i+1 : i+j]
		optional := strings.HasPrefix(name, "/")
		name = strings.TrimPrefix(name, "/")
		if v, ok := params[name]; ok && v != "" {
			if optional {
				b.WriteByte('/')
			}
			b.WriteString(url.PathEscape(v))
		}
		tmpl = tmpl[i+j+1:]
	}
}
