// Package metrics holds the prometheus collectors shared by the bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ring_api_requests_total",
			Help: "Vendor REST requests by operation and status.",
		},
		[]string{"op", "status"},
	)

	AuthGrants = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ring_auth_grants_total",
			Help: "Token grants by grant type and result.",
		},
		[]string{"grant", "result"},
	)

	RealtimeFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ring_realtime_frames_total",
			Help: "Real-time socket frames received by envelope kind.",
		},
		[]string{"kind"},
	)

	RealtimeReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ring_realtime_reconnects_total",
			Help: "Real-time reconnect attempts by trigger.",
		},
		[]string{"trigger"},
	)

	DeviceUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ring_device_updates_total",
			Help: "Normalized device updates by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(APIRequests, AuthGrants, RealtimeFrames, RealtimeReconnects, DeviceUpdates)
}

// Handler returns the promhttp handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
