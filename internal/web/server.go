package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"ring-go-home/internal/api"
	"ring-go-home/internal/automation"
	"ring-go-home/internal/metrics"
	"ring-go-home/internal/realtime"
	"ring-go-home/internal/registry"
	"ring-go-home/internal/session"
	"ring-go-home/internal/store"
)

// Commander executes device and location commands.
type Commander interface {
	Command(ctx context.Context, localID string, cmd registry.Command) error
	LocationMode(ctx context.Context, mode string) error
}

// SnapshotStore reads cached camera images.
type SnapshotStore interface {
	GetSnapshot(id string) (*store.Snapshot, error)
}

// SessionControl is the login surface exposed over the API.
type SessionControl interface {
	Status() session.Status
	ResetHardwareID() string
}

// LoginFunc runs an explicit login, with an optional two-factor code.
type LoginFunc func(ctx context.Context, code string) (session.Result, error)

// GatewayStatus reports the real-time connection state.
type GatewayStatus interface {
	Status() realtime.Status
}

// LocationSource lists the account's locations.
type LocationSource interface {
	Locations(ctx context.Context) ([]api.Location, error)
}

// CloudQueries reads active dings, device history and the location mode
// from the vendor API.
type CloudQueries interface {
	ActiveDings(ctx context.Context) ([]api.Ding, error)
	History(ctx context.Context, deviceID string, limit int) ([]api.HistoryEvent, error)
	ModeGet(ctx context.Context, locationID string) (*api.Mode, error)
	ModeSettings(ctx context.Context, locationID string) (map[string]any, error)
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication. The same key is accepted as
// the access_token query parameter.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithSession exposes login state and the login action.
func WithSession(sess SessionControl, login LoginFunc) ServerOption {
	return func(s *Server) {
		s.session = sess
		s.login = login
	}
}

// WithGateway exposes the real-time connection status.
func WithGateway(g GatewayStatus) ServerOption {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithLocations exposes the account location list.
func WithLocations(src LocationSource) ServerOption {
	return func(s *Server) {
		s.locations = src
	}
}

// WithCloud enables the dings, history and location mode read endpoints.
func WithCloud(c CloudQueries) ServerOption {
	return func(s *Server) {
		s.cloud = c
	}
}

// WithAutomation enables the script endpoints.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// Server is the HTTP server for the API, inbound triggers and snapshots.
type Server struct {
	reg            *registry.Registry
	cmd            Commander
	snaps          SnapshotStore
	session        SessionControl
	login          LoginFunc
	gateway        GatewayStatus
	locations      LocationSource
	cloud          CloudQueries
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	wsHub          *WSHub
	logger         *slog.Logger
	router         chi.Router
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the web server and starts its WebSocket hub.
func NewServer(reg *registry.Registry, cmd Commander, snaps SnapshotStore, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		reg:    reg,
		cmd:    cmd,
		snaps:  snaps,
		logger: logger.With("component", "web"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = reg.Events().OnAll(func(event registry.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if len(s.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "X-API-Key"},
			MaxAge:         3600,
		}))
	}

	r.Get("/ws", s.handleWS)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireKey)

		r.Post("/ifttt", s.handleIFTTT)
		r.Get("/snapshot/{deviceId}", s.handleSnapshot)

		r.Route("/api", func(r chi.Router) {
			r.Get("/version", s.handleAPIVersion)
			r.Get("/devices", s.handleAPIListDevices)
			r.Get("/devices/{id}", s.handleAPIGetDevice)
			r.Delete("/devices/{id}", s.handleAPIDeleteDevice)
			r.Post("/devices/{id}/command", s.handleAPICommand)
			r.Get("/devices/{id}/history", s.handleAPIDeviceHistory)
			r.Get("/dings", s.handleAPIActiveDings)
			r.Get("/location/mode", s.handleAPIGetLocationMode)
			r.Post("/location/mode", s.handleAPILocationMode)
			r.Get("/locations", s.handleAPILocations)
			r.Get("/gateway", s.handleAPIGateway)
			r.Get("/session", s.handleAPISession)
			r.Post("/session/login", s.handleAPILogin)
			r.Post("/session/reset-hardware-id", s.handleAPIResetHardwareID)

			r.Route("/automations", func(r chi.Router) {
				r.Use(s.requireAutomation)
				r.Get("/", s.handleAPIListAutomations)
				r.Post("/", s.handleAPICreateAutomation)
				r.Post("/_inline/run", s.handleAPIRunInline)
				r.Get("/{id}", s.handleAPIGetAutomation)
				r.Put("/{id}", s.handleAPIUpdateAutomation)
				r.Delete("/{id}", s.handleAPIDeleteAutomation)
				r.Post("/{id}/toggle", s.handleAPIToggleAutomation)
				r.Post("/{id}/run", s.handleAPIRunAutomation)
			})
		})
	})
	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requireKey checks the X-API-Key header or the access_token query
// parameter. Without a configured key every request passes.
func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("access_token")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write json response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
