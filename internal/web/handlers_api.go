package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"ring-go-home/internal/api"
	"ring-go-home/internal/devicekind"
	"ring-go-home/internal/realtime"
	"ring-go-home/internal/registry"
	"ring-go-home/internal/session"
	"ring-go-home/internal/store"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.reg.Devices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.reg.Device(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dev, err := s.reg.Device(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err := s.reg.DeleteDevice(dev.VendorID); err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPICommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var cmd registry.Command
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil || cmd.Name == "" {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.cmd.Command(r.Context(), id, cmd); err != nil {
		s.logger.Warn("device command", "id", id, "command", cmd.Name, "err", err)
		s.writeError(w, commandStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type locationModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleAPILocationMode(w http.ResponseWriter, r *http.Request) {
	var req locationModeRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.cmd.LocationMode(r.Context(), req.Mode); err != nil {
		s.logger.Warn("location mode", "mode", req.Mode, "err", err)
		s.writeError(w, commandStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "mode": req.Mode})
}

const maxHistory = 100

func (s *Server) handleAPIActiveDings(w http.ResponseWriter, r *http.Request) {
	if s.cloud == nil {
		s.writeError(w, http.StatusServiceUnavailable, "dings unavailable")
		return
	}
	dings, err := s.cloud.ActiveDings(r.Context())
	if err != nil {
		s.logger.Warn("active dings", "err", err)
		s.writeError(w, commandStatus(err), err.Error())
		return
	}
	if dings == nil {
		dings = []api.Ding{}
	}
	s.writeJSON(w, http.StatusOK, dings)
}

func (s *Server) handleAPIDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.cloud == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}
	dev, err := s.reg.Device(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if !devicekind.Parse(dev.Kind).Snapshots {
		s.writeError(w, http.StatusBadRequest, "device has no event history")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxHistory)
	}
	events, err := s.cloud.History(r.Context(), dev.VendorID, limit)
	if err != nil {
		s.logger.Warn("device history", "id", dev.ID, "err", err)
		s.writeError(w, commandStatus(err), err.Error())
		return
	}
	if events == nil {
		events = []api.HistoryEvent{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

// handleAPIGetLocationMode returns the current mode and the per-mode
// device settings of the selected location.
func (s *Server) handleAPIGetLocationMode(w http.ResponseWriter, r *http.Request) {
	if s.cloud == nil {
		s.writeError(w, http.StatusServiceUnavailable, "location mode unavailable")
		return
	}
	loc := s.reg.LocationID()
	if loc == "" {
		s.writeError(w, http.StatusServiceUnavailable, "no location selected")
		return
	}
	mode, err := s.cloud.ModeGet(r.Context(), loc)
	if err != nil {
		s.logger.Warn("get location mode", "location_id", loc, "err", err)
		s.writeError(w, commandStatus(err), err.Error())
		return
	}
	settings, err := s.cloud.ModeSettings(r.Context(), loc)
	if err != nil {
		s.logger.Warn("get mode settings", "location_id", loc, "err", err)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"location_id": loc,
		"mode":        mode.Mode,
		"settings":    settings,
	})
}

// commandStatus maps command failures to HTTP status codes.
func commandStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrUnsupportedCommand):
		return http.StatusBadRequest
	case errors.Is(err, realtime.ErrNotConnected), errors.Is(err, session.ErrRequestsHeld):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleAPILocations(w http.ResponseWriter, r *http.Request) {
	if s.locations == nil {
		s.writeError(w, http.StatusServiceUnavailable, "locations unavailable")
		return
	}
	locs, err := s.locations.Locations(r.Context())
	if err != nil {
		s.logger.Warn("list locations", "err", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"selected":  s.reg.LocationID(),
		"locations": locs,
	})
}

func (s *Server) handleAPIGateway(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		s.writeJSON(w, http.StatusOK, realtime.Status{State: realtime.StateDisconnected.String()})
		return
	}
	s.writeJSON(w, http.StatusOK, s.gateway.Status())
}

func (s *Server) handleAPISession(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		s.writeError(w, http.StatusServiceUnavailable, "session unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, s.session.Status())
}

type loginRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleAPILogin(w http.ResponseWriter, r *http.Request) {
	if s.login == nil {
		s.writeError(w, http.StatusServiceUnavailable, "session unavailable")
		return
	}
	var req loginRequest
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	res, err := s.login(r.Context(), req.Code)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrChallengeRequired):
	case errors.Is(err, session.ErrRateLimited):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case errors.Is(err, session.ErrAuthFailed):
		s.writeError(w, http.StatusUnauthorized, err.Error())
		return
	default:
		s.logger.Warn("login", "err", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": res.String()})
}

func (s *Server) handleAPIResetHardwareID(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		s.writeError(w, http.StatusServiceUnavailable, "session unavailable")
		return
	}
	id := s.session.ResetHardwareID()
	s.writeJSON(w, http.StatusOK, map[string]string{"hardware_id": id})
}
