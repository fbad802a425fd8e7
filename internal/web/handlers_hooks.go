package web

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"ring-go-home/internal/store"
)

type triggerRequest struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// handleIFTTT fires a motion or ding event on a local device from an
// external automation service.
func (s *Server) handleIFTTT(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Error("malformed trigger body", "err", err)
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.reg.Trigger(req.ID, req.Kind); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("trigger", "id", req.ID, "kind", req.Kind, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

const (
	snapshotWidth  = 640
	snapshotHeight = 360
)

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="640" height="360" viewBox="0 0 640 360">` +
	`<rect width="100%" height="100%" fill="#2b2b2b"/>` +
	`<text x="50%" y="50%" fill="#9a9a9a" font-family="sans-serif" font-size="24" text-anchor="middle" dominant-baseline="middle">No snapshot available</text>` +
	`</svg>`

// handleSnapshot serves the latest cached image of a camera wrapped in an
// SVG document, or a placeholder when nothing is cached.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceId")
	body := placeholderSVG
	snap, err := s.snaps.GetSnapshot(id)
	switch {
	case err == nil && len(snap.Image) > 0:
		body = snapshotSVG(snap)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		s.logger.Error("read snapshot", "id", id, "err", err)
	}

	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Debug("write snapshot response", "id", id, "err", err)
	}
}

func snapshotSVG(snap *store.Snapshot) string {
	ct := snap.ContentType
	if !strings.HasPrefix(ct, "image/") || strings.ContainsAny(ct, `"<>&;`) {
		ct = "image/jpeg"
	}
	return fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" xmlns:xlink="http://www.w3.org/1999/xlink" width="%d" height="%d" viewBox="0 0 %d %d">`+
			`<image width="100%%" height="100%%" preserveAspectRatio="xMidYMid meet" xlink:href="data:%s;base64,%s"/></svg>`,
		snapshotWidth, snapshotHeight, snapshotWidth, snapshotHeight, ct, base64.StdEncoding.EncodeToString(snap.Image))
}
