package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"tourplayer/pkg/model"
	"tourplayer/pkg/player"
	"tourplayer/pkg/progress"
)

// Controllers resolves the controller of the active session.
// *session.Manager satisfies it.
type Controllers interface {
	Controller() *player.Controller
}

// PlayerHandler exposes transport controls and progress of the active session.
type PlayerHandler struct {
	sessions Controllers
}

// NewPlayerHandler creates a new PlayerHandler.
func NewPlayerHandler(sessions Controllers) *PlayerHandler {
	return &PlayerHandler{sessions: sessions}
}

// ControlRequest is a player command. StopID is used by select and
// toggle_stop; Seconds by seek and the skips.
type ControlRequest struct {
	Action  string  `json:"action"`
	StopID  string  `json:"stopId,omitempty"`
	Seconds float64 `json:"seconds,omitempty"`
}

// ProgressResponse is the per-stop progress of the active tour.
type ProgressResponse struct {
	TourID  string                        `json:"tourId"`
	Percent int                           `json:"percent"`
	Minutes progress.Minutes              `json:"minutes"`
	Label   string                        `json:"label"`
	Stops   map[string]model.StopProgress `json:"stops"`
}

func (h *PlayerHandler) controller(w http.ResponseWriter) *player.Controller {
	c := h.sessions.Controller()
	if c == nil {
		writeError(w, http.StatusConflict, "no active session")
	}
	return c
}

// HandleState handles GET /api/player/state
func (h *PlayerHandler) HandleState(w http.ResponseWriter, r *http.Request) {
	c := h.controller(w)
	if c == nil {
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

// HandleControl handles POST /api/player/control
func (h *PlayerHandler) HandleControl(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	c := h.controller(w)
	if c == nil {
		return
	}

	switch req.Action {
	case "toggle":
		c.TogglePlayPause()
	case "toggle_stop":
		if c.Tour().AudioStop(req.StopID) == nil {
			writeError(w, http.StatusNotFound, "unknown audio stop")
			return
		}
		c.TogglePlayPauseForStop(req.StopID)
	case "select":
		if !c.SelectStop(req.StopID) {
			writeError(w, http.StatusNotFound, "unknown audio stop")
			return
		}
	case "next":
		c.Next()
	case "prev":
		c.Prev()
	case "play":
		c.SetPlaying(true)
	case "pause":
		c.SetPlaying(false)
	case "seek":
		c.Seek(req.Seconds)
	case "skip_forward":
		c.SkipForward(req.Seconds)
	case "skip_backward":
		c.SkipBackward(req.Seconds)
	case "start":
		if !c.Start() {
			writeError(w, http.StatusConflict, "tour has no audio stops")
			return
		}
	case "restart":
		c.RestartTour()
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}

	slog.Debug("Player control", "action", req.Action, "stop", req.StopID)
	writeJSON(w, http.StatusOK, c.Snapshot())
}

// HandleProgress handles GET /api/progress
func (h *PlayerHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	c := h.controller(w)
	if c == nil {
		return
	}
	snap := c.Snapshot()
	writeJSON(w, http.StatusOK, ProgressResponse{
		TourID:  snap.TourID,
		Percent: snap.Percent,
		Minutes: snap.Minutes,
		Label:   snap.StartLabel,
		Stops:   c.Progress().Snapshot(),
	})
}

// HandleReset handles POST /api/progress/reset
func (h *PlayerHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	c := h.controller(w)
	if c == nil {
		return
	}
	c.RestartTour()
	slog.Info("Tour progress reset via API", "tour", c.Tour().ID)
	writeJSON(w, http.StatusOK, c.Snapshot())
}
