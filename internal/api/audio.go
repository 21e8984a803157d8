package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"tourplayer/pkg/audio"
	"tourplayer/pkg/config"
	"tourplayer/pkg/store"
)

// AudioHandler handles engine-level audio endpoints.
type AudioHandler struct {
	engine *audio.Engine
	prefs  store.PreferenceStore
}

// NewAudioHandler creates a new AudioHandler. prefs may be nil.
func NewAudioHandler(engine *audio.Engine, prefs store.PreferenceStore) *AudioHandler {
	return &AudioHandler{
		engine: engine,
		prefs:  prefs,
	}
}

// AudioVolumeRequest represents a volume change request.
type AudioVolumeRequest struct {
	Volume float64 `json:"volume"`
}

// AudioStatusResponse represents the engine status.
type AudioStatusResponse struct {
	SourceID    string  `json:"source_id"`
	IsPlaying   bool    `json:"is_playing"`
	CurrentTime float64 `json:"current_time"`
	Duration    float64 `json:"duration"`
	Volume      float64 `json:"volume"`
	Generation  uint64  `json:"generation"`
}

// HandleVolume handles POST /api/audio/volume
func (h *AudioHandler) HandleVolume(w http.ResponseWriter, r *http.Request) {
	var req AudioVolumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Volume < 0 || req.Volume > 1 {
		http.Error(w, "volume must be between 0 and 1", http.StatusBadRequest)
		return
	}

	h.engine.SetVolume(req.Volume)

	// Persist volume
	if h.prefs != nil {
		strVal := fmt.Sprintf("%.2f", req.Volume)
		if err := h.prefs.SetPreference(r.Context(), config.KeyVolume, strVal); err != nil {
			slog.Error("Failed to persist volume", "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"volume": h.engine.Volume(),
	}); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// HandleStatus handles GET /api/audio/status
func (h *AudioHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := h.engine.Source()
	resp := AudioStatusResponse{
		SourceID:    id,
		IsPlaying:   h.engine.IsPlaying(),
		CurrentTime: h.engine.CurrentTime(),
		Duration:    h.engine.Duration(),
		Volume:      h.engine.Volume(),
		Generation:  h.engine.Generation(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
