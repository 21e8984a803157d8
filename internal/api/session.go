package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"tourplayer/pkg/config"
	"tourplayer/pkg/model"
	"tourplayer/pkg/session"
	"tourplayer/pkg/store"
)

// Catalog lists the available tours. *tour.Provider satisfies it.
type Catalog interface {
	ListTours() ([]string, error)
	Languages(id string) ([]model.LanguageInfo, error)
}

// SessionHandler switches tours and lists what can be played.
type SessionHandler struct {
	manager *session.Manager
	catalog Catalog
	cfg     config.Provider
	prefs   store.PreferenceStore
}

// NewSessionHandler creates a new SessionHandler. prefs may be nil.
func NewSessionHandler(m *session.Manager, catalog Catalog, cfg config.Provider, prefs store.PreferenceStore) *SessionHandler {
	return &SessionHandler{
		manager: m,
		catalog: catalog,
		cfg:     cfg,
		prefs:   prefs,
	}
}

// SessionRequest activates a tour. URL is an optional launch link.
type SessionRequest struct {
	TourID   string `json:"tourId"`
	Language string `json:"language"`
	URL      string `json:"url,omitempty"`
}

// SessionResponse describes the active session.
type SessionResponse struct {
	ID        string    `json:"id"`
	TourID    string    `json:"tourId"`
	Language  string    `json:"language"`
	Title     string    `json:"title"`
	StartedAt time.Time `json:"startedAt"`
	Link      string    `json:"link,omitempty"`
}

// TourListing is one entry of the tour list.
type TourListing struct {
	ID        string               `json:"id"`
	Languages []model.LanguageInfo `json:"languages"`
}

// HandleTours handles GET /api/tours
func (h *SessionHandler) HandleTours(w http.ResponseWriter, r *http.Request) {
	ids, err := h.catalog.ListTours()
	if err != nil {
		slog.Error("Failed to list tours", "error", err)
		writeError(w, http.StatusInternalServerError, "cannot list tours")
		return
	}
	out := make([]TourListing, 0, len(ids))
	for _, id := range ids {
		langs, err := h.catalog.Languages(id)
		if err != nil {
			slog.Debug("Skipping tour without languages", "tour", id, "error", err)
			continue
		}
		out = append(out, TourListing{ID: id, Languages: langs})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleGet handles GET /api/session
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	s := h.manager.Active()
	if s == nil {
		writeError(w, http.StatusNotFound, "no active session")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(s))
}

// HandleActivate handles POST /api/session
func (h *SessionHandler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TourID == "" {
		http.Error(w, "tourId is required", http.StatusBadRequest)
		return
	}
	lang := req.Language
	if lang == "" && h.cfg != nil {
		lang = h.cfg.Language(r.Context())
	}

	// the session outlives the request
	s, err := h.manager.Activate(context.WithoutCancel(r.Context()), req.TourID, lang)
	if err != nil {
		if errors.Is(err, session.ErrNoTour) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		slog.Error("Failed to activate session", "tour", req.TourID, "error", err)
		writeError(w, http.StatusInternalServerError, "cannot activate session")
		return
	}

	if req.Language != "" && h.prefs != nil {
		if err := h.prefs.SetPreference(r.Context(), config.KeyLanguage, req.Language); err != nil {
			slog.Warn("Failed to persist language", "error", err)
		}
	}

	resp := sessionResponse(s)
	if req.URL != "" {
		resp.Link = h.manager.HandleInitialURL(req.URL).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func sessionResponse(s *session.Session) SessionResponse {
	return SessionResponse{
		ID:        s.ID,
		TourID:    s.TourID,
		Language:  s.Language,
		Title:     s.Controller.Tour().Title,
		StartedAt: s.StartedAt,
	}
}
