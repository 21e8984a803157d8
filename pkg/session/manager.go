// Package session owns the active tour session: which tour and language are
// loaded, the controller driving them, and what survives a switch.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tourplayer/pkg/config"
	"tourplayer/pkg/deeplink"
	"tourplayer/pkg/logging"
	"tourplayer/pkg/model"
	"tourplayer/pkg/player"
)

// ErrNoTour is returned when the requested tour could not be loaded. No session
// is active afterwards.
var ErrNoTour = errors.New("tour not available")

// TourLoader loads a tour for a language. *tour.Provider satisfies it.
type TourLoader interface {
	GetTour(ctx context.Context, id, lang string) (*model.Tour, error)
}

// Session is one activation of a (tour, language) pair.
type Session struct {
	ID         string
	TourID     string
	Language   string
	StartedAt  time.Time
	Controller *player.Controller
}

// Manager switches between tour sessions. It is safe for concurrent use.
type Manager struct {
	loader TourLoader
	deps   player.Deps
	links  *deeplink.Coordinator

	mu         sync.Mutex
	active     *Session
	listeners  []player.NoticeListener
	pendingURL string
	closed     bool
}

// NewManager creates a manager. deps are handed to every controller; links is
// the app-lifetime deep-link coordinator.
func NewManager(loader TourLoader, deps player.Deps, links *deeplink.Coordinator) *Manager {
	return &Manager{
		loader: loader,
		deps:   deps,
		links:  links,
	}
}

// OnNotice registers a listener on the current and every future controller.
// Listeners may run while the manager is locked and must not call back into it.
func (m *Manager) OnNotice(l player.NoticeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
	if m.active != nil {
		m.active.Controller.OnNotice(l)
	}
}

// Active returns the active session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Controller returns the active controller, or nil.
func (m *Manager) Controller() *player.Controller {
	if s := m.Active(); s != nil {
		return s.Controller
	}
	return nil
}

// Activate makes (tourID, lang) the active session. Activating the active pair
// returns it unchanged. Otherwise the position of the old session is saved as a
// resume intent, the old controller is closed, and the new tour is loaded and
// restored from its own stored intent.
func (m *Manager) Activate(ctx context.Context, tourID, lang string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.New("session manager closed")
	}
	if s := m.active; s != nil && s.TourID == tourID && s.Language == lang {
		return s, nil
	}

	if old := m.active; old != nil {
		m.saveIntent(ctx, old)
		old.Controller.Close(ctx)
		m.active = nil
		slog.Info("Session: closed", "session", old.ID, "tour", old.TourID, "lang", old.Language)
	}

	tour, err := m.loader.GetTour(ctx, tourID, lang)
	if err != nil {
		slog.Warn("Session: tour unavailable", "tour", tourID, "lang", lang, "error", err)
		return nil, fmt.Errorf("%w: %s (%s): %w", ErrNoTour, tourID, lang, err)
	}

	ctl := player.New(ctx, tour, m.deps)
	for _, l := range m.listeners {
		ctl.OnNotice(l)
	}
	s := &Session{
		ID:         uuid.NewString(),
		TourID:     tourID,
		Language:   lang,
		StartedAt:  time.Now(),
		Controller: ctl,
	}
	m.active = s
	m.restoreIntent(ctx, s)
	slog.Info("Session: activated", "session", s.ID, "tour", tour.ID, "lang", tour.Language, "title", tour.Title)

	if m.pendingURL != "" {
		u := m.pendingURL
		m.pendingURL = ""
		m.runLink(ctl, u)
	}
	return s, nil
}

func (m *Manager) saveIntent(ctx context.Context, s *Session) {
	if m.deps.Prefs == nil {
		return
	}
	intent := s.Controller.CaptureResumeIntent()
	if intent.StopID == "" {
		return
	}
	data, err := json.Marshal(intent)
	if err != nil {
		slog.Error("Session: failed to encode resume intent", "error", err)
		return
	}
	if err := m.deps.Prefs.SetPreference(ctx, config.ResumeIntentKey(s.TourID), string(data)); err != nil {
		slog.Warn("Session: failed to save resume intent", "tour", s.TourID, "error", err)
		return
	}
	slog.Debug("Session: resume intent saved", "tour", s.TourID, "stop", intent.StopID, "position", intent.Position)
}

// restoreIntent applies and consumes the stored intent of the session's tour.
func (m *Manager) restoreIntent(ctx context.Context, s *Session) {
	if m.deps.Prefs == nil {
		return
	}
	key := config.ResumeIntentKey(s.TourID)
	val, ok := m.deps.Prefs.GetPreference(ctx, key)
	if !ok || val == "" {
		return
	}
	defer func() {
		if err := m.deps.Prefs.DeletePreference(ctx, key); err != nil {
			slog.Warn("Session: failed to clear resume intent", "tour", s.TourID, "error", err)
		}
	}()

	var intent model.ResumeIntent
	if err := json.Unmarshal([]byte(val), &intent); err != nil {
		slog.Warn("Session: discarding unreadable resume intent", "tour", s.TourID, "error", err)
		return
	}
	if !s.Controller.ApplyResumeIntent(intent) {
		slog.Debug("Session: resume intent names no audio stop", "tour", s.TourID, "stop", intent.StopID)
		return
	}
	slog.Info("Session: resumed", "tour", s.TourID, "stop", intent.StopID, "position", intent.Position, "playing", intent.Playing)
}

// HandleInitialURL runs the launch URL through the deep-link coordinator. With
// no active session the first URL is kept and handled on the next activation;
// later ones are ignored.
func (m *Manager) HandleInitialURL(rawURL string) deeplink.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		if m.pendingURL != "" {
			slog.Debug("Session: launch url already pending", "pending", m.pendingURL, "ignored", rawURL)
			return deeplink.OutcomeAlreadyProcessed
		}
		m.pendingURL = rawURL
		return deeplink.OutcomeWaiting
	}
	return m.runLink(m.active.Controller, rawURL)
}

func (m *Manager) runLink(ctl *player.Controller, rawURL string) deeplink.Outcome {
	out := m.links.Run(ctl, rawURL)
	slog.Debug("Session: launch url handled", "url", rawURL, "outcome", out)
	if out == deeplink.OutcomeNavigated {
		stopID := m.links.StopID()
		title := ""
		if stop := ctl.Tour().AudioStop(stopID); stop != nil {
			title = stop.Title
		}
		logging.LogEvent(&model.PlaybackEvent{
			Timestamp: time.Now(),
			Type:      model.EventDeepLink,
			TourID:    ctl.Tour().ID,
			StopID:    stopID,
			Title:     title,
		})
	}
	return out
}

// Close closes the active session and the deep-link coordinator.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.links.Close()
	if s := m.active; s != nil {
		s.Controller.Close(ctx)
		m.active = nil
		slog.Info("Session: closed", "session", s.ID, "tour", s.TourID)
	}
}
