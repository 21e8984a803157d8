package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tourplayer/pkg/version"
)

// Handlers groups the endpoint handlers of the server. Nil members leave their
// routes unregistered.
type Handlers struct {
	Session *SessionHandler
	Player  *PlayerHandler
	Audio   *AudioHandler
	Stats   *StatsHandler
	Hub     *Hub
}

// NewServer creates and configures the HTTP server.
// shutdown is called from the shutdown endpoint after the response is written.
func NewServer(addr string, h Handlers, shutdown func()) *http.Server {
	mux := http.NewServeMux()

	// 1. Health & Version
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /api/version", handleVersion)

	// 2. Logs
	mux.HandleFunc("GET /api/log/latest", handleLatestLog)
	mux.HandleFunc("GET /api/log/events", handleRecentEvents)

	// 3. Tours & Session
	if h.Session != nil {
		mux.HandleFunc("GET /api/tours", h.Session.HandleTours)
		mux.HandleFunc("GET /api/session", h.Session.HandleGet)
		mux.HandleFunc("POST /api/session", h.Session.HandleActivate)
	}

	// 4. Player
	if h.Player != nil {
		mux.HandleFunc("GET /api/player/state", h.Player.HandleState)
		mux.HandleFunc("POST /api/player/control", h.Player.HandleControl)
		mux.HandleFunc("GET /api/progress", h.Player.HandleProgress)
		mux.HandleFunc("POST /api/progress/reset", h.Player.HandleReset)
	}

	// 5. Audio
	if h.Audio != nil {
		mux.HandleFunc("POST /api/audio/volume", h.Audio.HandleVolume)
		mux.HandleFunc("GET /api/audio/status", h.Audio.HandleStatus)
	}

	// 6. Stats
	if h.Stats != nil {
		mux.Handle("GET /api/stats", h.Stats)
	}

	// 7. Live updates
	if h.Hub != nil {
		mux.Handle("GET /api/ws", h.Hub)
	}

	// 8. Shutdown
	mux.HandleFunc("POST /api/shutdown", func(w http.ResponseWriter, r *http.Request) {
		slog.Info("Graceful shutdown initiated via API")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("Shutting down...")); err != nil {
			slog.Error("Failed to write shutdown response", "error", err)
		}
		// let the response flush first
		go func() {
			time.Sleep(100 * time.Millisecond)
			if shutdown != nil {
				shutdown()
			}
		}()
	})

	return &http.Server{
		Addr:         addr,
		Handler:      logRequests(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		slog.Error("Failed to write health response", "error", err)
	}
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := fmt.Fprintf(w, `{"version": "%s"}`, version.Version); err != nil {
		slog.Error("Failed to write version response", "error", err)
	}
}
