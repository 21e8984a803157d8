package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tourplayer/pkg/audio"
	"tourplayer/pkg/audio/audiotest"
	"tourplayer/pkg/config"
	"tourplayer/pkg/deeplink"
	"tourplayer/pkg/mediasession"
	"tourplayer/pkg/model"
	"tourplayer/pkg/player"
	"tourplayer/pkg/session"
	"tourplayer/pkg/store"
	"tourplayer/pkg/tracker"
	"tourplayer/pkg/version"
)

type fakeTours struct {
	tours map[string]*model.Tour // key: id/lang
}

func (f *fakeTours) GetTour(_ context.Context, id, lang string) (*model.Tour, error) {
	if t, ok := f.tours[id+"/"+lang]; ok {
		return t, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeTours) ListTours() ([]string, error) {
	return []string{"empty", "old-town"}, nil
}

func (f *fakeTours) Languages(id string) ([]model.LanguageInfo, error) {
	if id != "old-town" {
		return nil, errors.New("no languages")
	}
	return []model.LanguageInfo{{Code: "en", Name: "English"}, {Code: "de", Name: "German"}}, nil
}

func apiTour(lang string) *model.Tour {
	return &model.Tour{
		ID:       "old-town",
		Language: lang,
		Title:    "Old Town",
		Stops: model.Stops{
			&model.AudioStop{ID: "a", Title: "Gate", AudioFile: "a.mp3", Duration: "1:00"},
			&model.ContentStop{ID: "t", Type: model.StopTypeText},
			&model.AudioStop{ID: "b", Title: "Tower", AudioFile: "b.mp3", Duration: "2:00"},
		},
	}
}

type testAPI struct {
	srv *httptest.Server
	m   *session.Manager
	hub *Hub
	el  *audiotest.FakeElement
	eng *audio.Engine
	mem *store.MemoryStore
}

func (a *testAPI) settle() { audiotest.Settle(a.eng, a.el) }

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	el := audiotest.NewFakeElement()
	el.AutoReady = 100
	eng := audio.New(el, audio.Options{})
	t.Cleanup(eng.Close)

	cfg := config.DefaultConfig()
	cfg.Navigation = config.NavigationConfig{
		SwitchDelay:        config.Duration(5 * time.Millisecond),
		AdvanceFlash:       config.Duration(5 * time.Millisecond),
		CompletionDelay:    config.Duration(10 * time.Millisecond),
		TransitionWatchdog: config.Duration(time.Second),
	}
	cfg.Progress.FlushDebounce = config.Duration(5 * time.Millisecond)
	mem := store.NewMemoryStore()
	prov := config.NewProvider(cfg, mem)
	tours := &fakeTours{tours: map[string]*model.Tour{
		"old-town/en": apiTour("en"),
		"old-town/de": apiTour("de"),
	}}

	hub := NewHub()
	bridge := mediasession.New(hub, eng, cfg.MediaSession.Album, time.Hour)
	m := session.NewManager(tours, player.Deps{
		Engine:   eng,
		Config:   prov,
		Progress: mem,
		Prefs:    mem,
		Bridge:   bridge,
	}, deeplink.NewCoordinator("stop", time.Millisecond))
	hub.Attach(m)
	m.OnNotice(hub.Notify)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := NewServer("", Handlers{
		Session: NewSessionHandler(m, tours, prov, mem),
		Player:  NewPlayerHandler(m),
		Audio:   NewAudioHandler(eng, mem),
		Stats:   NewStatsHandler(tracker.New(), nil),
		Hub:     hub,
	}, nil)
	srv := httptest.NewServer(server.Handler)

	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		cancel()
		m.Close(context.Background())
	})
	return &testAPI{srv: srv, m: m, hub: hub, el: el, eng: eng, mem: mem}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		if s, ok := body.(string); ok {
			r = bytes.NewBufferString(s)
		} else {
			data, err := json.Marshal(body)
			require.NoError(t, err)
			r = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, a.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (a *testAPI) activate(t *testing.T, lang string) {
	t.Helper()
	code, body := a.do(t, http.MethodPost, "/api/session", SessionRequest{TourID: "old-town", Language: lang})
	require.Equal(t, http.StatusOK, code, string(body))
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestHealthAndVersion(t *testing.T) {
	a := newTestAPI(t)

	code, body := a.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", string(body))

	code, body = a.do(t, http.MethodGet, "/api/version", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, version.Version, decode[map[string]string](t, body)["version"])

	code, _ = a.do(t, http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestTours(t *testing.T) {
	a := newTestAPI(t)

	code, body := a.do(t, http.MethodGet, "/api/tours", nil)
	require.Equal(t, http.StatusOK, code)
	list := decode[[]TourListing](t, body)
	require.Len(t, list, 1, "tours without languages are skipped")
	assert.Equal(t, "old-town", list[0].ID)
	assert.Len(t, list[0].Languages, 2)
}

func TestSession_Activate(t *testing.T) {
	a := newTestAPI(t)

	code, _ := a.do(t, http.MethodGet, "/api/session", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body := a.do(t, http.MethodPost, "/api/session", SessionRequest{TourID: "old-town", Language: "de"})
	require.Equal(t, http.StatusOK, code)
	resp := decode[SessionResponse](t, body)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "de", resp.Language)
	assert.Equal(t, "Old Town", resp.Title)
	assert.Empty(t, resp.Link)

	lang, ok := a.mem.GetPreference(context.Background(), config.KeyLanguage)
	assert.True(t, ok)
	assert.Equal(t, "de", lang)

	code, body = a.do(t, http.MethodGet, "/api/session", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, resp.ID, decode[SessionResponse](t, body).ID)
}

func TestSession_DefaultLanguage(t *testing.T) {
	a := newTestAPI(t)
	require.NoError(t, a.mem.SetPreference(context.Background(), config.KeyLanguage, "de"))

	code, body := a.do(t, http.MethodPost, "/api/session", SessionRequest{TourID: "old-town"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "de", decode[SessionResponse](t, body).Language)
}

func TestSession_Errors(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"Malformed", "{", http.StatusBadRequest},
		{"MissingTour", SessionRequest{Language: "en"}, http.StatusBadRequest},
		{"UnknownTour", SessionRequest{TourID: "harbour", Language: "en"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := a.do(t, http.MethodPost, "/api/session", tt.body)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestSession_LaunchURL(t *testing.T) {
	a := newTestAPI(t)

	code, body := a.do(t, http.MethodPost, "/api/session", SessionRequest{
		TourID:   "old-town",
		Language: "en",
		URL:      "https://tour.example/?stop=b",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "navigated", decode[SessionResponse](t, body).Link)
	assert.Equal(t, "b", a.m.Controller().State().CurrentStopID)
}

func TestPlayer_NoSession(t *testing.T) {
	a := newTestAPI(t)

	code, _ := a.do(t, http.MethodGet, "/api/player/state", nil)
	assert.Equal(t, http.StatusConflict, code)
	code, _ = a.do(t, http.MethodPost, "/api/player/control", ControlRequest{Action: "toggle"})
	assert.Equal(t, http.StatusConflict, code)
	code, _ = a.do(t, http.MethodGet, "/api/progress", nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestPlayer_Control(t *testing.T) {
	a := newTestAPI(t)
	a.activate(t, "en")

	code, body := a.do(t, http.MethodPost, "/api/player/control", ControlRequest{Action: "select", StopID: "b"})
	require.Equal(t, http.StatusOK, code)
	snap := decode[player.Snapshot](t, body)
	assert.Equal(t, "b", snap.State.CurrentStopID)
	assert.True(t, snap.State.IsPlaying)
	assert.True(t, snap.Started)

	a.settle()
	assert.Equal(t, "b.mp3", a.el.Src())

	code, body = a.do(t, http.MethodPost, "/api/player/control", ControlRequest{Action: "pause"})
	require.Equal(t, http.StatusOK, code)
	assert.False(t, decode[player.Snapshot](t, body).State.IsPlaying)

	code, body = a.do(t, http.MethodPost, "/api/player/control", ControlRequest{Action: "prev"})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, decode[player.Snapshot](t, body).State.IsSwitchingTracks)
	assert.Eventually(t, func() bool {
		return a.m.Controller().State().CurrentStopID == "a"
	}, time.Second, time.Millisecond, "prev lands after the switch delay")

	tests := []struct {
		name string
		req  ControlRequest
		want int
	}{
		{"UnknownStop", ControlRequest{Action: "select", StopID: "nope"}, http.StatusNotFound},
		{"ContentStop", ControlRequest{Action: "toggle_stop", StopID: "t"}, http.StatusNotFound},
		{"UnknownAction", ControlRequest{Action: "rewind"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := a.do(t, http.MethodPost, "/api/player/control", tt.req)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestPlayer_SeekAndSkip(t *testing.T) {
	a := newTestAPI(t)
	a.activate(t, "en")

	a.do(t, http.MethodPost, "/api/player/control", ControlRequest{Action: "start"})
	a.settle()
	require.Equal(t, "a.mp3", a.el.Src())

	a.do(t, http.MethodPost, "/api/player/control", ControlRequest{Action: "seek", Seconds: 40})
	assert.Contains(t, a.el.Calls(), "seek:40")

	a.do(t, http.MethodPost, "/api/player/control", ControlRequest{Action: "skip_forward"})
	assert.Contains(t, a.el.Calls(), "seek:55", "default skip is 15s")

	a.do(t, http.MethodPost, "/api/player/control", ControlRequest{Action: "skip_backward", Seconds: 5})
	assert.Contains(t, a.el.Calls(), "seek:50")
}

func TestProgress_AndReset(t *testing.T) {
	a := newTestAPI(t)
	a.activate(t, "en")

	code, body := a.do(t, http.MethodGet, "/api/progress", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Start", decode[ProgressResponse](t, body).Label)

	a.do(t, http.MethodPost, "/api/player/control", ControlRequest{Action: "select", StopID: "a"})
	a.settle()
	a.el.Advance(50)
	a.settle()

	code, body = a.do(t, http.MethodGet, "/api/progress", nil)
	require.Equal(t, http.StatusOK, code)
	resp := decode[ProgressResponse](t, body)
	assert.Equal(t, "old-town", resp.TourID)
	assert.Equal(t, "Resume", resp.Label)
	assert.Equal(t, 50.0, resp.Stops["a"].LastPosition)
	assert.Equal(t, 17, resp.Percent, "30 of 180 seconds")

	code, body = a.do(t, http.MethodPost, "/api/progress/reset", nil)
	require.Equal(t, http.StatusOK, code)
	snap := decode[player.Snapshot](t, body)
	assert.Equal(t, "Start", snap.StartLabel)
	assert.Equal(t, model.PhaseIdle, snap.Phase)
}

func TestAudio_Volume(t *testing.T) {
	a := newTestAPI(t)

	code, body := a.do(t, http.MethodPost, "/api/audio/volume", AudioVolumeRequest{Volume: 0.4})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0.4, decode[map[string]any](t, body)["volume"])
	assert.Equal(t, 0.4, a.eng.Volume())

	val, ok := a.mem.GetPreference(context.Background(), config.KeyVolume)
	assert.True(t, ok)
	assert.Equal(t, "0.40", val)

	code, _ = a.do(t, http.MethodPost, "/api/audio/volume", AudioVolumeRequest{Volume: 1.5})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = a.do(t, http.MethodGet, "/api/audio/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0.4, decode[AudioStatusResponse](t, body).Volume)
}

func TestStats(t *testing.T) {
	a := newTestAPI(t)

	code, body := a.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, code)
	resp := decode[StatsResponse](t, body)
	assert.NotNil(t, resp.Sources)
	assert.NotNil(t, resp.Preload)
	assert.Positive(t, resp.Server.Goroutines)
}
