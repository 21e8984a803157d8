package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tourplayer/pkg/audio"
)

// silentOutput accepts streamers and never pulls them.
type silentOutput struct{}

func (silentOutput) Init(beep.SampleRate, int) error { return nil }
func (silentOutput) Play(...beep.Streamer)           {}
func (silentOutput) Clear()                          {}
func (silentOutput) Lock()                           {}
func (silentOutput) Unlock()                         {}

const testTour = `{
  "id": "old-town",
  "title": "Old Town",
  "stops": [
    {"id": "gate", "type": "audio", "title": "Gate", "duration": "1:00", "audioFile": "gate.mp3"},
    {"id": "tower", "type": "audio", "title": "Tower", "duration": "2:30", "audioFile": "tower.mp3"}
  ]
}`

// engines hands every run its own engine and remembers them.
type engines struct {
	mu   sync.Mutex
	list []*audio.Engine
}

func (e *engines) build(el audio.Element, o audio.Options) *audio.Engine {
	eng := audio.New(el, o)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, eng)
	return eng
}

func writeTestConfig(t *testing.T, toursDir string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`
server:
    address: localhost:0
log:
    server:
        path: %q
        level: "debug"
    requests:
        path: %q
        level: "info"
    events:
        path: %q
db:
    path: %q
tours:
    dir: %q
    default_language: en
    watch: true
media_session:
    enabled: true
`,
		filepath.Join(dir, "logs", "server.log"),
		filepath.Join(dir, "logs", "requests.log"),
		filepath.Join(dir, "logs", "events.log"),
		filepath.Join(dir, "tourplayer.db"),
		toursDir,
	)
	path := filepath.Join(dir, "tourplayer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func writeTestTours(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "old-town")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "en.json"), []byte(testTour), 0o644))
	return root
}

func TestRun(t *testing.T) {
	cfgPath := writeTestConfig(t, writeTestTours(t))

	// Cancel quickly; only the startup sequence is under test
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err := run(ctx, options{
		ConfigPath: cfgPath,
		TourID:     "old-town",
		Language:   "en",
		LaunchURL:  "https://tours.example/old-town?stop=tower",
		Output:     silentOutput{},
		NewEngine:  (&engines{}).build,
	})
	require.NoError(t, err)
}

func TestRun_EnginePerRun(t *testing.T) {
	var built engines
	for range 2 {
		cfgPath := writeTestConfig(t, writeTestTours(t))
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		err := run(ctx, options{
			ConfigPath: cfgPath,
			TourID:     "old-town",
			LaunchURL:  "https://tours.example/old-town?stop=tower",
			Output:     silentOutput{},
			NewEngine:  built.build,
		})
		cancel()
		require.NoError(t, err)
	}

	require.Len(t, built.list, 2)
	assert.NotSame(t, built.list[0], built.list[1])
	for _, eng := range built.list {
		id, _ := eng.Source()
		assert.Equal(t, "tower", id, "each run drives its own engine")
	}
}

func TestRun_UnknownStartupTour(t *testing.T) {
	cfgPath := writeTestConfig(t, writeTestTours(t))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := run(ctx, options{ConfigPath: cfgPath, TourID: "harbour", Output: silentOutput{}, NewEngine: (&engines{}).build})
	assert.NoError(t, err, "a missing startup tour is not fatal")
}

func TestRun_MissingToursDir(t *testing.T) {
	cfgPath := writeTestConfig(t, filepath.Join(t.TempDir(), "does-not-exist"))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := run(ctx, options{ConfigPath: cfgPath, Output: silentOutput{}, NewEngine: (&engines{}).build})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "startup checks failed")
}

func TestRun_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tourplayer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [\n"), 0o644))

	err := run(context.Background(), options{ConfigPath: path, Output: silentOutput{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}
