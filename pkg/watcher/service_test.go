package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, s *Service, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case id := <-s.Events():
			if id == want {
				return
			}
		case <-deadline:
			t.Fatalf("no change reported for %q", want)
		}
	}
}

func TestService_ReportsChangedTour(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "old-town"), 0o755))

	s, err := NewService(root, 10*time.Millisecond)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, os.WriteFile(filepath.Join(root, "old-town", "en.json"), []byte(`{}`), 0o644))
	waitFor(t, s, "old-town")
}

func TestService_WatchesNewTourDirectories(t *testing.T) {
	root := t.TempDir()
	s, err := NewService(root, 10*time.Millisecond)
	require.NoError(t, err)
	defer s.Close()

	dir := filepath.Join(root, "harbour")
	require.NoError(t, os.Mkdir(dir, 0o755))
	waitFor(t, s, "harbour")

	// give the new watch a moment to register before writing into it
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "de.yaml"), []byte("id: harbour\n"), 0o644))
	waitFor(t, s, "harbour")
}

func TestService_MissingRoot(t *testing.T) {
	_, err := NewService(filepath.Join(t.TempDir(), "missing"), time.Millisecond)
	assert.Error(t, err)
}

func TestService_CloseEndsEvents(t *testing.T) {
	s, err := NewService(t.TempDir(), time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, open := <-s.Events()
	assert.False(t, open)
}

func TestIsTourFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"en.json", true},
		{"de.YAML", true},
		{"fr.yml", true},
		{"notes.txt", false},
		{"gate.mp3", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTourFile(tt.name))
		})
	}
}
