package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tourplayer/pkg/logging"
)

// Service watches a tours directory and reports the ids of tours whose files
// changed. Each tour lives in its own subdirectory of the root.
type Service struct {
	root     string
	fw       *fsnotify.Watcher
	debounce time.Duration

	events  chan string
	closeCh chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

// NewService starts watching root and every tour directory below it. A tour is
// reported once its files have been quiet for debounce.
func NewService(root string, debounce time.Duration) (*Service, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(root); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", root, err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := fw.Add(filepath.Join(root, e.Name())); err != nil {
			slog.Warn("Watcher: cannot watch tour directory", "dir", e.Name(), "error", err)
		}
	}

	s := &Service{
		root:     root,
		fw:       fw,
		debounce: debounce,
		events:   make(chan string, 16),
		closeCh:  make(chan struct{}),
		pending:  make(map[string]*time.Timer),
	}
	s.wg.Add(1)
	go s.run()
	slog.Debug("Watcher: watching tours", "root", root, "entries", len(entries))
	return s, nil
}

// Events delivers changed tour ids. It is closed by Close.
func (s *Service) Events() <-chan string {
	return s.events
}

// Close stops watching.
func (s *Service) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closeCh)
		err = s.fw.Close()
		s.wg.Wait()

		s.mu.Lock()
		s.closed = true
		for _, t := range s.pending {
			t.Stop()
		}
		close(s.events)
		s.mu.Unlock()
	})
	return err
}

func (s *Service) run() {
	defer s.wg.Done()

	for {
		select {
		case ev, ok := <-s.fw.Events:
			if !ok {
				return
			}
			if id, ok := s.tourOf(ev); ok {
				logging.TraceDefault("Watcher: file event", "tour", id, "op", ev.Op.String(), "file", filepath.Base(ev.Name))
				s.schedule(id)
			}
		case err, ok := <-s.fw.Errors:
			if !ok {
				return
			}
			slog.Warn("Watcher: watch error", "error", err)
		case <-s.closeCh:
			return
		}
	}
}

// schedule (re)arms the quiet-period timer of a tour.
func (s *Service) schedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.pending[id]; ok {
		t.Stop()
	}
	s.pending[id] = time.AfterFunc(s.debounce, func() { s.emit(id) })
}

func (s *Service) emit(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	delete(s.pending, id)
	select {
	case s.events <- id:
		slog.Debug("Watcher: tour changed", "tour", id)
	case <-s.closeCh:
	}
}

// tourOf maps an event to the tour it affects. A new tour directory is
// added to the watch list.
func (s *Service) tourOf(ev fsnotify.Event) (string, bool) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return "", false
	}
	rel, err := filepath.Rel(s.root, ev.Name)
	if err != nil {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")

	switch len(parts) {
	case 1:
		if ev.Op&fsnotify.Create == 0 {
			return parts[0], ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0
		}
		info, err := os.Stat(ev.Name)
		if err != nil || !info.IsDir() {
			return "", false
		}
		if err := s.fw.Add(ev.Name); err != nil {
			slog.Warn("Watcher: cannot watch new tour directory", "dir", parts[0], "error", err)
		}
		return parts[0], true
	case 2:
		if !IsTourFile(parts[1]) {
			return "", false
		}
		return parts[0], true
	default:
		return "", false
	}
}

// IsTourFile reports whether name is a tour definition file.
func IsTourFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	default:
		return false
	}
}
