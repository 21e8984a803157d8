// Package tour loads tour definitions from disk.
//
// Tours live under a root directory, one subdirectory per tour, one file per
// language: <root>/<tour id>/<language tag>.{json,yaml,yml}. Relative asset
// paths inside a file resolve against the tour's directory.
package tour

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
	"gopkg.in/yaml.v3"

	"tourplayer/pkg/audio"
	"tourplayer/pkg/config"
	"tourplayer/pkg/model"
	"tourplayer/pkg/request"
	"tourplayer/pkg/watcher"
)

// ErrNotFound is returned when no file exists for a tour.
var ErrNotFound = errors.New("tour not found")

// Fetcher reads asset bytes. *request.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*request.Asset, error)
}

// Provider loads, caches and invalidates tours.
type Provider struct {
	dir         string
	defaultLang language.Tag
	assets      Fetcher

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]*model.Tour // key: id/tag

	watch *watcher.Service
	done  chan struct{}
}

// NewProvider creates a provider for cfg.Dir. assets, when non-nil, is used to
// measure audio of stops that declare no duration.
func NewProvider(cfg config.ToursConfig, assets Fetcher) *Provider {
	def, err := language.Parse(cfg.DefaultLanguage)
	if err != nil {
		def = language.English
	}
	return &Provider{
		dir:         cfg.Dir,
		defaultLang: def,
		assets:      assets,
		cache:       make(map[string]*model.Tour),
	}
}

// Watch invalidates cached tours when their files change, until Close.
func (p *Provider) Watch(debounce time.Duration) error {
	w, err := watcher.NewService(p.dir, debounce)
	if err != nil {
		return err
	}
	p.watch = w
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		for id := range w.Events() {
			p.Invalidate(id)
		}
	}()
	return nil
}

// Invalidate drops every cached language of a tour.
func (p *Provider) Invalidate(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for key := range p.cache {
		if strings.HasPrefix(key, id+"/") {
			delete(p.cache, key)
			n++
		}
	}
	if n > 0 {
		slog.Info("Tours: cache invalidated", "tour", id, "entries", n)
	}
}

// Close stops watching.
func (p *Provider) Close() error {
	if p.watch == nil {
		return nil
	}
	err := p.watch.Close()
	<-p.done
	return err
}

// ListTours returns the ids of all tour directories.
func (p *Provider) ListTours() ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list tours: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Languages returns the languages a tour is available in, default first.
func (p *Provider) Languages(id string) ([]model.LanguageInfo, error) {
	files, err := p.files(id)
	if err != nil {
		return nil, err
	}
	out := make([]model.LanguageInfo, 0, len(files))
	for _, f := range files {
		out = append(out, model.LanguageInfo{Code: f.tag.String(), Name: displayName(f.tag)})
	}
	return out, nil
}

func displayName(tag language.Tag) string {
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return tag.String()
}

type tourFile struct {
	tag  language.Tag
	path string
}

// files lists the language files of a tour, the default language first.
func (p *Provider) files(id string) ([]tourFile, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}
	dir := filepath.Join(p.dir, id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read tour %s: %w", id, err)
	}

	var out []tourFile
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() || !watcher.IsTourFile(e.Name()) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		tag, err := language.Parse(name)
		if err != nil {
			slog.Debug("Tours: skipping file without language tag", "tour", id, "file", e.Name())
			continue
		}
		if seen[tag.String()] {
			continue
		}
		seen[tag.String()] = true
		out = append(out, tourFile{tag: tag, path: filepath.Join(dir, e.Name())})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s has no language files", ErrNotFound, id)
	}

	def := p.defaultLang.String()
	slices.SortStableFunc(out, func(a, b tourFile) int {
		ac, bc := a.tag.String(), b.tag.String()
		switch {
		case ac == def && bc != def:
			return -1
		case bc == def && ac != def:
			return 1
		default:
			return strings.Compare(ac, bc)
		}
	})
	return out, nil
}

// match picks the best file for lang. An empty or unmatched lang falls back
// to the default language, then to the first file.
func (p *Provider) match(files []tourFile, lang string) tourFile {
	tags := make([]language.Tag, len(files))
	for i, f := range files {
		tags[i] = f.tag
	}
	want := p.defaultLang
	if lang != "" {
		if t, err := language.Parse(lang); err == nil {
			want = t
		}
	}
	_, idx, conf := language.NewMatcher(tags).Match(want)
	if conf == language.No {
		idx = 0
	}
	return files[idx]
}

// GetTour returns the tour in the language best matching lang.
func (p *Provider) GetTour(ctx context.Context, id, lang string) (*model.Tour, error) {
	files, err := p.files(id)
	if err != nil {
		return nil, err
	}
	f := p.match(files, lang)
	key := id + "/" + f.tag.String()

	p.mu.RLock()
	t, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return t, nil
	}

	v, err, shared := p.group.Do(key, func() (any, error) {
		t, err := p.load(ctx, id, f)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cache[key] = t
		p.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("Tours: load shared with concurrent caller", "tour", id, "lang", f.tag.String())
	}
	return v.(*model.Tour), nil
}

func (p *Provider) load(ctx context.Context, id string, f tourFile) (*model.Tour, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
	}

	var t model.Tour
	switch strings.ToLower(filepath.Ext(f.path)) {
	case ".json":
		err = json.Unmarshal(data, &t)
	default:
		err = yaml.Unmarshal(data, &t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", f.path, err)
	}

	if t.ID != "" && t.ID != id {
		slog.Debug("Tours: file id differs from directory, using directory", "file_id", t.ID, "tour", id)
	}
	t.ID = id
	if t.Language == "" {
		t.Language = f.tag.String()
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tour %s: %w", id, err)
	}

	base := filepath.Dir(f.path)
	t.TransitionAudio = resolveAsset(base, t.TransitionAudio)
	for _, s := range t.Stops {
		a, ok := s.(*model.AudioStop)
		if !ok {
			continue
		}
		a.AudioFile = resolveAsset(base, a.AudioFile)
		a.Image = resolveAsset(base, a.Image)
		if a.Seconds() == 0 && a.AudioFile != "" {
			p.measure(ctx, a)
		}
	}

	slog.Info("Tours: loaded", "tour", t.ID, "lang", t.Language, "stops", len(t.Stops), "audio_stops", len(t.AudioStops()))
	return &t, nil
}

// resolveAsset turns a path relative to the tour directory into a file URL.
// URLs and empty values pass through.
func resolveAsset(base, ref string) string {
	if ref == "" {
		return ""
	}
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" {
		return ref
	}
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, filepath.FromSlash(ref))
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}

// measure fills a missing duration from the audio itself. Failures leave the
// stop without a duration, which only removes it from weighted metrics.
func (p *Provider) measure(ctx context.Context, a *model.AudioStop) {
	if p.assets == nil {
		return
	}
	asset, err := p.assets.Fetch(ctx, a.AudioFile)
	if err != nil {
		slog.Warn("Tours: cannot read audio to measure duration", "stop", a.ID, "error", err)
		return
	}
	d, err := audio.MediaDuration(asset.Data, a.AudioFile)
	if err != nil {
		slog.Warn("Tours: cannot decode audio to measure duration", "stop", a.ID, "error", err)
		return
	}
	a.Duration = FormatDuration(d)
	slog.Debug("Tours: measured duration", "stop", a.ID, "duration", a.Duration)
}

// FormatDuration renders d as "M:SS mins", rounded to whole seconds.
func FormatDuration(d time.Duration) string {
	secs := int(math.Round(d.Seconds()))
	return fmt.Sprintf("%d:%02d mins", secs/60, secs%60)
}
