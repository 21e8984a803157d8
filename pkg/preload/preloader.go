// Package preload prefetches the audio and images of upcoming stops.
package preload

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"tourplayer/pkg/model"
	"tourplayer/pkg/request"
	"tourplayer/pkg/tracker"
)

const trackerSource = "preload"

// Fetcher loads assets. *request.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*request.Asset, error)
	IsAssetCached(ctx context.Context, url string) bool
}

// Entry is the public view of one cached asset.
type Entry struct {
	URL       string `json:"url"`
	Loaded    bool   `json:"loaded"`
	FromCache bool   `json:"fromCache"`
	Size      int    `json:"size"`
}

type entry struct {
	url       string
	asset     *request.Asset
	loaded    bool
	fromCache bool
	done      chan struct{}
	cancel    context.CancelFunc
}

// Preloader keeps a URL-keyed cache of warm assets around the current stop.
type Preloader struct {
	fetcher    Fetcher
	tracker    *tracker.Tracker
	lookahead  int
	sweepDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
	keep    map[string]struct{}
	sweep   *time.Timer
	closed  bool
}

// New creates a preloader prefetching lookahead audio stops ahead of the current one.
func New(f Fetcher, t *tracker.Tracker, lookahead int, sweepDelay time.Duration) *Preloader {
	if lookahead < 0 {
		lookahead = 0
	}
	if t == nil {
		t = tracker.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Preloader{
		fetcher:    f,
		tracker:    t,
		lookahead:  lookahead,
		sweepDelay: sweepDelay,
		ctx:        ctx,
		cancel:     cancel,
		entries:    make(map[string]*entry),
		keep:       make(map[string]struct{}),
	}
}

// Update prefetches around currentID. Without a current stop the first audio
// stop is warmed so the first tap starts instantly.
func (p *Preloader) Update(tour *model.Tour, currentID string) {
	if tour == nil {
		return
	}

	var keep, targets []string
	if cur := tour.AudioStop(currentID); cur != nil {
		keep = appendAssets(keep, cur)
		id := cur.ID
		for range p.lookahead {
			next := tour.NextAudio(id)
			if next == nil {
				break
			}
			targets = appendAssets(targets, next)
			id = next.ID
		}
	} else if first := tour.FirstAudio(); first != nil {
		targets = appendAssets(targets, first)
	}
	keep = append(keep, targets...)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	p.keep = make(map[string]struct{}, len(keep))
	for _, u := range keep {
		p.keep[u] = struct{}{}
	}
	for _, u := range targets {
		p.startLocked(u)
	}

	if p.sweep != nil {
		p.sweep.Stop()
	}
	p.sweep = time.AfterFunc(p.sweepDelay, p.evict)
}

func appendAssets(dst []string, a *model.AudioStop) []string {
	if a.AudioFile != "" {
		dst = append(dst, a.AudioFile)
	}
	if a.Image != "" {
		dst = append(dst, a.Image)
	}
	return dst
}

func (p *Preloader) startLocked(u string) {
	if e, ok := p.entries[u]; ok {
		if e.loaded {
			p.tracker.TrackCacheHit(trackerSource)
		}
		return
	}

	ctx, cancel := context.WithCancel(p.ctx)
	e := &entry{url: u, done: make(chan struct{}), cancel: cancel}
	p.entries[u] = e

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(e.done)
		defer cancel()
		p.load(ctx, e)
	}()
}

func (p *Preloader) load(ctx context.Context, e *entry) {
	if p.fetcher.IsAssetCached(ctx, e.url) {
		p.tracker.TrackCacheHit(trackerSource)
		p.mu.Lock()
		e.loaded = true
		e.fromCache = true
		p.mu.Unlock()
		slog.Debug("Preload: already cached", "url", e.url)
		return
	}

	p.tracker.TrackCacheMiss(trackerSource)
	asset, err := p.fetcher.Fetch(ctx, e.url)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.tracker.TrackFetchFailure(trackerSource)
		if p.entries[e.url] == e {
			delete(p.entries, e.url)
		}
		slog.Debug("Preload: failed", "url", e.url, "error", err)
		return
	}
	p.tracker.TrackFetchSuccess(trackerSource, len(asset.Data))
	e.asset = asset
	e.loaded = true
	slog.Debug("Preload: warmed", "url", e.url, "bytes", len(asset.Data))
}

// evict drops entries outside the keep set.
func (p *Preloader) evict() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.sweep = nil

	n := 0
	for u, e := range p.entries {
		if _, ok := p.keep[u]; ok {
			continue
		}
		e.cancel()
		delete(p.entries, u)
		n++
	}
	if n > 0 {
		slog.Debug("Preload: evicted stale entries", "count", n, "remaining", len(p.entries))
	}
}

// Open returns the bytes of u, from the warm cache when possible. An in-flight
// prefetch of u is awaited rather than duplicated.
func (p *Preloader) Open(ctx context.Context, u string) ([]byte, error) {
	p.mu.Lock()
	e := p.entries[u]
	p.mu.Unlock()

	if e != nil {
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		p.mu.Lock()
		asset := e.asset
		p.mu.Unlock()
		if asset != nil {
			return asset.Data, nil
		}
	}

	asset, err := p.fetcher.Fetch(ctx, u)
	if err != nil {
		return nil, err
	}
	return asset.Data, nil
}

// IsLoaded reports whether u is warm.
func (p *Preloader) IsLoaded(u string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[u]
	return ok && e.loaded
}

// Entries returns the cache contents sorted by URL.
func (p *Preloader) Entries() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Entry, 0, len(p.entries))
	for _, u := range slices.Sorted(maps.Keys(p.entries)) {
		e := p.entries[u]
		size := 0
		if e.asset != nil {
			size = len(e.asset.Data)
		}
		out = append(out, Entry{URL: u, Loaded: e.loaded, FromCache: e.fromCache, Size: size})
	}
	return out
}

// Close cancels in-flight fetches and the pending sweep.
func (p *Preloader) Close() {
	p.mu.Lock()
	p.closed = true
	if p.sweep != nil {
		p.sweep.Stop()
		p.sweep = nil
	}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
