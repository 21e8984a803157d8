package preload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tourplayer/pkg/model"
	"tourplayer/pkg/request"
	"tourplayer/pkg/tracker"
)

type fakeFetcher struct {
	mu      sync.Mutex
	fetches map[string]int
	cached  map[string]bool
	fail    map[string]bool
	block   chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		fetches: make(map[string]int),
		cached:  make(map[string]bool),
		fail:    make(map[string]bool),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, u string) (*request.Asset, error) {
	f.mu.Lock()
	f.fetches[u]++
	fail := f.fail[u]
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("503")
	}
	return &request.Asset{URL: u, Data: []byte("data:" + u)}, nil
}

func (f *fakeFetcher) IsAssetCached(_ context.Context, u string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cached[u]
}

func (f *fakeFetcher) count(u string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[u]
}

func preloadTour() *model.Tour {
	return &model.Tour{
		ID: "old-town",
		Stops: model.Stops{
			&model.AudioStop{ID: "a", AudioFile: "a.mp3", Image: "a.jpg"},
			&model.ContentStop{ID: "t", Type: model.StopTypeText},
			&model.AudioStop{ID: "b", AudioFile: "b.mp3", Image: "b.jpg"},
			&model.AudioStop{ID: "c", AudioFile: "c.mp3"},
			&model.AudioStop{ID: "d", AudioFile: "d.mp3"},
		},
	}
}

func loadedURLs(p *Preloader) []string {
	var out []string
	for _, e := range p.Entries() {
		if e.Loaded {
			out = append(out, e.URL)
		}
	}
	return out
}

func TestUpdate_ColdStartWarmsFirstStop(t *testing.T) {
	f := newFakeFetcher()
	p := New(f, tracker.New(), 1, time.Hour)
	defer p.Close()

	p.Update(preloadTour(), "")

	assert.Eventually(t, func() bool { return len(loadedURLs(p)) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a.jpg", "a.mp3"}, loadedURLs(p))
}

func TestUpdate_LookaheadSkipsNonAudio(t *testing.T) {
	f := newFakeFetcher()
	p := New(f, tracker.New(), 2, time.Hour)
	defer p.Close()

	p.Update(preloadTour(), "a")

	assert.Eventually(t, func() bool { return len(loadedURLs(p)) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"b.jpg", "b.mp3", "c.mp3"}, loadedURLs(p))
	assert.Zero(t, f.count("a.mp3"), "the current stop is not prefetched")
}

func TestUpdate_DoesNotRefetch(t *testing.T) {
	f := newFakeFetcher()
	tr := tracker.New()
	p := New(f, tr, 1, time.Hour)
	defer p.Close()

	p.Update(preloadTour(), "a")
	assert.Eventually(t, func() bool { return p.IsLoaded("b.mp3") && p.IsLoaded("b.jpg") }, time.Second, time.Millisecond)
	p.Update(preloadTour(), "a")

	assert.Equal(t, 1, f.count("b.mp3"))
	stats := tr.Snapshot()[trackerSource]
	assert.Equal(t, int64(2), stats.CacheHits, "b.mp3 and b.jpg served warm on the second pass")
}

func TestUpdate_SkipsAssetsInCache(t *testing.T) {
	f := newFakeFetcher()
	f.cached["b.mp3"] = true
	p := New(f, tracker.New(), 1, time.Hour)
	defer p.Close()

	p.Update(preloadTour(), "a")
	assert.Eventually(t, func() bool { return p.IsLoaded("b.mp3") && p.IsLoaded("b.jpg") }, time.Second, time.Millisecond)

	assert.Zero(t, f.count("b.mp3"))
	for _, e := range p.Entries() {
		if e.URL == "b.mp3" {
			assert.True(t, e.FromCache)
		}
	}
}

func TestUpdate_FailuresAreSwallowed(t *testing.T) {
	f := newFakeFetcher()
	f.fail["b.mp3"] = true
	p := New(f, tracker.New(), 1, time.Hour)
	defer p.Close()

	p.Update(preloadTour(), "a")
	assert.Eventually(t, func() bool { return p.IsLoaded("b.jpg") }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return len(p.Entries()) == 1 }, time.Second, time.Millisecond)

	// a failed entry is retried on the next update
	f.mu.Lock()
	f.fail["b.mp3"] = false
	f.mu.Unlock()
	p.Update(preloadTour(), "a")
	assert.Eventually(t, func() bool { return p.IsLoaded("b.mp3") }, time.Second, time.Millisecond)
}

func TestSweep_EvictsOutsideWindow(t *testing.T) {
	f := newFakeFetcher()
	p := New(f, tracker.New(), 1, 20*time.Millisecond)
	defer p.Close()

	tour := preloadTour()
	p.Update(tour, "a")
	assert.Eventually(t, func() bool { return p.IsLoaded("b.mp3") }, time.Second, time.Millisecond)

	p.Update(tour, "b")
	p.Update(tour, "c")
	assert.True(t, p.IsLoaded("b.mp3"), "sweep is debounced")

	assert.Eventually(t, func() bool {
		urls := loadedURLs(p)
		return len(urls) == 2 && urls[0] == "c.mp3" && urls[1] == "d.mp3"
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, f.count("c.mp3"))
}

func TestOpen(t *testing.T) {
	f := newFakeFetcher()
	p := New(f, tracker.New(), 1, time.Hour)
	defer p.Close()

	p.Update(preloadTour(), "a")
	assert.Eventually(t, func() bool { return p.IsLoaded("b.mp3") }, time.Second, time.Millisecond)

	data, err := p.Open(context.Background(), "b.mp3")
	require.NoError(t, err)
	assert.Equal(t, "data:b.mp3", string(data))
	assert.Equal(t, 1, f.count("b.mp3"), "served warm")

	data, err = p.Open(context.Background(), "z.mp3")
	require.NoError(t, err)
	assert.Equal(t, "data:z.mp3", string(data))
}

func TestOpen_WaitsForInflight(t *testing.T) {
	f := newFakeFetcher()
	f.block = make(chan struct{})
	p := New(f, tracker.New(), 1, time.Hour)
	defer p.Close()

	p.Update(preloadTour(), "a")

	done := make(chan []byte)
	go func() {
		data, _ := p.Open(context.Background(), "b.mp3")
		done <- data
	}()
	close(f.block)

	select {
	case data := <-done:
		assert.Equal(t, "data:b.mp3", string(data))
	case <-time.After(time.Second):
		t.Fatal("open did not return")
	}
	assert.Equal(t, 1, f.count("b.mp3"))
}

func TestClose_CancelsInflight(t *testing.T) {
	f := newFakeFetcher()
	f.block = make(chan struct{})
	p := New(f, tracker.New(), 1, time.Hour)

	p.Update(preloadTour(), "a")
	p.Close()

	assert.Empty(t, loadedURLs(p))
	p.Update(preloadTour(), "b")
	assert.Empty(t, p.Entries(), "closed preloader starts nothing new")
}
