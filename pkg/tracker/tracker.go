package tracker

import (
	"sync"
	"sync/atomic"
)

// Tracker tracks asset fetch statistics per source (host, or "preload").
type Tracker struct {
	mu    sync.RWMutex
	stats map[string]*SourceStats
}

// SourceStats holds metrics for a specific source.
// Fields are accessed atomically.
type SourceStats struct {
	CacheHits     int64 `json:"cacheHits"`
	CacheMisses   int64 `json:"cacheMisses"`
	FetchSuccess  int64 `json:"fetchSuccess"`
	FetchFailures int64 `json:"fetchFailures"`
	BytesFetched  int64 `json:"bytesFetched"`
}

// New creates a new Tracker.
func New() *Tracker {
	return &Tracker{
		stats: make(map[string]*SourceStats),
	}
}

// getStats returns the stats object for a source, creating it if needed.
func (t *Tracker) getStats(source string) *SourceStats {
	t.mu.RLock()
	s, ok := t.stats[source]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Double check
	if s, ok = t.stats[source]; ok {
		return s
	}
	s = &SourceStats{}
	t.stats[source] = s
	return s
}

// TrackCacheHit increments the cache hit counter.
func (t *Tracker) TrackCacheHit(source string) {
	atomic.AddInt64(&t.getStats(source).CacheHits, 1)
}

func (t *Tracker) TrackCacheMiss(source string) {
	atomic.AddInt64(&t.getStats(source).CacheMisses, 1)
}

// TrackFetchSuccess counts a completed fetch and its payload size.
func (t *Tracker) TrackFetchSuccess(source string, bytes int) {
	s := t.getStats(source)
	atomic.AddInt64(&s.FetchSuccess, 1)
	atomic.AddInt64(&s.BytesFetched, int64(bytes))
}

func (t *Tracker) TrackFetchFailure(source string) {
	atomic.AddInt64(&t.getStats(source).FetchFailures, 1)
}

// Snapshot returns a copy of the current stats.
func (t *Tracker) Snapshot() map[string]SourceStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]SourceStats)
	for k, v := range t.stats {
		result[k] = SourceStats{
			CacheHits:     atomic.LoadInt64(&v.CacheHits),
			CacheMisses:   atomic.LoadInt64(&v.CacheMisses),
			FetchSuccess:  atomic.LoadInt64(&v.FetchSuccess),
			FetchFailures: atomic.LoadInt64(&v.FetchFailures),
			BytesFetched:  atomic.LoadInt64(&v.BytesFetched),
		}
	}
	return result
}
