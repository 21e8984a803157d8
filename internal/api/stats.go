package api

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync"

	"tourplayer/pkg/preload"
	"tourplayer/pkg/tracker"
)

// StatsHandler reports asset fetch statistics and preload state.
type StatsHandler struct {
	tracker   *tracker.Tracker
	preloader *preload.Preloader

	mu     sync.Mutex
	maxMem uint64
}

// NewStatsHandler creates a new StatsHandler. preloader may be nil.
func NewStatsHandler(t *tracker.Tracker, p *preload.Preloader) *StatsHandler {
	return &StatsHandler{
		tracker:   t,
		preloader: p,
	}
}

type SourceStatsDTO struct {
	CacheHits     int64 `json:"cache_hits"`
	CacheMisses   int64 `json:"cache_misses"`
	FetchSuccess  int64 `json:"fetch_success"`
	FetchFailures int64 `json:"fetch_errors"`
	BytesFetched  int64 `json:"bytes_fetched"`
	HitRate       int64 `json:"hit_rate"`
}

type ServerStats struct {
	MemoryMB    uint64 `json:"memory_mb"`
	MemoryMaxMB uint64 `json:"memory_max_mb"`
	Goroutines  int    `json:"goroutines"`
}

type StatsResponse struct {
	Server  ServerStats               `json:"server"`
	Sources map[string]SourceStatsDTO `json:"sources"`
	Preload []preload.Entry           `json:"preload"`
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snapshot := h.tracker.Snapshot()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	h.mu.Lock()
	if ms.Alloc > h.maxMem {
		h.maxMem = ms.Alloc
	}
	maxMem := h.maxMem
	h.mu.Unlock()

	resp := StatsResponse{
		Server: ServerStats{
			MemoryMB:    bToMb(ms.Alloc),
			MemoryMaxMB: bToMb(maxMem),
			Goroutines:  runtime.NumGoroutine(),
		},
		Sources: make(map[string]SourceStatsDTO),
		Preload: []preload.Entry{},
	}

	for source, stats := range snapshot {
		totalCache := stats.CacheHits + stats.CacheMisses
		hitRate := int64(0)
		if totalCache > 0 {
			hitRate = (stats.CacheHits * 100) / totalCache
		}
		resp.Sources[source] = SourceStatsDTO{
			CacheHits:     stats.CacheHits,
			CacheMisses:   stats.CacheMisses,
			FetchSuccess:  stats.FetchSuccess,
			FetchFailures: stats.FetchFailures,
			BytesFetched:  stats.BytesFetched,
			HitRate:       hitRate,
		}
	}
	if h.preloader != nil {
		if entries := h.preloader.Entries(); entries != nil {
			resp.Preload = entries
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}
