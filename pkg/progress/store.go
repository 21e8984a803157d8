// Package progress tracks how far the listener has gotten through a tour.
package progress

import (
	"context"
	"log/slog"
	"maps"
	"math"
	"sync"
	"time"

	"tourplayer/pkg/model"
	"tourplayer/pkg/store"
)

// Minutes is the "X / Y mins" pair shown next to the progress bar.
type Minutes struct {
	Consumed int `json:"consumed"`
	Total    int `json:"total"`
}

// Store is the in-memory source of truth for one tour's progress. Writes are
// batched and flushed to the ProgressStore once per debounce window.
//
// The store is two-phase: Hydrate loads persisted records exactly once and never
// writes; only mutations schedule a flush.
type Store struct {
	tourID   string
	persist  store.ProgressStore
	debounce time.Duration

	writeMu sync.Mutex // orders flushes

	mu       sync.Mutex
	records  map[string]model.StopProgress
	hydrated bool
	reset    bool // ResetAll ran before hydration; persisted records are dropped
	dirty    bool
	closed   bool
	timer    *time.Timer
}

// New creates an unhydrated store. persist may be nil for in-memory use.
func New(tourID string, persist store.ProgressStore, debounce time.Duration) *Store {
	return &Store{
		tourID:   tourID,
		persist:  persist,
		debounce: debounce,
		records:  make(map[string]model.StopProgress),
	}
}

// TourID returns the tour the store is scoped to.
func (s *Store) TourID() string {
	return s.tourID
}

// Hydrate loads persisted progress. Only the first call has an effect. Mutations
// made before hydration are merged on top of the loaded records.
func (s *Store) Hydrate(ctx context.Context) {
	s.mu.Lock()
	if s.hydrated {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	var loaded map[string]model.StopProgress
	if s.persist != nil {
		var err error
		loaded, err = s.persist.GetTourProgress(ctx, s.tourID)
		if err != nil {
			slog.Warn("Progress: failed to load, starting empty", "tour", s.tourID, "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hydrated {
		return
	}
	early := s.records
	s.records = make(map[string]model.StopProgress, len(loaded)+len(early))
	if !s.reset {
		maps.Copy(s.records, loaded)
	}
	for id, rec := range early {
		s.records[id] = merge(s.records[id], rec)
	}
	s.hydrated = true
	slog.Debug("Progress: hydrated", "tour", s.tourID, "stops", len(loaded), "early", len(early), "reset", s.reset)

	if len(early) > 0 || s.reset {
		s.scheduleLocked()
	}
	s.reset = false
}

// merge applies a record written before hydration on top of a persisted one.
func merge(base, early model.StopProgress) model.StopProgress {
	out := base
	out.IsCompleted = base.IsCompleted || early.IsCompleted
	out.MaxPercentageReached = math.Max(base.MaxPercentageReached, early.MaxPercentageReached)
	switch {
	case early.IsCompleted && !base.IsCompleted:
		out.LastPosition = 0
	case early.LastPosition != 0:
		out.LastPosition = early.LastPosition
	}
	return out
}

// Hydrated reports whether Hydrate has completed.
func (s *Store) Hydrated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hydrated
}

// mutate applies fn to the record of id and schedules a flush when it changed.
func (s *Store) mutate(id string, fn func(rec *model.StopProgress) bool) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[id]
	if !fn(&rec) {
		return
	}
	s.records[id] = rec
	if s.hydrated {
		s.scheduleLocked()
	}
}

// MarkCompleted latches the stop as completed and rewinds its saved position.
func (s *Store) MarkCompleted(id string) {
	s.mutate(id, func(rec *model.StopProgress) bool {
		if rec.IsCompleted && rec.LastPosition == 0 {
			return false
		}
		rec.IsCompleted = true
		rec.LastPosition = 0
		return true
	})
}

// UpdatePosition overwrites the saved position. Completion and max progress are untouched.
func (s *Store) UpdatePosition(id string, seconds float64) {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return
	}
	seconds = math.Max(0, seconds)
	s.mutate(id, func(rec *model.StopProgress) bool {
		if rec.LastPosition == seconds {
			return false
		}
		rec.LastPosition = seconds
		return true
	})
}

// UpdateMaxProgress raises the max percentage reached; lower values are ignored.
func (s *Store) UpdateMaxProgress(id string, percent float64) {
	if math.IsNaN(percent) {
		return
	}
	percent = math.Min(percent, 100)
	s.mutate(id, func(rec *model.StopProgress) bool {
		if percent <= rec.MaxPercentageReached {
			return false
		}
		rec.MaxPercentageReached = percent
		return true
	})
}

// IsCompleted reports the completion latch of a stop.
func (s *Store) IsCompleted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id].IsCompleted
}

// Position returns the saved position in seconds, 0 if unknown.
func (s *Store) Position(id string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id].LastPosition
}

// Get returns the record of a stop.
func (s *Store) Get(id string) (model.StopProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Snapshot returns a copy of every record.
func (s *Store) Snapshot() map[string]model.StopProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.records)
}

// ResetAll clears every record of the tour.
func (s *Store) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.records)
	if s.hydrated {
		s.scheduleLocked()
	} else {
		s.reset = true
		s.dirty = true
	}
	slog.Info("Progress: tour reset", "tour", s.tourID)
}

// HasAnyProgress reports whether any stop was started or completed.
func (s *Store) HasAnyProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if !rec.IsZero() {
			return true
		}
	}
	return false
}

// WeightedCompletion returns Σ(duration × fraction) / Σ(duration) × 100 over the
// audio stops, in [0, 100]. live is the live percent of currentID.
func (s *Store) WeightedCompletion(stops model.Stops, currentID string, live float64) float64 {
	consumed, total := s.weighted(stops, currentID, live)
	if total <= 0 {
		return 0
	}
	return math.Max(0, math.Min(consumed/total*100, 100))
}

// WeightedCompletionPercent is WeightedCompletion rounded half up.
func (s *Store) WeightedCompletionPercent(stops model.Stops, currentID string, live float64) int {
	return int(math.Round(s.WeightedCompletion(stops, currentID, live)))
}

// ConsumedMinutes returns the same weighting as whole minutes.
func (s *Store) ConsumedMinutes(stops model.Stops, currentID string, live float64) Minutes {
	consumed, total := s.weighted(stops, currentID, live)
	return Minutes{
		Consumed: int(math.Round(consumed / 60)),
		Total:    int(math.Round(total / 60)),
	}
}

// weighted returns consumed and total seconds.
func (s *Store) weighted(stops model.Stops, currentID string, live float64) (consumed, total float64) {
	if math.IsNaN(live) {
		live = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range stops {
		a, ok := st.(*model.AudioStop)
		if !ok {
			continue
		}
		secs := float64(a.Seconds())
		if secs <= 0 {
			continue
		}
		total += secs

		rec := s.records[a.ID]
		if rec.IsCompleted {
			consumed += secs
			continue
		}
		pct := rec.MaxPercentageReached
		if a.ID == currentID {
			pct = math.Max(pct, live)
		}
		consumed += secs * math.Max(0, math.Min(pct, 100)) / 100
	}
	return consumed, total
}

// scheduleLocked arms the flush timer if it is not already armed. The window
// starts at the first unflushed write so continuous updates still flush.
func (s *Store) scheduleLocked() {
	s.dirty = true
	if s.closed || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()
		s.Flush(context.Background())
	})
}

// Flush writes pending changes now.
func (s *Store) Flush(ctx context.Context) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if !s.dirty || !s.hydrated {
		s.mu.Unlock()
		return
	}
	snap := maps.Clone(s.records)
	s.dirty = false
	s.mu.Unlock()

	if s.persist == nil {
		return
	}
	if err := s.persist.PutTourProgress(ctx, s.tourID, snap); err != nil {
		slog.Warn("Progress: failed to persist", "tour", s.tourID, "error", err)
		return
	}
	slog.Debug("Progress: flushed", "tour", s.tourID, "stops", len(snap))
}

// Close stops the timer and flushes pending changes.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.Flush(ctx)
}
