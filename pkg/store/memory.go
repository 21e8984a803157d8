package store

import (
	"context"
	"maps"
	"slices"
	"sync"

	"tourplayer/pkg/model"
)

// MemoryStore is an in-process Store. Nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	progress map[string]map[string]model.StopProgress
	prefs    map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		progress: make(map[string]map[string]model.StopProgress),
		prefs:    make(map[string]string),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) GetStopProgress(ctx context.Context, tourID, stopID string) (*model.StopProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.progress[tourID][stopID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryStore) GetTourProgress(ctx context.Context, tourID string) (map[string]model.StopProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]model.StopProgress, len(m.progress[tourID]))
	maps.Copy(out, m.progress[tourID])
	return out, nil
}

func (m *MemoryStore) PutTourProgress(ctx context.Context, tourID string, progress map[string]model.StopProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(progress) == 0 {
		delete(m.progress, tourID)
		return nil
	}
	m.progress[tourID] = maps.Clone(progress)
	return nil
}

func (m *MemoryStore) ListProgressTours(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.progress)), nil
}

func (m *MemoryStore) GetPreference(ctx context.Context, key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.prefs[key]
	return v, ok
}

func (m *MemoryStore) SetPreference(ctx context.Context, key, val string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[key] = val
	return nil
}

func (m *MemoryStore) DeletePreference(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.prefs, key)
	return nil
}
