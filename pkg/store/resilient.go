package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"tourplayer/pkg/model"
)

// Resilient wraps a possibly absent or failing Store. The first failure switches
// it to in-memory operation for the rest of the process; callers never see the error.
type Resilient struct {
	primary  Store
	memory   *MemoryStore
	degraded atomic.Bool
	warnOnce sync.Once
}

// NewResilient wraps primary. A nil primary starts out degraded.
func NewResilient(primary Store) *Resilient {
	r := &Resilient{primary: primary, memory: NewMemoryStore()}
	if primary == nil {
		r.degrade(nil)
	}
	return r
}

// Degraded reports whether the store has fallen back to memory.
func (r *Resilient) Degraded() bool {
	return r.degraded.Load()
}

func (r *Resilient) degrade(err error) {
	r.degraded.Store(true)
	r.warnOnce.Do(func() {
		if err != nil {
			slog.Warn("Store: persistence unavailable, continuing in memory only", "error", err)
		} else {
			slog.Warn("Store: no persistence configured, continuing in memory only")
		}
	})
}

func (r *Resilient) Close() error {
	if r.primary == nil {
		return nil
	}
	return r.primary.Close()
}

func (r *Resilient) GetStopProgress(ctx context.Context, tourID, stopID string) (*model.StopProgress, error) {
	if !r.Degraded() {
		p, err := r.primary.GetStopProgress(ctx, tourID, stopID)
		if err == nil {
			return p, nil
		}
		r.degrade(err)
	}
	return r.memory.GetStopProgress(ctx, tourID, stopID)
}

func (r *Resilient) GetTourProgress(ctx context.Context, tourID string) (map[string]model.StopProgress, error) {
	if !r.Degraded() {
		m, err := r.primary.GetTourProgress(ctx, tourID)
		if err == nil {
			_ = r.memory.PutTourProgress(ctx, tourID, m)
			return m, nil
		}
		r.degrade(err)
	}
	return r.memory.GetTourProgress(ctx, tourID)
}

func (r *Resilient) PutTourProgress(ctx context.Context, tourID string, progress map[string]model.StopProgress) error {
	_ = r.memory.PutTourProgress(ctx, tourID, progress)
	if r.Degraded() {
		return nil
	}
	if err := r.primary.PutTourProgress(ctx, tourID, progress); err != nil {
		r.degrade(err)
	}
	return nil
}

func (r *Resilient) ListProgressTours(ctx context.Context) ([]string, error) {
	if !r.Degraded() {
		ids, err := r.primary.ListProgressTours(ctx)
		if err == nil {
			return ids, nil
		}
		r.degrade(err)
	}
	return r.memory.ListProgressTours(ctx)
}

func (r *Resilient) GetPreference(ctx context.Context, key string) (string, bool) {
	if !r.Degraded() {
		if v, ok := r.primary.GetPreference(ctx, key); ok {
			return v, true
		}
	}
	return r.memory.GetPreference(ctx, key)
}

func (r *Resilient) SetPreference(ctx context.Context, key, val string) error {
	_ = r.memory.SetPreference(ctx, key, val)
	if r.Degraded() {
		return nil
	}
	if err := r.primary.SetPreference(ctx, key, val); err != nil {
		r.degrade(err)
	}
	return nil
}

func (r *Resilient) DeletePreference(ctx context.Context, key string) error {
	_ = r.memory.DeletePreference(ctx, key)
	if r.Degraded() {
		return nil
	}
	if err := r.primary.DeletePreference(ctx, key); err != nil {
		r.degrade(err)
	}
	return nil
}
