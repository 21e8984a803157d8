package store

import (
	"context"

	"tourplayer/pkg/model"
)

// ProgressStore handles per-stop listening progress, scoped by tour.
type ProgressStore interface {
	// GetStopProgress returns nil when the stop has no record.
	GetStopProgress(ctx context.Context, tourID, stopID string) (*model.StopProgress, error)
	GetTourProgress(ctx context.Context, tourID string) (map[string]model.StopProgress, error)
	// PutTourProgress replaces the whole map for the tour.
	PutTourProgress(ctx context.Context, tourID string, progress map[string]model.StopProgress) error
	ListProgressTours(ctx context.Context) ([]string, error)
}

// PreferenceStore handles persistent user preferences.
type PreferenceStore interface {
	GetPreference(ctx context.Context, key string) (string, bool)
	SetPreference(ctx context.Context, key, val string) error
	DeletePreference(ctx context.Context, key string) error
}
