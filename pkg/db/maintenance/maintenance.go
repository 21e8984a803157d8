package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tourplayer/pkg/store"
)

// AssetPruner removes cached assets older than a given age. *db.DB satisfies it.
type AssetPruner interface {
	PruneAssets(olderThan time.Duration) (int64, error)
}

// Run executes all maintenance tasks: orphaned progress and asset pruning.
// knownTours lists the tours currently on disk. It blocks until completion.
func Run(ctx context.Context, s store.ProgressStore, d AssetPruner, knownTours []string, assetTTL time.Duration) error {
	slog.Info("Starting database maintenance...")

	if err := pruneProgress(ctx, s, knownTours); err != nil {
		slog.Error("Progress pruning failed", "error", err)
		// not fatal for startup
	} else {
		slog.Info("Progress pruning completed")
	}

	if err := pruneAssets(d, assetTTL); err != nil {
		slog.Error("Asset pruning failed", "error", err)
	} else {
		slog.Info("Asset pruning completed")
	}

	return nil
}

// pruneProgress drops progress of tours that no longer exist. An empty tour
// list is treated as "unknown" and nothing is removed.
func pruneProgress(ctx context.Context, s store.ProgressStore, knownTours []string) error {
	if len(knownTours) == 0 {
		return nil
	}
	known := make(map[string]bool, len(knownTours))
	for _, id := range knownTours {
		known[id] = true
	}

	stored, err := s.ListProgressTours(ctx)
	if err != nil {
		return fmt.Errorf("failed to list progress: %w", err)
	}
	removed := 0
	for _, id := range stored {
		if known[id] {
			continue
		}
		if err := s.PutTourProgress(ctx, id, nil); err != nil {
			return fmt.Errorf("failed to clear progress of %s: %w", id, err)
		}
		slog.Debug("Removed progress of missing tour", "tour", id)
		removed++
	}
	if removed > 0 {
		slog.Info("Removed progress of missing tours", "count", removed)
	}
	return nil
}

func pruneAssets(d AssetPruner, ttl time.Duration) error {
	if d == nil || ttl <= 0 {
		return nil
	}
	n, err := d.PruneAssets(ttl)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Pruned cached assets", "count", n, "older_than", ttl)
	}
	return nil
}
