package maintenance

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tourplayer/pkg/db"
	"tourplayer/pkg/model"
	"tourplayer/pkg/store"
)

func TestMaintenance(t *testing.T) {
	d, err := db.Init(filepath.Join(t.TempDir(), "maint_test.db"))
	require.NoError(t, err)
	defer d.Close()

	s := store.NewSQLiteStore(d)
	ctx := context.Background()

	rec := map[string]model.StopProgress{"gate": {LastPosition: 12}}
	require.NoError(t, s.PutTourProgress(ctx, "old-town", rec))
	require.NoError(t, s.PutTourProgress(ctx, "demolished", rec))

	// one asset 40 days old, one 1 day old
	oldStamp := time.Now().Add(-40 * 24 * time.Hour).UTC().Format("2006-01-02 15:04:05")
	newStamp := time.Now().Add(-24 * time.Hour).UTC().Format("2006-01-02 15:04:05")
	_, err = d.Exec("INSERT INTO asset_cache (url, content_type, data, created_at) VALUES (?, ?, ?, ?)", "https://a.example/old.mp3", "audio/mpeg", []byte{1}, oldStamp)
	require.NoError(t, err)
	_, err = d.Exec("INSERT INTO asset_cache (url, content_type, data, created_at) VALUES (?, ?, ?, ?)", "https://a.example/new.mp3", "audio/mpeg", []byte{2}, newStamp)
	require.NoError(t, err)

	require.NoError(t, Run(ctx, s, d, []string{"old-town", "harbour"}, 30*24*time.Hour))

	tours, err := s.ListProgressTours(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"old-town"}, tours)

	var urls []string
	rows, err := d.Query("SELECT url FROM asset_cache")
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var u string
		require.NoError(t, rows.Scan(&u))
		urls = append(urls, u)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"https://a.example/new.mp3"}, urls)
}

func TestPruneProgress_NoKnownTours(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.PutTourProgress(ctx, "old-town", map[string]model.StopProgress{"gate": {IsCompleted: true}}))

	require.NoError(t, pruneProgress(ctx, s, nil))

	tours, err := s.ListProgressTours(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"old-town"}, tours, "an empty catalog removes nothing")
}

type failingPruner struct{ calls int }

func (f *failingPruner) PruneAssets(time.Duration) (int64, error) {
	f.calls++
	return 0, errors.New("disk full")
}

func TestRun_PruneFailureIsNotFatal(t *testing.T) {
	p := &failingPruner{}
	assert.NoError(t, Run(context.Background(), store.NewMemoryStore(), p, nil, time.Hour))
	assert.Equal(t, 1, p.calls)

	assert.NoError(t, Run(context.Background(), store.NewMemoryStore(), p, nil, 0))
	assert.Equal(t, 1, p.calls, "a zero ttl disables pruning")
}
