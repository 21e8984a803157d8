package cache

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tourplayer/pkg/db"
)

// Cacher defines the asset caching interface.
type Cacher interface {
	GetAsset(ctx context.Context, url string) (data []byte, contentType string, ok bool)
	SetAsset(ctx context.Context, url, contentType string, data []byte) error
	IsAssetCached(ctx context.Context, url string) bool
}

// SQLiteCache implements Cacher using pkg/db.
type SQLiteCache struct {
	db *db.DB
}

// NewSQLiteCache creates a new cache.
func NewSQLiteCache(d *db.DB) *SQLiteCache {
	return &SQLiteCache{db: d}
}

func (c *SQLiteCache) GetAsset(ctx context.Context, url string) (data []byte, contentType string, ok bool) {
	var ct sql.NullString
	err := c.db.QueryRowContext(ctx, "SELECT data, content_type FROM asset_cache WHERE url = ?", url).Scan(&data, &ct)
	if err != nil {
		// Errors are treated as a miss
		return nil, "", false
	}
	return data, ct.String, true
}

func (c *SQLiteCache) SetAsset(ctx context.Context, url, contentType string, data []byte) error {
	query := `INSERT OR REPLACE INTO asset_cache (url, content_type, data, created_at) VALUES (?, ?, ?, ?)`
	_, err := c.db.ExecContext(ctx, query, url, contentType, data, time.Now().UTC().Format("2006-01-02 15:04:05"))
	return err
}

// IsAssetCached reports whether the url has stored bytes, without loading them.
func (c *SQLiteCache) IsAssetCached(ctx context.Context, url string) bool {
	var one int
	err := c.db.QueryRowContext(ctx, "SELECT 1 FROM asset_cache WHERE url = ?", url).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	return err == nil
}
