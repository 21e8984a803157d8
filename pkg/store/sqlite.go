package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tourplayer/pkg/db"
	"tourplayer/pkg/model"
)

// Store defines the repository interface.
// It composes all sub-interfaces for full store access.
// Consumers should depend on specific sub-interfaces when possible.
type Store interface {
	ProgressStore
	PreferenceStore

	// Close closes the store connection.
	Close() error
}

// SQLiteStore implements Store.
type SQLiteStore struct {
	db *db.DB
}

// NewSQLiteStore creates a new store.
func NewSQLiteStore(db *db.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Progress ---

func (s *SQLiteStore) GetStopProgress(ctx context.Context, tourID, stopID string) (*model.StopProgress, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT is_completed, last_position, max_percentage FROM stop_progress WHERE tour_id = ? AND stop_id = ?`,
		tourID, stopID)

	var p model.StopProgress
	err := row.Scan(&p.IsCompleted, &p.LastPosition, &p.MaxPercentageReached)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) GetTourProgress(ctx context.Context, tourID string) (map[string]model.StopProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stop_id, is_completed, last_position, max_percentage FROM stop_progress WHERE tour_id = ?`, tourID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]model.StopProgress)
	for rows.Next() {
		var id string
		var p model.StopProgress
		if err := rows.Scan(&id, &p.IsCompleted, &p.LastPosition, &p.MaxPercentageReached); err != nil {
			return nil, err
		}
		result[id] = p
	}
	return result, rows.Err()
}

func (s *SQLiteStore) PutTourProgress(ctx context.Context, tourID string, progress map[string]model.StopProgress) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM stop_progress WHERE tour_id = ?`, tourID); err != nil {
		return fmt.Errorf("clear tour progress: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO stop_progress (tour_id, stop_id, is_completed, last_position, max_percentage, updated_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for id, p := range progress {
		if _, err := stmt.ExecContext(ctx, tourID, id, p.IsCompleted, p.LastPosition, p.MaxPercentageReached, now); err != nil {
			return fmt.Errorf("insert progress for %s: %w", id, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListProgressTours(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tour_id FROM stop_progress ORDER BY tour_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Preferences ---

func (s *SQLiteStore) GetPreference(ctx context.Context, key string) (string, bool) {
	var val string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM preferences WHERE key = ?", key).Scan(&val)
	if err != nil {
		return "", false
	}
	return val, true
}

func (s *SQLiteStore) SetPreference(ctx context.Context, key, val string) error {
	query := `INSERT OR REPLACE INTO preferences (key, value, created_at) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, key, val, time.Now())
	return err
}

func (s *SQLiteStore) DeletePreference(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM preferences WHERE key = ?", key)
	return err
}
