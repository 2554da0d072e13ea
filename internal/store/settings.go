package store

import (
	"database/sql"
	"fmt"
)

// Setting keys for the parameters the auto-tuner may override.
const (
	SettingMinClusterSize     = "min_cluster_size"
	SettingClusterThreshold   = "cluster_threshold"
	SettingNoveltyThreshold   = "novelty_threshold"
	SettingContradictionCheck = "contradiction_check"
)

// PutSetting upserts a tuner override. Values survive restarts so the tuner
// does not re-learn from scratch.
func (s *DB) PutSetting(key string, value float64) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to store setting %s: %w", key, err)
	}
	return nil
}

// GetSetting returns a tuner override, with ok=false when none is stored.
func (s *DB) GetSetting(key string) (float64, bool, error) {
	var value float64
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

// AllSettings returns every stored override.
func (s *DB) AllSettings() (map[string]float64, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var key string
		var value float64
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}
