package store

import (
	"fmt"
	"time"
)

// GeneralizedStats counts unarchived generalized records and how many of them
// the validation engine has marked contradicted. Feeds the contradiction-rate
// metric.
func (s *DB) GeneralizedStats() (total, contradicted int, err error) {
	err = s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN contradiction_count > 0 THEN 1 ELSE 0 END), 0)
		FROM memories
		WHERE kind = ? AND archived = FALSE
	`, KindSemantic).Scan(&total, &contradicted)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query generalized stats: %w", err)
	}
	return total, contradicted, nil
}

// StabilityStats counts generalized records created since the given time and
// how many are still standing: neither archived away nor flagged for review.
func (s *DB) StabilityStats(since time.Time) (created, stable int, err error) {
	err = s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN archived = FALSE AND status != ? THEN 1 ELSE 0 END), 0)
		FROM memories
		WHERE kind = ? AND created_at >= ?
	`, StatusFlagged, KindSemantic, since.UTC()).Scan(&created, &stable)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query stability stats: %w", err)
	}
	return created, stable, nil
}
