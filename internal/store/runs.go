package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewRunID returns a fresh ULID. Run ids sort lexicographically by start
// time, so "latest run" queries are plain ORDER BY id.
func NewRunID() string {
	return ulid.Make().String()
}

// RecordRun appends a run report to the history. The report's RunID must be
// set (see NewRunID). Re-recording the same id replaces the stored report,
// which the engine uses to attach tuner adjustments after the fact.
func (s *DB) RecordRun(report *RunReport) error {
	if report.RunID == "" {
		return fmt.Errorf("run report has no id")
	}
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal run report: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO runs (id, started_at, finished_at, report)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			report = excluded.report
	`, report.RunID, report.StartedAt.UTC(), report.FinishedAt.UTC(), string(body))
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// LastRun returns the most recent run report, or nil if no run has happened.
func (s *DB) LastRun() (*RunReport, error) {
	var body string
	err := s.db.QueryRow(`SELECT report FROM runs ORDER BY id DESC LIMIT 1`).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last run: %w", err)
	}
	var report RunReport
	if err := json.Unmarshal([]byte(body), &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run report: %w", err)
	}
	return &report, nil
}

// RecentRuns returns up to n run reports, newest first.
func (s *DB) RecentRuns(n int) ([]*RunReport, error) {
	rows, err := s.db.Query(`SELECT report FROM runs ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var reports []*RunReport
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var report RunReport
		if err := json.Unmarshal([]byte(body), &report); err != nil {
			continue // tolerate old report shapes
		}
		reports = append(reports, &report)
	}
	return reports, rows.Err()
}

// CountRuns returns the total number of recorded runs.
func (s *DB) CountRuns() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&count)
	return count, err
}

// CountRunsSince counts runs that started at or after t.
func (s *DB) CountRunsSince(t time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM runs WHERE started_at >= ?`, t.UTC()).Scan(&count)
	return count, err
}

// FirstRunAt returns when the oldest recorded run started, with ok=false on
// an empty history.
func (s *DB) FirstRunAt() (time.Time, bool, error) {
	var t sql.NullTime
	err := s.db.QueryRow(`SELECT MIN(started_at) FROM runs`).Scan(&t)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query first run: %w", err)
	}
	return t.Time, t.Valid, nil
}

// PruneRuns trims the run history to the newest keep entries.
func (s *DB) PruneRuns(keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.db.Exec(`
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY id DESC LIMIT ?
		)
	`, keep)
	return err
}
