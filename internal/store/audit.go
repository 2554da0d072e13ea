package store

import (
	"database/sql"
	"fmt"
	"time"
)

// appendAudit writes one audit row through the given executor, so callers can
// fold audit writes into their own transactions. The timestamp is bound
// explicitly for sub-second precision; run-cadence checks compare against it.
func appendAudit(e execer, actor, action, memoryID, detail string) error {
	_, err := e.Exec(`
		INSERT INTO audit_log (ts, actor, action, memory_id, detail)
		VALUES (?, ?, ?, ?, ?)
	`, time.Now().UTC(), actor, action, nullString(memoryID), nullString(detail))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// AppendAudit records an audit entry outside any transaction.
func (s *DB) AppendAudit(actor, action, memoryID, detail string) error {
	return appendAudit(s.db, actor, action, memoryID, detail)
}

// RecentAudit returns up to n audit entries, newest first.
func (s *DB) RecentAudit(n int) ([]AuditEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, ts, actor, action, memory_id, detail
		FROM audit_log ORDER BY id DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var memoryID, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.At, &e.Actor, &e.Action, &memoryID, &detail); err != nil {
			return nil, err
		}
		e.MemoryID = memoryID.String
		e.Detail = detail.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LastAuditAction returns the newest audit entry with the given action, or
// nil if none exists. The tuner uses this to find when parameters last moved.
func (s *DB) LastAuditAction(action string) (*AuditEntry, error) {
	row := s.db.QueryRow(`
		SELECT id, ts, actor, action, memory_id, detail
		FROM audit_log WHERE action = ? ORDER BY id DESC LIMIT 1
	`, action)

	var e AuditEntry
	var memoryID, detail sql.NullString
	err := row.Scan(&e.ID, &e.At, &e.Actor, &e.Action, &memoryID, &detail)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	e.MemoryID = memoryID.String
	e.Detail = detail.String
	return &e, nil
}
