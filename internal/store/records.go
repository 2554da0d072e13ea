package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"

	"github.com/vthunder/remd/internal/logging"
)

const recordColumns = `id, kind, content, summary, confidence, importance, status,
	created_at, last_accessed_at, access_count, contradiction_count,
	tags, linked_files, linked_patterns, linked_functions,
	archived, superseded_by, source_ids, embedding`

// AddRecord inserts or updates a memory record. Missing fields get defaults.
// If the record carries an embedding, the vec index row is maintained too.
func (s *DB) AddRecord(r *Record) error {
	if r.Kind == "" {
		return fmt.Errorf("record kind is required")
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Content == "" {
		r.Content = "{}"
	}
	if r.Confidence == 0 {
		r.Confidence = 0.5
	}
	if r.Importance == "" {
		r.Importance = ImportanceNormal
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.LastAccessedAt.IsZero() {
		r.LastAccessedAt = r.CreatedAt
	}
	// Store times in UTC so DATETIME comparisons stay consistent
	r.CreatedAt = r.CreatedAt.UTC()
	r.LastAccessedAt = r.LastAccessedAt.UTC()

	var embBytes []byte
	if len(r.Embedding) > 0 {
		var err error
		embBytes, err = json.Marshal(r.Embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO memories (id, kind, content, summary, confidence, importance, status,
			created_at, last_accessed_at, access_count, contradiction_count,
			tags, linked_files, linked_patterns, linked_functions,
			archived, superseded_by, source_ids, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			content = excluded.content,
			summary = excluded.summary,
			confidence = excluded.confidence,
			importance = excluded.importance,
			status = excluded.status,
			last_accessed_at = excluded.last_accessed_at,
			access_count = excluded.access_count,
			contradiction_count = excluded.contradiction_count,
			tags = excluded.tags,
			linked_files = excluded.linked_files,
			linked_patterns = excluded.linked_patterns,
			linked_functions = excluded.linked_functions,
			archived = excluded.archived,
			superseded_by = excluded.superseded_by,
			source_ids = excluded.source_ids,
			embedding = excluded.embedding
	`, r.ID, r.Kind, r.Content, r.Summary, r.Confidence, r.Importance, r.Status,
		r.CreatedAt, r.LastAccessedAt, r.AccessCount, r.ContradictionCount,
		marshalStrings(r.Tags), marshalStrings(r.LinkedFiles),
		marshalStrings(r.LinkedPatterns), marshalStrings(r.LinkedFunctions),
		r.Archived, nullString(r.SupersededBy), marshalStrings(r.SourceIDs), embBytes)
	if err != nil {
		return fmt.Errorf("failed to add record: %w", err)
	}

	if len(r.Embedding) > 0 && s.vecAvailable {
		if err := s.ensureVecTable(len(r.Embedding)); err != nil {
			logging.Debug("store", "vec table: %v", err)
		} else if rowid, err := s.rowidOf(r.ID); err == nil {
			if r.Archived {
				vecDelete(s.db, rowid)
			} else if err := vecUpsert(s.db, rowid, r.ID, r.Embedding); err != nil {
				logging.Debug("store", "vec upsert failed for %s: %v", r.ID, err)
			}
		}
	}

	return nil
}

// GetRecord retrieves a record by ID.
func (s *DB) GetRecord(id string) (*Record, error) {
	row := s.db.QueryRow(`SELECT `+recordColumns+` FROM memories WHERE id = ?`, id)
	return scanRecord(row)
}

// GetRecords retrieves multiple records by ID, skipping missing ones.
// Results follow the order of ids.
func (s *DB) GetRecords(ids []string) ([]*Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.Query(`SELECT `+recordColumns+` FROM memories WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*Record)
	records, err := scanRecordRows(rows)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		byID[r.ID] = r
	}

	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// FindConsolidationCandidates returns unarchived pending records of the given
// kinds, old enough and confident enough to consolidate. Ordered by created_at
// then id so repeated runs over unchanged data see identical input.
func (s *DB) FindConsolidationCandidates(f CandidateFilter) ([]*Record, error) {
	if len(f.Kinds) == 0 {
		return nil, nil
	}
	now := f.Now
	if now.IsZero() {
		now = time.Now()
	}
	cutoff := now.Add(-f.MinAge).UTC()

	placeholders := strings.Repeat("?,", len(f.Kinds))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{StatusPending}
	for _, k := range f.Kinds {
		args = append(args, k)
	}
	args = append(args, cutoff, f.MinConfidence)

	query := `SELECT ` + recordColumns + `
		FROM memories
		WHERE archived = FALSE
		  AND status = ?
		  AND kind IN (` + placeholders + `)
		  AND created_at <= ?
		  AND confidence > ?
		ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	return scanRecordRows(rows)
}

// CandidateStats aggregates over the same population FindConsolidationCandidates
// selects from (no limit). Cheap enough to evaluate on every scheduler tick.
func (s *DB) CandidateStats(f CandidateFilter) (*CandidateStats, error) {
	if len(f.Kinds) == 0 {
		return &CandidateStats{}, nil
	}
	now := f.Now
	if now.IsZero() {
		now = time.Now()
	}
	cutoff := now.Add(-f.MinAge).UTC()

	placeholders := strings.Repeat("?,", len(f.Kinds))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{StatusPending}
	for _, k := range f.Kinds {
		args = append(args, k)
	}
	args = append(args, cutoff, f.MinConfidence)

	var stats CandidateStats
	var avgConf, density sql.NullFloat64
	var tokens sql.NullInt64
	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       AVG(confidence),
		       SUM((LENGTH(content) + LENGTH(summary)) / 4),
		       AVG(CASE WHEN contradiction_count > 0 THEN 1.0 ELSE 0.0 END)
		FROM memories
		WHERE archived = FALSE
		  AND status = ?
		  AND kind IN (`+placeholders+`)
		  AND created_at <= ?
		  AND confidence > ?
	`, args...).Scan(&stats.Count, &avgConf, &tokens, &density)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidate stats: %w", err)
	}
	stats.AvgConfidence = avgConf.Float64
	stats.EstimatedTokens = int(tokens.Int64)
	stats.ContradictionDensity = density.Float64
	return &stats, nil
}

// ActiveTokenEstimate returns the estimated token footprint of all unarchived
// records. Token pressure is this value over the configured budget.
func (s *DB) ActiveTokenEstimate() (int, error) {
	var tokens sql.NullInt64
	err := s.db.QueryRow(`
		SELECT SUM((LENGTH(content) + LENGTH(summary)) / 4)
		FROM memories WHERE archived = FALSE
	`).Scan(&tokens)
	if err != nil {
		return 0, fmt.Errorf("failed to estimate tokens: %w", err)
	}
	return int(tokens.Int64), nil
}

// AllUnarchived returns every unarchived record. Used as the corpus for
// distinctive-phrase extraction.
func (s *DB) AllUnarchived() ([]*Record, error) {
	rows, err := s.db.Query(`SELECT ` + recordColumns + ` FROM memories WHERE archived = FALSE ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()
	return scanRecordRows(rows)
}

// CountByStatus returns the number of unarchived records with the given status.
func (s *DB) CountByStatus(status Status) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM memories WHERE archived = FALSE AND status = ?`, status).Scan(&count)
	return count, err
}

// RecordAccess bumps a record's access count and freshness. Retrieval paths
// call this so consolidation can weight anchors by observed usage.
func (s *DB) RecordAccess(id string) error {
	result, err := s.db.Exec(`
		UPDATE memories
		SET access_count = access_count + 1, last_accessed_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to record access: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("record not found: %s", id)
	}
	return nil
}

// RecordContradiction increments a record's contradiction counter.
func (s *DB) RecordContradiction(id string) error {
	_, err := s.db.Exec(`UPDATE memories SET contradiction_count = contradiction_count + 1 WHERE id = ?`, id)
	return err
}

// PutEmbedding replaces a record's stored embedding and its vec index row.
func (s *DB) PutEmbedding(id string, emb []float64) error {
	embBytes, err := json.Marshal(emb)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	result, err := s.db.Exec(`UPDATE memories SET embedding = ? WHERE id = ?`, embBytes, id)
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("record not found: %s", id)
	}

	if s.vecAvailable {
		if err := s.ensureVecTable(len(emb)); err == nil {
			if rowid, err := s.rowidOf(id); err == nil {
				if err := vecUpsert(s.db, rowid, id, emb); err != nil {
					logging.Debug("store", "vec upsert failed for %s: %v", id, err)
				}
			}
		}
	}
	return nil
}

// DeferRecords takes records out of the consolidation pool. With flag set the
// status becomes flagged_for_review (recall gate failed twice); otherwise
// deferred. Either way the selector skips them until an operator re-opens them.
func (s *DB) DeferRecords(ids []string, flag bool, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	status := StatusDeferred
	action := "defer"
	if flag {
		status = StatusFlagged
		action = "flag_for_review"
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE memories SET status = ? WHERE id = ?`, status, id); err != nil {
			return fmt.Errorf("failed to defer %s: %w", id, err)
		}
		if err := appendAudit(tx, "consolidator", action, id, reason); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ReopenRecord puts a deferred or flagged record back in the pending pool.
func (s *DB) ReopenRecord(id string) error {
	result, err := s.db.Exec(`
		UPDATE memories SET status = ?
		WHERE id = ? AND status IN (?, ?)
	`, StatusPending, id, StatusDeferred, StatusFlagged)
	if err != nil {
		return fmt.Errorf("failed to reopen record: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s not deferred or flagged", id)
	}
	return nil
}

// ConsolidationWrite is the atomic unit the integrator commits per cluster:
// one generalized destination plus the archival of its sources. Either all of
// it lands or none of it does.
type ConsolidationWrite struct {
	RunID       string
	Destination *Record
	Created     bool     // false means an existing generalized record was updated
	Sources     []string // member ids to mark consolidated and archive
}

// ApplyConsolidation commits one cluster's outcome in a single transaction:
// upserts the destination, marks each source consolidated + archived with its
// superseded_by pointer, drops source vec rows, and writes the audit trail.
// A failure rolls everything back, leaving the sources pending for the next
// run.
func (s *DB) ApplyConsolidation(w *ConsolidationWrite) error {
	if w.Destination == nil {
		return fmt.Errorf("consolidation write requires a destination")
	}
	if len(w.Sources) == 0 {
		return fmt.Errorf("consolidation write requires sources")
	}

	d := w.Destination
	if d.ID == "" {
		return fmt.Errorf("destination record has no id")
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	if d.LastAccessedAt.IsZero() {
		d.LastAccessedAt = d.CreatedAt
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.LastAccessedAt = d.LastAccessedAt.UTC()
	if d.Content == "" {
		d.Content = "{}"
	}

	var embBytes []byte
	if len(d.Embedding) > 0 {
		var err error
		embBytes, err = json.Marshal(d.Embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO memories (id, kind, content, summary, confidence, importance, status,
			created_at, last_accessed_at, access_count, contradiction_count,
			tags, linked_files, linked_patterns, linked_functions,
			archived, superseded_by, source_ids, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE, NULL, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			summary = excluded.summary,
			confidence = excluded.confidence,
			importance = excluded.importance,
			last_accessed_at = excluded.last_accessed_at,
			tags = excluded.tags,
			linked_files = excluded.linked_files,
			linked_patterns = excluded.linked_patterns,
			linked_functions = excluded.linked_functions,
			source_ids = excluded.source_ids,
			embedding = excluded.embedding
	`, d.ID, d.Kind, d.Content, d.Summary, d.Confidence, d.Importance, d.Status,
		d.CreatedAt, d.LastAccessedAt, d.AccessCount, d.ContradictionCount,
		marshalStrings(d.Tags), marshalStrings(d.LinkedFiles),
		marshalStrings(d.LinkedPatterns), marshalStrings(d.LinkedFunctions),
		marshalStrings(d.SourceIDs), embBytes)
	if err != nil {
		return fmt.Errorf("failed to write destination %s: %w", d.ID, err)
	}

	destAction := "consolidate_update"
	if w.Created {
		destAction = "consolidate_create"
	}
	detail := fmt.Sprintf("run=%s sources=%d", w.RunID, len(w.Sources))
	if err := appendAudit(tx, "consolidator", destAction, d.ID, detail); err != nil {
		return err
	}

	for _, id := range w.Sources {
		result, err := tx.Exec(`
			UPDATE memories
			SET status = ?, archived = TRUE, superseded_by = ?
			WHERE id = ? AND archived = FALSE
		`, StatusConsolidated, d.ID, id)
		if err != nil {
			return fmt.Errorf("failed to archive source %s: %w", id, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("source %s missing or already archived", id)
		}
		srcDetail := fmt.Sprintf("run=%s superseded_by=%s", w.RunID, d.ID)
		if err := appendAudit(tx, "consolidator", "archive_source", id, srcDetail); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit consolidation: %w", err)
	}

	// Vec index maintenance after commit: archived sources leave the index,
	// the destination joins it. Index staleness here is recoverable (backfill
	// on reopen); record state is what the transaction protects.
	if s.vecAvailable {
		if len(d.Embedding) > 0 {
			if err := s.ensureVecTable(len(d.Embedding)); err == nil {
				if rowid, err := s.rowidOf(d.ID); err == nil {
					if err := vecUpsert(s.db, rowid, d.ID, d.Embedding); err != nil {
						logging.Debug("store", "vec upsert failed for %s: %v", d.ID, err)
					}
				}
			}
		}
		for _, id := range w.Sources {
			if rowid, err := s.rowidOf(id); err == nil {
				vecDelete(s.db, rowid)
			}
		}
	}

	return nil
}

// VectorQuery returns the k nearest unarchived records by cosine similarity.
// Uses the sqlite-vec KNN index when available, otherwise scans embeddings
// in Go.
func (s *DB) VectorQuery(emb []float64, k int) ([]Neighbor, error) {
	if len(emb) == 0 || k <= 0 {
		return nil, nil
	}

	if s.vecAvailable && s.vecDim == len(emb) {
		neighbors, err := s.vecQuery(emb, k)
		if err == nil {
			return neighbors, nil
		}
		logging.Debug("store", "vec query failed, falling back to scan: %v", err)
	}

	return s.scanQuery(emb, k)
}

func (s *DB) vecQuery(emb []float64, k int) ([]Neighbor, error) {
	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(emb)))
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT v.memory_id, v.distance
		FROM memory_vec v
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serialized, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var neighbors []Neighbor
	for rows.Next() {
		var n Neighbor
		var dist float64
		if err := rows.Scan(&n.ID, &dist); err != nil {
			return nil, err
		}
		n.Similarity = l2ToCosineSim(dist)
		neighbors = append(neighbors, n)
	}
	return neighbors, rows.Err()
}

func (s *DB) scanQuery(emb []float64, k int) ([]Neighbor, error) {
	rows, err := s.db.Query(`SELECT id, embedding FROM memories WHERE archived = FALSE AND embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan embeddings: %w", err)
	}
	defer rows.Close()

	var neighbors []Neighbor
	for rows.Next() {
		var id string
		var embBytes []byte
		if err := rows.Scan(&id, &embBytes); err != nil {
			continue
		}
		var other []float64
		if err := json.Unmarshal(embBytes, &other); err != nil || len(other) == 0 {
			continue
		}
		neighbors = append(neighbors, Neighbor{ID: id, Similarity: cosineSim(emb, other)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Similarity != neighbors[j].Similarity {
			return neighbors[i].Similarity > neighbors[j].Similarity
		}
		return neighbors[i].ID < neighbors[j].ID
	})
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

func (s *DB) rowidOf(id string) (int64, error) {
	var rowid int64
	err := s.db.QueryRow(`SELECT rowid FROM memories WHERE id = ?`, id).Scan(&rowid)
	return rowid, err
}

// scanRecord scans a single record from a query row
func scanRecord(row *sql.Row) (*Record, error) {
	var r Record
	var tags, linkedFiles, linkedPatterns, linkedFunctions, sourceIDs []byte
	var supersededBy sql.NullString
	var embBytes []byte

	err := row.Scan(&r.ID, &r.Kind, &r.Content, &r.Summary, &r.Confidence, &r.Importance, &r.Status,
		&r.CreatedAt, &r.LastAccessedAt, &r.AccessCount, &r.ContradictionCount,
		&tags, &linkedFiles, &linkedPatterns, &linkedFunctions,
		&r.Archived, &supersededBy, &sourceIDs, &embBytes)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("record not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	r.SupersededBy = supersededBy.String
	r.Tags = unmarshalStrings(tags)
	r.LinkedFiles = unmarshalStrings(linkedFiles)
	r.LinkedPatterns = unmarshalStrings(linkedPatterns)
	r.LinkedFunctions = unmarshalStrings(linkedFunctions)
	r.SourceIDs = unmarshalStrings(sourceIDs)
	if len(embBytes) > 0 {
		json.Unmarshal(embBytes, &r.Embedding)
	}
	return &r, nil
}

// scanRecordRows scans multiple records from query rows
func scanRecordRows(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		var r Record
		var tags, linkedFiles, linkedPatterns, linkedFunctions, sourceIDs []byte
		var supersededBy sql.NullString
		var embBytes []byte

		err := rows.Scan(&r.ID, &r.Kind, &r.Content, &r.Summary, &r.Confidence, &r.Importance, &r.Status,
			&r.CreatedAt, &r.LastAccessedAt, &r.AccessCount, &r.ContradictionCount,
			&tags, &linkedFiles, &linkedPatterns, &linkedFunctions,
			&r.Archived, &supersededBy, &sourceIDs, &embBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		r.SupersededBy = supersededBy.String
		r.Tags = unmarshalStrings(tags)
		r.LinkedFiles = unmarshalStrings(linkedFiles)
		r.LinkedPatterns = unmarshalStrings(linkedPatterns)
		r.LinkedFunctions = unmarshalStrings(linkedFunctions)
		r.SourceIDs = unmarshalStrings(sourceIDs)
		if len(embBytes) > 0 {
			json.Unmarshal(embBytes, &r.Embedding)
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

func marshalStrings(ss []string) []byte {
	if len(ss) == 0 {
		return []byte("[]")
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return []byte("[]")
	}
	return b
}

func unmarshalStrings(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	var ss []string
	if err := json.Unmarshal(b, &ss); err != nil {
		return nil
	}
	return ss
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
