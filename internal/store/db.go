package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vthunder/remd/internal/logging"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// DB wraps the SQLite database holding memory records, run history, and the
// audit trail. All consolidation writes go through it.
type DB struct {
	db           *sql.DB
	path         string
	vecAvailable bool
	vecDim       int // embedding dimension used in memory_vec (0 = not yet determined)
}

// Open opens or creates the memory database under statePath.
func Open(statePath string) (*DB, error) {
	dbPath := filepath.Join(statePath, "memory.db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &DB{db: db, path: dbPath}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	// Check if sqlite-vec extension is available
	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		logging.Warn("store", "sqlite-vec not available (%v), vector queries fall back to full scan", err)
	} else {
		logging.Info("store", "sqlite-vec %s loaded", vecVersion)
		s.vecAvailable = true
		if s.vecDim == 0 {
			if err := s.initVecTableFromRecords(); err != nil {
				logging.Warn("store", "vec init: %v", err)
			}
		}
	}

	return s, nil
}

// Close closes the database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *DB) Path() string {
	return s.path
}

// migrate creates the base schema and applies incremental migrations.
func (s *DB) migrate() error {
	schema := `
	-- Schema version tracking
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Memory records: raw observational input and generalized output side by side
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '{}',
		summary TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0.5,
		importance TEXT NOT NULL DEFAULT 'normal',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL,
		last_accessed_at DATETIME NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '[]',
		linked_files TEXT NOT NULL DEFAULT '[]',
		linked_patterns TEXT NOT NULL DEFAULT '[]',
		linked_functions TEXT NOT NULL DEFAULT '[]',
		archived BOOLEAN NOT NULL DEFAULT FALSE,
		superseded_by TEXT,
		source_ids TEXT NOT NULL DEFAULT '[]',
		embedding BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_memories_status ON memories(status);
	CREATE INDEX IF NOT EXISTS idx_memories_kind ON memories(kind);
	CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
	CREATE INDEX IF NOT EXISTS idx_memories_archived ON memories(archived);
	CREATE INDEX IF NOT EXISTS idx_memories_superseded ON memories(superseded_by);

	-- Consolidation run history (append-only; ULID ids sort by time)
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		report TEXT NOT NULL
	);

	-- Tunable parameter overrides written by the auto-tuner
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value REAL NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Append-only audit trail
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME DEFAULT CURRENT_TIMESTAMP,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		memory_id TEXT,
		detail TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations applies incremental schema changes.
func (s *DB) runMigrations() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		version = 1
	}

	// Migration v2: contradiction counter fed by the validation engine
	if version < 2 {
		// Ignore errors for columns that already exist
		s.db.Exec("ALTER TABLE memories ADD COLUMN contradiction_count INTEGER NOT NULL DEFAULT 0")
		s.db.Exec("INSERT INTO schema_version (version) VALUES (2)")
	}

	// Migration v3: sqlite-vec ANN index for embedding search.
	// Creates a vec0 virtual table for fast KNN queries, replacing the O(n)
	// Go-side scan in VectorQuery. Backfilled from the memories table; skipped
	// gracefully if the extension is not compiled in or no embeddings exist.
	// The table dimension is determined dynamically from stored embeddings.
	if version < 3 {
		if err := s.initVecTableFromRecords(); err != nil {
			logging.Warn("store", "migration v3: %v (vec index deferred to first write)", err)
		}
		s.db.Exec("INSERT INTO schema_version (version) VALUES (3)")
	}

	return nil
}

// initVecTableFromRecords reads the embedding dimension from existing records,
// creates the memory_vec virtual table with that dimension, and backfills all
// unarchived embeddings. No-ops if no embeddings exist yet.
func (s *DB) initVecTableFromRecords() error {
	var embBytes []byte
	err := s.db.QueryRow(`SELECT embedding FROM memories WHERE embedding IS NOT NULL AND LENGTH(embedding) > 4 LIMIT 1`).Scan(&embBytes)
	if err != nil {
		return nil // no embeddings yet; defer to first write
	}
	var emb []float64
	if err := json.Unmarshal(embBytes, &emb); err != nil || len(emb) == 0 {
		return nil
	}
	return s.ensureVecTable(len(emb))
}

// ensureVecTable creates the memory_vec virtual table for the given embedding
// dimension (if not yet created) and backfills unarchived records. Idempotent
// for the same dim.
//
// Schema uses integer rowid (from the memories table) + auxiliary +memory_id
// column, avoiding vec0's TEXT PRIMARY KEY partitioning behaviour which breaks
// KNN queries.
func (s *DB) ensureVecTable(dim int) error {
	if s.vecDim == dim {
		return nil
	}
	if s.vecDim != 0 && s.vecDim != dim {
		return fmt.Errorf("embedding dim %d doesn't match vec table dim %d", dim, s.vecDim)
	}

	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS memory_vec USING vec0(
			embedding float[%d],
			+memory_id TEXT
		)
	`, dim))
	if err != nil {
		return fmt.Errorf("failed to create memory_vec(float[%d]): %w", dim, err)
	}
	s.vecDim = dim

	rows, err := s.db.Query(`SELECT rowid, id, embedding FROM memories WHERE embedding IS NOT NULL AND archived = FALSE`)
	if err != nil {
		return nil // backfill failure is non-fatal
	}
	defer rows.Close()

	tx, err := s.db.Begin()
	if err != nil {
		return nil
	}

	var count int
	for rows.Next() {
		var rowid int64
		var id string
		var embBytes []byte
		if err := rows.Scan(&rowid, &id, &embBytes); err != nil {
			continue
		}
		var emb []float64
		if err := json.Unmarshal(embBytes, &emb); err != nil || len(emb) != dim {
			continue
		}
		if err := vecUpsert(tx, rowid, id, emb); err != nil {
			logging.Debug("store", "vec backfill failed for %s: %v", id, err)
			continue
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return nil
	}
	if count > 0 {
		logging.Info("store", "vec backfill: indexed %d records (dim=%d)", count, dim)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx so vec maintenance can run
// inside or outside a transaction.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// vecUpsert replaces the vec index row for a record.
// vec0 does not reliably support INSERT OR REPLACE; use DELETE + INSERT.
func vecUpsert(e execer, rowid int64, id string, emb []float64) error {
	emb32 := normalizeFloat32(float64ToFloat32(emb)) // normalize for cosine-compatible L2
	serialized, err := sqlite_vec.SerializeFloat32(emb32)
	if err != nil {
		return err
	}
	e.Exec(`DELETE FROM memory_vec WHERE rowid = ?`, rowid)
	_, err = e.Exec(`INSERT INTO memory_vec(rowid, embedding, memory_id) VALUES (?, ?, ?)`, rowid, serialized, id)
	return err
}

// vecDelete removes a record's vec index row. Archived records stay in the
// memories table (embedding column included) but drop out of search.
func vecDelete(e execer, rowid int64) {
	e.Exec(`DELETE FROM memory_vec WHERE rowid = ?`, rowid)
}

// float64ToFloat32 converts a float64 slice to float32
func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// normalizeFloat32 returns a unit-length copy of the vector.
// Normalizing before storing in vec0 makes L2 distance equivalent to cosine
// distance:
//   cosine_dist = L2_dist² / 2   (for unit vectors)
func normalizeFloat32(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// l2ToCosineSim converts an L2 distance (on normalized vectors) to cosine
// similarity: cosine_sim = 1 - L2²/2
func l2ToCosineSim(l2dist float64) float64 {
	return 1.0 - (l2dist*l2dist)/2.0
}

// Stats returns row counts per table.
func (s *DB) Stats() (map[string]int, error) {
	stats := make(map[string]int)

	tables := []string{"memories", "runs", "audit_log"}
	for _, table := range tables {
		var count int
		err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			return nil, err
		}
		stats[table] = count
	}

	var archived int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM memories WHERE archived = TRUE").Scan(&archived); err == nil {
		stats["archived"] = archived
	}
	var pending int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM memories WHERE status = ?", StatusPending).Scan(&pending); err == nil {
		stats["pending"] = pending
	}

	return stats, nil
}

// Clear removes all data (for testing/reset).
func (s *DB) Clear() error {
	tables := []string{"memories", "runs", "audit_log", "settings"}
	for _, table := range tables {
		if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	if s.vecDim != 0 {
		s.db.Exec("DELETE FROM memory_vec")
	}
	return nil
}

// cosineSim computes cosine similarity between two embeddings
func cosineSim(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
