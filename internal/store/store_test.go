package store

import (
	"fmt"
	"os"
	"testing"
	"time"
)

// setupTestDB creates a temporary test database
func setupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "store-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	db, err := Open(tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return db, cleanup
}

// pendingRecord builds an eligible episodic record aged past any test cutoff
func pendingRecord(id string, confidence float64) *Record {
	created := time.Now().Add(-30 * 24 * time.Hour)
	return &Record{
		ID:         id,
		Kind:       KindEpisodic,
		Content:    fmt.Sprintf(`{"text":"observation %s"}`, id),
		Summary:    "Observation " + id,
		Confidence: confidence,
		CreatedAt:  created,
	}
}

func TestAddAndGetRecord(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	r := &Record{
		Kind:        KindEpisodic,
		Content:     `{"text":"used retry with backoff for the flaky API"}`,
		Summary:     "Retry with backoff",
		Confidence:  0.8,
		Importance:  ImportanceHigh,
		Tags:        []string{"http", "retries"},
		LinkedFiles: []string{"client/retry.go"},
		Embedding:   []float64{0.1, 0.2, 0.3, 0.4},
	}
	if err := db.AddRecord(r); err != nil {
		t.Fatalf("AddRecord failed: %v", err)
	}
	if r.ID == "" {
		t.Fatal("Expected AddRecord to assign an id")
	}

	got, err := db.GetRecord(r.ID)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.Kind != KindEpisodic {
		t.Errorf("Expected kind episodic, got %s", got.Kind)
	}
	if got.Status != StatusPending {
		t.Errorf("Expected default status pending, got %s", got.Status)
	}
	if got.Confidence != 0.8 {
		t.Errorf("Expected confidence 0.8, got %f", got.Confidence)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "http" {
		t.Errorf("Tags did not round-trip: %v", got.Tags)
	}
	if len(got.Embedding) != 4 {
		t.Errorf("Embedding did not round-trip: %v", got.Embedding)
	}
	if got.Text() != "Retry with backoff\nused retry with backoff for the flaky API" {
		t.Errorf("Unexpected text projection: %q", got.Text())
	}
}

func TestFindConsolidationCandidates(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	old := now.Add(-30 * 24 * time.Hour)
	fresh := now.Add(-time.Hour)

	records := []*Record{
		{ID: "old-confident", Kind: KindEpisodic, Confidence: 0.8, CreatedAt: old},
		{ID: "old-procedural", Kind: KindProcedural, Confidence: 0.6, CreatedAt: old.Add(time.Minute)},
		{ID: "too-fresh", Kind: KindEpisodic, Confidence: 0.8, CreatedAt: fresh},
		{ID: "too-uncertain", Kind: KindEpisodic, Confidence: 0.2, CreatedAt: old},
		{ID: "wrong-kind", Kind: KindSemantic, Confidence: 0.9, CreatedAt: old},
		{ID: "already-done", Kind: KindEpisodic, Confidence: 0.9, CreatedAt: old, Status: StatusConsolidated, Archived: true},
		{ID: "deferred-one", Kind: KindEpisodic, Confidence: 0.9, CreatedAt: old, Status: StatusDeferred},
	}
	for _, r := range records {
		if err := db.AddRecord(r); err != nil {
			t.Fatalf("AddRecord failed: %v", err)
		}
	}

	got, err := db.FindConsolidationCandidates(CandidateFilter{
		Kinds:         []Kind{KindEpisodic, KindProcedural},
		MinAge:        7 * 24 * time.Hour,
		MinConfidence: 0.3,
		Now:           now,
	})
	if err != nil {
		t.Fatalf("FindConsolidationCandidates failed: %v", err)
	}

	if len(got) != 2 {
		ids := make([]string, len(got))
		for i, r := range got {
			ids[i] = r.ID
		}
		t.Fatalf("Expected 2 candidates, got %d: %v", len(got), ids)
	}
	// Ordered by created_at then id
	if got[0].ID != "old-confident" || got[1].ID != "old-procedural" {
		t.Errorf("Unexpected candidate order: %s, %s", got[0].ID, got[1].ID)
	}

	// Limit applies after ordering
	limited, err := db.FindConsolidationCandidates(CandidateFilter{
		Kinds:         []Kind{KindEpisodic, KindProcedural},
		MinAge:        7 * 24 * time.Hour,
		MinConfidence: 0.3,
		Limit:         1,
		Now:           now,
	})
	if err != nil {
		t.Fatalf("FindConsolidationCandidates with limit failed: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "old-confident" {
		t.Errorf("Expected limit to keep oldest candidate, got %v", limited)
	}
}

func TestCandidateStats(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	old := time.Now().Add(-30 * 24 * time.Hour)
	a := pendingRecord("stats-a", 0.4)
	b := pendingRecord("stats-b", 0.8)
	b.ContradictionCount = 2
	c := &Record{ID: "stats-skip", Kind: KindSemantic, Confidence: 0.9, CreatedAt: old}
	for _, r := range []*Record{a, b, c} {
		if err := db.AddRecord(r); err != nil {
			t.Fatalf("AddRecord failed: %v", err)
		}
	}

	stats, err := db.CandidateStats(CandidateFilter{
		Kinds:         []Kind{KindEpisodic, KindProcedural},
		MinAge:        7 * 24 * time.Hour,
		MinConfidence: 0.3,
	})
	if err != nil {
		t.Fatalf("CandidateStats failed: %v", err)
	}
	if stats.Count != 2 {
		t.Errorf("Expected 2 candidates, got %d", stats.Count)
	}
	if stats.AvgConfidence < 0.59 || stats.AvgConfidence > 0.61 {
		t.Errorf("Expected avg confidence ~0.6, got %f", stats.AvgConfidence)
	}
	if stats.ContradictionDensity != 0.5 {
		t.Errorf("Expected contradiction density 0.5, got %f", stats.ContradictionDensity)
	}
	if stats.EstimatedTokens <= 0 {
		t.Errorf("Expected positive token estimate, got %d", stats.EstimatedTokens)
	}
}

func TestApplyConsolidation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	sources := []*Record{
		pendingRecord("src-1", 0.7),
		pendingRecord("src-2", 0.98),
		pendingRecord("src-3", 0.6),
	}
	for _, r := range sources {
		if err := db.AddRecord(r); err != nil {
			t.Fatalf("AddRecord failed: %v", err)
		}
	}

	dest := &Record{
		ID:         "gen-1",
		Kind:       KindSemantic,
		Content:    `{"text":"general pattern over three observations"}`,
		Summary:    "General pattern",
		Confidence: 0.75,
		Importance: ImportanceNormal,
		Status:     StatusPending,
		SourceIDs:  []string{"src-1", "src-2", "src-3"},
		Embedding:  []float64{0.5, 0.5, 0.5, 0.5},
	}
	w := &ConsolidationWrite{
		RunID:       NewRunID(),
		Destination: dest,
		Created:     true,
		Sources:     []string{"src-1", "src-2", "src-3"},
	}
	if err := db.ApplyConsolidation(w); err != nil {
		t.Fatalf("ApplyConsolidation failed: %v", err)
	}

	got, err := db.GetRecord("gen-1")
	if err != nil {
		t.Fatalf("GetRecord(gen-1) failed: %v", err)
	}
	if got.Kind != KindSemantic || got.Archived {
		t.Errorf("Destination record wrong: kind=%s archived=%v", got.Kind, got.Archived)
	}
	if len(got.SourceIDs) != 3 {
		t.Errorf("Expected 3 source ids on destination, got %v", got.SourceIDs)
	}

	for _, id := range []string{"src-1", "src-2", "src-3"} {
		src, err := db.GetRecord(id)
		if err != nil {
			t.Fatalf("GetRecord(%s) failed: %v", id, err)
		}
		if src.Status != StatusConsolidated {
			t.Errorf("%s: expected status consolidated, got %s", id, src.Status)
		}
		if !src.Archived {
			t.Errorf("%s: expected archived", id)
		}
		if src.SupersededBy != "gen-1" {
			t.Errorf("%s: expected superseded_by gen-1, got %q", id, src.SupersededBy)
		}
	}

	// Source confidences are untouched by archival
	src2, _ := db.GetRecord("src-2")
	if src2.Confidence != 0.98 {
		t.Errorf("Expected source confidence preserved, got %f", src2.Confidence)
	}

	// Archived sources no longer count as candidates
	stats, err := db.CandidateStats(CandidateFilter{
		Kinds:         []Kind{KindEpisodic, KindProcedural},
		MinAge:        7 * 24 * time.Hour,
		MinConfidence: 0.3,
	})
	if err != nil {
		t.Fatalf("CandidateStats failed: %v", err)
	}
	if stats.Count != 0 {
		t.Errorf("Expected 0 remaining candidates, got %d", stats.Count)
	}

	// Audit trail has the create plus one archive per source
	entries, err := db.RecentAudit(10)
	if err != nil {
		t.Fatalf("RecentAudit failed: %v", err)
	}
	var creates, archives int
	for _, e := range entries {
		switch e.Action {
		case "consolidate_create":
			creates++
		case "archive_source":
			archives++
		}
	}
	if creates != 1 || archives != 3 {
		t.Errorf("Expected 1 create + 3 archives in audit, got %d/%d", creates, archives)
	}
}

func TestApplyConsolidationRollsBack(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ok := pendingRecord("ok-src", 0.7)
	gone := pendingRecord("gone-src", 0.7)
	gone.Archived = true
	for _, r := range []*Record{ok, gone} {
		if err := db.AddRecord(r); err != nil {
			t.Fatalf("AddRecord failed: %v", err)
		}
	}

	w := &ConsolidationWrite{
		RunID: NewRunID(),
		Destination: &Record{
			ID:      "gen-rollback",
			Kind:    KindSemantic,
			Summary: "Should not land",
			Status:  StatusPending,
		},
		Created: true,
		Sources: []string{"ok-src", "gone-src"},
	}
	if err := db.ApplyConsolidation(w); err == nil {
		t.Fatal("Expected ApplyConsolidation to fail on archived source")
	}

	// Destination must not exist and the good source must be untouched
	if _, err := db.GetRecord("gen-rollback"); err == nil {
		t.Error("Expected destination to be rolled back")
	}
	src, err := db.GetRecord("ok-src")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if src.Status != StatusPending || src.Archived || src.SupersededBy != "" {
		t.Errorf("Expected ok-src untouched, got status=%s archived=%v superseded=%q",
			src.Status, src.Archived, src.SupersededBy)
	}
}

func TestVectorQuery(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	records := []*Record{
		{ID: "vq-exact", Kind: KindEpisodic, Confidence: 0.5, Embedding: []float64{1, 0, 0, 0}},
		{ID: "vq-near", Kind: KindEpisodic, Confidence: 0.5, Embedding: []float64{0.9, 0.1, 0, 0}},
		{ID: "vq-far", Kind: KindEpisodic, Confidence: 0.5, Embedding: []float64{0, 1, 0, 0}},
		{ID: "vq-archived", Kind: KindEpisodic, Confidence: 0.5, Embedding: []float64{1, 0, 0, 0}, Archived: true, Status: StatusConsolidated},
	}
	for _, r := range records {
		if err := db.AddRecord(r); err != nil {
			t.Fatalf("AddRecord failed: %v", err)
		}
	}

	neighbors, err := db.VectorQuery([]float64{1, 0, 0, 0}, 2)
	if err != nil {
		t.Fatalf("VectorQuery failed: %v", err)
	}
	if len(neighbors) != 2 {
		t.Fatalf("Expected 2 neighbors, got %d", len(neighbors))
	}
	if neighbors[0].ID != "vq-exact" {
		t.Errorf("Expected vq-exact first, got %s", neighbors[0].ID)
	}
	if neighbors[0].Similarity < 0.99 {
		t.Errorf("Expected similarity ~1.0 for exact match, got %f", neighbors[0].Similarity)
	}
	if neighbors[1].ID != "vq-near" {
		t.Errorf("Expected vq-near second, got %s", neighbors[1].ID)
	}
	for _, n := range neighbors {
		if n.ID == "vq-archived" {
			t.Error("Archived record leaked into vector query results")
		}
	}
}

func TestPutEmbeddingAndRefresh(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	r := pendingRecord("emb-1", 0.6)
	if err := db.AddRecord(r); err != nil {
		t.Fatalf("AddRecord failed: %v", err)
	}

	if err := db.PutEmbedding("emb-1", []float64{0, 0, 1, 0}); err != nil {
		t.Fatalf("PutEmbedding failed: %v", err)
	}
	got, err := db.GetRecord("emb-1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if len(got.Embedding) != 4 || got.Embedding[2] != 1 {
		t.Errorf("Embedding not stored: %v", got.Embedding)
	}

	if err := db.PutEmbedding("missing", []float64{1}); err == nil {
		t.Error("Expected PutEmbedding on missing record to fail")
	}
}

func TestDeferAndReopen(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	for _, id := range []string{"df-1", "df-2"} {
		if err := db.AddRecord(pendingRecord(id, 0.7)); err != nil {
			t.Fatalf("AddRecord failed: %v", err)
		}
	}

	if err := db.DeferRecords([]string{"df-1", "df-2"}, true, "recall gate failed twice"); err != nil {
		t.Fatalf("DeferRecords failed: %v", err)
	}

	for _, id := range []string{"df-1", "df-2"} {
		r, err := db.GetRecord(id)
		if err != nil {
			t.Fatalf("GetRecord failed: %v", err)
		}
		if r.Status != StatusFlagged {
			t.Errorf("%s: expected flagged_for_review, got %s", id, r.Status)
		}
		if r.Archived {
			t.Errorf("%s: deferred record must stay unarchived", id)
		}
	}

	// Flagged records drop out of candidate selection
	got, err := db.FindConsolidationCandidates(CandidateFilter{
		Kinds:         []Kind{KindEpisodic},
		MinAge:        time.Hour,
		MinConfidence: 0.3,
	})
	if err != nil {
		t.Fatalf("FindConsolidationCandidates failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected flagged records excluded, got %d candidates", len(got))
	}

	if err := db.ReopenRecord("df-1"); err != nil {
		t.Fatalf("ReopenRecord failed: %v", err)
	}
	r, _ := db.GetRecord("df-1")
	if r.Status != StatusPending {
		t.Errorf("Expected reopened record pending, got %s", r.Status)
	}
}

func TestRecordAccess(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if err := db.AddRecord(pendingRecord("acc-1", 0.5)); err != nil {
		t.Fatalf("AddRecord failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := db.RecordAccess("acc-1"); err != nil {
			t.Fatalf("RecordAccess failed: %v", err)
		}
	}
	r, err := db.GetRecord("acc-1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if r.AccessCount != 3 {
		t.Errorf("Expected access count 3, got %d", r.AccessCount)
	}
	if err := db.RecordAccess("nope"); err == nil {
		t.Error("Expected RecordAccess on missing record to fail")
	}
}

func TestRunHistory(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	start := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		report := &RunReport{
			RunID:                NewRunID(),
			StartedAt:            start.Add(time.Duration(i) * time.Second),
			FinishedAt:           start.Add(time.Duration(i)*time.Second + 500*time.Millisecond),
			CandidatesConsidered: i * 10,
		}
		if err := db.RecordRun(report); err != nil {
			t.Fatalf("RecordRun failed: %v", err)
		}
	}

	count, err := db.CountRuns()
	if err != nil {
		t.Fatalf("CountRuns failed: %v", err)
	}
	if count != 5 {
		t.Errorf("Expected 5 runs, got %d", count)
	}

	last, err := db.LastRun()
	if err != nil {
		t.Fatalf("LastRun failed: %v", err)
	}
	if last == nil || last.CandidatesConsidered != 40 {
		t.Errorf("Expected newest run (40 candidates), got %+v", last)
	}

	recent, err := db.RecentRuns(3)
	if err != nil {
		t.Fatalf("RecentRuns failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("Expected 3 recent runs, got %d", len(recent))
	}
	if recent[0].CandidatesConsidered != 40 || recent[2].CandidatesConsidered != 20 {
		t.Errorf("Expected newest-first ordering, got %d then %d",
			recent[0].CandidatesConsidered, recent[2].CandidatesConsidered)
	}

	if err := db.PruneRuns(2); err != nil {
		t.Fatalf("PruneRuns failed: %v", err)
	}
	count, _ = db.CountRuns()
	if count != 2 {
		t.Errorf("Expected 2 runs after prune, got %d", count)
	}
}

func TestLastRunEmpty(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	last, err := db.LastRun()
	if err != nil {
		t.Fatalf("LastRun failed: %v", err)
	}
	if last != nil {
		t.Errorf("Expected nil report on empty history, got %+v", last)
	}
}

func TestAnchorScore(t *testing.T) {
	r := &Record{Confidence: 0.8, Importance: ImportanceCritical, AccessCount: 7}
	// 0.8 * 2.0 * log2(8) = 4.8
	if got := r.AnchorScore(); got < 4.79 || got > 4.81 {
		t.Errorf("Expected anchor score 4.8, got %f", got)
	}

	zero := &Record{Confidence: 0.9, Importance: ImportanceNormal, AccessCount: 0}
	// log2(1) = 0: never-accessed records score zero
	if got := zero.AnchorScore(); got != 0 {
		t.Errorf("Expected zero anchor score for unaccessed record, got %f", got)
	}
}

func TestStatsAndClear(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if err := db.AddRecord(pendingRecord("st-1", 0.5)); err != nil {
		t.Fatalf("AddRecord failed: %v", err)
	}
	if err := db.AppendAudit("operator", "import", "st-1", ""); err != nil {
		t.Fatalf("AppendAudit failed: %v", err)
	}

	stats, err := db.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["memories"] != 1 || stats["audit_log"] != 1 {
		t.Errorf("Unexpected stats: %v", stats)
	}

	if err := db.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	stats, _ = db.Stats()
	if stats["memories"] != 0 {
		t.Errorf("Expected cleared memories table, got %d rows", stats["memories"])
	}
}
