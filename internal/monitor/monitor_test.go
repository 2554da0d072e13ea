package monitor

import (
	"os"
	"testing"
	"time"

	"github.com/vthunder/remd/internal/config"
	"github.com/vthunder/remd/internal/store"
)

// setupTestDB creates a temporary test database
func setupTestDB(t *testing.T) (*store.DB, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "monitor-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	db, err := store.Open(tmpDir)
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

func TestCoherenceJudge(t *testing.T) {
	judge := NewCoherenceJudge()

	coherent := []*store.Record{
		{ID: "a", Embedding: []float64{1, 0, 0}, Tags: []string{"db", "sqlite"}},
		{ID: "b", Embedding: []float64{0.95, 0.05, 0}, Tags: []string{"db"}},
		{ID: "c", Embedding: []float64{0.9, 0.1, 0}, Tags: []string{"db", "wal"}},
	}
	if !judge.Coherent(coherent) {
		t.Error("Expected tight cluster to be judged coherent")
	}

	incoherent := []*store.Record{
		{ID: "a", Embedding: []float64{1, 0, 0}, Tags: []string{"db"}},
		{ID: "b", Embedding: []float64{0, 1, 0}, Tags: []string{"frontend"}},
		{ID: "c", Embedding: []float64{0, 0, 1}, Tags: []string{"billing"}},
	}
	if judge.Coherent(incoherent) {
		t.Error("Expected orthogonal cluster to be judged incoherent")
	}

	if !judge.Coherent(coherent[:1]) {
		t.Error("Expected single-member input to pass trivially")
	}
}

func TestPopulationMetrics(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	m := New(db, nil, 14)

	// Empty store: neutral values
	rate, err := m.ContradictionRate()
	if err != nil {
		t.Fatalf("ContradictionRate failed: %v", err)
	}
	if rate != 0 {
		t.Errorf("Expected 0 rate on empty store, got %f", rate)
	}
	stability, err := m.Stability()
	if err != nil {
		t.Fatalf("Stability failed: %v", err)
	}
	if stability != 1.0 {
		t.Errorf("Expected 1.0 stability on empty window, got %f", stability)
	}

	records := []*store.Record{
		{ID: "gen-a", Kind: store.KindSemantic, Confidence: 0.8},
		{ID: "gen-b", Kind: store.KindSemantic, Confidence: 0.8, ContradictionCount: 2},
		{ID: "gen-c", Kind: store.KindSemantic, Confidence: 0.8},
	}
	for _, r := range records {
		if err := db.AddRecord(r); err != nil {
			t.Fatalf("AddRecord failed: %v", err)
		}
	}
	if err := db.DeferRecords([]string{"gen-c"}, true, "re-split"); err != nil {
		t.Fatalf("DeferRecords failed: %v", err)
	}

	rate, err = m.ContradictionRate()
	if err != nil {
		t.Fatalf("ContradictionRate failed: %v", err)
	}
	if rate < 0.33 || rate > 0.34 {
		t.Errorf("Expected rate 1/3, got %f", rate)
	}

	stability, err = m.Stability()
	if err != nil {
		t.Fatalf("Stability failed: %v", err)
	}
	if stability < 0.66 || stability > 0.67 {
		t.Errorf("Expected stability 2/3, got %f", stability)
	}
}

// recordRuns appends n run reports with the given metrics
func recordRuns(t *testing.T, db *store.DB, n int, metrics store.Metrics, consolidated int) {
	t.Helper()
	for i := 0; i < n; i++ {
		report := &store.RunReport{
			RunID:               store.NewRunID(),
			StartedAt:           time.Now().Add(-time.Duration(n-i) * time.Minute),
			FinishedAt:          time.Now(),
			SourcesConsolidated: consolidated,
			GeneralizedCreated:  1,
			Metrics:             metrics,
		}
		if err := db.RecordRun(report); err != nil {
			t.Fatalf("RecordRun failed: %v", err)
		}
	}
}

func TestTunerPrecisionRule(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	base := config.Default().Pipeline
	tuner := NewTuner(db, base, 3, 7)

	recordRuns(t, db, 3, store.Metrics{Precision: 0.5, CompressionRatio: 4.0}, 6)

	adjustments, err := tuner.MaybeTune()
	if err != nil {
		t.Fatalf("MaybeTune failed: %v", err)
	}
	if len(adjustments) != 2 {
		t.Fatalf("Expected 2 adjustments (size + threshold), got %d: %+v", len(adjustments), adjustments)
	}

	size, ok, _ := db.GetSetting(store.SettingMinClusterSize)
	if !ok || size != 3 {
		t.Errorf("Expected min_cluster_size raised to 3, got %f (ok=%v)", size, ok)
	}
	thr, ok, _ := db.GetSetting(store.SettingClusterThreshold)
	if !ok || thr < 0.749 || thr > 0.751 {
		t.Errorf("Expected cluster_threshold raised to 0.75, got %f (ok=%v)", thr, ok)
	}

	// The cycle is anchored: an immediate second call does nothing
	again, err := tuner.MaybeTune()
	if err != nil {
		t.Fatalf("MaybeTune failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("Expected no adjustments right after a cycle, got %+v", again)
	}
}

func TestTunerCompressionRule(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tuner := NewTuner(db, config.Default().Pipeline, 2, 7)
	recordRuns(t, db, 2, store.Metrics{Precision: 0.9, CompressionRatio: 6.5}, 13)

	adjustments, err := tuner.MaybeTune()
	if err != nil {
		t.Fatalf("MaybeTune failed: %v", err)
	}
	if len(adjustments) != 1 || adjustments[0].Param != store.SettingNoveltyThreshold {
		t.Fatalf("Expected one novelty adjustment, got %+v", adjustments)
	}
	nov, ok, _ := db.GetSetting(store.SettingNoveltyThreshold)
	if !ok || nov < 0.799 || nov > 0.801 {
		t.Errorf("Expected novelty_threshold lowered to 0.80, got %f", nov)
	}
}

func TestTunerContradictionRule(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tuner := NewTuner(db, config.Default().Pipeline, 2, 7)
	recordRuns(t, db, 2, store.Metrics{Precision: 0.9, CompressionRatio: 4.0, ContradictionRate: 0.1}, 8)

	adjustments, err := tuner.MaybeTune()
	if err != nil {
		t.Fatalf("MaybeTune failed: %v", err)
	}
	if len(adjustments) != 1 || adjustments[0].Param != store.SettingContradictionCheck {
		t.Fatalf("Expected contradiction check enabled, got %+v", adjustments)
	}
	check, ok, _ := db.GetSetting(store.SettingContradictionCheck)
	if !ok || check != 1 {
		t.Errorf("Expected contradiction_check = 1, got %f", check)
	}
}

func TestTunerClampsAtBounds(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	// Already at the ceilings
	db.PutSetting(store.SettingMinClusterSize, 5)
	db.PutSetting(store.SettingClusterThreshold, 0.9)

	tuner := NewTuner(db, config.Default().Pipeline, 2, 7)
	recordRuns(t, db, 2, store.Metrics{Precision: 0.4, CompressionRatio: 4.0}, 4)

	adjustments, err := tuner.MaybeTune()
	if err != nil {
		t.Fatalf("MaybeTune failed: %v", err)
	}
	if len(adjustments) != 0 {
		t.Errorf("Expected clamped parameters to stay put, got %+v", adjustments)
	}
}

func TestTunerNotDueWithoutRuns(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tuner := NewTuner(db, config.Default().Pipeline, 100, 7)
	adjustments, err := tuner.MaybeTune()
	if err != nil {
		t.Fatalf("MaybeTune failed: %v", err)
	}
	if adjustments != nil {
		t.Errorf("Expected nothing on empty history, got %+v", adjustments)
	}

	recordRuns(t, db, 3, store.Metrics{Precision: 0.2}, 2)
	adjustments, err = tuner.MaybeTune()
	if err != nil {
		t.Fatalf("MaybeTune failed: %v", err)
	}
	if len(adjustments) != 0 {
		t.Errorf("Expected cycle not due at 3 of 100 runs, got %+v", adjustments)
	}
}
