package store

import (
	"math"
	"time"

	"github.com/tidwall/gjson"
)

// Kind identifies a memory record subtype. The broader system defines many
// more subtypes than consolidation touches; the engine only distinguishes
// observational kinds (raw input) from generalized kinds (its output) and
// treats everything else as a bystander.
type Kind string

const (
	// Observational kinds: raw records eligible for consolidation
	KindEpisodic   Kind = "episodic"
	KindProcedural Kind = "procedural"

	// Generalized kind: consolidation output
	KindSemantic Kind = "semantic"

	// Bystander kinds: stored alongside, never selected by the engine
	KindCore       Kind = "core"
	KindDecision   Kind = "decision"
	KindInsight    Kind = "insight"
	KindTribal     Kind = "tribal"
	KindReference  Kind = "reference"
	KindPreference Kind = "preference"
)

// Observational reports whether records of this kind are raw consolidation input.
func (k Kind) Observational() bool {
	return k == KindEpisodic || k == KindProcedural
}

// Generalized reports whether records of this kind are consolidation output.
func (k Kind) Generalized() bool {
	return k == KindSemantic
}

// Status tracks a raw record through the consolidation lifecycle.
// Transitions are one-way: pending -> consolidated|deferred|flagged_for_review.
type Status string

const (
	StatusPending      Status = "pending"
	StatusConsolidated Status = "consolidated"
	StatusDeferred     Status = "deferred"
	StatusFlagged      Status = "flagged_for_review"
)

// Importance is the ordinal priority of a record.
type Importance string

const (
	ImportanceLow      Importance = "low"
	ImportanceNormal   Importance = "normal"
	ImportanceHigh     Importance = "high"
	ImportanceCritical Importance = "critical"
)

// Weight returns the multiplier used in anchor scoring.
func (i Importance) Weight() float64 {
	switch i {
	case ImportanceLow:
		return 0.8
	case ImportanceHigh:
		return 1.5
	case ImportanceCritical:
		return 2.0
	default:
		return 1.0
	}
}

// Record is the narrow projection of a memory record the consolidation
// engine reads and writes. Content is a JSON payload whose shape varies by
// kind; the engine only projects the common "text" field out of it.
type Record struct {
	ID                 string     `json:"id"`
	Kind               Kind       `json:"kind"`
	Content            string     `json:"content"`
	Summary            string     `json:"summary"`
	Confidence         float64    `json:"confidence"`
	Importance         Importance `json:"importance"`
	Status             Status     `json:"status"`
	CreatedAt          time.Time  `json:"created_at"`
	LastAccessedAt     time.Time  `json:"last_accessed_at"`
	AccessCount        int        `json:"access_count"`
	ContradictionCount int        `json:"contradiction_count,omitempty"`
	Tags               []string   `json:"tags,omitempty"`
	LinkedFiles        []string   `json:"linked_files,omitempty"`
	LinkedPatterns     []string   `json:"linked_patterns,omitempty"`
	LinkedFunctions    []string   `json:"linked_functions,omitempty"`
	Archived           bool       `json:"archived"`
	SupersededBy       string     `json:"superseded_by,omitempty"`
	SourceIDs          []string   `json:"source_ids,omitempty"`
	Embedding          []float64  `json:"embedding,omitempty"`
}

// Text returns the record's searchable text projection: summary plus the
// content payload's "text" field. Other payload fields are kind-specific
// and opaque to the engine.
func (r *Record) Text() string {
	body := gjson.Get(r.Content, "text").String()
	switch {
	case r.Summary == "":
		return body
	case body == "":
		return r.Summary
	default:
		return r.Summary + "\n" + body
	}
}

// Age returns how long ago the record was created.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// Tokens estimates the record's size in tokens.
func (r *Record) Tokens() int {
	return EstimateTokens(r.Text())
}

// AnchorScore ranks a record's fitness as the structural base of a merge:
// confidence weighted by importance and log-scaled access frequency.
func (r *Record) AnchorScore() float64 {
	return r.Confidence * r.Importance.Weight() * math.Log2(float64(r.AccessCount)+1)
}

// EstimateTokens approximates token count as len/4, matching the rest of
// the system's accounting.
func EstimateTokens(s string) int {
	return len(s) / 4
}

// Neighbor is a vector-query result: a record id with its cosine similarity
// to the query vector.
type Neighbor struct {
	ID         string
	Similarity float64
}

// CandidateFilter narrows the pending population to this run's eligible set.
type CandidateFilter struct {
	Kinds         []Kind
	MinAge        time.Duration
	MinConfidence float64
	Limit         int
	Now           time.Time
}

// CandidateStats summarizes the pending observational population for
// scheduler trigger evaluation.
type CandidateStats struct {
	Count                int
	AvgConfidence        float64
	EstimatedTokens      int
	ContradictionDensity float64
}

// Metrics are the five per-run quality measurements the monitor tracks.
type Metrics struct {
	Precision         float64 `json:"precision"`
	CompressionRatio  float64 `json:"compression_ratio"`
	RetrievalLift     float64 `json:"retrieval_lift"`
	ContradictionRate float64 `json:"contradiction_rate"`
	Stability         float64 `json:"stability"`
}

// Adjustment records one auto-tuner parameter change.
type Adjustment struct {
	Param  string  `json:"param"`
	Old    float64 `json:"old"`
	New    float64 `json:"new"`
	Reason string  `json:"reason"`
}

// RunReport is the append-only record of one consolidation run.
type RunReport struct {
	RunID                string       `json:"run_id"`
	StartedAt            time.Time    `json:"started_at"`
	FinishedAt           time.Time    `json:"finished_at"`
	DryRun               bool         `json:"dry_run,omitempty"`
	CandidatesConsidered int          `json:"candidates_considered"`
	AvgCandidateConf     float64      `json:"avg_candidate_conf"`
	ClustersFormed       int          `json:"clusters_formed"`
	ClustersDeferred     int          `json:"clusters_deferred"`
	NoiseCount           int          `json:"noise_count"`
	GeneralizedCreated   int          `json:"generalized_created"`
	GeneralizedUpdated   int          `json:"generalized_updated"`
	SourcesConsolidated  int          `json:"sources_consolidated"`
	TokensFreed          int          `json:"tokens_freed"`
	Metrics              Metrics      `json:"metrics"`
	Adjustments          []Adjustment `json:"adjustments,omitempty"`
	Trigger              string       `json:"trigger,omitempty"`
	Error                string       `json:"error,omitempty"`
}

// AuditEntry is one row of the append-only audit trail.
type AuditEntry struct {
	ID       int64     `json:"id,omitempty"`
	At       time.Time `json:"at"`
	Actor    string    `json:"actor"` // consolidator | tuner | scheduler | operator
	Action   string    `json:"action"`
	MemoryID string    `json:"memory_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}
