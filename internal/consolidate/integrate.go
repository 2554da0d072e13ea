package consolidate

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/vthunder/remd/internal/embedding"
	"github.com/vthunder/remd/internal/store"
)

// integrationNeighbors bounds how many existing generalized records are
// checked for overlap before deciding to create a new one.
const integrationNeighbors = 5

// integration is the create-or-update decision for one accepted cluster.
type integration struct {
	write   *store.ConsolidationWrite
	dest    *store.Record
	created bool
}

// integrate decides whether the abstraction extends an existing generalized
// record or becomes a new one. Near-duplicate generalized knowledge is the
// failure mode this guards against, so the engine calls it from a single
// serialized phase; two clusters can never both elect to create the same
// record.
func (e *Engine) integrate(ctx context.Context, runID string, cl *cluster, abs *abstraction, p Params, now time.Time) (*integration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	neighbors, err := e.db.VectorQuery(abs.embedding, integrationNeighbors)
	if err != nil {
		return nil, fmt.Errorf("neighbor query failed: %w", err)
	}

	var best *store.Record
	bestOverlap := 0.0
	for _, nb := range neighbors {
		rec, err := e.db.GetRecord(nb.ID)
		if err != nil {
			continue
		}
		if !rec.Kind.Generalized() || rec.Archived {
			continue
		}
		overlap := overlapScore(abs, rec)
		if best == nil || overlap > bestOverlap ||
			(overlap == bestOverlap && rec.ID < best.ID) {
			best, bestOverlap = rec, overlap
		}
	}

	memberIDs := cl.ids()
	var dest *store.Record
	created := false
	if best != nil && bestOverlap > p.OverlapThreshold {
		// Same knowledge already generalized: extend it instead of
		// duplicating it. Content, summary, and embedding stay put.
		dest = best
		dest.SourceIDs = unionSorted(dest.SourceIDs, memberIDs)
		blended := p.BlendAlpha*clamp01(abs.confidence) + (1-p.BlendAlpha)*dest.Confidence
		dest.Confidence = math.Min(1.0, blended)
		dest.Tags = unionSorted(dest.Tags, abs.tags)
		dest.LinkedFiles = unionSorted(dest.LinkedFiles, abs.files)
		dest.LinkedPatterns = unionSorted(dest.LinkedPatterns, abs.patterns)
		dest.LinkedFunctions = unionSorted(dest.LinkedFunctions, abs.functions)
		dest.LastAccessedAt = now
	} else {
		created = true
		dest = &store.Record{
			ID:              uuid.NewString(),
			Kind:            store.KindSemantic,
			Content:         abs.content,
			Summary:         abs.summary,
			Confidence:      clamp01(abs.confidence),
			Importance:      abs.anchor.Importance,
			Status:          store.StatusPending,
			CreatedAt:       now,
			LastAccessedAt:  now,
			Tags:            abs.tags,
			LinkedFiles:     abs.files,
			LinkedPatterns:  abs.patterns,
			LinkedFunctions: abs.functions,
			SourceIDs:       memberIDs,
			Embedding:       abs.embedding,
		}
	}

	// Corroboration bonus: sources the rest of the system kept coming back
	// to make the generalized record more trustworthy.
	dest.Confidence = math.Min(1.0, dest.Confidence+frequencyBoost(cl.members, p.FrequentAccessThreshold, p.FrequencyBoost))

	return &integration{
		write: &store.ConsolidationWrite{
			RunID:       runID,
			Destination: dest,
			Created:     created,
			Sources:     memberIDs,
		},
		dest:    dest,
		created: created,
	}, nil
}

// overlapScore measures how much an abstraction duplicates an existing
// generalized record: embedding cosine blended with linked-entity overlap.
// When neither side carries links the cosine stands alone.
func overlapScore(abs *abstraction, rec *store.Record) float64 {
	cos := embedding.CosineSimilarity(abs.embedding, rec.Embedding)
	absLinks := unionSorted(abs.files, abs.patterns, abs.functions)
	recLinks := unionSorted(rec.LinkedFiles, rec.LinkedPatterns, rec.LinkedFunctions)
	if len(absLinks) == 0 && len(recLinks) == 0 {
		return cos
	}
	return 0.7*cos + 0.3*jaccard(absLinks, recLinks)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
