package consolidate

import (
	"context"
	"fmt"

	"github.com/vthunder/remd/internal/logging"
	"github.com/vthunder/remd/internal/text"
)

// gateResult is the recall-gate outcome for one cluster. memberHit is the
// fraction of phrase queries that surfaced a member, kept as this cluster's
// pre-merge retrieval baseline.
type gateResult struct {
	passed    bool
	refreshed bool
	phrases   []string
	hits      int
	memberHit float64
}

// recallGate verifies that a cluster's embeddings still support retrieval
// before anything is merged away. The cluster's top distinctive phrases are
// run as vector queries; enough of them must surface at least one member in
// the top results. On failure the members' embeddings are refreshed and the
// test repeats, a bounded number of times.
func (e *Engine) recallGate(ctx context.Context, cl *cluster, corpus *text.Corpus, p Params) (*gateResult, error) {
	res := &gateResult{phrases: corpus.DistinctivePhrases(cl.text(), 3)}
	if len(res.phrases) == 0 {
		// Nothing distinctive to verify against; trivially retrievable.
		res.passed = true
		res.memberHit = 1
		return res, nil
	}

	need := 2
	if len(res.phrases) < need {
		need = len(res.phrases)
	}
	memberIDs := make(map[string]bool, len(cl.members))
	for _, m := range cl.members {
		memberIDs[m.ID] = true
	}

	for attempt := 0; ; attempt++ {
		hits := 0
		for _, phrase := range res.phrases {
			vec, err := e.embedder.Embed(ctx, phrase)
			if err != nil {
				return nil, fmt.Errorf("failed to embed phrase %q: %w", phrase, err)
			}
			neighbors, err := e.db.VectorQuery(vec, p.RecallGateTopK)
			if err != nil {
				return nil, fmt.Errorf("recall query for %q failed: %w", phrase, err)
			}
			for _, nb := range neighbors {
				if memberIDs[nb.ID] {
					hits++
					break
				}
			}
		}
		res.hits = hits
		res.memberHit = float64(hits) / float64(len(res.phrases))
		if hits >= need {
			res.passed = true
			return res, nil
		}
		if attempt >= p.RecallGateRetries {
			return res, nil
		}

		logging.Debug("consolidate", "recall gate miss (%d/%d phrases), refreshing %d embeddings",
			hits, len(res.phrases), len(cl.members))
		if err := e.refreshEmbeddings(ctx, cl, p.DryRun); err != nil {
			return nil, fmt.Errorf("embedding refresh failed: %w", err)
		}
		res.refreshed = true
	}
}

// refreshEmbeddings recomputes each member's vector from its current text
// and rewrites the index row. Cached vectors for the same text are dropped
// first so the provider is actually consulted again.
func (e *Engine) refreshEmbeddings(ctx context.Context, cl *cluster, dryRun bool) error {
	invalidator, canInvalidate := e.embedder.(interface{ Invalidate(string) })
	for _, m := range cl.members {
		txt := m.Text()
		if txt == "" {
			continue
		}
		if canInvalidate {
			invalidator.Invalidate(txt)
		}
		vec, err := e.embedder.Embed(ctx, txt)
		if err != nil {
			return err
		}
		m.Embedding = vec
		if dryRun {
			continue
		}
		if err := e.db.PutEmbedding(m.ID, vec); err != nil {
			return err
		}
	}
	return nil
}
