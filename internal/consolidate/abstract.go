package consolidate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/vthunder/remd/internal/embedding"
	"github.com/vthunder/remd/internal/logging"
	"github.com/vthunder/remd/internal/store"
	"github.com/vthunder/remd/internal/text"
)

// abstraction is the ephemeral result of merging one accepted cluster. It is
// consumed immediately by the integrator and never persisted on its own.
type abstraction struct {
	anchor     *store.Record
	body       string
	summary    string
	content    string
	tags       []string
	files      []string
	patterns   []string
	functions  []string
	confidence float64
	embedding  []float64
}

// abstract merges an accepted cluster into a single generalized payload:
// pick the anchor, deduplicate the remaining sentences against it, extract a
// summary, union the metadata, and derive a corroboration-weighted
// confidence. Extraction only; no sentence is ever rewritten.
func (e *Engine) abstract(ctx context.Context, cl *cluster, phrases []string, p Params) (*abstraction, error) {
	anchor := selectAnchor(cl.members)

	retained, err := e.noveltyMerge(ctx, anchor, cl.members, p.NoveltyThreshold)
	if err != nil {
		return nil, err
	}
	if len(retained) == 0 {
		return nil, fmt.Errorf("novelty merge retained nothing")
	}

	sourceTokens := 0
	for _, m := range cl.members {
		sourceTokens += m.Tokens()
	}
	body, summary := compressed(retained, phrases, sourceTokens)

	size := len(cl.members)
	multiplier := 1 + float64(size-2)*0.05
	if multiplier > 1.3 {
		multiplier = 1.3
	}

	content, err := sjson.Set("{}", "text", body)
	if err != nil {
		return nil, fmt.Errorf("failed to build content payload: %w", err)
	}
	content, err = sjson.Set(content, "anchor", anchor.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to build content payload: %w", err)
	}

	abs := &abstraction{
		anchor:     anchor,
		body:       body,
		summary:    summary,
		content:    content,
		confidence: anchor.Confidence * multiplier,
	}
	for _, m := range cl.members {
		abs.tags = unionSorted(abs.tags, m.Tags)
		abs.files = unionSorted(abs.files, m.LinkedFiles)
		abs.patterns = unionSorted(abs.patterns, m.LinkedPatterns)
		abs.functions = unionSorted(abs.functions, m.LinkedFunctions)
	}

	vec, err := e.embedder.Embed(ctx, body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Tolerate provider trouble here: the member centroid is a usable
		// stand-in until the next refresh.
		logging.Warn("consolidate", "merged embedding failed, using member centroid: %v", err)
		vec = memberCentroid(cl.members)
		if vec == nil {
			return nil, fmt.Errorf("no embedding available for merged content: %w", err)
		}
	}
	abs.embedding = vec
	return abs, nil
}

// selectAnchor picks the member whose structure becomes the base of the
// merge: highest confidence weighted by importance and access frequency.
// Ties fall to higher confidence, then lower id.
func selectAnchor(members []*store.Record) *store.Record {
	best := members[0]
	for _, m := range members[1:] {
		switch {
		case m.AnchorScore() > best.AnchorScore():
			best = m
		case m.AnchorScore() == best.AnchorScore():
			if m.Confidence > best.Confidence ||
				(m.Confidence == best.Confidence && m.ID < best.ID) {
				best = m
			}
		}
	}
	return best
}

// noveltyMerge collects the anchor's sentences, then walks the remaining
// members in id order keeping only sentences whose similarity to everything
// already retained stays below the novelty threshold. Deduplication, not
// summarization: a sentence the provider cannot embed is kept rather than
// silently dropped.
func (e *Engine) noveltyMerge(ctx context.Context, anchor *store.Record, members []*store.Record, threshold float64) ([]string, error) {
	type retainedSentence struct {
		text string
		vec  []float64
	}

	embedSentence := func(s string) ([]float64, error) {
		vec, err := e.embedder.Embed(ctx, s)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logging.Debug("consolidate", "sentence embed failed, keeping sentence: %v", err)
			return nil, nil
		}
		return vec, nil
	}

	var retained []retainedSentence
	for _, s := range text.Sentences(anchor.Text()) {
		vec, err := embedSentence(s)
		if err != nil {
			return nil, err
		}
		retained = append(retained, retainedSentence{text: s, vec: vec})
	}

	for _, m := range members {
		if m.ID == anchor.ID {
			continue
		}
		for _, s := range text.Sentences(m.Text()) {
			vec, err := embedSentence(s)
			if err != nil {
				return nil, err
			}
			duplicate := false
			if vec != nil {
				for _, r := range retained {
					if r.vec != nil && embedding.CosineSimilarity(vec, r.vec) >= threshold {
						duplicate = true
						break
					}
				}
			}
			if !duplicate {
				retained = append(retained, retainedSentence{text: s, vec: vec})
			}
		}
	}

	out := make([]string, len(retained))
	for i, r := range retained {
		out[i] = r.text
	}
	return out, nil
}

// compressed assembles the merged body and summary, trimming the least
// central sentences until the destination is strictly smaller than its
// sources combined. Consolidation that grows the store is not consolidation.
func compressed(retained []string, phrases []string, sourceTokens int) (body, summary string) {
	assemble := func() {
		body = strings.Join(retained, " ")
		summary = text.SummarizeWithHints(body, phrases, 2)
	}
	size := func() int {
		switch {
		case summary == "":
			return store.EstimateTokens(body)
		case body == "":
			return store.EstimateTokens(summary)
		default:
			return store.EstimateTokens(summary + "\n" + body)
		}
	}

	assemble()
	for len(retained) > 1 && size() >= sourceTokens {
		ranks := text.RankSentences(retained)
		drop := 0
		for i, r := range ranks {
			if r <= ranks[drop] {
				drop = i
			}
		}
		retained = append(retained[:drop], retained[drop+1:]...)
		assemble()
	}
	if size() >= sourceTokens {
		summary = ""
	}
	// Degenerate tiny clusters can defeat sentence-level trimming.
	if sourceTokens > 0 {
		for words := strings.Fields(body); size() >= sourceTokens && len(words) > 1; words = strings.Fields(body) {
			body = strings.Join(words[:len(words)-1], " ")
		}
		for size() >= sourceTokens && body != "" {
			runes := []rune(body)
			body = string(runes[:len(runes)-1])
		}
	}
	return body, summary
}

// memberCentroid averages the member embeddings.
func memberCentroid(members []*store.Record) []float64 {
	vecs := make([][]float64, 0, len(members))
	for _, m := range members {
		if len(m.Embedding) > 0 {
			vecs = append(vecs, m.Embedding)
		}
	}
	return embedding.AverageEmbeddings(vecs)
}

// unionSorted merges string sets into one sorted, deduplicated slice.
func unionSorted(sets ...[]string) []string {
	merged := make(map[string]bool)
	for _, set := range sets {
		for _, s := range set {
			merged[s] = true
		}
	}
	if len(merged) == 0 {
		return nil
	}
	out := make([]string, 0, len(merged))
	for s := range merged {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
