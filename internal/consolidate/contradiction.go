package consolidate

import (
	"context"
	"fmt"
	"strings"

	"github.com/vthunder/remd/internal/embedding"
	"github.com/vthunder/remd/internal/logging"
	"github.com/vthunder/remd/internal/text"
)

// contradictionSimilarity is the cosine floor above which two sentences of
// opposite polarity are treated as stating conflicting versions of the same
// fact.
const contradictionSimilarity = 0.8

var negationTerms = map[string]bool{
	"not":    true,
	"never":  true,
	"no":     true,
	"cannot": true,
	"none":   true,
	"nor":    true,
}

// checkContradiction scans a cluster for internal disagreement before the
// recall gate runs. The tuner enables this phase when the population's
// contradiction rate drifts above target. Returns the reason when the
// cluster should be deferred instead of merged.
func (e *Engine) checkContradiction(ctx context.Context, cl *cluster) (string, bool) {
	for _, m := range cl.members {
		if m.ContradictionCount > 0 {
			return fmt.Sprintf("member %s carries %d contradiction marks", m.ID, m.ContradictionCount), true
		}
	}

	// Near-identical sentence pairs across members that disagree on polarity.
	type sentence struct {
		text   string
		vec    []float64
		negate bool
		member string
	}
	var all []sentence
	for _, m := range cl.members {
		for _, s := range text.Sentences(m.Text()) {
			vec, err := e.embedder.Embed(ctx, s)
			if err != nil {
				logging.Debug("consolidate", "contradiction embed failed, skipping sentence: %v", err)
				continue
			}
			all = append(all, sentence{text: s, vec: vec, negate: negated(s), member: m.ID})
		}
	}
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[i].member == all[j].member || all[i].negate == all[j].negate {
				continue
			}
			if embedding.CosineSimilarity(all[i].vec, all[j].vec) >= contradictionSimilarity {
				return fmt.Sprintf("members %s and %s disagree: %q vs %q",
					all[i].member, all[j].member,
					logging.Truncate(all[i].text, 60), logging.Truncate(all[j].text, 60)), true
			}
		}
	}
	return "", false
}

// negated reports whether a sentence carries a negation marker.
func negated(s string) bool {
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if negationTerms[w] || strings.HasSuffix(w, "n't") {
			return true
		}
	}
	return false
}
