package monitor

import (
	"github.com/vthunder/remd/internal/embedding"
	"github.com/vthunder/remd/internal/store"
)

// Judge spot-checks whether an accepted cluster was topically coherent.
// Precision is the fraction of clusters the judge approves. The default is a
// heuristic; deployments with human review or a stronger scorer plug in here.
type Judge interface {
	Coherent(members []*store.Record) bool
}

// CoherenceJudge approximates topical coherence from signals already on the
// records: mean pairwise embedding similarity blended with tag agreement.
type CoherenceJudge struct {
	Threshold float64
}

// NewCoherenceJudge returns the default judge.
func NewCoherenceJudge() *CoherenceJudge {
	return &CoherenceJudge{Threshold: 0.5}
}

// Coherent scores the cluster and compares against the threshold.
func (j *CoherenceJudge) Coherent(members []*store.Record) bool {
	if len(members) < 2 {
		return true
	}

	var simSum, tagSum float64
	var pairs, tagPairs int
	for i := 0; i < len(members); i++ {
		for k := i + 1; k < len(members); k++ {
			simSum += embedding.CosineSimilarity(members[i].Embedding, members[k].Embedding)
			pairs++
			if len(members[i].Tags) > 0 || len(members[k].Tags) > 0 {
				tagSum += setOverlap(members[i].Tags, members[k].Tags)
				tagPairs++
			}
		}
	}

	score := simSum / float64(pairs)
	if tagPairs > 0 {
		// Tags refine the embedding signal when present
		score = 0.8*score + 0.2*(tagSum/float64(tagPairs))
	}
	return score >= j.Threshold
}

// setOverlap is the Jaccard ratio of two string sets.
func setOverlap(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	var shared int
	union := len(set)
	for _, s := range b {
		if set[s] {
			shared++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}
