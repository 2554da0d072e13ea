package text

import (
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
)

const (
	rankDamping = 0.85
	rankTol     = 1e-6
	rankMaxIter = 100
)

// RankSentences scores sentences by weighted PageRank over their word-overlap
// graph (TextRank). Higher means more central to the text.
func RankSentences(sentences []string) []float64 {
	n := len(sentences)
	if n == 0 {
		return nil
	}
	if n == 1 {
		return []float64{1}
	}

	sets := make([]map[string]bool, n)
	for i, s := range sentences {
		sets[i] = termSet(s)
	}

	weights := make([][]float64, n)
	outSum := make([]float64, n)
	for i := range weights {
		weights[i] = make([]float64, n)
		for j := range weights[i] {
			if i == j {
				continue
			}
			weights[i][j] = sentenceOverlap(sets[i], sets[j])
			outSum[i] += weights[i][j]
		}
	}

	ranks := make([]float64, n)
	next := make([]float64, n)
	for i := range ranks {
		ranks[i] = 1.0 / float64(n)
	}

	for iter := 0; iter < rankMaxIter; iter++ {
		for j := 0; j < n; j++ {
			var sum float64
			for i := 0; i < n; i++ {
				if i == j || outSum[i] == 0 {
					continue
				}
				sum += weights[i][j] / outSum[i] * ranks[i]
			}
			next[j] = (1-rankDamping)/float64(n) + rankDamping*sum
		}
		converged := floats.Distance(next, ranks, 1) < rankTol
		copy(ranks, next)
		if converged {
			break
		}
	}
	return ranks
}

// sentenceOverlap is the TextRank edge weight: shared content words,
// normalized by log sentence lengths so long sentences don't dominate.
func sentenceOverlap(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var shared int
	for t := range a {
		if b[t] {
			shared++
		}
	}
	if shared == 0 {
		return 0
	}
	return float64(shared) / (math.Log(float64(len(a))+1) + math.Log(float64(len(b))+1))
}

// Summarize extracts the top maxSentences sentences, kept in their original
// order. Extraction only: no sentence is generated or rewritten.
func Summarize(text string, maxSentences int) string {
	return SummarizeWithHints(text, nil, maxSentences)
}

// SummarizeWithHints is Summarize with centrality scores boosted for
// sentences containing any of the hint phrases, so distinctive vocabulary
// survives into the summary.
func SummarizeWithHints(text string, hints []string, maxSentences int) string {
	sentences := Sentences(text)
	if len(sentences) == 0 {
		return ""
	}
	if maxSentences <= 0 || len(sentences) <= maxSentences {
		return strings.Join(sentences, " ")
	}

	ranks := RankSentences(sentences)
	for i, s := range sentences {
		lower := strings.ToLower(s)
		for _, hint := range hints {
			if hint != "" && strings.Contains(lower, strings.ToLower(hint)) {
				ranks[i] *= 1.5
			}
		}
	}

	idx := make([]int, len(sentences))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		if ranks[idx[a]] != ranks[idx[b]] {
			return ranks[idx[a]] > ranks[idx[b]]
		}
		return idx[a] < idx[b]
	})

	keep := append([]int(nil), idx[:maxSentences]...)
	sort.Ints(keep)
	out := make([]string, len(keep))
	for i, k := range keep {
		out[i] = sentences[k]
	}
	return strings.Join(out, " ")
}
