package text

import (
	"math"
	"sort"
	"strings"
)

// Corpus holds document frequencies over a set of texts, for scoring how
// distinctive a phrase is relative to everything else in memory.
type Corpus struct {
	docs int
	df   map[string]int
}

// NewCorpus tokenizes the given texts and counts term document frequencies.
// Terms are unigrams and adjacent bigrams of content words.
func NewCorpus(texts []string) *Corpus {
	c := &Corpus{df: make(map[string]int)}
	for _, t := range texts {
		terms := docTerms(t)
		if len(terms) == 0 {
			continue
		}
		c.docs++
		for term := range terms {
			c.df[term]++
		}
	}
	return c
}

// Size returns the number of documents in the corpus.
func (c *Corpus) Size() int {
	return c.docs
}

// idf is smoothed so terms absent from the corpus still score finitely.
func (c *Corpus) idf(term string) float64 {
	return math.Log(float64(c.docs+1)/float64(c.df[term]+1)) + 1
}

// DistinctivePhrases returns up to n phrases that best separate the text from
// the corpus, by tf-idf. Ties break lexically so results are stable.
func (c *Corpus) DistinctivePhrases(text string, n int) []string {
	if n <= 0 {
		return nil
	}

	tf := make(map[string]int)
	for _, term := range termList(text) {
		tf[term]++
	}
	if len(tf) == 0 {
		return nil
	}

	type scored struct {
		term  string
		score float64
	}
	candidates := make([]scored, 0, len(tf))
	for term, count := range tf {
		candidates = append(candidates, scored{term, float64(count) * c.idf(term)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].term < candidates[j].term
	})

	// Prefer bigrams over their own constituent words: once "connection pool"
	// is picked, "connection" alone adds nothing.
	var phrases []string
	used := make(map[string]bool)
	for _, cand := range candidates {
		if len(phrases) == n {
			break
		}
		redundant := false
		for _, w := range strings.Fields(cand.term) {
			if used[w] {
				redundant = true
				break
			}
		}
		if redundant {
			continue
		}
		phrases = append(phrases, cand.term)
		for _, w := range strings.Fields(cand.term) {
			used[w] = true
		}
	}
	return phrases
}

// docTerms returns the unique terms of a document.
func docTerms(text string) map[string]bool {
	set := make(map[string]bool)
	for _, term := range termList(text) {
		set[term] = true
	}
	return set
}

// termList returns unigrams plus adjacent bigrams.
func termList(text string) []string {
	tokens := Tokenize(text)
	terms := make([]string, 0, len(tokens)*2)
	terms = append(terms, tokens...)
	for i := 0; i+1 < len(tokens); i++ {
		terms = append(terms, tokens[i]+" "+tokens[i+1])
	}
	return terms
}
