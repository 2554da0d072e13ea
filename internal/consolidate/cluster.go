package consolidate

import (
	"sort"

	"github.com/vthunder/remd/internal/embedding"
	"github.com/vthunder/remd/internal/store"
)

// Composite similarity weights. An overlap term only participates when at
// least one side carries the feature; the weights renormalize over the terms
// present, so two link-free records are compared on embeddings alone instead
// of being capped below the cluster threshold.
const (
	simWeightEmbedding = 0.5
	simWeightFiles     = 0.2
	simWeightPatterns  = 0.15
	simWeightFunctions = 0.1
	simWeightTags      = 0.05
)

// cluster is a run-scoped grouping of candidates similar enough to merge.
// Members are sorted by id.
type cluster struct {
	members []*store.Record
}

func (c *cluster) ids() []string {
	ids := make([]string, len(c.members))
	for i, m := range c.members {
		ids[i] = m.ID
	}
	return ids
}

// text joins the members' searchable projections, in member order.
func (c *cluster) text() string {
	joined := ""
	for i, m := range c.members {
		if i > 0 {
			joined += "\n"
		}
		joined += m.Text()
	}
	return joined
}

// compositeSimilarity scores a candidate pair on embedding cosine similarity
// plus Jaccard overlap of linked files, patterns, functions, and tags.
func compositeSimilarity(a, b *store.Record) float64 {
	score := simWeightEmbedding * embedding.CosineSimilarity(a.Embedding, b.Embedding)
	total := simWeightEmbedding

	overlaps := []struct {
		weight float64
		a, b   []string
	}{
		{simWeightFiles, a.LinkedFiles, b.LinkedFiles},
		{simWeightPatterns, a.LinkedPatterns, b.LinkedPatterns},
		{simWeightFunctions, a.LinkedFunctions, b.LinkedFunctions},
		{simWeightTags, a.Tags, b.Tags},
	}
	for _, o := range overlaps {
		if len(o.a) == 0 && len(o.b) == 0 {
			continue
		}
		score += o.weight * jaccard(o.a, o.b)
		total += o.weight
	}
	return score / total
}

// jaccard computes |a ∩ b| / |a ∪ b| over string sets.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	inter := 0
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, s := range b {
		if seen[s] {
			continue
		}
		seen[s] = true
		if set[s] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

// buildClusters partitions candidates into density clusters and noise.
// Pairs with composite similarity at or above the threshold are neighbors;
// clusters are the connected components of the neighbor graph with at least
// minSize members. Everything else is noise: those records stay pending and
// are reconsidered on the next run.
//
// The walk visits records in id order and clusters are ordered by size then
// lowest member id, so the same candidate set always yields the same
// partition.
func buildClusters(candidates []*store.Record, threshold float64, minSize int) ([]*cluster, []*store.Record) {
	sorted := make([]*store.Record, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	n := len(sorted)
	adjacent := make([][]int, n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if compositeSimilarity(sorted[i], sorted[j]) >= threshold {
				adjacent[i] = append(adjacent[i], j)
				adjacent[j] = append(adjacent[j], i)
			}
		}
	}

	var clusters []*cluster
	var noise []*store.Record
	visited := make([]bool, n)
	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		var component []int
		stack := []int{i}
		visited[i] = true
		for len(stack) > 0 {
			v := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component = append(component, v)
			for _, u := range adjacent[v] {
				if !visited[u] {
					visited[u] = true
					stack = append(stack, u)
				}
			}
		}

		if len(component) < minSize {
			for _, v := range component {
				noise = append(noise, sorted[v])
			}
			continue
		}
		sort.Ints(component)
		members := make([]*store.Record, len(component))
		for k, v := range component {
			members[k] = sorted[v]
		}
		clusters = append(clusters, &cluster{members: members})
	}

	sort.Slice(clusters, func(i, j int) bool {
		if len(clusters[i].members) != len(clusters[j].members) {
			return len(clusters[i].members) > len(clusters[j].members)
		}
		return clusters[i].members[0].ID < clusters[j].members[0].ID
	})
	sort.Slice(noise, func(i, j int) bool { return noise[i].ID < noise[j].ID })
	return clusters, noise
}
