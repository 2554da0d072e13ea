package embedding

import (
	"context"
	"math"
)

// Provider generates embeddings for text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Dims() int
	Name() string
}

// CosineSimilarity computes similarity between two embeddings (-1 to 1)
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// AverageEmbeddings computes the centroid of multiple embeddings
func AverageEmbeddings(embeddings [][]float64) []float64 {
	if len(embeddings) == 0 {
		return nil
	}

	dims := len(embeddings[0])
	result := make([]float64, dims)

	for _, emb := range embeddings {
		if len(emb) != dims {
			continue // skip mismatched dimensions
		}
		for i, v := range emb {
			result[i] += v
		}
	}

	for i := range result {
		result[i] /= float64(len(embeddings))
	}

	return result
}

// Valid reports whether an embedding is usable: right dimension, no NaN or
// Inf components, nonzero norm. Corrupt vectors poison similarity math, so
// the pipeline checks before clustering.
func Valid(emb []float64, dims int) bool {
	if len(emb) != dims {
		return false
	}
	var norm float64
	for _, v := range emb {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
		norm += v * v
	}
	return norm > 0
}
