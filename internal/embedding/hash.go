package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/zeebo/blake3"
)

// Hash is a deterministic content-hash embedder. It needs no model or
// network: identical texts map to identical unit vectors, unrelated texts to
// near-orthogonal ones. Used as the fallback when Ollama is unreachable and
// as the stub in tests.
type Hash struct {
	dims int
}

// NewHash creates a hash embedder producing vectors of the given dimension.
func NewHash(dims int) *Hash {
	if dims <= 0 {
		dims = 768
	}
	return &Hash{dims: dims}
}

// Embed derives a unit vector from the blake3 extended output of the text.
func (h *Hash) Embed(_ context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}

	hasher := blake3.New()
	hasher.Write([]byte(text))
	buf := make([]byte, h.dims)
	if _, err := hasher.Digest().Read(buf); err != nil {
		return nil, fmt.Errorf("hash digest: %w", err)
	}

	emb := make([]float64, h.dims)
	var norm float64
	for i, b := range buf {
		v := float64(b)/255.0*2.0 - 1.0
		emb[i] = v
		norm += v * v
	}
	if norm == 0 {
		emb[0] = 1
		return emb, nil
	}
	norm = math.Sqrt(norm)
	for i := range emb {
		emb[i] /= norm
	}
	return emb, nil
}

// Dims returns the embedding dimension.
func (h *Hash) Dims() int {
	return h.dims
}

// Name identifies the provider in logs.
func (h *Hash) Name() string {
	return "hash"
}
