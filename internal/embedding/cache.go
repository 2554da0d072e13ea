package embedding

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"github.com/zeebo/blake3"
)

// Cached wraps a provider with an in-process embedding cache keyed by content
// hash. Consolidation re-embeds the same texts across gate retries and runs;
// the cache keeps that off the model.
type Cached struct {
	inner Provider
	cache *ristretto.Cache
}

// NewCached wraps inner with a cache bounded to roughly maxMB megabytes.
func NewCached(inner Provider, maxMB int) (*Cached, error) {
	if maxMB <= 0 {
		maxMB = 64
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     int64(maxMB) << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector for the text or falls through to the
// wrapped provider.
func (c *Cached) Embed(ctx context.Context, text string) ([]float64, error) {
	key := blake3.Sum256([]byte(text))
	if v, ok := c.cache.Get(key[:]); ok {
		if emb, ok := v.([]float64); ok {
			return emb, nil
		}
	}

	emb, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key[:], emb, int64(len(emb)*8))
	return emb, nil
}

// Dims returns the wrapped provider's dimension.
func (c *Cached) Dims() int {
	return c.inner.Dims()
}

// Name identifies the provider in logs.
func (c *Cached) Name() string {
	return c.inner.Name() + "+cache"
}

// Wait blocks until pending cache writes are visible. Tests use this; the
// pipeline never needs to.
func (c *Cached) Wait() {
	c.cache.Wait()
}

// Invalidate drops the cached vector for a text. The recall gate calls this
// before a refresh so the re-embed actually hits the model.
func (c *Cached) Invalidate(text string) {
	key := blake3.Sum256([]byte(text))
	c.cache.Del(key[:])
}
