package embedding

import (
	"context"
	"fmt"

	"github.com/vthunder/remd/internal/logging"
)

// Chain tries providers in order until one succeeds. The daemon wires
// Ollama first with the hash embedder behind it so consolidation keeps
// working when the model server is down.
type Chain struct {
	providers []Provider
}

// NewChain builds a fallback chain. All providers must agree on dimension.
func NewChain(providers ...Provider) (*Chain, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("chain needs at least one provider")
	}
	dims := providers[0].Dims()
	for _, p := range providers[1:] {
		if p.Dims() != dims {
			return nil, fmt.Errorf("provider %s has %d dims, chain expects %d", p.Name(), p.Dims(), dims)
		}
	}
	return &Chain{providers: providers}, nil
}

// Embed returns the first successful embedding. Context cancellation stops
// the chain instead of falling through.
func (c *Chain) Embed(ctx context.Context, text string) ([]float64, error) {
	var lastErr error
	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emb, err := p.Embed(ctx, text)
		if err == nil {
			return emb, nil
		}
		lastErr = err
		logging.Debug("embedding", "%s failed, trying next: %v", p.Name(), err)
	}
	return nil, fmt.Errorf("all embedding providers failed: %w", lastErr)
}

// Dims returns the chain's embedding dimension.
func (c *Chain) Dims() int {
	return c.providers[0].Dims()
}

// Name identifies the provider in logs.
func (c *Chain) Name() string {
	return "chain"
}
