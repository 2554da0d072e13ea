package embedding

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

// failingProvider always errors, for exercising chain fallback
type failingProvider struct {
	dims int
}

func (f *failingProvider) Embed(context.Context, string) ([]float64, error) {
	return nil, fmt.Errorf("provider down")
}
func (f *failingProvider) Dims() int    { return f.dims }
func (f *failingProvider) Name() string { return "failing" }

// countingProvider counts calls through to an inner provider
type countingProvider struct {
	inner Provider
	calls int
}

func (c *countingProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	c.calls++
	return c.inner.Embed(ctx, text)
}
func (c *countingProvider) Dims() int    { return c.inner.Dims() }
func (c *countingProvider) Name() string { return "counting" }

func TestHashDeterminism(t *testing.T) {
	h := NewHash(64)
	ctx := context.Background()

	a1, err := h.Embed(ctx, "the same text")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	a2, err := h.Embed(ctx, "the same text")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	b, err := h.Embed(ctx, "completely different content")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	if len(a1) != 64 {
		t.Fatalf("Expected 64 dims, got %d", len(a1))
	}
	if CosineSimilarity(a1, a2) < 0.9999 {
		t.Error("Identical texts must produce identical embeddings")
	}
	if sim := CosineSimilarity(a1, b); sim > 0.9 {
		t.Errorf("Different texts should not be near-identical, got sim %f", sim)
	}

	// Unit norm
	var norm float64
	for _, v := range a1 {
		norm += v * v
	}
	if math.Abs(norm-1.0) > 1e-9 {
		t.Errorf("Expected unit vector, got norm² %f", norm)
	}

	if _, err := h.Embed(ctx, ""); err == nil {
		t.Error("Expected error for empty text")
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 0, 0}, []float64{1, 0, 0}, 1.0},
		{"orthogonal", []float64{1, 0, 0}, []float64{0, 1, 0}, 0.0},
		{"opposite", []float64{1, 0, 0}, []float64{-1, 0, 0}, -1.0},
		{"mismatched dims", []float64{1, 0}, []float64{1, 0, 0}, 0.0},
		{"zero vector", []float64{0, 0, 0}, []float64{1, 0, 0}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Expected %f, got %f", tt.want, got)
			}
		})
	}
}

func TestAverageEmbeddings(t *testing.T) {
	got := AverageEmbeddings([][]float64{
		{1, 0, 0},
		{0, 1, 0},
	})
	want := []float64{0.5, 0.5, 0}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("Centroid[%d]: expected %f, got %f", i, want[i], got[i])
		}
	}

	if AverageEmbeddings(nil) != nil {
		t.Error("Expected nil centroid for no embeddings")
	}
}

func TestValid(t *testing.T) {
	if !Valid([]float64{0.5, 0.5}, 2) {
		t.Error("Expected well-formed embedding to be valid")
	}
	if Valid([]float64{0.5, 0.5}, 3) {
		t.Error("Expected dimension mismatch to be invalid")
	}
	if Valid([]float64{math.NaN(), 0.5}, 2) {
		t.Error("Expected NaN component to be invalid")
	}
	if Valid([]float64{math.Inf(1), 0.5}, 2) {
		t.Error("Expected Inf component to be invalid")
	}
	if Valid([]float64{0, 0}, 2) {
		t.Error("Expected zero vector to be invalid")
	}
	if Valid(nil, 0) {
		t.Error("Expected empty embedding to be invalid")
	}
}

func TestChainFallback(t *testing.T) {
	chain, err := NewChain(&failingProvider{dims: 16}, NewHash(16))
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}

	emb, err := chain.Embed(context.Background(), "fall through to hash")
	if err != nil {
		t.Fatalf("Expected chain to fall back, got %v", err)
	}
	if len(emb) != 16 {
		t.Errorf("Expected 16 dims, got %d", len(emb))
	}

	// All providers failing surfaces the error
	broken, err := NewChain(&failingProvider{dims: 16})
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}
	if _, err := broken.Embed(context.Background(), "no hope"); err == nil {
		t.Error("Expected error when every provider fails")
	}

	// Dimension mismatch rejected at construction
	if _, err := NewChain(NewHash(16), NewHash(32)); err == nil {
		t.Error("Expected dims mismatch to fail chain construction")
	}

	// Cancelled context stops the chain rather than falling through
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := chain.Embed(ctx, "cancelled"); err == nil {
		t.Error("Expected cancelled context to abort chain")
	}
}

func TestCachedEmbed(t *testing.T) {
	counter := &countingProvider{inner: NewHash(16)}
	cached, err := NewCached(counter, 1)
	if err != nil {
		t.Fatalf("NewCached failed: %v", err)
	}

	ctx := context.Background()
	first, err := cached.Embed(ctx, "cache me")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	cached.Wait()

	second, err := cached.Embed(ctx, "cache me")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if counter.calls != 1 {
		t.Errorf("Expected 1 provider call after cache hit, got %d", counter.calls)
	}
	if CosineSimilarity(first, second) < 0.9999 {
		t.Error("Cached embedding differs from original")
	}

	// Invalidation forces a re-embed
	cached.Invalidate("cache me")
	cached.Wait()
	if _, err := cached.Embed(ctx, "cache me"); err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if counter.calls != 2 {
		t.Errorf("Expected provider call after invalidation, got %d calls", counter.calls)
	}
}

func TestOllamaEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"embedding":[0.1,0.2,0.3,0.4]}`)
	}))
	defer server.Close()

	o := NewOllama(server.URL, "test-model", 4, 0)
	emb, err := o.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(emb) != 4 || emb[0] != 0.1 {
		t.Errorf("Unexpected embedding: %v", emb)
	}

	// Dimension mismatch is an error, not a silent acceptance
	wrong := NewOllama(server.URL, "test-model", 8, 0)
	if _, err := wrong.Embed(context.Background(), "hello"); err == nil {
		t.Error("Expected dims mismatch error")
	}

	// Server errors surface
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer bad.Close()
	o2 := NewOllama(bad.URL, "missing", 4, 0)
	if _, err := o2.Embed(context.Background(), "hello"); err == nil {
		t.Error("Expected error from failing server")
	}
}
