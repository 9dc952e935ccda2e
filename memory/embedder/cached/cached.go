// Package cached wraps an Embedder with an in-process ristretto cache.
package cached

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/becomeliminal/nim-recall/memory"
)

// DefaultMaxEntries is the cache capacity used when New is given 0.
const DefaultMaxEntries = 10_000

// Embedder memoizes embeddings by exact text.
type Embedder struct {
	inner memory.Embedder
	cache *ristretto.Cache
}

// New wraps inner with a cache of up to maxEntries embeddings.
func New(inner memory.Embedder, maxEntries int64) (*Embedder, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &Embedder{inner: inner, cache: cache}, nil
}

// Embed returns the cached embedding for text, computing it on a miss.
// Callers get their own copy.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return append([]float32(nil), vec...), nil
		}
	}

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(text, append([]float32(nil), vec...), 1)
	return vec, nil
}

// Dimensions returns the wrapped embedder's dimensions.
func (e *Embedder) Dimensions() int {
	return e.inner.Dimensions()
}

// EstimateTokens delegates to the wrapped embedder when it can estimate
// tokens, otherwise assumes four characters per token.
func (e *Embedder) EstimateTokens(text string) int {
	if est, ok := e.inner.(memory.TokenEstimator); ok {
		return est.EstimateTokens(text)
	}
	return (len([]rune(text)) + 3) / 4
}

// Wait blocks until pending cache writes are visible.
func (e *Embedder) Wait() {
	e.cache.Wait()
}

// Close releases the cache.
func (e *Embedder) Close() {
	e.cache.Close()
}
