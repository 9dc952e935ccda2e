// Package lexical provides a deterministic bag-of-words embedder that runs
// anywhere without model files.
package lexical

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/tokens"
)

// DefaultDimensions matches all-MiniLM-L6-v2 so stores can switch embedders.
const DefaultDimensions = 384

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {}, "of": {},
	"to": {}, "in": {}, "on": {}, "at": {}, "for": {}, "with": {}, "is": {},
	"are": {}, "was": {}, "were": {}, "be": {}, "it": {}, "its": {}, "this": {},
	"that": {}, "as": {}, "by": {}, "from": {}, "about": {}, "i": {}, "im": {},
	"me": {}, "my": {}, "so": {}, "do": {}, "does": {}, "has": {}, "have": {},
}

// Embedder hashes words into a fixed-size vector (feature hashing with a
// sign bit). Texts sharing words score high; word order is ignored.
type Embedder struct {
	dimensions int
	estimator  tokens.Heuristic
}

// New creates a lexical embedder. dims <= 0 uses DefaultDimensions.
func New(dims int) *Embedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Embedder{dimensions: dims}
}

// Embed creates a unit-length embedding from text. Text with no content
// words embeds to the zero vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embedding := make([]float32, e.dimensions)

	for _, tok := range memory.Tokens(text) {
		if _, stop := stopwords[tok]; stop {
			continue
		}
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()

		idx := int(sum % uint64(e.dimensions))
		if sum>>63 == 1 {
			embedding[idx]--
		} else {
			embedding[idx]++
		}
	}

	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// EstimateTokens estimates tokens from character count.
func (e *Embedder) EstimateTokens(text string) int {
	return e.estimator.EstimateTokens(text)
}

// normalize scales vec to unit length in place.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}

	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
