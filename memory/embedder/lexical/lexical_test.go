package lexical_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/lexical"
)

func TestEmbed_Deterministic(t *testing.T) {
	e := lexical.New(0)
	ctx := context.Background()

	a, err := e.Embed(ctx, "The user loves hiking on weekends")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "the user loves hiking on weekends.")
	require.NoError(t, err)

	assert.Len(t, a, lexical.DefaultDimensions)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, memory.CosineSimilarity(a, b), 1e-6)
}

func TestEmbed_Similarity(t *testing.T) {
	e := lexical.New(256)
	ctx := context.Background()

	base, _ := e.Embed(ctx, "the user enjoys hiking and camping")
	related, _ := e.Embed(ctx, "the user enjoys hiking")
	unrelated, _ := e.Embed(ctx, "quarterly revenue forecast spreadsheet")

	assert.Greater(t, memory.CosineSimilarity(base, related), memory.CosineSimilarity(base, unrelated))
	assert.Greater(t, memory.CosineSimilarity(base, related), 0.5)
}

func TestEmbed_OnlyStopwords(t *testing.T) {
	e := lexical.New(32)

	v, err := e.Embed(context.Background(), "the and of")
	require.NoError(t, err)
	for _, x := range v {
		assert.Zero(t, x)
	}
}

func TestEstimateTokens(t *testing.T) {
	e := lexical.New(0)
	assert.Equal(t, 0, e.EstimateTokens(""))
	assert.Equal(t, 3, e.EstimateTokens("twelve chars"))
}
