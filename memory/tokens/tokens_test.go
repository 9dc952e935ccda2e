package tokens_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/memory/tokens"
)

func TestHeuristic(t *testing.T) {
	h := tokens.Heuristic{}

	assert.Equal(t, 0, h.EstimateTokens(""))
	assert.Equal(t, 0, h.EstimateTokens("   "))
	assert.Equal(t, 1, h.EstimateTokens("hi"))
	assert.Equal(t, 3, h.EstimateTokens("hello world"))
	assert.Equal(t, 2, h.EstimateTokens("hello wo"))
	assert.Equal(t, 3, tokens.Heuristic{CharsPerToken: 2}.EstimateTokens("hello"))
}

func TestTiktoken(t *testing.T) {
	tk, err := tokens.NewTiktoken("")
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}

	assert.Equal(t, 0, tk.EstimateTokens(""))
	n := tk.EstimateTokens("The user enjoys hiking in the mountains.")
	require.Greater(t, n, 3)
	assert.Less(t, n, 20)
}
