package cached_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/memory/embedder/cached"
)

type countingEmbedder struct {
	calls atomic.Int32
	err   error
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return []float32{float32(len(text)), 1}, nil
}

func (c *countingEmbedder) Dimensions() int { return 2 }

func TestEmbed_CachesByText(t *testing.T) {
	inner := &countingEmbedder{}
	e, err := cached.New(inner, 100)
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	first, err := e.Embed(ctx, "hello")
	require.NoError(t, err)
	e.Wait()

	second, err := e.Embed(ctx, "hello")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, 2, e.Dimensions())

	// Returned slices are independent of the cached value.
	second[0] = 99
	third, _ := e.Embed(ctx, "hello")
	assert.Equal(t, float32(5), third[0])
}

func TestEmbed_HoldsMaxEntries(t *testing.T) {
	inner := &countingEmbedder{}
	e, err := cached.New(inner, 100)
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		_, err := e.Embed(ctx, fmt.Sprintf("memory number %d", i))
		require.NoError(t, err)
	}
	e.Wait()
	require.Equal(t, int32(100), inner.calls.Load())

	for i := 0; i < 100; i++ {
		_, err := e.Embed(ctx, fmt.Sprintf("memory number %d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(100), inner.calls.Load(), "every entry fits in the cache")
}

func TestEmbed_ErrorsAreNotCached(t *testing.T) {
	inner := &countingEmbedder{err: errors.New("model unavailable")}
	e, err := cached.New(inner, 0)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Embed(context.Background(), "hello")
	require.Error(t, err)
	e.Wait()
	_, err = e.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestEstimateTokens_Fallback(t *testing.T) {
	e, err := cached.New(&countingEmbedder{}, 10)
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, 2, e.EstimateTokens("12345678"))
}
