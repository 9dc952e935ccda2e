package local_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/kv"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/lexical"
	"github.com/becomeliminal/nim-recall/memory/store/local"
)

func newStore(t *testing.T, max int) *local.Store {
	t.Helper()
	s, err := local.New(kv.NewMemory(), lexical.New(0), local.Config{MaxRecords: max})
	require.NoError(t, err)
	return s
}

func TestAddAndSearch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 0)

	hiking, err := s.AddMemory(ctx, core.MemoryRecord{Content: "The user loves hiking on weekends", Tags: []string{"Hobbies", "hobbies"}})
	require.NoError(t, err)
	assert.NotEmpty(t, hiking.ID)
	assert.NotEmpty(t, hiking.Embedding)
	assert.Equal(t, []string{"hobbies"}, hiking.Tags)
	assert.Equal(t, core.SourceAuto, hiking.Source)

	_, err = s.AddMemory(ctx, core.MemoryRecord{Content: "The user works as a tax accountant"})
	require.NoError(t, err)

	results, err := s.SearchMemories(ctx, "weekend hiking trips", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, hiking.ID, results[0].ID)
	assert.Greater(t, results[0].Score, 0.0)
	assert.Nil(t, results[0].Embedding, "search results carry a score, not an embedding")

	all, err := s.GetUserMemories(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Zero(t, all[0].Score)
}

func TestCapacity(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 1)

	_, err := s.AddMemory(ctx, core.MemoryRecord{Content: "The user has a dog named Biscuit"})
	require.NoError(t, err)
	_, err = s.AddMemory(ctx, core.MemoryRecord{Content: "The user is vegetarian"})
	assert.ErrorIs(t, err, memory.ErrCapacityExceeded)
}

func TestUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 0)

	rec, err := s.AddMemory(ctx, core.MemoryRecord{Content: "The user plays guitar"})
	require.NoError(t, err)

	content := "The user plays guitar and piano"
	pinned := true
	require.NoError(t, s.UpdateMemory(ctx, rec.ID, core.MemoryPatch{Content: &content, Pinned: &pinned}))

	all, err := s.GetUserMemories(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, content, all[0].Content)
	assert.True(t, all[0].Pinned)
	assert.NotEqual(t, rec.Embedding, all[0].Embedding, "changed content is re-embedded")

	require.NoError(t, s.DeleteMemory(ctx, rec.ID))
	assert.ErrorIs(t, s.DeleteMemory(ctx, rec.ID), memory.ErrNotFound)
	assert.ErrorIs(t, s.UpdateMemory(ctx, "missing", core.MemoryPatch{Pinned: &pinned}), memory.ErrNotFound)
}

func TestDocuments(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	s, err := local.New(store, lexical.New(0), local.Config{})
	require.NoError(t, err)

	doc, err := s.UploadDocument(ctx, core.Document{Name: "plants.txt", Content: "Water succulents sparingly, once every two weeks."})
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)

	hits, err := s.SearchDocuments(ctx, "how often to water succulents", 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, doc.ID, hits[0].DocumentID)

	// A new instance over the same KV finds documents after Rebuild.
	reopened, err := local.New(store, lexical.New(0), local.Config{})
	require.NoError(t, err)
	require.NoError(t, reopened.Rebuild(ctx))
	hits, err = reopened.SearchDocuments(ctx, "water succulents", 3)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	require.NoError(t, reopened.Clear(ctx))
	docs, err := reopened.Documents(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
	hits, err = reopened.SearchDocuments(ctx, "water succulents", 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
