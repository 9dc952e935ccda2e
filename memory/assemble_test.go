package memory_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newAssembler() *memory.Assembler {
	return memory.NewAssembler(wordEstimator{}, memory.WithClock(func() time.Time { return now }))
}

func samplePool() []core.MemoryRecord {
	return []core.MemoryRecord{
		{ID: "p1", Content: "Always answer in British English", Title: "Style", Pinned: true},
		{ID: "u1", Content: "The user has a daughter named Ada", Source: core.SourceUser},
		{ID: "h1", Content: "The user enjoys hiking", Score: 0.6, Metadata: &core.MemoryMetadata{Topic: "hobbies"}},
		{ID: "o1", Content: "The user asked about Kubernetes ingress", Score: 0.9, Metadata: &core.MemoryMetadata{Topic: "technology"}},
		{ID: "o2", Content: "The user compared two CSV libraries", Score: 0.4},
		{ID: "c1", Content: "The user runs a bakery", Score: 0.3, Metadata: &core.MemoryMetadata{PersonalConfidence: core.Float(0.7)}},
	}
}

func TestAssemble_SectionsAndLines(t *testing.T) {
	sel := newAssembler().Assemble(samplePool(), 750)

	require.Len(t, sel.Sections, 3)
	assert.Equal(t, "Pinned", sel.Sections[0].Title)
	assert.Equal(t, []string{"Style: Always answer in British English"}, sel.Sections[0].Lines)

	assert.Equal(t, "Personal", sel.Sections[1].Title)
	assert.Len(t, sel.Sections[1].Lines, 3)
	assert.Contains(t, sel.Sections[1].Lines, "[hobbies] The user enjoys hiking")

	assert.Equal(t, "Other", sel.Sections[2].Title)
	assert.Equal(t, "[technology] The user asked about Kubernetes ingress", sel.Sections[2].Lines[0])

	assert.Equal(t, 1, sel.Stats.Pinned)
	assert.Equal(t, 3, sel.Stats.Personal)
	assert.Equal(t, 2, sel.Stats.Other)
	assert.Equal(t, sel.Stats.Budget-sel.Stats.TokensUsed, sel.Stats.TokensRemaining)
	assert.InDelta(t, 0.7, sel.Stats.AverageConfidence, 1e-9)
	assert.InDelta(t, (0.6+0.9+0.4+0.3)/6, sel.Stats.AverageScore, 1e-9)

	rendered := sel.Render()
	assert.Contains(t, rendered, "Pinned:\n- Style: Always answer in British English\n")
	assert.Contains(t, rendered, "Personal:\n")
}

func TestAssemble_Idempotent(t *testing.T) {
	a := newAssembler()
	pool := samplePool()
	first := a.Assemble(pool, 20)

	reversed := make([]core.MemoryRecord, len(pool))
	for i, r := range pool {
		reversed[len(pool)-1-i] = r
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, first.Sections, a.Assemble(pool, 20).Sections)
	}
	assert.Equal(t, first.Sections, a.Assemble(reversed, 20).Sections, "input order does not matter")
}

func TestAssemble_BudgetInvariant(t *testing.T) {
	a := newAssembler()
	pool := samplePool()
	for budget := -5; budget <= 60; budget++ {
		sel := a.Assemble(pool, budget)
		assert.LessOrEqual(t, sel.Stats.TokensUsed, max(budget, 0), "budget %d", budget)
		assert.GreaterOrEqual(t, sel.Stats.TokensRemaining, 0)
	}
	assert.True(t, a.Assemble(pool, 0).Empty())
	assert.Empty(t, a.Assemble(pool, 0).Render())
}

func TestAssemble_PinnedBeatsOther(t *testing.T) {
	pool := []core.MemoryRecord{
		{ID: "other", Content: "one two three four", Score: 0.99},
		{ID: "pin", Content: "five six seven eight", Pinned: true},
	}
	sel := newAssembler().Assemble(pool, 4)

	require.Len(t, sel.Records, 1)
	assert.Equal(t, "pin", sel.Records[0].ID)
}

func TestAssemble_TopPersonalWhenItFits(t *testing.T) {
	pool := []core.MemoryRecord{
		{ID: "other", Content: "The user asked about ingress", Score: 0.99},
		{ID: "big", Content: "The user has a daughter named Ada and a son", Source: core.SourceUser},
		{ID: "mine", Content: "The user lives in Leeds", Source: core.SourceUser},
	}

	sel := newAssembler().Assemble(pool, 5)
	require.Len(t, sel.Records, 1)
	assert.Equal(t, "mine", sel.Records[0].ID, "personal outranks a higher scoring other record")

	sel = newAssembler().Assemble(pool, 4)
	assert.True(t, sel.Empty(), "no personal record fits and the other record is too large")
}

func TestAssemble_SkipOnOverflow(t *testing.T) {
	pool := []core.MemoryRecord{
		{ID: "big", Content: "a b c d e f g h i j", Score: 0.9},
		{ID: "small", Content: "k l", Score: 0.1},
	}
	sel := newAssembler().Assemble(pool, 5)

	require.Len(t, sel.Records, 1)
	assert.Equal(t, "small", sel.Records[0].ID)
}

func TestAssemble_Dedupe(t *testing.T) {
	pool := []core.MemoryRecord{
		{ID: "a", Content: "The user likes tea", Score: 0.2},
		{ID: "a", Content: "The user likes tea", Score: 0.8},
		{Content: "The user likes jazz", Score: 0.3},
		{Content: "the user likes JAZZ", Score: 0.5},
		{ID: "empty", Content: "   "},
	}
	sel := newAssembler().Assemble(pool, 100)

	require.Len(t, sel.Records, 2)
	assert.Equal(t, 0.8, sel.Records[0].Score)
	assert.Equal(t, "the user likes JAZZ", sel.Records[1].Content)
}

func TestAssemble_TieBreakByID(t *testing.T) {
	pool := []core.MemoryRecord{
		{ID: "b", Content: "same score b", Score: 0.5},
		{ID: "a", Content: "same score a", Score: 0.5},
	}
	sel := newAssembler().Assemble(pool, 100)

	require.Len(t, sel.Records, 2)
	assert.Equal(t, "a", sel.Records[0].ID)
}

func TestBoostedScore(t *testing.T) {
	lex := memory.DefaultLexicon()

	plain := core.MemoryRecord{Content: "x"}
	assert.InDelta(t, 0.2, memory.BoostedScore(lex, plain, now), 1e-9)

	pinned := core.MemoryRecord{Content: "x", Pinned: true}
	assert.InDelta(t, 0.75+0.25, memory.BoostedScore(lex, pinned, now), 1e-9)

	rich := core.MemoryRecord{
		Content:          "x",
		Score:            0.5,
		LastReferencedAt: now.Add(-3 * 24 * time.Hour),
		Metadata: &core.MemoryMetadata{
			PersonalConfidence: core.Float(0.8),
			Engagement:         core.Float(1),
			Topic:              "family",
		},
	}
	assert.InDelta(t, 0.5+0.15+0.2+0.15+0.08, memory.BoostedScore(lex, rich, now), 1e-9)

	for age, boost := range map[time.Duration]float64{
		time.Hour:            0.20,
		20 * 24 * time.Hour:  0.10,
		60 * 24 * time.Hour:  0.05,
		200 * 24 * time.Hour: 0,
	} {
		rec := core.MemoryRecord{Content: "x", UploadedAt: now.Add(-age)}
		assert.InDelta(t, 0.2+boost, memory.BoostedScore(lex, rec, now), 1e-9, fmt.Sprint(age))
	}
}

func TestRenderDocuments(t *testing.T) {
	hits := []core.DocumentHit{
		{DocumentID: "d2", Name: "b.txt", Chunk: "second chunk text", Score: 0.4},
		{DocumentID: "d1", Name: "a.txt", Chunk: "first chunk text here", Score: 0.9},
		{DocumentID: "d3", Name: "c.txt", Chunk: "  ", Score: 0.99},
	}

	out := memory.RenderDocuments(hits, 100, wordEstimator{})
	assert.Contains(t, out, "[a.txt] first chunk text here\n\n[b.txt] second chunk text")
	assert.NotContains(t, out, "c.txt")

	// Only the second-ranked chunk fits: "[b.txt] second chunk text" is 4 words.
	out = memory.RenderDocuments(hits, 4, wordEstimator{})
	assert.Contains(t, out, "[b.txt]")
	assert.NotContains(t, out, "[a.txt]")

	assert.Empty(t, memory.RenderDocuments(hits, 0, wordEstimator{}))
	assert.Empty(t, memory.RenderDocuments(nil, 100, wordEstimator{}))
}
