package memory_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/lexical"
	"github.com/becomeliminal/nim-recall/memory/store/local"
	"github.com/becomeliminal/nim-recall/memory/tokens"
)

func newLocalManager(t *testing.T, ex memory.Extractor, opts ...memory.Option) (*memory.Manager, *local.Store) {
	t.Helper()
	emb := lexical.New(0)
	store := newLocal(t, emb)
	router := memory.NewRouter(store, nil, nil, opts...)
	pipeline := memory.NewPipeline(router, emb, ex, nil, opts...)
	estimator := tokens.Heuristic{}
	assembler := memory.NewAssembler(estimator, opts...)

	m, err := memory.NewManager(router, pipeline, assembler, estimator, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, store
}

func TestManager_RecordAndRetrieve(t *testing.T) {
	ctx := context.Background()
	m, _ := newLocalManager(t, extracting("The user is excited about starting to learn woodworking"))

	out, err := m.RecordConversation(ctx,
		"I just started learning woodworking and I'm really excited about it",
		"That is a great hobby. Start with a simple cutting board and a few hand tools.")
	require.NoError(t, err)
	require.True(t, out.Stored)

	block, err := m.Retrieve(ctx, "What wood should I pick for my first woodworking project?")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(block, "What you remember about the user:\n"))
	assert.Contains(t, block, "Personal:\n- [hobbies] The user is excited about starting to learn woodworking")
	assert.NotContains(t, block, "Other:")
}

func TestManager_RetrieveTouchesLocalMemories(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	m, store := newLocalManager(t, nil, memory.WithClock(func() time.Time { return clock }))

	res := m.Remember(ctx, "The user keeps two cats", "", []string{"Pets"}, false)
	require.True(t, res.Success)

	clock = clock.Add(time.Hour)
	_, err := m.Retrieve(ctx, "what food do cats like")
	require.NoError(t, err)

	recs := localMemories(t, store)
	require.Len(t, recs, 1)
	assert.True(t, clock.Equal(recs[0].LastReferencedAt))
	assert.Equal(t, core.SourceUser, recs[0].Source)
	assert.Equal(t, []string{"pets"}, recs[0].Tags)
}

func TestManager_PinnedCache(t *testing.T) {
	ctx := context.Background()
	m, store := newLocalManager(t, nil)

	res := m.Remember(ctx, "Always answer in British English", "Style", nil, true)
	require.True(t, res.Success)

	block, err := m.Retrieve(ctx, "tell me about volcanoes")
	require.NoError(t, err)
	assert.Contains(t, block, "Pinned:\n- Style: Always answer in British English")

	// Writes that bypass the manager are not seen until the cache is invalidated.
	unpin := false
	require.NoError(t, store.UpdateMemory(ctx, res.ID, core.MemoryPatch{Pinned: &unpin}))
	block, err = m.Retrieve(ctx, "tell me about volcanoes")
	require.NoError(t, err)
	assert.Contains(t, block, "Pinned:")

	require.True(t, m.Pin(ctx, res.ID, false).Success)
	block, err = m.Retrieve(ctx, "tell me about volcanoes")
	require.NoError(t, err)
	assert.NotContains(t, block, "Pinned:")
}

func TestManager_Forget(t *testing.T) {
	ctx := context.Background()
	m, _ := newLocalManager(t, nil)

	res := m.Remember(ctx, "The user is vegetarian", "", nil, true)
	require.True(t, res.Success)
	require.Len(t, m.Memories(ctx), 1)

	require.True(t, m.Forget(ctx, res.ID).Success)
	assert.Empty(t, m.Memories(ctx))

	block, err := m.Retrieve(ctx, "dinner ideas")
	require.NoError(t, err)
	assert.Empty(t, block)
}

func TestManager_DocumentBlock(t *testing.T) {
	ctx := context.Background()
	m, _ := newLocalManager(t, nil)

	res := m.UploadDocument(ctx, core.Document{
		Name:    "lease.txt",
		Content: "The apartment lease ends on the thirtieth of September. Rent is due monthly.",
	})
	require.True(t, res.Success)
	assert.Equal(t, memory.ModeLocal, res.Mode)

	block, err := m.Retrieve(ctx, "when does my apartment lease end")
	require.NoError(t, err)
	assert.Contains(t, block, "Relevant excerpts from the user's documents:")
	assert.Contains(t, block, "[lease.txt] The apartment lease ends")
	assert.NotContains(t, block, "What you remember about the user:")
}

func TestManager_Disabled(t *testing.T) {
	ctx := context.Background()
	cfg := *memory.DefaultConfig
	cfg.Enabled = false
	ex := extracting("The user loves hiking in the Alps")
	m, store := newLocalManager(t, ex, memory.WithConfig(&cfg))

	out, err := m.RecordConversation(ctx, "I love hiking in the Alps", longAnswer)
	require.NoError(t, err)
	assert.False(t, out.Stored)
	assert.Empty(t, ex.forced)
	assert.Empty(t, localMemories(t, store))

	block, err := m.Retrieve(ctx, "hiking")
	require.NoError(t, err)
	assert.Empty(t, block)
}

func TestManager_RemoteFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	emb := lexical.New(0)
	store := newLocal(t, emb)
	remote := &failingBackend{}
	router := memory.NewRouter(store, remote, staticGate(true))
	estimator := tokens.Heuristic{}
	m, err := memory.NewManager(router,
		memory.NewPipeline(router, emb, nil, nil),
		memory.NewAssembler(estimator), estimator)
	require.NoError(t, err)
	defer m.Close()

	res := m.Remember(ctx, "The user speaks Portuguese", "", nil, false)
	assert.True(t, res.Success)
	assert.Equal(t, memory.ModeLocal, res.Mode)
	assert.Len(t, localMemories(t, store), 1)

	// Remote reads fail soft.
	block, err := m.Retrieve(ctx, "languages")
	require.NoError(t, err)
	assert.Empty(t, block)
	assert.Empty(t, m.Memories(ctx))
}

// flakyRemote is a remote-mode backend whose reads can be switched off.
type flakyRemote struct {
	*local.Store
	down  atomic.Bool
	lists atomic.Int32
}

func (f *flakyRemote) Mode() memory.Mode { return memory.ModeRemote }

func (f *flakyRemote) GetUserMemories(ctx context.Context) ([]core.MemoryRecord, error) {
	f.lists.Add(1)
	if f.down.Load() {
		return nil, errDown
	}
	return f.Store.GetUserMemories(ctx)
}

func (f *flakyRemote) SearchMemories(ctx context.Context, query string, limit int) ([]core.MemoryRecord, error) {
	if f.down.Load() {
		return nil, errDown
	}
	return f.Store.SearchMemories(ctx, query, limit)
}

func newRemoteManager(t *testing.T) (*memory.Manager, *flakyRemote) {
	t.Helper()
	emb := lexical.New(0)
	remote := &flakyRemote{Store: newLocal(t, emb)}
	router := memory.NewRouter(newLocal(t, emb), remote, staticGate(true))
	estimator := tokens.Heuristic{}
	m, err := memory.NewManager(router,
		memory.NewPipeline(router, emb, nil, nil),
		memory.NewAssembler(estimator), estimator)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, remote
}

func TestManager_PinnedListIsCached(t *testing.T) {
	ctx := context.Background()
	m, remote := newRemoteManager(t)
	_, err := remote.AddMemory(ctx, core.MemoryRecord{Content: "Always answer in British English", Pinned: true})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		block, err := m.Retrieve(ctx, "tell me about volcanoes")
		require.NoError(t, err)
		assert.Contains(t, block, "Always answer in British English")
	}
	assert.Equal(t, int32(1), remote.lists.Load())
}

func TestManager_PinnedSurvivesOutage(t *testing.T) {
	ctx := context.Background()
	m, remote := newRemoteManager(t)
	_, err := remote.AddMemory(ctx, core.MemoryRecord{Content: "Always answer in British English", Pinned: true})
	require.NoError(t, err)

	// A failed listing is not cached.
	remote.down.Store(true)
	block, err := m.Retrieve(ctx, "tell me about volcanoes")
	require.NoError(t, err)
	assert.NotContains(t, block, "Pinned:")

	remote.down.Store(false)
	block, err = m.Retrieve(ctx, "tell me about volcanoes")
	require.NoError(t, err)
	assert.Contains(t, block, "Always answer in British English")

	// After the cache is invalidated, an outage serves the last good list.
	second, err := remote.AddMemory(ctx, core.MemoryRecord{Content: "Keep replies under five sentences"})
	require.NoError(t, err)
	require.True(t, m.Pin(ctx, second.ID, true).Success)

	remote.down.Store(true)
	block, err = m.Retrieve(ctx, "tell me about volcanoes")
	require.NoError(t, err)
	assert.Contains(t, block, "Always answer in British English")
	assert.NotContains(t, block, "Keep replies under five sentences")

	remote.down.Store(false)
	block, err = m.Retrieve(ctx, "tell me about volcanoes")
	require.NoError(t, err)
	assert.Contains(t, block, "Always answer in British English")
	assert.Contains(t, block, "Keep replies under five sentences")
}
