package remote_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/store/remote"
	"github.com/becomeliminal/nim-recall/memory/store/remote/remotetest"
)

func newBackend(t *testing.T, srv *remotetest.Server, token string) *remote.Backend {
	t.Helper()
	b, err := remote.New(remote.Config{
		BaseURL:         srv.URL,
		Token:           token,
		Timeout:         2 * time.Second,
		BreakerFailures: 3,
		BreakerTimeout:  time.Minute,
	})
	require.NoError(t, err)
	return b
}

func TestMemoryLifecycle(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	b := newBackend(t, srv, remotetest.Token)
	ctx := context.Background()

	require.NoError(t, b.Health(ctx))
	assert.Equal(t, memory.ModeRemote, b.Mode())

	rec, err := b.AddMemory(ctx, core.MemoryRecord{
		Content:   "The user is training for a marathon",
		Tags:      []string{"Fitness"},
		Embedding: []float32{1, 2, 3},
		Metadata:  &core.MemoryMetadata{Topic: "fitness"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Nil(t, rec.Embedding)
	assert.Equal(t, core.SourceAuto, rec.Source)
	assert.Equal(t, []string{"fitness"}, srv.Memories()[0].Tags)

	results, err := b.SearchMemories(ctx, "marathon training", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Greater(t, results[0].Score, 0.0)

	pinned := true
	require.NoError(t, b.UpdateMemory(ctx, rec.ID, core.MemoryPatch{Pinned: &pinned}))
	all, err := b.GetUserMemories(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Pinned)

	content := "edited"
	err = b.UpdateMemory(ctx, rec.ID, core.MemoryPatch{Content: &content})
	assert.ErrorIs(t, err, memory.ErrUnsupported)

	require.NoError(t, b.DeleteMemory(ctx, rec.ID))
	err = b.DeleteMemory(ctx, rec.ID)
	assert.ErrorIs(t, err, memory.ErrNotFound)
	assert.ErrorIs(t, err, memory.ErrBackendUnavailable)
}

func TestBatchCreate(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	b := newBackend(t, srv, remotetest.Token)

	out, err := b.BatchCreateMemories(context.Background(), []core.MemoryRecord{
		{Content: "The user has two cats"},
		{Content: "The user lives in Lisbon"},
	})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Len(t, srv.Memories(), 2)
	assert.Equal(t, 1, srv.Calls("POST /memories/batch"))
}

func TestDocuments(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	b := newBackend(t, srv, remotetest.Token)
	ctx := context.Background()

	doc, err := b.UploadDocument(ctx, core.Document{Name: "lease.txt", Content: "The lease renews every March."})
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)
	assert.False(t, doc.UploadedAt.IsZero())
	assert.Equal(t, 1, srv.Calls("POST /files/"+doc.ID+"/embed"))

	hits, err := b.SearchDocuments(ctx, "lease renews", 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "lease.txt", hits[0].Name)

	require.NoError(t, b.DeleteDocument(ctx, doc.ID))
	assert.Empty(t, srv.Documents())
}

func TestUploadRemovedWhenIndexingFails(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	b := newBackend(t, srv, remotetest.Token)
	ctx := context.Background()
	srv.FailEmbed.Store(true)

	_, err := b.UploadDocument(ctx, core.Document{Name: "lease.txt", Content: "The lease renews every March."})
	require.ErrorIs(t, err, memory.ErrBackendUnavailable)
	assert.Equal(t, 1, srv.Calls("POST /files"))
	assert.Equal(t, 1, srv.Calls("DELETE /documents/file-1"))
	assert.Empty(t, srv.Documents(), "no orphaned upload is left behind")
}

func TestUnauthorized(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	b := newBackend(t, srv, "wrong")

	err := b.Health(context.Background())
	assert.ErrorIs(t, err, memory.ErrBackendUnavailable)
}

func TestCircuitBreakerOpens(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	b := newBackend(t, srv, remotetest.Token)
	ctx := context.Background()

	srv.Down.Store(true)
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Health(ctx), memory.ErrBackendUnavailable)
	}
	assert.Equal(t, 3, srv.Calls("GET /health"))

	// Open circuit: requests are refused without reaching the server.
	srv.Down.Store(false)
	require.ErrorIs(t, b.Health(ctx), memory.ErrBackendUnavailable)
	assert.Equal(t, 3, srv.Calls("GET /health"))
}

func TestRejectionsDoNotTripBreaker(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	b := newBackend(t, srv, remotetest.Token)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.Error(t, b.DeleteMemory(ctx, "missing"))
	}
	assert.NoError(t, b.Health(ctx))
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := remote.New(remote.Config{})
	assert.Error(t, err)
}
