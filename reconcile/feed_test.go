package reconcile_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/kv"
	"github.com/becomeliminal/nim-recall/reconcile"
)

// syncServer sends one snapshot per connection, then closes it.
type syncServer struct {
	*httptest.Server
	connections atomic.Int32
	snapshots   []reconcile.Snapshot
}

func newSyncServer(t *testing.T, snapshots ...reconcile.Snapshot) *syncServer {
	t.Helper()
	s := &syncServer{snapshots: snapshots}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sync-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		n := int(s.connections.Add(1)) - 1
		conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		if n < len(s.snapshots) {
			conn.WriteJSON(s.snapshots[n])
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		time.Sleep(20 * time.Millisecond)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *syncServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestFeed_AppliesSnapshotsAcrossReconnects(t *testing.T) {
	srv := newSyncServer(t,
		reconcile.Snapshot{Conversations: []core.Conversation{conv("c1", "first", t0, 2)}},
		reconcile.Snapshot{
			Conversations: []core.Conversation{conv("c1", "second", t0.Add(time.Minute), 4)},
			Projects:      []core.Project{{ID: "p1", Name: "Garden", UpdatedAt: t0}},
		},
	)
	store := reconcile.NewStore(kv.NewMemory())
	feed := reconcile.NewFeed(store, reconcile.FeedConfig{
		URL:        srv.wsURL(),
		Header:     http.Header{"Authorization": []string{"Bearer sync-token"}},
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	require.Eventually(t, func() bool {
		c, ok := store.Conversation("c1")
		return ok && c.Title == "second"
	}, 5*time.Second, 10*time.Millisecond)
	_, ok := store.Project("p1")
	assert.True(t, ok)
	assert.GreaterOrEqual(t, srv.connections.Load(), int32(2))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop")
	}
	store.Wait()
}

func TestFeed_RetriesFailedDials(t *testing.T) {
	srv := newSyncServer(t)
	store := reconcile.NewStore(kv.NewMemory())
	feed := reconcile.NewFeed(store, reconcile.FeedConfig{
		URL:        srv.wsURL(),
		MinBackoff: time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := feed.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, srv.connections.Load(), "unauthorized dials never upgrade")
}

func TestFeed_RequiresURL(t *testing.T) {
	feed := reconcile.NewFeed(reconcile.NewStore(kv.NewMemory()), reconcile.FeedConfig{})
	assert.Error(t, feed.Run(context.Background()))
}
