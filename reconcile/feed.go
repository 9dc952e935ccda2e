package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Maximum snapshot size accepted from the sync service.
	maxSnapshotSize = 8 << 20

	// Time allowed between messages, pings included.
	readWait = 90 * time.Second
)

// FeedConfig configures a Feed.
type FeedConfig struct {
	// URL of the websocket sync endpoint (ws:// or wss://).
	URL string

	// Header is sent with every dial, e.g. Authorization.
	Header http.Header

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// MinBackoff and MaxBackoff bound the reconnect delay
	// (defaults: 500ms and 30s).
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Feed streams snapshots from the sync service into a Store, reconnecting
// with exponential backoff until its context ends.
type Feed struct {
	store  *Store
	cfg    FeedConfig
	logger *zap.Logger
}

// NewFeed creates a feed into store.
func NewFeed(store *Store, cfg FeedConfig, opts ...Option) *Feed {
	o := buildOptions(opts)
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Feed{
		store:  store,
		cfg:    cfg,
		logger: o.logger.Named("reconcile.feed"),
	}
}

// Run consumes snapshots until ctx is done, then returns ctx.Err().
func (f *Feed) Run(ctx context.Context) error {
	if f.cfg.URL == "" {
		return fmt.Errorf("feed URL is required")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.MinBackoff
	b.MaxInterval = f.cfg.MaxBackoff

	for {
		received, err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received {
			b.Reset()
		}

		wait := b.NextBackOff()
		f.logger.Warn("Sync feed disconnected, reconnecting",
			zap.Duration("in", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session reads one connection until it fails. received reports whether
// at least one snapshot arrived.
func (f *Feed) session(ctx context.Context) (received bool, err error) {
	conn, _, err := f.cfg.Dialer.DialContext(ctx, f.cfg.URL, f.cfg.Header)
	if err != nil {
		return false, fmt.Errorf("dial sync feed: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadLimit(maxSnapshotSize)
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})
	f.logger.Info("Sync feed connected", zap.String("url", f.cfg.URL))

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return received, errors.New("closed by server")
			}
			return received, fmt.Errorf("read sync feed: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		if messageType != websocket.TextMessage {
			f.logger.Warn("Binary messages not supported")
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(message, &snap); err != nil {
			f.logger.Warn("Dropping malformed snapshot", zap.Error(err))
			continue
		}
		f.store.ApplySnapshot(ctx, snap)
		received = true
	}
}
