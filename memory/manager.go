package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/metrics"
)

// Manager is the entry point the chat engine talks to. It retrieves
// context before a turn and records the turn afterwards.
//
// Features:
//   - Pinned, personal and relevant memories packed into a token budget
//   - Separately budgeted document excerpts
//   - Acceptance pipeline for new memories
//   - Pinned-memory cache with TTL, invalidated on every write
type Manager struct {
	router    *Router
	pipeline  *Pipeline
	assembler *Assembler
	estimator TokenEstimator
	config    *Config
	logger    *zap.Logger
	metrics   *metrics.Collector
	now       func() time.Time

	pinned *ristretto.Cache

	// lastPinned is served when listing fails.
	lastMu     sync.Mutex
	lastPinned map[Mode][]core.MemoryRecord
}

// NewManager creates a Manager.
func NewManager(router *Router, pipeline *Pipeline, assembler *Assembler, estimator TokenEstimator, opts ...Option) (*Manager, error) {
	o := buildOptions(opts)

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        100,
		MaxCost:            10,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pinned cache: %w", err)
	}

	return &Manager{
		router:    router,
		pipeline:  pipeline,
		assembler: assembler,
		estimator: estimator,
		config:    o.config,
		logger:    o.logger.Named("memory.manager"),
		metrics:   o.metrics,
		now:       o.now,
		pinned:    cache,

		lastPinned: make(map[Mode][]core.MemoryRecord),
	}, nil
}

// Retrieve returns the context block for userMessage: the memory selection
// followed by document excerpts. Returns "" when memory is disabled or
// nothing is relevant.
func (m *Manager) Retrieve(ctx context.Context, userMessage string) (string, error) {
	if !m.config.Enabled {
		return "", nil
	}

	sel := m.router.Select()
	pool := append(m.pinnedMemories(ctx, sel), m.router.SearchMemories(ctx, userMessage, m.config.SearchLimit)...)
	selection := m.assembler.Assemble(pool, m.config.MemoryTokenBudget)
	m.metrics.ContextAssembled(selection.Stats.TokensUsed)

	m.logger.Debug("Retrieved memories",
		zap.String("query", truncate(userMessage, 50)),
		zap.Int("pool", len(pool)),
		zap.Int("pinned", selection.Stats.Pinned),
		zap.Int("personal", selection.Stats.Personal),
		zap.Int("other", selection.Stats.Other),
		zap.Int("tokens", selection.Stats.TokensUsed),
	)

	if sel.Mode == ModeLocal {
		m.touch(ctx, selection.Records)
	}

	hits := m.router.SearchDocuments(ctx, userMessage, m.config.DocumentSearchLimit)
	docs := RenderDocuments(hits, m.config.DocumentTokenBudget, m.estimator)

	var parts []string
	if block := selection.Render(); block != "" {
		parts = append(parts, block)
	}
	if docs != "" {
		parts = append(parts, docs)
	}
	return strings.Join(parts, "\n"), nil
}

// RecordConversation runs a finished turn through the acceptance pipeline.
func (m *Manager) RecordConversation(ctx context.Context, question, answer string) (Outcome, error) {
	if !m.config.Enabled {
		return Outcome{}, nil
	}
	out, err := m.pipeline.Run(ctx, question, answer)
	if out.Stored {
		m.invalidate()
	}
	if err != nil {
		return out, fmt.Errorf("record conversation: %w", err)
	}
	return out, nil
}

// Pin pins or unpins a memory.
func (m *Manager) Pin(ctx context.Context, id string, pinned bool) Result {
	res := m.router.UpdateMemory(ctx, id, core.MemoryPatch{Pinned: &pinned})
	m.invalidate()
	return res
}

// Forget deletes a memory.
func (m *Manager) Forget(ctx context.Context, id string) Result {
	res := m.router.DeleteMemory(ctx, id)
	m.invalidate()
	return res
}

// Remember stores a memory the user wrote themselves, bypassing the
// acceptance pipeline.
func (m *Manager) Remember(ctx context.Context, content, title string, tags []string, pinned bool) Result {
	now := m.now()
	res := m.router.AddMemory(ctx, core.MemoryRecord{
		Content:          Sanitize(content),
		Title:            title,
		Tags:             core.NormalizeTags(tags),
		Pinned:           pinned,
		Source:           core.SourceUser,
		UploadedAt:       now,
		LastReferencedAt: now,
	})
	m.invalidate()
	return res
}

// UploadDocument stores a document for retrieval.
func (m *Manager) UploadDocument(ctx context.Context, doc core.Document) Result {
	return m.router.UploadDocument(ctx, doc)
}

// Memories lists every memory of the active backend.
func (m *Manager) Memories(ctx context.Context) []core.MemoryRecord {
	return m.router.GetUserMemories(ctx)
}

// Close releases the cache.
func (m *Manager) Close() {
	m.pinned.Close()
}

func pinnedKey(mode Mode) string {
	return "pinned:" + string(mode)
}

func (m *Manager) pinnedMemories(ctx context.Context, sel Selection) []core.MemoryRecord {
	mode := sel.Mode
	if v, ok := m.pinned.Get(pinnedKey(mode)); ok {
		if recs, ok := v.([]core.MemoryRecord); ok {
			return append([]core.MemoryRecord(nil), recs...)
		}
	}

	recs, err := sel.Backend.GetUserMemories(ctx)
	if err != nil {
		m.logger.Warn("Failed to list pinned memories, using last known",
			zap.String("mode", string(mode)),
			zap.Error(err),
		)
		m.lastMu.Lock()
		defer m.lastMu.Unlock()
		return append([]core.MemoryRecord(nil), m.lastPinned[mode]...)
	}

	var pinned []core.MemoryRecord
	for _, rec := range recs {
		if rec.Pinned {
			pinned = append(pinned, rec)
		}
	}
	m.pinned.SetWithTTL(pinnedKey(mode), pinned, 1, m.config.PinnedCacheTTL)
	m.pinned.Wait()

	m.lastMu.Lock()
	m.lastPinned[mode] = pinned
	m.lastMu.Unlock()
	return append([]core.MemoryRecord(nil), pinned...)
}

func (m *Manager) invalidate() {
	m.pinned.Del(pinnedKey(ModeLocal))
	m.pinned.Del(pinnedKey(ModeRemote))
}

// touch records that memories were used in a prompt. Non-fatal.
func (m *Manager) touch(ctx context.Context, recs []core.MemoryRecord) {
	now := m.now()
	local := m.router.Local()
	for _, rec := range recs {
		if rec.ID == "" {
			continue
		}
		if err := local.UpdateMemory(ctx, rec.ID, core.MemoryPatch{LastReferencedAt: &now}); err != nil {
			m.logger.Debug("Failed to update last reference", zap.String("id", rec.ID), zap.Error(err))
		}
	}
}
