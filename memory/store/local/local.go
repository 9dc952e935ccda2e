// Package local is the on-device memory backend: records persisted in a
// key-value store with locally computed embeddings, documents indexed in
// chromem.
package local

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/kv"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/store/chromem"
)

// KV store names.
const (
	MemoriesStore  = "memories"
	DocumentsStore = "documents"
)

// Config configures the local backend.
type Config struct {
	// MaxRecords caps stored memories; 0 means unlimited.
	MaxRecords int

	// ChunkSize is the document chunk length in runes.
	ChunkSize int

	Logger *zap.Logger
}

// Store implements memory.Backend on device.
type Store struct {
	kv       kv.Store
	embedder memory.Embedder
	index    *chromem.Index
	max      int
	logger   *zap.Logger
	now      func() time.Time

	// mu makes read-modify-write updates atomic.
	mu sync.Mutex
}

var _ memory.Backend = (*Store)(nil)

// New creates a local backend. Call Rebuild to index documents persisted
// by an earlier run.
func New(store kv.Store, embedder memory.Embedder, cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	index, err := chromem.New(embedder, cfg.ChunkSize, logger)
	if err != nil {
		return nil, err
	}
	return &Store{
		kv:       store,
		embedder: embedder,
		index:    index,
		max:      cfg.MaxRecords,
		logger:   logger.Named("local"),
		now:      time.Now,
	}, nil
}

// Mode returns memory.ModeLocal.
func (s *Store) Mode() memory.Mode {
	return memory.ModeLocal
}

// AddMemory stores rec, embedding it if needed. It returns
// memory.ErrCapacityExceeded when the store is full.
func (s *Store) AddMemory(ctx context.Context, rec core.MemoryRecord) (core.MemoryRecord, error) {
	if strings.TrimSpace(rec.Content) == "" {
		return core.MemoryRecord{}, fmt.Errorf("add memory: empty content")
	}
	if len(rec.Embedding) == 0 {
		emb, err := s.embedder.Embed(ctx, rec.Content)
		if err != nil {
			return core.MemoryRecord{}, fmt.Errorf("embed memory: %w", err)
		}
		rec.Embedding = emb
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.UploadedAt.IsZero() {
		rec.UploadedAt = s.now()
	}
	if rec.Source == "" {
		rec.Source = core.SourceAuto
	}
	rec.Tags = core.NormalizeTags(rec.Tags)
	rec.Score = 0

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.max > 0 {
		entries, err := s.kv.GetAll(ctx, MemoriesStore)
		if err != nil {
			return core.MemoryRecord{}, fmt.Errorf("count memories: %w", err)
		}
		if len(entries) >= s.max {
			return core.MemoryRecord{}, memory.ErrCapacityExceeded
		}
	}

	if err := kv.PutJSON(ctx, s.kv, MemoriesStore, rec.ID, rec); err != nil {
		return core.MemoryRecord{}, fmt.Errorf("store memory: %w", err)
	}
	return rec, nil
}

// SearchMemories ranks memories by cosine similarity to query. Results
// carry Score and no Embedding; non-positive matches are dropped.
func (s *Store) SearchMemories(ctx context.Context, query string, limit int) ([]core.MemoryRecord, error) {
	q, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	all, err := s.GetUserMemories(ctx)
	if err != nil {
		return nil, err
	}

	var results []core.MemoryRecord
	for _, rec := range all {
		sim := memory.CosineSimilarity(q, rec.Embedding)
		if sim <= 0 {
			continue
		}
		rec.Score = sim
		rec.Embedding = nil
		results = append(results, rec)
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// GetUserMemories returns every memory, oldest first.
func (s *Store) GetUserMemories(ctx context.Context) ([]core.MemoryRecord, error) {
	recs, err := kv.GetAllJSON[core.MemoryRecord](ctx, s.kv, MemoriesStore)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].UploadedAt.Equal(recs[j].UploadedAt) {
			return recs[i].UploadedAt.Before(recs[j].UploadedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	return recs, nil
}

// DeleteMemory removes a memory.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.get(ctx, id); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, MemoriesStore, id); err != nil {
		return fmt.Errorf("delete memory %s: %w", id, err)
	}
	return nil
}

// UpdateMemory applies patch. Changed content without a new embedding is
// re-embedded.
func (s *Store) UpdateMemory(ctx context.Context, id string, patch core.MemoryPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	before := rec.Content
	patch.Apply(&rec)
	if rec.Content != before && patch.Embedding == nil {
		emb, err := s.embedder.Embed(ctx, rec.Content)
		if err != nil {
			return fmt.Errorf("embed memory: %w", err)
		}
		rec.Embedding = emb
	}
	if err := kv.PutJSON(ctx, s.kv, MemoriesStore, id, rec); err != nil {
		return fmt.Errorf("update memory %s: %w", id, err)
	}
	return nil
}

// UploadDocument persists and indexes doc.
func (s *Store) UploadDocument(ctx context.Context, doc core.Document) (core.Document, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = s.now()
	}
	if err := kv.PutJSON(ctx, s.kv, DocumentsStore, doc.ID, doc); err != nil {
		return core.Document{}, fmt.Errorf("store document: %w", err)
	}
	if err := s.index.Add(ctx, doc); err != nil {
		return core.Document{}, fmt.Errorf("index document: %w", err)
	}
	return doc, nil
}

// SearchDocuments searches indexed document chunks.
func (s *Store) SearchDocuments(ctx context.Context, query string, limit int) ([]core.DocumentHit, error) {
	return s.index.Search(ctx, query, limit)
}

// Documents returns every stored document, ordered by id.
func (s *Store) Documents(ctx context.Context) ([]core.Document, error) {
	docs, err := kv.GetAllJSON[core.Document](ctx, s.kv, DocumentsStore)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// DeleteDocument removes a document and its chunks.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, DocumentsStore, id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return s.index.Delete(ctx, id)
}

// Rebuild indexes every persisted document.
func (s *Store) Rebuild(ctx context.Context) error {
	docs, err := s.Documents(ctx)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := s.index.Add(ctx, doc); err != nil {
			return fmt.Errorf("reindex %s: %w", doc.ID, err)
		}
	}
	s.logger.Info("Rebuilt document index", zap.Int("documents", len(docs)))
	return nil
}

// Clear removes every memory and document.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Clear(ctx, MemoriesStore); err != nil {
		return fmt.Errorf("clear memories: %w", err)
	}
	if err := s.kv.Clear(ctx, DocumentsStore); err != nil {
		return fmt.Errorf("clear documents: %w", err)
	}
	return s.index.Reset(ctx)
}

func (s *Store) get(ctx context.Context, id string) (core.MemoryRecord, error) {
	var rec core.MemoryRecord
	err := kv.GetJSON(ctx, s.kv, MemoriesStore, id, &rec)
	if errors.Is(err, kv.ErrNotFound) {
		return rec, fmt.Errorf("memory %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return rec, fmt.Errorf("load memory %s: %w", id, err)
	}
	return rec, nil
}
