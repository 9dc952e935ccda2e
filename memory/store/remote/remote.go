// Package remote is the memory backend served by the semantic memory
// service. Every call is JSON over HTTP with a bearer token, guarded by a
// circuit breaker and traced with OpenTelemetry.
package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// Backend implements memory.Backend against the remote service.
type Backend struct {
	c *client
}

var _ memory.Backend = (*Backend)(nil)

// New creates a remote backend.
func New(cfg Config) (*Backend, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Backend{c: c}, nil
}

// memoryInput is the create payload. Embeddings never leave the device.
type memoryInput struct {
	Content  string               `json:"content"`
	Title    string               `json:"title,omitempty"`
	Tags     []string             `json:"tags,omitempty"`
	Pinned   bool                 `json:"pinned"`
	Source   core.Source          `json:"source"`
	Metadata *core.MemoryMetadata `json:"metadata,omitempty"`
}

func toInput(rec core.MemoryRecord) memoryInput {
	src := rec.Source
	if src == "" {
		src = core.SourceAuto
	}
	return memoryInput{
		Content:  rec.Content,
		Title:    rec.Title,
		Tags:     core.NormalizeTags(rec.Tags),
		Pinned:   rec.Pinned,
		Source:   src,
		Metadata: rec.Metadata,
	}
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// Mode returns memory.ModeRemote.
func (b *Backend) Mode() memory.Mode {
	return memory.ModeRemote
}

// Health checks that the service is reachable and the token is accepted.
func (b *Backend) Health(ctx context.Context) error {
	return b.c.call(ctx, "health", http.MethodGet, "/health", nil, nil)
}

// AddMemory creates a memory (createMemory).
func (b *Backend) AddMemory(ctx context.Context, rec core.MemoryRecord) (core.MemoryRecord, error) {
	var out core.MemoryRecord
	if err := b.c.call(ctx, "createMemory", http.MethodPost, "/memories", toInput(rec), &out); err != nil {
		return core.MemoryRecord{}, err
	}
	out.Embedding = nil
	return out, nil
}

// BatchCreateMemories creates several memories in one call
// (batchCreateMemories).
func (b *Backend) BatchCreateMemories(ctx context.Context, recs []core.MemoryRecord) ([]core.MemoryRecord, error) {
	body := struct {
		Memories []memoryInput `json:"memories"`
	}{Memories: make([]memoryInput, 0, len(recs))}
	for _, rec := range recs {
		body.Memories = append(body.Memories, toInput(rec))
	}

	var out []core.MemoryRecord
	if err := b.c.call(ctx, "batchCreateMemories", http.MethodPost, "/memories/batch", body, &out); err != nil {
		return nil, err
	}
	return stripEmbeddings(out), nil
}

// SearchMemories runs a semantic search (searchMemories).
func (b *Backend) SearchMemories(ctx context.Context, query string, limit int) ([]core.MemoryRecord, error) {
	var out []core.MemoryRecord
	if err := b.c.call(ctx, "searchMemories", http.MethodPost, "/memories/search", searchRequest{Query: query, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return stripEmbeddings(out), nil
}

// GetUserMemories lists the user's memories (getMyMemories).
func (b *Backend) GetUserMemories(ctx context.Context) ([]core.MemoryRecord, error) {
	var out []core.MemoryRecord
	if err := b.c.call(ctx, "getMyMemories", http.MethodGet, "/memories", nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Score = 0
	}
	return stripEmbeddings(out), nil
}

// DeleteMemory deletes a memory (deleteMemory).
func (b *Backend) DeleteMemory(ctx context.Context, id string) error {
	return b.c.call(ctx, "deleteMemory", http.MethodDelete, "/memories/"+url.PathEscape(id), nil, nil)
}

// UpdateMemory changes the pinned flag (updateMemory). Other fields are
// not editable remotely and return memory.ErrUnsupported.
func (b *Backend) UpdateMemory(ctx context.Context, id string, patch core.MemoryPatch) error {
	if !patch.PinOnly() {
		return fmt.Errorf("update memory %s: only pinning is supported: %w", id, memory.ErrUnsupported)
	}
	body := struct {
		Pinned bool `json:"pinned"`
	}{Pinned: *patch.Pinned}
	return b.c.call(ctx, "updateMemory", http.MethodPatch, "/memories/"+url.PathEscape(id), body, nil)
}

type fileInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	MimeType   string    `json:"mimeType,omitempty"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// UploadDocument uploads a document (uploadFile) and asks the service to
// index it (embedDocument).
func (b *Backend) UploadDocument(ctx context.Context, doc core.Document) (core.Document, error) {
	body := struct {
		Name     string `json:"name"`
		MimeType string `json:"mimeType,omitempty"`
		Content  string `json:"content"`
	}{Name: doc.Name, MimeType: doc.MimeType, Content: doc.Content}

	var info fileInfo
	if err := b.c.call(ctx, "uploadFile", http.MethodPost, "/files", body, &info); err != nil {
		return core.Document{}, err
	}
	if err := b.c.call(ctx, "embedDocument", http.MethodPost, "/files/"+url.PathEscape(info.ID)+"/embed", nil, nil); err != nil {
		// An unindexed upload is never searchable, so remove it.
		if derr := b.DeleteDocument(context.WithoutCancel(ctx), info.ID); derr != nil {
			b.c.logger.Warn("Failed to remove unindexed upload",
				zap.String("document_id", info.ID),
				zap.Error(derr),
			)
		}
		return core.Document{}, err
	}

	doc.ID = info.ID
	if !info.UploadedAt.IsZero() {
		doc.UploadedAt = info.UploadedAt
	}
	return doc, nil
}

// SearchDocuments searches document chunks (searchDocuments).
func (b *Backend) SearchDocuments(ctx context.Context, query string, limit int) ([]core.DocumentHit, error) {
	var out []core.DocumentHit
	if err := b.c.call(ctx, "searchDocuments", http.MethodPost, "/documents/search", searchRequest{Query: query, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteDocument deletes a document (deleteDocument).
func (b *Backend) DeleteDocument(ctx context.Context, id string) error {
	return b.c.call(ctx, "deleteDocument", http.MethodDelete, "/documents/"+url.PathEscape(id), nil, nil)
}

func stripEmbeddings(recs []core.MemoryRecord) []core.MemoryRecord {
	for i := range recs {
		recs[i].Embedding = nil
	}
	return recs
}
