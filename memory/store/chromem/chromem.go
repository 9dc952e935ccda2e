// Package chromem indexes document chunks in chromem-go, a pure Go embedded
// vector database, for on-device document search.
package chromem

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

const (
	collectionName = "documents"

	// DefaultChunkSize is the target chunk length in runes.
	DefaultChunkSize = 800
)

// Index is a chunked, embedded document index.
type Index struct {
	db        *chromem.DB
	col       *chromem.Collection
	embedder  memory.Embedder
	chunkSize int
	logger    *zap.Logger

	// mu serializes writes against Count-then-Query reads.
	mu sync.RWMutex
}

// New creates an empty in-memory index. chunkSize <= 0 uses DefaultChunkSize.
func New(embedder memory.Embedder, chunkSize int, logger *zap.Logger) (*Index, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db := chromem.NewDB()
	// Embeddings are always supplied, so no embedding func is needed.
	col, err := db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	return &Index{
		db:        db,
		col:       col,
		embedder:  embedder,
		chunkSize: chunkSize,
		logger:    logger.Named("chromem"),
	}, nil
}

// Add chunks, embeds and indexes doc, replacing any earlier version.
func (x *Index) Add(ctx context.Context, doc core.Document) error {
	chunks := Chunk(doc.Content, x.chunkSize)

	docs := make([]chromem.Document, 0, len(chunks))
	for i, chunk := range chunks {
		emb, err := x.embedder.Embed(ctx, chunk)
		if err != nil {
			return fmt.Errorf("embed chunk %d of %s: %w", i, doc.ID, err)
		}
		if isZero(emb) {
			continue
		}
		docs = append(docs, chromem.Document{
			ID:        doc.ID + "#" + strconv.Itoa(i),
			Content:   chunk,
			Embedding: emb,
			Metadata: map[string]string{
				"document_id": doc.ID,
				"name":        doc.Name,
				"chunk":       strconv.Itoa(i),
			},
		})
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.deleteLocked(ctx, doc.ID); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	if err := x.col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("add chunks of %s: %w", doc.ID, err)
	}

	x.logger.Debug("Indexed document",
		zap.String("id", doc.ID),
		zap.Int("chunks", len(docs)),
	)
	return nil
}

// Search returns the chunks most similar to query.
func (x *Index) Search(ctx context.Context, query string, limit int) ([]core.DocumentHit, error) {
	emb, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if isZero(emb) || limit <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	// chromem-go requires 0 < nResults <= collection size.
	n := x.col.Count()
	if n == 0 {
		return nil, nil
	}
	if limit > n {
		limit = n
	}

	results, err := x.col.QueryEmbedding(ctx, emb, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	hits := make([]core.DocumentHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, core.DocumentHit{
			DocumentID: r.Metadata["document_id"],
			Name:       r.Metadata["name"],
			Chunk:      r.Content,
			Score:      float64(r.Similarity),
		})
	}
	return hits, nil
}

// Delete removes every chunk of a document.
func (x *Index) Delete(ctx context.Context, documentID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.deleteLocked(ctx, documentID)
}

// Reset removes every chunk.
func (x *Index) Reset(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.db.DeleteCollection(collectionName); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	col, err := x.db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	x.col = col
	return nil
}

// Count returns the number of indexed chunks.
func (x *Index) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.col.Count()
}

func (x *Index) deleteLocked(ctx context.Context, documentID string) error {
	if x.col.Count() == 0 {
		return nil
	}
	if err := x.col.Delete(ctx, map[string]string{"document_id": documentID}, nil); err != nil {
		return fmt.Errorf("delete chunks of %s: %w", documentID, err)
	}
	return nil
}

// Chunk splits text into pieces of at most size runes, breaking at
// paragraph ends, then whitespace. A single word longer than size is cut.
func Chunk(text string, size int) []string {
	var chunks []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if n := len(chunks); n > 0 && runeLen(chunks[n-1])+2+runeLen(para) <= size {
			chunks[n-1] += "\n\n" + para
			continue
		}
		chunks = append(chunks, splitParagraph(para, size)...)
	}
	return chunks
}

func splitParagraph(para string, size int) []string {
	var out []string
	var cur strings.Builder
	curLen := 0
	for _, word := range strings.FieldsFunc(para, unicode.IsSpace) {
		for runeLen(word) > size {
			r := []rune(word)
			if curLen > 0 {
				out = append(out, cur.String())
				cur.Reset()
				curLen = 0
			}
			out = append(out, string(r[:size]))
			word = string(r[size:])
		}
		wl := runeLen(word)
		if curLen > 0 && curLen+1+wl > size {
			out = append(out, cur.String())
			cur.Reset()
			curLen = 0
		}
		if curLen > 0 {
			cur.WriteByte(' ')
			curLen++
		}
		cur.WriteString(word)
		curLen += wl
	}
	if curLen > 0 {
		out = append(out, cur.String())
	}
	return out
}

func runeLen(s string) int {
	return len([]rune(s))
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
