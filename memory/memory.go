package memory

import (
	"context"
	"errors"

	"github.com/becomeliminal/nim-recall/core"
)

var (
	// ErrBackendUnavailable wraps every failure of the remote backend:
	// unreachable, unauthorized, timed out or rejected.
	ErrBackendUnavailable = errors.New("memory backend unavailable")

	// ErrCapacityExceeded is returned when the local store is full.
	ErrCapacityExceeded = errors.New("memory capacity exceeded")

	// ErrNotFound is returned when a memory or document id is unknown.
	ErrNotFound = errors.New("memory not found")

	// ErrUnsupported is returned for operations a backend does not offer.
	ErrUnsupported = errors.New("operation not supported by backend")
)

// Mode identifies which backend served (or will serve) a call.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Backend is the storage and search contract implemented by the local
// (on-device) and remote (semantic search service) stores.
//
// Implementations: local.Store (memory/store/local), remote.Backend
// (memory/store/remote).
type Backend interface {
	// Mode reports which kind of backend this is.
	Mode() Mode

	// AddMemory stores a new memory and returns it with its assigned ID.
	AddMemory(ctx context.Context, rec core.MemoryRecord) (core.MemoryRecord, error)

	// SearchMemories returns memories relevant to query, best first, with
	// Score set.
	SearchMemories(ctx context.Context, query string, limit int) ([]core.MemoryRecord, error)

	// GetUserMemories returns every memory of the current user.
	GetUserMemories(ctx context.Context) ([]core.MemoryRecord, error)

	// DeleteMemory removes a memory permanently.
	DeleteMemory(ctx context.Context, id string) error

	// UpdateMemory applies a partial update.
	UpdateMemory(ctx context.Context, id string, patch core.MemoryPatch) error

	// UploadDocument stores a document and makes it searchable.
	UploadDocument(ctx context.Context, doc core.Document) (core.Document, error)

	// SearchDocuments returns document chunks relevant to query, best first.
	SearchDocuments(ctx context.Context, query string, limit int) ([]core.DocumentHit, error)
}

// Embedder converts text to embedding vectors.
// Implementations: lexical.Embedder (reference), onnx.Embedder (build tag
// onnx), cached.Embedder (decorator).
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}

// TokenEstimator estimates how many language-model tokens a text uses.
type TokenEstimator interface {
	EstimateTokens(text string) int
}

// Extractor turns a conversation turn into a single third-person memory
// sentence, or the NoUpdate sentinel when nothing is worth keeping.
//
// forceRequest asks for a stronger instruction that forbids the sentinel; it
// is used for the single retry after an explicit "remember this" request.
type Extractor interface {
	ExtractMemory(ctx context.Context, question, answer string, forceRequest bool) (string, error)
}

// InterestClassifier decides whether a turn shows genuine user interest or
// excitement. It is the last-resort trigger of the acceptance pipeline.
type InterestClassifier interface {
	ClassifyInterest(ctx context.Context, question, answer string) (bool, error)
}

// NoUpdate is the sentinel an Extractor returns when there is nothing to keep.
const NoUpdate = "NO_UPDATE"
