package memory_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/kv"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/lexical"
	"github.com/becomeliminal/nim-recall/memory/store/local"
)

// stubEmbedder returns fixed vectors for known texts and [0 0 1] otherwise.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func (s *stubEmbedder) Dimensions() int { return 3 }

// fakeExtractor replays replies in order and records the force flags.
type fakeExtractor struct {
	mu      sync.Mutex
	replies []string
	err     error
	forced  []bool
}

func extracting(replies ...string) *fakeExtractor {
	return &fakeExtractor{replies: replies}
}

func (f *fakeExtractor) ExtractMemory(ctx context.Context, q, a string, force bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced = append(f.forced, force)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return memory.NoUpdate, nil
	}
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return r, nil
}

type fakeClassifier struct {
	interested bool
	err        error
	calls      int
}

func (f *fakeClassifier) ClassifyInterest(ctx context.Context, q, a string) (bool, error) {
	f.calls++
	return f.interested, f.err
}

// staticGate is an Enabler with a fixed answer.
type staticGate bool

func (g staticGate) Enabled() bool { return bool(g) }

// failingBackend fails every call with ErrBackendUnavailable.
type failingBackend struct {
	calls int
}

var errDown = errors.Join(memory.ErrBackendUnavailable, errors.New("connection refused"))

func (f *failingBackend) Mode() memory.Mode { return memory.ModeRemote }
func (f *failingBackend) AddMemory(context.Context, core.MemoryRecord) (core.MemoryRecord, error) {
	f.calls++
	return core.MemoryRecord{}, errDown
}
func (f *failingBackend) SearchMemories(context.Context, string, int) ([]core.MemoryRecord, error) {
	f.calls++
	return nil, errDown
}
func (f *failingBackend) GetUserMemories(context.Context) ([]core.MemoryRecord, error) {
	f.calls++
	return nil, errDown
}
func (f *failingBackend) DeleteMemory(context.Context, string) error {
	f.calls++
	return errDown
}
func (f *failingBackend) UpdateMemory(context.Context, string, core.MemoryPatch) error {
	f.calls++
	return errDown
}
func (f *failingBackend) UploadDocument(context.Context, core.Document) (core.Document, error) {
	f.calls++
	return core.Document{}, errDown
}
func (f *failingBackend) SearchDocuments(context.Context, string, int) ([]core.DocumentHit, error) {
	f.calls++
	return nil, errDown
}

// wordEstimator counts words as tokens.
type wordEstimator struct{}

func (wordEstimator) EstimateTokens(text string) int {
	return len(strings.Fields(text))
}

func newLocal(t *testing.T, embedder memory.Embedder) *local.Store {
	t.Helper()
	if embedder == nil {
		embedder = lexical.New(0)
	}
	s, err := local.New(kv.NewMemory(), embedder, local.Config{})
	require.NoError(t, err)
	return s
}

func localMemories(t *testing.T, s *local.Store) []core.MemoryRecord {
	t.Helper()
	recs, err := s.GetUserMemories(context.Background())
	require.NoError(t, err)
	return recs
}
