//go:build onnx

// Package onnx embeds text with a sentence-transformer model (default
// all-MiniLM-L6-v2) through ONNX Runtime.
package onnx

import (
	"context"
	"fmt"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// Config configures the ONNX embedder.
type Config struct {
	// LibraryPath is the path to libonnxruntime. Empty uses the library's
	// default lookup.
	LibraryPath string

	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// TokenizerPath is the path to the tokenizer.json file.
	TokenizerPath string

	// Dimensions is the embedding vector size (default: 384 for all-MiniLM-L6-v2).
	Dimensions int

	// MaxSequenceLength is the padded input length (default: 128).
	MaxSequenceLength int

	Logger *zap.Logger
}

var initOnce sync.Once
var initErr error

// Embedder generates embeddings using ONNX Runtime.
type Embedder struct {
	session    *ort.DynamicAdvancedSession
	tokenizer  *WordPiece
	dimensions int
	maxLen     int
	logger     *zap.Logger

	// mu guards session.Run.
	mu sync.Mutex
}

// New loads the model and tokenizer.
func New(cfg Config) (*Embedder, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("ModelPath is required")
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}
	if cfg.MaxSequenceLength == 0 {
		cfg.MaxSequenceLength = 128
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	initOnce.Do(func() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", initErr)
	}

	tokenizer, err := LoadWordPiece(cfg.TokenizerPath)
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	logger.Info("ONNX embedder ready",
		zap.String("model", cfg.ModelPath),
		zap.Int("dimensions", cfg.Dimensions),
	)

	return &Embedder{
		session:    session,
		tokenizer:  tokenizer,
		dimensions: cfg.Dimensions,
		maxLen:     cfg.MaxSequenceLength,
		logger:     logger.Named("onnx"),
	}, nil
}

// Embed converts text to a mean-pooled, unit-length embedding.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := e.tokenizer.Tokenize(text)
	if len(ids) > e.maxLen-2 {
		ids = ids[:e.maxLen-2]
	}

	inputIDs := make([]int64, e.maxLen)
	mask := make([]int64, e.maxLen)
	typeIDs := make([]int64, e.maxLen)

	inputIDs[0], mask[0] = clsID, 1
	for i, id := range ids {
		inputIDs[i+1], mask[i+1] = id, 1
	}
	inputIDs[len(ids)+1], mask[len(ids)+1] = sepID, 1

	shape := ort.NewShape(1, int64(e.maxLen))
	var inputs []ort.Value
	defer func() {
		for _, v := range inputs {
			v.Destroy()
		}
	}()
	for _, data := range [][]int64{inputIDs, mask, typeIDs} {
		t, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, fmt.Errorf("failed to create input tensor: %w", err)
		}
		inputs = append(inputs, t)
	}

	outputs := []ort.Value{nil}
	e.mu.Lock()
	err := e.session.Run(inputs, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("ONNX inference failed: %w", err)
	}
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}
	return e.pool(out.GetData(), out.GetShape(), mask)
}

// pool reduces the model output to one vector: pass-through when already
// pooled ([1, dims]), else mean over attended positions ([1, seq, dims]).
func (e *Embedder) pool(data []float32, shape ort.Shape, mask []int64) ([]float32, error) {
	embedding := make([]float32, e.dimensions)

	switch len(shape) {
	case 2:
		if len(data) < e.dimensions {
			return nil, fmt.Errorf("output dimension mismatch: got %d, expected %d", len(data), e.dimensions)
		}
		copy(embedding, data[:e.dimensions])

	case 3:
		if shape[0] != 1 {
			return nil, fmt.Errorf("expected batch size 1, got %d", shape[0])
		}
		if shape[2] != int64(e.dimensions) {
			return nil, fmt.Errorf("hidden size mismatch: got %d, expected %d", shape[2], e.dimensions)
		}
		attended := float32(0)
		for i := 0; i < int(shape[1]) && i < len(mask); i++ {
			if mask[i] == 0 {
				continue
			}
			attended++
			row := data[i*e.dimensions : (i+1)*e.dimensions]
			for j, v := range row {
				embedding[j] += v
			}
		}
		for j := range embedding {
			embedding[j] /= attended
		}

	default:
		return nil, fmt.Errorf("unexpected output shape: %v", shape)
	}

	return normalize(embedding), nil
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// EstimateTokens counts WordPiece tokens.
func (e *Embedder) EstimateTokens(text string) int {
	return e.tokenizer.EstimateTokens(text)
}

// Close releases ONNX resources.
func (e *Embedder) Close() error {
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
