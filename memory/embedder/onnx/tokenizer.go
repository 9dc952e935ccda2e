package onnx

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Special token ids of the bert-base-uncased vocabulary.
const (
	clsID = 101
	sepID = 102
	unkID = 100
)

// WordPiece is a BERT-style lower-casing WordPiece tokenizer.
type WordPiece struct {
	vocab map[string]int
}

// LoadWordPiece reads the vocabulary from a Hugging Face tokenizer.json.
func LoadWordPiece(path string) (*WordPiece, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer %s: %w", path, err)
	}

	var file struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer %s: %w", path, err)
	}
	if len(file.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer %s has no vocabulary", path)
	}
	return NewWordPiece(file.Model.Vocab), nil
}

// NewWordPiece creates a tokenizer over vocab.
func NewWordPiece(vocab map[string]int) *WordPiece {
	return &WordPiece{vocab: vocab}
}

// Tokenize converts text to token ids, without [CLS]/[SEP].
func (t *WordPiece) Tokenize(text string) []int64 {
	var ids []int64
	for _, word := range splitWords(strings.ToLower(text)) {
		if id, ok := t.vocab[word]; ok {
			ids = append(ids, int64(id))
			continue
		}
		for _, piece := range t.pieces(word) {
			if id, ok := t.vocab[piece]; ok {
				ids = append(ids, int64(id))
			} else {
				ids = append(ids, unkID)
			}
		}
	}
	return ids
}

// EstimateTokens counts word pieces.
func (t *WordPiece) EstimateTokens(text string) int {
	return len(t.Tokenize(text))
}

// pieces splits a word greedily into the longest known prefixes.
func (t *WordPiece) pieces(word string) []string {
	runes := []rune(word)
	var out []string
	for start := 0; start < len(runes); {
		end := len(runes)
		for ; end > start; end-- {
			sub := string(runes[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if _, ok := t.vocab[sub]; ok {
				out = append(out, sub)
				break
			}
		}
		if end == start {
			out = append(out, "[UNK]")
			end = start + 1
		}
		start = end
	}
	return out
}

// splitWords splits on whitespace and makes each punctuation rune its own
// word, as BERT's basic tokenizer does.
func splitWords(text string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return words
}
