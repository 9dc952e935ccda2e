// Package tokens estimates how many language-model tokens a text uses.
package tokens

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the BPE encoding used by NewTiktoken when none is given.
const DefaultEncoding = "cl100k_base"

// Heuristic estimates tokens from character count. It needs no model data
// and slightly over-counts for English prose.
type Heuristic struct {
	// CharsPerToken defaults to 4.
	CharsPerToken float64
}

// EstimateTokens returns ceil(runes / CharsPerToken), at least 1 for
// non-blank text.
func (h Heuristic) EstimateTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	per := h.CharsPerToken
	if per <= 0 {
		per = 4
	}
	n := int(math.Ceil(float64(utf8.RuneCountInString(text)) / per))
	if n < 1 {
		n = 1
	}
	return n
}

// Tiktoken counts tokens with a real BPE encoding.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding ("" means DefaultEncoding). The
// first load may download the encoding file.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

// EstimateTokens returns the exact token count of text.
func (t *Tiktoken) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}
