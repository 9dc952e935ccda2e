package onnx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testVocab() map[string]int {
	return map[string]int{
		"[UNK]": 100, "[CLS]": 101, "[SEP]": 102,
		"the": 1996, "user": 5310, "likes": 7777, "wood": 3536,
		"##working": 21398, "hik": 500, "##ing": 2075, ".": 1012,
	}
}

func TestWordPiece_Tokenize(t *testing.T) {
	tok := NewWordPiece(testVocab())

	ids := tok.Tokenize("The user likes Woodworking.")
	assert.Equal(t, []int64{1996, 5310, 7777, 3536, 21398, 1012}, ids)
}

func TestWordPiece_Unknown(t *testing.T) {
	tok := NewWordPiece(testVocab())

	assert.Equal(t, []int64{500, 2075}, tok.Tokenize("hiking"))
	assert.Equal(t, []int64{unkID}, tok.Tokenize("zz")[:1])
	assert.Equal(t, 0, tok.EstimateTokens("   "))
}
