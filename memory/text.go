package memory

import (
	"math"
	"regexp"
	"strings"
	"unicode"
)

// CosineSimilarity computes the cosine similarity between two vectors.
// Returns a value in [-1, 1]; 0 when lengths differ or either is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	sim := dot / denom
	// Clamp float drift.
	return math.Max(-1, math.Min(1, sim))
}

// NormalizeText lower-cases text, turns punctuation into spaces and collapses
// whitespace. Apostrophes inside words are dropped ("don't" -> "dont").
func NormalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '\'' || r == '’':
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// Tokens splits normalized text into words.
func Tokens(s string) []string {
	return strings.Fields(NormalizeText(s))
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// WordOverlap is the share of b's unique normalized tokens that also occur
// in a. Word order does not matter.
func WordOverlap(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	shared := 0
	for t := range setB {
		if _, ok := setA[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(setB))
}

func tokenSet(s string) map[string]struct{} {
	toks := Tokens(s)
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	return set
}

var (
	markupTag   = regexp.MustCompile(`<[^>]*>`)
	markdownRun = regexp.MustCompile("[*_`#>~]+")
	spaceRun    = regexp.MustCompile(`\s+`)
)

// Sanitize strips markup and whitespace noise from model output.
func Sanitize(s string) string {
	s = markupTag.ReplaceAllString(s, " ")
	s = markdownRun.ReplaceAllString(s, "")
	s = spaceRun.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'“”‘’`)
	return strings.TrimSpace(s)
}

// truncate truncates a string to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return "..."
	}
	return string(r[:maxLen-3]) + "..."
}
