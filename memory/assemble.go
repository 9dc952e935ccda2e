package memory

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/becomeliminal/nim-recall/core"
)

// Ranking weights.
const (
	pinnedBase       = 0.75
	defaultBase      = 0.2
	personalWeight   = 0.25
	engagementWeight = 0.15
	topicBoost       = 0.08
	pinnedBoost      = 0.25
)

// recencySteps maps maximum age to boost, checked in order.
var recencySteps = []struct {
	maxAge time.Duration
	boost  float64
}{
	{24 * time.Hour, 0.20},
	{7 * 24 * time.Hour, 0.15},
	{30 * 24 * time.Hour, 0.10},
	{90 * 24 * time.Hour, 0.05},
}

// Bucket is a context section.
type Bucket int

const (
	BucketPinned Bucket = iota
	BucketPersonal
	BucketOther
)

// Title is the section heading.
func (b Bucket) Title() string {
	switch b {
	case BucketPinned:
		return "Pinned"
	case BucketPersonal:
		return "Personal"
	default:
		return "Other"
	}
}

// Section is one rendered group of memories.
type Section struct {
	Title string
	Lines []string
}

// Stats summarizes a selection.
type Stats struct {
	Pinned            int
	Personal          int
	Other             int
	Budget            int
	TokensUsed        int
	TokensRemaining   int
	AverageScore      float64
	AverageConfidence float64
}

// ContextSelection is the packed memory context for one prompt.
type ContextSelection struct {
	Sections []Section
	Stats    Stats

	// Records are the selected memories in section order.
	Records []core.MemoryRecord
}

// Empty reports whether nothing was selected.
func (s ContextSelection) Empty() bool {
	return len(s.Records) == 0
}

// Render formats the selection as a prompt block, or "" when empty.
func (s ContextSelection) Render() string {
	if s.Empty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("What you remember about the user:\n")
	for _, sec := range s.Sections {
		fmt.Fprintf(&b, "\n%s:\n", sec.Title)
		for _, line := range sec.Lines {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

type ranked struct {
	rec     core.MemoryRecord
	boosted float64
	tokens  int
}

// Assembler packs memories into a token budget, pinned first, then personal,
// then everything else.
type Assembler struct {
	estimator TokenEstimator
	config    *Config
	lexicon   LexiconSource
	now       func() time.Time
}

// NewAssembler creates an assembler.
func NewAssembler(estimator TokenEstimator, opts ...Option) *Assembler {
	o := buildOptions(opts)
	return &Assembler{
		estimator: estimator,
		config:    o.config,
		lexicon:   o.lexicon,
		now:       o.now,
	}
}

// Assemble selects memories from pool within budget tokens. Output depends
// only on pool, budget and the clock.
func (a *Assembler) Assemble(pool []core.MemoryRecord, budget int) ContextSelection {
	if budget < 0 {
		budget = 0
	}
	lex := a.lexicon.Lexicon()
	now := a.now()

	buckets := make([][]ranked, 3)
	for _, r := range a.dedupe(lex, pool, now) {
		b := a.classify(lex, r.rec)
		buckets[b] = append(buckets[b], r)
	}
	for _, bucket := range buckets {
		sortRanked(bucket)
	}

	used := 0
	chosen := make([][]ranked, 3)
	pack := func(b Bucket) {
		for _, r := range buckets[b] {
			if used+r.tokens <= budget {
				chosen[b] = append(chosen[b], r)
				used += r.tokens
			}
		}
	}
	pack(BucketPinned)
	pack(BucketPersonal)
	pack(BucketOther)

	sel := ContextSelection{Stats: Stats{Budget: budget, TokensUsed: used, TokensRemaining: budget - used}}
	var scoreSum, confSum float64
	confN := 0
	for b, rs := range chosen {
		if len(rs) == 0 {
			continue
		}
		bucket := Bucket(b)
		sec := Section{Title: bucket.Title()}
		for _, r := range rs {
			sec.Lines = append(sec.Lines, formatLine(r.rec, bucket))
			sel.Records = append(sel.Records, r.rec)
			scoreSum += r.rec.Score
			if c, ok := r.rec.PersonalConfidence(); ok {
				confSum += c
				confN++
			}
		}
		sel.Sections = append(sel.Sections, sec)
		switch bucket {
		case BucketPinned:
			sel.Stats.Pinned = len(rs)
		case BucketPersonal:
			sel.Stats.Personal = len(rs)
		default:
			sel.Stats.Other = len(rs)
		}
	}
	if n := len(sel.Records); n > 0 {
		sel.Stats.AverageScore = scoreSum / float64(n)
	}
	if confN > 0 {
		sel.Stats.AverageConfidence = confSum / float64(confN)
	}
	return sel
}

// BoostedScore is the ranking value of rec at time now.
func BoostedScore(lex *Lexicon, rec core.MemoryRecord, now time.Time) float64 {
	base := rec.Score
	if base <= 0 {
		base = defaultBase
		if rec.Pinned {
			base = pinnedBase
		}
	}

	score := base + recencyBoost(rec.ReferenceTime(), now)
	if c, ok := rec.PersonalConfidence(); ok {
		score += c * personalWeight
	}
	score += rec.Engagement() * engagementWeight
	if lex.IsPersonalTopic(rec.Topic()) {
		score += topicBoost
	}
	if rec.Pinned {
		score += pinnedBoost
	}
	return score
}

func recencyBoost(ref, now time.Time) float64 {
	if ref.IsZero() {
		return 0
	}
	age := now.Sub(ref)
	for _, step := range recencySteps {
		if age <= step.maxAge {
			return step.boost
		}
	}
	return 0
}

// dedupe drops empty records and keeps the higher-scored copy of each
// memory, keyed by ID or, without one, lower-cased content.
func (a *Assembler) dedupe(lex *Lexicon, pool []core.MemoryRecord, now time.Time) []ranked {
	byKey := make(map[string]int, len(pool))
	out := make([]ranked, 0, len(pool))
	for _, rec := range pool {
		content := strings.TrimSpace(rec.Content)
		if content == "" {
			continue
		}
		r := ranked{
			rec:     rec,
			boosted: BoostedScore(lex, rec, now),
			tokens:  a.estimator.EstimateTokens(content),
		}

		key := rec.ID
		if key == "" {
			key = "content:" + strings.ToLower(content)
		}
		if i, ok := byKey[key]; ok {
			if better(r, out[i]) {
				out[i] = r
			}
			continue
		}
		byKey[key] = len(out)
		out = append(out, r)
	}
	return out
}

func (a *Assembler) classify(lex *Lexicon, rec core.MemoryRecord) Bucket {
	if rec.Pinned {
		return BucketPinned
	}
	if rec.Source == core.SourceUser {
		return BucketPersonal
	}
	if c, ok := rec.PersonalConfidence(); ok && c >= a.config.PersonalConfidenceMin {
		return BucketPersonal
	}
	if lex.IsPersonalTopic(rec.Topic()) {
		return BucketPersonal
	}
	if rec.Title != "" && lex.HasPersonalHint(rec.Title) {
		return BucketPersonal
	}
	for _, tag := range rec.Tags {
		if lex.IsPersonalTopic(tag) || lex.HasPersonalHint(tag) {
			return BucketPersonal
		}
	}
	return BucketOther
}

func formatLine(rec core.MemoryRecord, b Bucket) string {
	var sb strings.Builder
	if topic := rec.Topic(); topic != "" && b != BucketPinned {
		fmt.Fprintf(&sb, "[%s] ", topic)
	}
	if rec.Title != "" {
		sb.WriteString(rec.Title)
		sb.WriteString(": ")
	}
	sb.WriteString(strings.TrimSpace(rec.Content))
	return sb.String()
}

// better orders by boosted score, then ID, then content.
func better(x, y ranked) bool {
	if x.boosted != y.boosted {
		return x.boosted > y.boosted
	}
	if x.rec.ID != y.rec.ID {
		return x.rec.ID < y.rec.ID
	}
	return x.rec.Content < y.rec.Content
}

func sortRanked(rs []ranked) {
	sort.SliceStable(rs, func(i, j int) bool { return better(rs[i], rs[j]) })
}

// RenderDocuments formats document hits as a prompt block within budget
// tokens, best first, skipping chunks that do not fit.
func RenderDocuments(hits []core.DocumentHit, budget int, estimator TokenEstimator) string {
	if len(hits) == 0 || budget <= 0 {
		return ""
	}
	sorted := make([]core.DocumentHit, len(hits))
	copy(sorted, hits)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].DocumentID < sorted[j].DocumentID
	})

	var lines []string
	used := 0
	for _, h := range sorted {
		chunk := strings.TrimSpace(h.Chunk)
		if chunk == "" {
			continue
		}
		line := fmt.Sprintf("[%s] %s", h.Name, chunk)
		t := estimator.EstimateTokens(line)
		if used+t > budget {
			continue
		}
		used += t
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return ""
	}
	return "Relevant excerpts from the user's documents:\n\n" + strings.Join(lines, "\n\n") + "\n"
}
