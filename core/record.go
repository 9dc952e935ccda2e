// Package core holds the data model shared by the memory engine, the
// storage backends, migration and conversation sync.
package core

import (
	"sort"
	"strings"
	"time"
)

// Source records who created a memory.
type Source string

const (
	// SourceAuto marks memories extracted automatically from a conversation turn.
	SourceAuto Source = "auto"
	// SourceUser marks memories the user created or explicitly asked to keep.
	SourceUser Source = "user"
)

// MemoryMetadata carries optional ranking hints for a memory.
type MemoryMetadata struct {
	// PersonalConfidence is how sure the extractor is that the fact is about
	// the user personally, in [0,1].
	PersonalConfidence *float64 `json:"personalConfidence,omitempty"`

	// Topic is a short topic label (e.g. "hobbies", "work").
	Topic string `json:"topic,omitempty"`

	// Engagement is how enthusiastic the user was about the fact, in [0,1].
	Engagement *float64 `json:"engagement,omitempty"`

	// ExtractedFrom holds the user message the memory was extracted from.
	ExtractedFrom string `json:"extractedFrom,omitempty"`

	// Extra holds additional properties the engine does not interpret.
	Extra map[string]any `json:"additionalProperties,omitempty"`
}

// MemoryRecord is a durable, short factual statement about the user.
//
// Embedding is only populated by the local backend. Score is only populated
// on search results (remote relevance score or local similarity). A record
// read from either backend carries one of the two, never both.
type MemoryRecord struct {
	ID               string          `json:"id"`
	Content          string          `json:"content"`
	Title            string          `json:"title,omitempty"`
	Tags             []string        `json:"tags,omitempty"`
	Pinned           bool            `json:"pinned"`
	Source           Source          `json:"source"`
	Embedding        []float32       `json:"embedding,omitempty"`
	Score            float64         `json:"score,omitempty"`
	UploadedAt       time.Time       `json:"uploadedAt"`
	LastReferencedAt time.Time       `json:"lastReferencedAt"`
	Metadata         *MemoryMetadata `json:"metadata,omitempty"`
}

// Topic returns the metadata topic, or "" when there is none.
func (r *MemoryRecord) Topic() string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata.Topic
}

// PersonalConfidence returns the personal confidence and whether it was set.
func (r *MemoryRecord) PersonalConfidence() (float64, bool) {
	if r.Metadata == nil || r.Metadata.PersonalConfidence == nil {
		return 0, false
	}
	return clamp01(*r.Metadata.PersonalConfidence), true
}

// Engagement returns the engagement score, or 0 when unset.
func (r *MemoryRecord) Engagement() float64 {
	if r.Metadata == nil || r.Metadata.Engagement == nil {
		return 0
	}
	return clamp01(*r.Metadata.Engagement)
}

// ReferenceTime is the timestamp used for recency ranking.
func (r *MemoryRecord) ReferenceTime() time.Time {
	if !r.LastReferencedAt.IsZero() {
		return r.LastReferencedAt
	}
	return r.UploadedAt
}

// MemoryPatch is a partial update to a memory. Nil fields are left unchanged.
type MemoryPatch struct {
	Content          *string
	Title            *string
	Tags             []string
	Pinned           *bool
	Embedding        []float32
	LastReferencedAt *time.Time
}

// Apply applies the patch to rec in place.
func (p MemoryPatch) Apply(rec *MemoryRecord) {
	if p.Content != nil {
		rec.Content = *p.Content
	}
	if p.Title != nil {
		rec.Title = *p.Title
	}
	if p.Tags != nil {
		rec.Tags = NormalizeTags(p.Tags)
	}
	if p.Pinned != nil {
		rec.Pinned = *p.Pinned
	}
	if p.Embedding != nil {
		rec.Embedding = p.Embedding
	}
	if p.LastReferencedAt != nil {
		rec.LastReferencedAt = *p.LastReferencedAt
	}
}

// PinOnly reports whether the patch touches nothing but the pinned flag.
func (p MemoryPatch) PinOnly() bool {
	return p.Pinned != nil && p.Content == nil && p.Title == nil && p.Tags == nil &&
		p.Embedding == nil && p.LastReferencedAt == nil
}

// NormalizeTags lower-cases, trims and deduplicates tags, returning them sorted.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Float returns a pointer to f, for optional metadata fields.
func Float(f float64) *float64 {
	return &f
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
