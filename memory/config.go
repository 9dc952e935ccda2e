package memory

import "time"

// Config holds tuning for the acceptance pipeline, context assembly and
// Manager.
type Config struct {
	// Enabled toggles the memory system on/off.
	// Default: true.
	Enabled bool

	// MinAnswerLength is the minimum answer length (runes) for a turn to be
	// considered at all. Default: 20.
	MinAnswerLength int

	// MinMemoryLength is the minimum extracted memory length. Default: 10.
	MinMemoryLength int

	// MinMemoryWords is the minimum word count of an accepted memory. Default: 3.
	MinMemoryWords int

	// EchoThreshold is the similarity to the source question at or above
	// which a candidate is treated as an echo. Default: 0.98.
	EchoThreshold float64

	// DuplicateThreshold is the similarity to an existing local memory at or
	// above which a candidate is rejected as a duplicate. Default: 0.985.
	DuplicateThreshold float64

	// StructuralOverlap is the word-overlap ratio above which two memories
	// are structural duplicates. Default: 0.8.
	StructuralOverlap float64

	// MergeThreshold is the similarity at or above which a candidate is
	// merged into an existing local memory. Default: 0.9.
	MergeThreshold float64

	// DivergenceFloor is the similarity below which two memories are
	// contextually divergent and never merged. Default: 0.75.
	DivergenceFloor float64

	// MaxLocalRecords caps the number of memories in the local store.
	// Default: 100.
	MaxLocalRecords int

	// MemoryTokenBudget bounds the memory context block. Default: 750.
	MemoryTokenBudget int

	// DocumentTokenBudget bounds the document context block. Default: 1000.
	DocumentTokenBudget int

	// SearchLimit is how many memories are fetched per retrieval. Default: 20.
	SearchLimit int

	// DocumentSearchLimit is how many document chunks are fetched per
	// retrieval. Default: 5.
	DocumentSearchLimit int

	// PersonalConfidenceMin is the personal confidence at or above which a
	// memory is ranked as personal context. Default: 0.55.
	PersonalConfidenceMin float64

	// PinnedCacheTTL is how long the pinned-memory list is cached.
	// Default: 5m.
	PinnedCacheTTL time.Duration
}

// DefaultConfig returns the production defaults.
var DefaultConfig = &Config{
	Enabled:               true,
	MinAnswerLength:       20,
	MinMemoryLength:       10,
	MinMemoryWords:        3,
	EchoThreshold:         0.98,
	DuplicateThreshold:    0.985,
	StructuralOverlap:     0.8,
	MergeThreshold:        0.9,
	DivergenceFloor:       0.75,
	MaxLocalRecords:       100,
	MemoryTokenBudget:     750,
	DocumentTokenBudget:   1000,
	SearchLimit:           20,
	DocumentSearchLimit:   5,
	PersonalConfidenceMin: 0.55,
	PinnedCacheTTL:        5 * time.Minute,
}

// mergeFloor is the single similarity threshold a merge candidate must
// reach: the merge threshold, never below the divergence floor.
func (c *Config) mergeFloor() float64 {
	if c.DivergenceFloor > c.MergeThreshold {
		return c.DivergenceFloor
	}
	return c.MergeThreshold
}
