// Package reconcile merges conversation and project snapshots from the sync
// service into the local store.
//
// The merge is per-record last-writer-wins on UpdatedAt, with one guard for
// conversations: a newer snapshot carrying a shorter history keeps the local
// history, because the snapshot raced ahead of a local write that has not
// reached the server yet.
package reconcile

import (
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/metrics"
)

// Decision is the outcome of merging one incoming record.
type Decision string

const (
	// DecisionInsert: no local record existed.
	DecisionInsert Decision = "insert"
	// DecisionAccept: the incoming record replaces the local one.
	DecisionAccept Decision = "accept"
	// DecisionKeepHistory: incoming fields are taken, local history is kept.
	DecisionKeepHistory Decision = "keep_history"
	// DecisionSkip: the incoming record is stale.
	DecisionSkip Decision = "skip"
)

// Applied reports whether the decision changes the local store.
func (d Decision) Applied() bool {
	return d != DecisionSkip
}

// Resolver decides how incoming records merge with local ones.
type Resolver struct {
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewResolver creates a resolver.
func NewResolver(opts ...Option) *Resolver {
	o := buildOptions(opts)
	return &Resolver{
		logger:  o.logger.Named("reconcile.resolver"),
		metrics: o.metrics,
	}
}

// Conversation merges incoming into local (nil when absent) and returns the
// record to store.
func (r *Resolver) Conversation(local *core.Conversation, incoming core.Conversation) (core.Conversation, Decision) {
	merged, d := resolveConversation(local, incoming)
	r.metrics.MergeDecision("conversation", string(d))
	if d == DecisionKeepHistory {
		r.logger.Debug("Kept local history over a shorter snapshot",
			zap.String("id", incoming.ID),
			zap.Int("local", len(local.History)),
			zap.Int("incoming", len(incoming.History)),
		)
	}
	return merged, d
}

// Project merges incoming into local (nil when absent) by timestamp.
func (r *Resolver) Project(local *core.Project, incoming core.Project) (core.Project, Decision) {
	merged, d := resolveProject(local, incoming)
	r.metrics.MergeDecision("project", string(d))
	return merged, d
}

func resolveConversation(local *core.Conversation, incoming core.Conversation) (core.Conversation, Decision) {
	if local == nil {
		return incoming, DecisionInsert
	}
	newer := incoming.UpdatedAt.After(local.UpdatedAt)
	longer := len(incoming.History) > len(local.History)
	shorter := len(incoming.History) < len(local.History)

	switch {
	case newer && shorter:
		merged := incoming
		merged.History = append([]core.Message(nil), local.History...)
		return merged, DecisionKeepHistory
	case !newer && !longer:
		return *local, DecisionSkip
	default:
		return incoming, DecisionAccept
	}
}

func resolveProject(local *core.Project, incoming core.Project) (core.Project, Decision) {
	if local == nil {
		return incoming, DecisionInsert
	}
	if incoming.UpdatedAt.After(local.UpdatedAt) {
		return incoming, DecisionAccept
	}
	return *local, DecisionSkip
}
