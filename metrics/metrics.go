// Package metrics exposes Prometheus instruments for the memory engine.
//
// Every method is safe to call on a nil *Collector so components can treat
// metrics as optional.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the engine.
type Collector struct {
	registry *prometheus.Registry

	// Memory acceptance
	MemoriesStored   *prometheus.CounterVec
	MemoriesRejected *prometheus.CounterVec

	// Backend abstraction
	BackendFallbacks *prometheus.CounterVec

	// Context assembly
	ContextTokens prometheus.Histogram

	// Migration
	MigrationItems *prometheus.CounterVec
	MigrationRuns  *prometheus.CounterVec

	// Conflict merge
	MergeDecisions *prometheus.CounterVec
}

// NewCollector creates a collector on its own registry.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		MemoriesStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "memories_stored_total",
				Help:      "Memories written, by backend mode and write kind (insert, merge)",
			},
			[]string{"mode", "kind"},
		),
		MemoriesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "memories_rejected_total",
				Help:      "Memory candidates rejected, by reason",
			},
			[]string{"reason"},
		),
		BackendFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_fallbacks_total",
				Help:      "Remote backend failures absorbed by the router, by operation",
			},
			[]string{"op"},
		),
		ContextTokens: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "context_tokens_used",
				Help:      "Estimated tokens used by assembled memory context",
				Buckets:   []float64{0, 50, 100, 250, 500, 750, 1000, 2000, 4000},
			},
		),
		MigrationItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migration_items_total",
				Help:      "Items processed by migration, by phase and outcome",
			},
			[]string{"phase", "outcome"},
		),
		MigrationRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migration_runs_total",
				Help:      "Migration runs, by result",
			},
			[]string{"result"},
		),
		MergeDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_merge_decisions_total",
				Help:      "Conflict merge decisions, by entity and decision",
			},
			[]string{"entity", "decision"},
		),
	}

	registry.MustRegister(
		c.MemoriesStored,
		c.MemoriesRejected,
		c.BackendFallbacks,
		c.ContextTokens,
		c.MigrationItems,
		c.MigrationRuns,
		c.MergeDecisions,
	)
	return c
}

// Registry returns the registry the collector's metrics are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) MemoryStored(mode, kind string) {
	if c == nil {
		return
	}
	c.MemoriesStored.WithLabelValues(mode, kind).Inc()
}

func (c *Collector) MemoryRejected(reason string) {
	if c == nil {
		return
	}
	c.MemoriesRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) BackendFallback(op string) {
	if c == nil {
		return
	}
	c.BackendFallbacks.WithLabelValues(op).Inc()
}

func (c *Collector) ContextAssembled(tokens int) {
	if c == nil {
		return
	}
	c.ContextTokens.Observe(float64(tokens))
}

func (c *Collector) MigrationItem(phase, outcome string) {
	if c == nil {
		return
	}
	c.MigrationItems.WithLabelValues(phase, outcome).Inc()
}

func (c *Collector) MigrationRun(result string) {
	if c == nil {
		return
	}
	c.MigrationRuns.WithLabelValues(result).Inc()
}

func (c *Collector) MergeDecision(entity, decision string) {
	if c == nil {
		return
	}
	c.MergeDecisions.WithLabelValues(entity, decision).Inc()
}
