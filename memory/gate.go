package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Pinger checks whether the remote service is reachable.
type Pinger interface {
	Health(ctx context.Context) error
}

// GateInputs are the conditions that enable the remote backend. Nil funcs
// count as satisfied; a nil Remote means no remote is configured.
type GateInputs struct {
	// Entitled reports whether the user's plan includes remote memory.
	Entitled func(ctx context.Context) bool

	// Remote is pinged to check reachability.
	Remote Pinger

	// Compatible reports whether the active generation backend can use
	// remote memory.
	Compatible func() bool
}

// Gate caches whether the remote backend is usable. It is re-evaluated at
// startup, when credentials change and on a poll while disabled.
type Gate struct {
	inputs   GateInputs
	interval time.Duration
	logger   *zap.Logger

	enabled atomic.Bool

	mu        sync.Mutex
	listeners []func(enabled bool)
	evalMu    sync.Mutex
}

// NewGate creates a gate that starts disabled. pollInterval <= 0 disables
// the liveness poll.
func NewGate(inputs GateInputs, pollInterval time.Duration, opts ...Option) *Gate {
	o := buildOptions(opts)
	return &Gate{
		inputs:   inputs,
		interval: pollInterval,
		logger:   o.logger.Named("memory.gate"),
	}
}

// Enabled returns the cached flag.
func (g *Gate) Enabled() bool {
	return g.enabled.Load()
}

// OnChange registers fn to be called after every flip of the flag.
func (g *Gate) OnChange(fn func(enabled bool)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// Evaluate recomputes the flag and notifies listeners if it flipped.
func (g *Gate) Evaluate(ctx context.Context) bool {
	g.evalMu.Lock()
	defer g.evalMu.Unlock()

	next := g.check(ctx)
	prev := g.enabled.Swap(next)
	if prev != next {
		g.logger.Info("Remote memory availability changed", zap.Bool("enabled", next))
		g.notify(next)
	}
	return next
}

// CredentialsChanged rechecks after a login, logout or token refresh.
func (g *Gate) CredentialsChanged(ctx context.Context) bool {
	return g.Evaluate(ctx)
}

// Run evaluates once, then polls while disabled until ctx is done.
func (g *Gate) Run(ctx context.Context) error {
	g.Evaluate(ctx)
	if g.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !g.Enabled() {
				g.Evaluate(ctx)
			}
		}
	}
}

func (g *Gate) check(ctx context.Context) bool {
	if g.inputs.Remote == nil {
		return false
	}
	if g.inputs.Entitled != nil && !g.inputs.Entitled(ctx) {
		return false
	}
	if g.inputs.Compatible != nil && !g.inputs.Compatible() {
		return false
	}
	if err := g.inputs.Remote.Health(ctx); err != nil {
		g.logger.Debug("Remote memory unreachable", zap.Error(err))
		return false
	}
	return true
}

func (g *Gate) notify(enabled bool) {
	g.mu.Lock()
	listeners := make([]func(bool), len(g.listeners))
	copy(listeners, g.listeners)
	g.mu.Unlock()

	for _, fn := range listeners {
		fn(enabled)
	}
}
