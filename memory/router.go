package memory

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/metrics"
)

// Enabler reports whether the remote backend should be used.
// Gate implements it.
type Enabler interface {
	Enabled() bool
}

// Selection is the backend chosen for one call.
type Selection struct {
	Mode    Mode
	Backend Backend
}

// Result reports the outcome of a mutating Router call. Failures never
// escape the Router as errors.
type Result struct {
	Success bool
	ID      string
	Mode    Mode
	Error   string
}

// Router dispatches storage calls to the local or remote backend according
// to the enablement gate. Remote reads that fail come back empty; remote
// mutations that fail are retried against the local backend.
type Router struct {
	local   Backend
	remote  Backend
	gate    Enabler
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewRouter creates a router. remote and gate may be nil, in which case every
// call goes to local.
func NewRouter(local, remote Backend, gate Enabler, opts ...Option) *Router {
	o := buildOptions(opts)
	return &Router{
		local:   local,
		remote:  remote,
		gate:    gate,
		logger:  o.logger.Named("memory.router"),
		metrics: o.metrics,
	}
}

// Select picks the backend for a call. Take it once and use it for the
// whole operation.
func (r *Router) Select() Selection {
	if r.remote != nil && r.gate != nil && r.gate.Enabled() {
		return Selection{Mode: ModeRemote, Backend: r.remote}
	}
	return Selection{Mode: ModeLocal, Backend: r.local}
}

// Local returns the local backend.
func (r *Router) Local() Backend {
	return r.local
}

// AddMemory stores rec in the selected backend, falling back to local.
func (r *Router) AddMemory(ctx context.Context, rec core.MemoryRecord) Result {
	sel := r.Select()
	stored, err := sel.Backend.AddMemory(ctx, rec)
	if err == nil {
		return Result{Success: true, ID: stored.ID, Mode: sel.Mode}
	}
	if sel.Mode == ModeLocal {
		return failed(ModeLocal, err)
	}

	r.fallback("add_memory", err)
	stored, err = r.local.AddMemory(ctx, rec)
	if err != nil {
		return failed(ModeLocal, err)
	}
	return Result{Success: true, ID: stored.ID, Mode: ModeLocal}
}

// SearchMemories searches the selected backend. Failures yield no results.
func (r *Router) SearchMemories(ctx context.Context, query string, limit int) []core.MemoryRecord {
	sel := r.Select()
	recs, err := sel.Backend.SearchMemories(ctx, query, limit)
	if err != nil {
		r.logger.Warn("Memory search failed",
			zap.String("mode", string(sel.Mode)),
			zap.Error(err),
		)
		return nil
	}
	return recs
}

// GetUserMemories lists all memories of the selected backend. Failures
// yield no results.
func (r *Router) GetUserMemories(ctx context.Context) []core.MemoryRecord {
	sel := r.Select()
	recs, err := sel.Backend.GetUserMemories(ctx)
	if err != nil {
		r.logger.Warn("Listing memories failed",
			zap.String("mode", string(sel.Mode)),
			zap.Error(err),
		)
		return nil
	}
	return recs
}

// DeleteMemory deletes from the selected backend, falling back to local.
func (r *Router) DeleteMemory(ctx context.Context, id string) Result {
	return r.mutate(ctx, "delete_memory", id, func(b Backend) error {
		return b.DeleteMemory(ctx, id)
	})
}

// UpdateMemory patches a memory in the selected backend, falling back to
// local.
func (r *Router) UpdateMemory(ctx context.Context, id string, patch core.MemoryPatch) Result {
	return r.mutate(ctx, "update_memory", id, func(b Backend) error {
		return b.UpdateMemory(ctx, id, patch)
	})
}

// UploadDocument stores doc in the selected backend, falling back to local.
func (r *Router) UploadDocument(ctx context.Context, doc core.Document) Result {
	sel := r.Select()
	stored, err := sel.Backend.UploadDocument(ctx, doc)
	if err == nil {
		return Result{Success: true, ID: stored.ID, Mode: sel.Mode}
	}
	if sel.Mode == ModeLocal {
		return failed(ModeLocal, err)
	}

	r.fallback("upload_document", err)
	stored, err = r.local.UploadDocument(ctx, doc)
	if err != nil {
		return failed(ModeLocal, err)
	}
	return Result{Success: true, ID: stored.ID, Mode: ModeLocal}
}

// SearchDocuments searches documents in the selected backend. A failing
// remote search returns no results; local documents are not consulted.
func (r *Router) SearchDocuments(ctx context.Context, query string, limit int) []core.DocumentHit {
	sel := r.Select()
	hits, err := sel.Backend.SearchDocuments(ctx, query, limit)
	if err != nil {
		r.logger.Warn("Document search failed",
			zap.String("mode", string(sel.Mode)),
			zap.Error(err),
		)
		return nil
	}
	return hits
}

func (r *Router) mutate(ctx context.Context, op, id string, fn func(Backend) error) Result {
	sel := r.Select()
	err := fn(sel.Backend)
	if err == nil {
		return Result{Success: true, ID: id, Mode: sel.Mode}
	}
	if sel.Mode == ModeLocal {
		return failed(ModeLocal, err)
	}

	r.fallback(op, err)
	if err := fn(r.local); err != nil {
		return failed(ModeLocal, err)
	}
	return Result{Success: true, ID: id, Mode: ModeLocal}
}

func (r *Router) fallback(op string, err error) {
	r.metrics.BackendFallback(op)
	r.logger.Warn("Remote backend failed, falling back to local",
		zap.String("op", op),
		zap.Bool("unavailable", errors.Is(err, ErrBackendUnavailable)),
		zap.Error(err),
	)
}

func failed(mode Mode, err error) Result {
	return Result{Mode: mode, Error: err.Error()}
}
