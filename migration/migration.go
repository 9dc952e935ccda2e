// Package migration moves a local memory store into the remote memory
// service, once per install.
//
// A run goes through the phases memories, documents, cleanup and complete.
// Items are sent in batches; each item is retried with a linearly growing
// delay and a failed item is recorded without stopping the run. The
// completion flag is written only when no item failed, so a partial run is
// repeated in full on the next trigger. The remote service absorbs the
// resulting repeats.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/kv"
	"github.com/becomeliminal/nim-recall/metrics"
)

// Flag location in the KV store.
const (
	SettingsStore = "settings"
	CompletedKey  = "migration.completed"
)

var (
	// ErrAborted is returned by Run when the remote service is not
	// available. Nothing was transferred.
	ErrAborted = errors.New("migration aborted")

	// ErrRunning is returned by Run while another run is in progress.
	ErrRunning = errors.New("migration already running")
)

// Source is the local store being drained.
type Source interface {
	GetUserMemories(ctx context.Context) ([]core.MemoryRecord, error)
	Documents(ctx context.Context) ([]core.Document, error)
	Clear(ctx context.Context) error
}

// Destination is the remote service.
type Destination interface {
	Health(ctx context.Context) error
	AddMemory(ctx context.Context, rec core.MemoryRecord) (core.MemoryRecord, error)
	UploadDocument(ctx context.Context, doc core.Document) (core.Document, error)
}

// BatchCreator is implemented by destinations that accept several memories
// in one call.
type BatchCreator interface {
	BatchCreateMemories(ctx context.Context, recs []core.MemoryRecord) ([]core.MemoryRecord, error)
}

// Phase names a step of a run.
type Phase string

const (
	PhaseMemories  Phase = "memories"
	PhaseDocuments Phase = "documents"
	PhaseCleanup   Phase = "cleanup"
	PhaseComplete  Phase = "complete"
)

// Status is the lifecycle state of the coordinator.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ItemError records one item that could not be transferred.
type ItemError struct {
	Phase  Phase
	ItemID string
	Err    error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Phase, e.ItemID, e.Err)
}

func (e ItemError) Unwrap() error {
	return e.Err
}

// Progress is reported after every batch.
type Progress struct {
	Phase       Phase
	Current     int
	Total       int
	CurrentItem string
	Errors      []ItemError
}

// State is a snapshot of the coordinator.
type State struct {
	Status   Status
	Progress Progress

	// Success is true iff the run finished without item errors.
	Success bool
}

// Config tunes a migration run.
type Config struct {
	// BatchSize is the number of items per batch. Default: 10.
	BatchSize int

	// MaxAttempts is the number of tries per item. Default: 3.
	MaxAttempts int

	// RetryDelay is the base delay; attempt n waits n*RetryDelay.
	// Default: 500ms.
	RetryDelay time.Duration

	// Cleanup clears the local store after a fully successful run.
	// Default: false.
	Cleanup bool
}

// DefaultConfig is used when no config is given.
var DefaultConfig = &Config{
	BatchSize:   10,
	MaxAttempts: 3,
	RetryDelay:  500 * time.Millisecond,
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig sets the run config. Nil keeps DefaultConfig.
func WithConfig(cfg *Config) Option {
	return func(c *Coordinator) {
		if cfg != nil {
			c.config = cfg
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithProgress registers a callback invoked after every batch and phase
// change. It runs on the migrating goroutine.
func WithProgress(fn func(Progress)) Option {
	return func(c *Coordinator) {
		c.onProgress = fn
	}
}

// Coordinator runs migrations. It is safe for concurrent use; concurrent
// runs are refused with ErrRunning.
type Coordinator struct {
	source     Source
	dest       Destination
	flags      kv.Store
	config     *Config
	logger     *zap.Logger
	metrics    *metrics.Collector
	onProgress func(Progress)

	running atomic.Bool
	wg      sync.WaitGroup

	mu    sync.Mutex
	state State
}

// New creates a coordinator. flags holds the completion flag.
func New(source Source, dest Destination, flags kv.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		source: source,
		dest:   dest,
		flags:  flags,
		config: DefaultConfig,
		logger: zap.NewNop(),
		state:  State{Status: StatusNotStarted},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("migration")
	return c
}

// Completed reports whether a run has finished without errors on this
// install.
func (c *Coordinator) Completed(ctx context.Context) (bool, error) {
	var done bool
	err := kv.GetJSON(ctx, c.flags, SettingsStore, CompletedKey, &done)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read migration flag: %w", err)
	}
	return done, nil
}

// Reset clears the completion flag so the next trigger migrates again.
func (c *Coordinator) Reset(ctx context.Context) error {
	if c.running.Load() {
		return ErrRunning
	}
	if err := c.flags.Delete(ctx, SettingsStore, CompletedKey); err != nil {
		return fmt.Errorf("clear migration flag: %w", err)
	}
	c.setState(State{Status: StatusNotStarted})
	c.logger.Info("Migration flag cleared")
	return nil
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.Progress.Errors = append([]ItemError(nil), s.Progress.Errors...)
	return s
}

// Enabler is the subset of memory.Gate the auto-trigger needs.
type Enabler interface {
	OnChange(fn func(enabled bool))
}

// AutoTrigger starts a run in the background each time gate becomes enabled
// and this install has not completed a migration. ctx bounds those runs.
func (c *Coordinator) AutoTrigger(ctx context.Context, gate Enabler) {
	gate.OnChange(func(enabled bool) {
		if !enabled {
			return
		}
		done, err := c.Completed(ctx)
		if err != nil {
			c.logger.Warn("Skipping migration auto-trigger", zap.Error(err))
			return
		}
		if done || c.running.Load() {
			return
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			state, err := c.Run(ctx, c.config.Cleanup)
			if err != nil && !errors.Is(err, ErrRunning) {
				c.logger.Warn("Automatic migration did not run", zap.Error(err))
				return
			}
			c.logger.Info("Automatic migration finished",
				zap.String("status", string(state.Status)),
				zap.Int("errors", len(state.Progress.Errors)),
			)
		}()
	})
}

// Wait blocks until background runs started by AutoTrigger return.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Run migrates every local memory and document. Item failures are reported
// in the returned state, not as an error. An unavailable destination
// returns ErrAborted and leaves the state NotStarted. A completed install
// returns immediately until Reset is called.
func (c *Coordinator) Run(ctx context.Context, cleanup bool) (State, error) {
	if !c.running.CompareAndSwap(false, true) {
		return c.State(), ErrRunning
	}
	defer c.running.Store(false)

	done, err := c.Completed(ctx)
	if err != nil {
		return c.State(), err
	}
	if done {
		c.logger.Debug("Migration already completed")
		return c.setState(State{Status: StatusCompleted, Success: true}), nil
	}

	if err := c.dest.Health(ctx); err != nil {
		c.metrics.MigrationRun("aborted")
		c.logger.Warn("Remote memory unavailable, migration aborted", zap.Error(err))
		return c.setState(State{Status: StatusNotStarted}), fmt.Errorf("%w: %w", ErrAborted, err)
	}

	start := time.Now()
	c.setState(State{Status: StatusRunning})
	c.logger.Info("Migration started", zap.Bool("cleanup", cleanup))

	var errs []ItemError
	errs = c.migrateMemories(ctx, errs)
	errs = c.migrateDocuments(ctx, errs)

	if len(errs) == 0 {
		if err := kv.PutJSON(ctx, c.flags, SettingsStore, CompletedKey, true); err != nil {
			errs = append(errs, ItemError{Phase: PhaseComplete, ItemID: CompletedKey, Err: err})
		}
	}

	if cleanup && len(errs) == 0 {
		c.report(Progress{Phase: PhaseCleanup})
		if err := c.source.Clear(ctx); err != nil {
			c.logger.Warn("Local cleanup failed after migration", zap.Error(err))
		}
	}

	final := State{
		Status:   StatusCompleted,
		Success:  len(errs) == 0,
		Progress: Progress{Phase: PhaseComplete, Errors: errs},
	}
	if !final.Success {
		final.Status = StatusFailed
	}
	c.setState(final)
	c.report(final.Progress)
	c.metrics.MigrationRun(string(final.Status))

	c.logger.Info("Migration finished",
		zap.String("status", string(final.Status)),
		zap.Int("errors", len(errs)),
		zap.Duration("took", time.Since(start)),
	)
	return c.State(), nil
}

func (c *Coordinator) migrateMemories(ctx context.Context, errs []ItemError) []ItemError {
	recs, err := c.source.GetUserMemories(ctx)
	if err != nil {
		return append(errs, ItemError{Phase: PhaseMemories, Err: fmt.Errorf("list local memories: %w", err)})
	}

	p := Progress{Phase: PhaseMemories, Total: len(recs), Errors: errs}
	c.report(p)
	for start := 0; start < len(recs); start += c.batchSize() {
		batch := recs[start:min(start+c.batchSize(), len(recs))]
		p.CurrentItem = batch[0].ID
		p.Errors = c.sendMemories(ctx, batch, p.Errors)
		p.Current += len(batch)
		c.report(p)
	}
	return p.Errors
}

// sendMemories tries the batch endpoint first, then each item with retries.
func (c *Coordinator) sendMemories(ctx context.Context, batch []core.MemoryRecord, errs []ItemError) []ItemError {
	if bc, ok := c.dest.(BatchCreator); ok {
		_, err := bc.BatchCreateMemories(ctx, batch)
		if err == nil {
			for range batch {
				c.metrics.MigrationItem(string(PhaseMemories), "migrated")
			}
			return errs
		}
		c.logger.Debug("Batch create failed, sending items one by one",
			zap.Int("batch", len(batch)),
			zap.Error(err),
		)
	}

	for _, rec := range batch {
		err := c.retry(ctx, func() error {
			_, err := c.dest.AddMemory(ctx, rec)
			return err
		})
		errs = c.record(PhaseMemories, rec.ID, err, errs)
	}
	return errs
}

func (c *Coordinator) migrateDocuments(ctx context.Context, errs []ItemError) []ItemError {
	docs, err := c.source.Documents(ctx)
	if err != nil {
		return append(errs, ItemError{Phase: PhaseDocuments, Err: fmt.Errorf("list local documents: %w", err)})
	}

	p := Progress{Phase: PhaseDocuments, Total: len(docs), Errors: errs}
	c.report(p)
	for start := 0; start < len(docs); start += c.batchSize() {
		batch := docs[start:min(start+c.batchSize(), len(docs))]
		for _, doc := range batch {
			p.CurrentItem = doc.Name
			err := c.retry(ctx, func() error {
				upload := doc
				upload.ID = ""
				_, err := c.dest.UploadDocument(ctx, upload)
				return err
			})
			p.Errors = c.record(PhaseDocuments, doc.ID, err, p.Errors)
		}
		p.Current += len(batch)
		c.report(p)
	}
	return p.Errors
}

func (c *Coordinator) record(phase Phase, id string, err error, errs []ItemError) []ItemError {
	if err == nil {
		c.metrics.MigrationItem(string(phase), "migrated")
		return errs
	}
	c.metrics.MigrationItem(string(phase), "failed")
	c.logger.Warn("Item failed to migrate",
		zap.String("phase", string(phase)),
		zap.String("id", id),
		zap.Error(err),
	)
	return append(errs, ItemError{Phase: phase, ItemID: id, Err: err})
}

// retry runs op up to MaxAttempts times, waiting attempt*RetryDelay
// between tries.
func (c *Coordinator) retry(ctx context.Context, op func() error) error {
	attempts := c.config.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	},
		backoff.WithBackOff(&linearBackOff{base: c.config.RetryDelay}),
		backoff.WithMaxTries(uint(attempts)),
	)
	return err
}

func (c *Coordinator) batchSize() int {
	if c.config.BatchSize <= 0 {
		return DefaultConfig.BatchSize
	}
	return c.config.BatchSize
}

func (c *Coordinator) report(p Progress) {
	c.mu.Lock()
	c.state.Progress = p
	c.state.Progress.Errors = append([]ItemError(nil), p.Errors...)
	c.mu.Unlock()

	if c.onProgress != nil {
		p.Errors = append([]ItemError(nil), p.Errors...)
		c.onProgress(p)
	}
}

func (c *Coordinator) setState(s State) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	return s
}

// linearBackOff waits base, 2*base, 3*base, ...
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.base
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}
