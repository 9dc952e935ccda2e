package memory

import (
	"time"

	"go.uber.org/zap"

	"github.com/becomeliminal/nim-recall/metrics"
)

// Option configures memory components (Pipeline, Assembler, Router, Gate,
// Manager). Options a component does not use are ignored.
type Option func(*options)

type options struct {
	config  *Config
	logger  *zap.Logger
	metrics *metrics.Collector
	lexicon LexiconSource
	now     func() time.Time
}

func buildOptions(opts []Option) *options {
	o := &options{
		config:  DefaultConfig,
		logger:  zap.NewNop(),
		lexicon: StaticLexicon(DefaultLexicon()),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithConfig sets the tuning config. Nil keeps DefaultConfig.
func WithConfig(c *Config) Option {
	return func(o *options) {
		if c != nil {
			o.config = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLexicon sets where hint lists are read from. Use a LexiconWatcher for
// hot reload.
func WithLexicon(src LexiconSource) Option {
	return func(o *options) {
		if src != nil {
			o.lexicon = src
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
