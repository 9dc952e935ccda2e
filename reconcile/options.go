package reconcile

import (
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-recall/metrics"
)

// Option configures the Resolver, Store and Feed.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *metrics.Collector
}

func buildOptions(opts []Option) *options {
	o := &options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
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
