package extmem

import (
	"go.uber.org/zap"

	"vulkan-external-memory/metrics"
)

type options struct {
	log        *zap.Logger
	metrics    *metrics.Metrics
	pool       *Pool
	properties MemoryProperty
	offset     uint64
}

func newOptions(opts []Option) options {
	o := options{
		log:        zap.NewNop(),
		properties: HostShared,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures an ExportPipeline or ImportPipeline.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics records pipeline state in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithPool makes the export pipeline sub-allocate from p instead of
// allocating dedicated memory. The pool must be exportable and stays owned
// by the caller.
func WithPool(p *Pool) Option {
	return func(o *options) {
		o.pool = p
	}
}

// WithMemoryProperties overrides the memory properties requested for the
// shared allocation. The default is HostShared.
func WithMemoryProperties(props MemoryProperty) Option {
	return func(o *options) {
		o.properties = props
	}
}

// WithOffset binds imported memory to the resource at offset, for memory
// exported from a pool.
func WithOffset(offset uint64) Option {
	return func(o *options) {
		o.offset = offset
	}
}
