package persist

import (
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/maxpoletaev/vstore/mirror"
)

type options struct {
	logger     log.Logger
	registerer prometheus.Registerer
	keys       []string
	merges     map[string]mirror.MergeFunc
}

type Option func(*options)

func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegisterer registers the mirror metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithKeys names keys of the namespace to reconcile on open in addition to
// those already stored locally.
func WithKeys(names ...string) Option {
	return func(o *options) {
		o.keys = append(o.keys, names...)
	}
}

// WithMerge registers a merge function for keys with the given name.
func WithMerge(name string, fn mirror.MergeFunc) Option {
	return func(o *options) {
		o.merges[name] = fn
	}
}
