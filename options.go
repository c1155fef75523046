package fireproof

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fireproof-storage/fireproof-go/prollytree"
	"github.com/fireproof-storage/fireproof-go/subscribe"
)

type openOptions struct {
	branchFactor     uint
	cache            prollytree.NodeCache
	logger           *logrus.Logger
	debounceInterval time.Duration
}

func defaultOptions() *openOptions {
	return &openOptions{
		branchFactor:     prollytree.DefaultBranchFactor,
		cache:            prollytree.NewNodeCache(4096),
		logger:           discardLogger(),
		debounceInterval: subscribe.DefaultInterval,
	}
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Option configures a Database at Open time.
type Option func(*openOptions)

// WithBranchFactor sets the expected number of entries per prolly-tree
// node (node boundaries themselves are content-defined). It must match
// across every replica of the same logical database.
func WithBranchFactor(n uint) Option {
	return func(o *openOptions) { o.branchFactor = n }
}

// WithNodeCache installs a shared node cache, letting several trees (e.g.
// a database plus its indexes) reuse deserialized nodes.
func WithNodeCache(cache prollytree.NodeCache) Option {
	return func(o *openOptions) { o.cache = cache }
}

// WithLogger attaches a structured logger. The default is silent.
func WithLogger(l *logrus.Logger) Option {
	return func(o *openOptions) { o.logger = l }
}

// WithDebounceInterval sets the trailing debounce window used by
// Subscribe. The default is 250ms.
func WithDebounceInterval(d time.Duration) Option {
	return func(o *openOptions) { o.debounceInterval = d }
}
