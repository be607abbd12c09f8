package cache

import (
	"log/slog"
	"time"
)

const (
	// defaultUserMergeSize is the planner's max_bytes for synchronous user
	// I/O: a modest over-fetch window since it's on the caller's latency
	// path.
	defaultUserMergeSize = 1 << 20 // 1MiB

	// defaultPrefetchMergeSize is the planner's max_bytes for background
	// prefetch ranges, where a larger over-fetch is an acceptable trade
	// for fewer backend round trips.
	defaultPrefetchMergeSize = 4 << 20 // 4MiB

	// defaultPrefetchQueueDepth bounds the prefetch pool's backlog before
	// Prefetch starts dropping excess items.
	defaultPrefetchQueueDepth = 256

	// defaultPrefetchWorkerCount is the fixed prefetch pool size absent an
	// explicit override.
	defaultPrefetchWorkerCount = 8
)

// Config holds the tunables exposed by the blob cache core, matching the
// configuration options enumerated for the cache manager and engine.
type Config struct {
	// NeedValidate forces a digest check on every chunk fetched from the
	// backend, before it is written to the cached file. Chunks already
	// Ready are served from the cached file without a further check.
	NeedValidate bool

	// UserMergeSize bounds merged ranges built for synchronous user reads.
	UserMergeSize uint64

	// PrefetchMergeSize bounds merged ranges built for prefetch requests.
	PrefetchMergeSize uint64

	// PrefetchQueueDepth is the prefetch pool's bounded queue capacity.
	PrefetchQueueDepth int

	// PrefetchWorkerCount is the fixed number of prefetch workers.
	PrefetchWorkerCount int

	// SingleFlightTimeout bounds how long a waiter blocks on a peer's
	// in-flight fetch before giving up.
	SingleFlightTimeout time.Duration

	// Logger receives diagnostic events from the engine, prefetch pool,
	// and manager. If nil, logging is discarded.
	Logger *slog.Logger
}

// log returns cfg.Logger, falling back to a discard logger if nil.
func (c Config) log() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.Logger
}

// Option configures a Config.
type Option func(*Config)

// WithNeedValidate forces digest validation on every read.
func WithNeedValidate(need bool) Option {
	return func(c *Config) { c.NeedValidate = need }
}

// WithUserMergeSize overrides the user-read merge threshold.
func WithUserMergeSize(bytes uint64) Option {
	return func(c *Config) { c.UserMergeSize = bytes }
}

// WithPrefetchMergeSize overrides the prefetch merge threshold.
func WithPrefetchMergeSize(bytes uint64) Option {
	return func(c *Config) { c.PrefetchMergeSize = bytes }
}

// WithPrefetchQueueDepth overrides the prefetch pool's queue capacity.
func WithPrefetchQueueDepth(depth int) Option {
	return func(c *Config) { c.PrefetchQueueDepth = depth }
}

// WithPrefetchWorkerCount overrides the prefetch pool's worker count.
func WithPrefetchWorkerCount(n int) Option {
	return func(c *Config) { c.PrefetchWorkerCount = n }
}

// WithSingleFlightTimeout overrides the default 2000ms single-flight wait
// bound.
func WithSingleFlightTimeout(d time.Duration) Option {
	return func(c *Config) { c.SingleFlightTimeout = d }
}

// WithLogger sets the logger the engine, prefetch pool, and manager use
// for diagnostic events. If unset, logging is discarded.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// NewConfig builds a Config from defaults plus opts.
func NewConfig(opts ...Option) Config {
	c := Config{
		UserMergeSize:       defaultUserMergeSize,
		PrefetchMergeSize:   defaultPrefetchMergeSize,
		PrefetchQueueDepth:  defaultPrefetchQueueDepth,
		PrefetchWorkerCount: defaultPrefetchWorkerCount,
		SingleFlightTimeout: DefaultSingleFlightTimeout,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
