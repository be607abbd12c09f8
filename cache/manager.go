package cache

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/rafscache/blobcache/device"
)

// DriverFactory constructs a concrete BlobCache for blob. The manager is
// driver-agnostic: callers choose filecache, fscache, or dummycache by
// supplying the matching factory at construction time.
type DriverFactory func(blob *device.BlobInfo) (BlobCache, error)

// FullyPopulated is implemented by drivers whose readiness bitmap the
// manager can probe in CheckStat to decide whether background prefetch is
// still useful for a blob.
type FullyPopulated interface {
	FullyPopulated() bool
}

type managerEntry struct {
	cache BlobCache
	refs  int
}

// Manager is the cache manager: lifecycle, lookup-by-blob-identity, and
// garbage collection across every blob cache instance this node holds.
// get_blob_cache is idempotent per blob identifier and deduplicates
// concurrent first-time creations via singleflight, matching the contract
// of golang.org/x/sync/singleflight.Group already used by the planner's
// sibling concerns in the teacher's dependency set.
type Manager struct {
	backend   device.Backend
	newDriver DriverFactory
	logger    *slog.Logger

	mu     sync.Mutex
	caches map[string]*managerEntry
	group  singleflight.Group
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger the manager uses for lifecycle and
// garbage-collection events. If unset, logging is discarded.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a Manager that resolves backend reads through
// backend and constructs per-blob caches with newDriver.
func NewManager(backend device.Backend, newDriver DriverFactory, opts ...ManagerOption) *Manager {
	m := &Manager{
		backend:   backend,
		newDriver: newDriver,
		caches:    make(map[string]*managerEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) log() *slog.Logger {
	if m.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.logger
}

// Init is a lifecycle hook for drivers that need eager setup; the default
// manager has nothing to do until the first GetBlobCache.
func (m *Manager) Init() error { return nil }

// Backend returns the backend reader shared by every cache this manager
// creates.
func (m *Manager) Backend() device.Backend { return m.backend }

// GetBlobCache returns the shared cache handle for blob, creating it on
// first use. Concurrent first-time creations for the same blob identifier
// are deduplicated: only one driver instance is constructed. Each
// successful call increments a reference count; callers must call
// ReleaseBlobCache when done with the handle.
func (m *Manager) GetBlobCache(blob *device.BlobInfo) (BlobCache, error) {
	m.mu.Lock()
	if e, ok := m.caches[blob.ID]; ok {
		e.refs++
		m.mu.Unlock()
		return e.cache, nil
	}
	m.mu.Unlock()

	executed := false
	v, err, _ := m.group.Do(blob.ID, func() (any, error) {
		executed = true
		m.mu.Lock()
		if e, ok := m.caches[blob.ID]; ok {
			e.refs++
			m.mu.Unlock()
			return e.cache, nil
		}
		m.mu.Unlock()

		c, err := m.newDriver(blob)
		if err != nil {
			m.log().Warn("failed to create blob cache", "blob", blob.ID, "err", err)
			return nil, fmt.Errorf("cache: create blob cache for %s: %w", blob.ID, err)
		}
		m.log().Debug("blob cache created", "blob", blob.ID)

		m.mu.Lock()
		m.caches[blob.ID] = &managerEntry{cache: c, refs: 1}
		m.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	if !executed {
		// This caller shared another caller's in-flight creation and takes
		// its own reference here.
		m.mu.Lock()
		if e, ok := m.caches[blob.ID]; ok {
			e.refs++
		}
		m.mu.Unlock()
	}
	return v.(BlobCache), nil
}

// ReleaseBlobCache decrements the reference count for blobID, acquired
// from GetBlobCache. It does not close or evict the cache; Gc does that
// once no references remain.
func (m *Manager) ReleaseBlobCache(blobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.caches[blobID]; ok && e.refs > 0 {
		e.refs--
	}
}

// Gc reclaims a specific blob's resources if no live handle remains, or
// sweeps every eligible blob when id is nil. It returns true iff the
// manager itself now holds nothing and may be torn down.
func (m *Manager) Gc(id *string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id != nil {
		m.gcOneLocked(*id)
		return len(m.caches) == 0
	}

	for blobID, e := range m.caches {
		if e.refs == 0 {
			m.gcOneLocked(blobID)
		}
	}
	return len(m.caches) == 0
}

// gcOneLocked removes and closes blobID's entry if it has no live
// references. Callers must hold m.mu.
func (m *Manager) gcOneLocked(blobID string) {
	e, ok := m.caches[blobID]
	if !ok || e.refs > 0 {
		return
	}
	if err := e.cache.Close(); err != nil {
		m.log().Warn("error closing blob cache during gc", "blob", blobID, "err", err)
	} else {
		m.log().Debug("blob cache reclaimed", "blob", blobID)
	}
	delete(m.caches, blobID)
}

// CheckStat probes every managed cache's readiness bitmap; once a blob's
// cache is fully populated, its background prefetch workers are stopped.
func (m *Manager) CheckStat() {
	m.mu.Lock()
	caches := make([]BlobCache, 0, len(m.caches))
	for _, e := range m.caches {
		caches = append(caches, e.cache)
	}
	m.mu.Unlock()

	for _, c := range caches {
		prober, ok := c.(FullyPopulated)
		if !ok || !c.IsPrefetchActive() {
			continue
		}
		if prober.FullyPopulated() {
			_ = c.StopPrefetch()
		}
	}
}

// Destroy stops prefetch and closes every managed cache, for process
// shutdown.
func (m *Manager) Destroy() error {
	m.mu.Lock()
	caches := make([]BlobCache, 0, len(m.caches))
	for k, e := range m.caches {
		caches = append(caches, e.cache)
		delete(m.caches, k)
	}
	m.mu.Unlock()

	m.log().Debug("destroying manager", "caches", len(caches))

	var firstErr error
	for _, c := range caches {
		_ = c.StopPrefetch()
		if err := c.Close(); err != nil {
			m.log().Warn("error closing blob cache during destroy", "blob", c.BlobID(), "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
