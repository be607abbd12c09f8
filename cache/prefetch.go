package cache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rafscache/blobcache/device"
	"github.com/rafscache/blobcache/internal/sizing"
)

// defaultPrefetchShutdownTimeout bounds how long StopPrefetch waits for
// in-flight ranges to finish before giving up on a graceful drain.
const defaultPrefetchShutdownTimeout = 5 * time.Second

// prefetchPool is a fixed-size worker pool draining a bounded FIFO of
// pre-planned BlobIoRanges. Submission is advisory: once the queue is
// full, excess items are dropped rather than blocking the submitter.
type prefetchPool struct {
	engine  *Engine
	queue   chan *device.BlobIoRange
	workers int

	wg     sync.WaitGroup
	doneCh chan struct{}

	mu     sync.Mutex
	closed bool
}

func newPrefetchPool(e *Engine, queueDepth, workers int) *prefetchPool {
	if queueDepth <= 0 {
		queueDepth = defaultPrefetchQueueDepth
	}
	if workers <= 0 {
		workers = defaultPrefetchWorkerCount
	}
	return &prefetchPool{
		engine:  e,
		queue:   make(chan *device.BlobIoRange, queueDepth),
		workers: workers,
		doneCh:  make(chan struct{}),
	}
}

func (p *prefetchPool) start() {
	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.run()
	}
}

func (p *prefetchPool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.doneCh:
			return
		case r, ok := <-p.queue:
			if !ok {
				return
			}
			if !p.engine.active.Load() {
				// Cancellation is polled between items: a range dequeued
				// after prefetch was stopped is skipped, while a range
				// already being fetched runs to completion (granularity is
				// one range, not mid-range).
				continue
			}
			if _, err := p.engine.fetchRangeForPrefetch(r); err != nil {
				p.engine.cfg.log().Debug("prefetch range failed", "blob", p.engine.Blob.ID, "offset", r.CompressedOffset, "err", err)
			}
		}
	}
}

// submit enqueues r, returning false if the queue was full and the item
// was dropped, or if the pool has already been stopped. submit and stop
// share p.mu so a submit racing a stop never sends on a closed channel.
func (p *prefetchPool) submit(r *device.BlobIoRange) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- r:
		return true
	default:
		return false
	}
}

// stop closes the queue, signals workers to abandon undrained items, and
// waits up to timeout for in-flight work to finish.
func (p *prefetchPool) stop(timeout time.Duration) error {
	p.mu.Lock()
	p.closed = true
	close(p.doneCh)
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("cache: prefetch pool did not drain within %s", timeout)
	}
}

// fetchRangeForPrefetch runs fetchRange and, on success, returns the
// uncompressed byte count of r's chunks. Errors are returned: prefetch
// workers log and drop them, leaving the chunks NotReady for a future user
// read to retry, while PrefetchRange passes them to its caller.
func (e *Engine) fetchRangeForPrefetch(r *device.BlobIoRange) (int, error) {
	if err := e.fetchRange(r); err != nil {
		return 0, err
	}
	var total uint64
	for _, c := range r.Chunks {
		total += uint64(c.UncompressedSize)
	}
	n, err := sizing.ToInt(total, device.ErrInvalidArgument)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// StartPrefetch starts the engine's background prefetch workers. It is a
// no-op if prefetch is already active.
func (e *Engine) StartPrefetch() error {
	e.prefetchMu.Lock()
	defer e.prefetchMu.Unlock()
	if e.active.Load() {
		return nil
	}
	e.active.Store(true)
	e.prefetchPool = newPrefetchPool(e, e.cfg.PrefetchQueueDepth, e.cfg.PrefetchWorkerCount)
	e.prefetchPool.start()
	e.cfg.log().Debug("prefetch pool started", "blob", e.Blob.ID, "workers", e.cfg.PrefetchWorkerCount, "queue", e.cfg.PrefetchQueueDepth)
	return nil
}

// StopPrefetch stops the background workers, blocking until all in-flight
// fetches finish or the shutdown timeout elapses.
func (e *Engine) StopPrefetch() error {
	e.prefetchMu.Lock()
	pool := e.prefetchPool
	e.prefetchPool = nil
	e.active.Store(false)
	e.prefetchMu.Unlock()

	if pool == nil {
		return nil
	}
	if err := pool.stop(defaultPrefetchShutdownTimeout); err != nil {
		e.cfg.log().Warn("prefetch pool did not drain cleanly", "blob", e.Blob.ID, "err", err)
		return err
	}
	e.cfg.log().Debug("prefetch pool stopped", "blob", e.Blob.ID)
	return nil
}

// IsPrefetchActive reports whether the background worker pool is running.
func (e *Engine) IsPrefetchActive() bool {
	return e.active.Load()
}

// Prefetch schedules background fetches for descs and returns the number
// of chunks accepted into the prefetch queue. It is non-blocking: once the
// queue is full, excess merged ranges are dropped and their chunks are not
// counted as submitted. Returns 0 without error if prefetch isn't active.
func (e *Engine) Prefetch(descs []*device.BlobIoDesc) (int, error) {
	e.prefetchMu.Lock()
	pool := e.prefetchPool
	e.prefetchMu.Unlock()
	if pool == nil || !e.active.Load() {
		return 0, nil
	}

	toFetch := make([]*device.BlobIoDesc, 0, len(descs))
	for _, d := range descs {
		if !e.states.IsReady(d.Chunk.Index) {
			toFetch = append(toFetch, d)
		}
	}
	if len(toFetch) == 0 {
		return 0, nil
	}

	sort.Slice(toFetch, func(i, j int) bool {
		return toFetch[i].Chunk.CompressedOffset < toFetch[j].Chunk.CompressedOffset
	})

	maxMerge := e.cfg.PrefetchMergeSize
	if e.Blob.IsLegacyStargz() {
		// Same rule as Engine.Read: legacy chunks are fetched one per range.
		maxMerge = 0
	}

	submitted := 0
	for _, r := range mergeAndIssue(e.Blob, toFetch, maxMerge) {
		if pool.submit(r) {
			submitted += len(r.Chunks)
		} else {
			e.cfg.log().Debug("prefetch queue full, dropping range", "blob", e.Blob.ID, "offset", r.CompressedOffset, "chunks", len(r.Chunks))
		}
	}
	return submitted, nil
}

// PrefetchRange synchronously fetches and fills an already-merged range,
// used directly by prefetch workers and available to callers that plan
// their own ranges.
func (e *Engine) PrefetchRange(r *device.BlobIoRange) (int, error) {
	return e.fetchRangeForPrefetch(r)
}
