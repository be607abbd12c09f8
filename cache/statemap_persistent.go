package cache

import (
	"fmt"
	"time"

	"github.com/rafscache/blobcache/internal/bitmap"
)

// PersistentStateMap layers the transient Pending/Invalid bookkeeping of a
// MemStateMap over a durable readiness bitmap. Ready is the only state
// that survives a restart; any chunk recovered as Pending or Invalid is
// presented as NotReady, since neither state was ever written to disk.
type PersistentStateMap struct {
	mem    *MemStateMap
	bitmap *bitmap.Bitmap
}

// OpenPersistentStateMap opens or creates the readiness bitmap at path and
// initializes the in-memory layer from it: chunks whose bit is set start
// Ready, everything else starts NotReady.
func OpenPersistentStateMap(path string, chunkCount uint32) (*PersistentStateMap, error) {
	bm, err := bitmap.Open(path, chunkCount)
	if err != nil {
		return nil, fmt.Errorf("cache: open state bitmap: %w", err)
	}

	mem := NewMemStateMap(chunkCount)
	for i := uint32(0); i < chunkCount; i++ {
		if bm.Get(i) {
			mem.chunks[i].status = Ready
		}
	}

	return &PersistentStateMap{mem: mem, bitmap: bm}, nil
}

// Len implements StateMap.
func (p *PersistentStateMap) Len() uint32 { return p.mem.Len() }

// IsReady implements StateMap.
func (p *PersistentStateMap) IsReady(index uint32) bool { return p.mem.IsReady(index) }

// IsPending implements StateMap.
func (p *PersistentStateMap) IsPending(index uint32) bool { return p.mem.IsPending(index) }

// MarkPending implements StateMap.
func (p *PersistentStateMap) MarkPending(index uint32) MarkResult { return p.mem.MarkPending(index) }

// WaitReady implements StateMap.
func (p *PersistentStateMap) WaitReady(index uint32, timeout time.Duration) error {
	return p.mem.WaitReady(index, timeout)
}

// SetReady implements StateMap: it sets the bit in the durable bitmap
// before flipping the in-memory status, so a crash never observes Ready
// in memory without the corresponding persisted bit.
func (p *PersistentStateMap) SetReady(index uint32) {
	_ = p.bitmap.Set(index)
	p.mem.SetReady(index)
}

// SetInvalid implements StateMap.
func (p *PersistentStateMap) SetInvalid(index uint32) {
	_ = p.bitmap.Clear(index)
	p.mem.SetInvalid(index)
}

// Release implements StateMap.
func (p *PersistentStateMap) Release(index uint32) {
	p.mem.Release(index)
}

// Sync flushes the durable bitmap to storage. Callers batch calls to
// SetReady across a fetch_range and Sync once at the boundary, matching
// the "write-then-fsync on batch boundaries" crash-consistency rule.
func (p *PersistentStateMap) Sync() error {
	return p.bitmap.Sync()
}

// Close flushes and releases the underlying bitmap file.
func (p *PersistentStateMap) Close() error {
	return p.bitmap.Close()
}

// AllReady reports whether every tracked chunk is Ready, used by drivers
// to decide when background prefetch has nothing left to do.
func (p *PersistentStateMap) AllReady() bool {
	for i := uint32(0); i < p.mem.Len(); i++ {
		if !p.mem.IsReady(i) {
			return false
		}
	}
	return true
}
