// Package dummycache implements a no-op cache driver: every read goes
// straight to the backend, nothing is persisted, and prefetch is a no-op.
// It exists for the same reason the Rust original keeps a DummyCacheMgr:
// tests and tools that need a BlobCache without the overhead of a real
// storage backend.
package dummycache

import (
	"github.com/rafscache/blobcache/device"
)

// Cache is the no-op driver. It satisfies cache.BlobCache but never
// caches anything: every Read re-reads the backend in full.
type Cache struct {
	blob    *device.BlobInfo
	backend device.Backend
	chunks  device.ChunkSource
}

// New returns a Cache that proxies reads straight to backend.
func New(blob *device.BlobInfo, backend device.Backend, chunks device.ChunkSource) *Cache {
	return &Cache{blob: blob, backend: backend, chunks: chunks}
}

// BlobID implements BlobCache.
func (c *Cache) BlobID() string { return c.blob.ID }

// BlobCompressedSize implements BlobCache.
func (c *Cache) BlobCompressedSize() uint64 { return c.blob.CompressedSize }

// BlobUncompressedSize implements BlobCache.
func (c *Cache) BlobUncompressedSize() uint64 { return c.blob.UncompressedSize }

// Compressor implements BlobCache.
func (c *Cache) Compressor() string { return c.blob.Compressor }

// Digester implements BlobCache.
func (c *Cache) Digester() string { return c.blob.Digester }

// IsLegacyStargz implements BlobCache.
func (c *Cache) IsLegacyStargz() bool { return c.blob.IsLegacyStargz() }

// NeedValidate reports false: a dummy cache never stores bytes to revalidate.
func (c *Cache) NeedValidate() bool { return false }

// GetChunkInfo implements BlobCache by delegating to the chunk source.
func (c *Cache) GetChunkInfo(index uint32) (*device.ChunkInfo, error) {
	return c.chunks.ChunkInfo(index)
}

// GetBlobObject implements BlobCache: a dummy cache has no local storage
// to address directly.
func (c *Cache) GetBlobObject() (device.BlobObject, error) {
	return nil, device.ErrNotSupported
}

// Read implements BlobCache by reading each descriptor's whole chunk
// straight from the backend's compressed offset and handing back the raw
// bytes, uninterpreted: a dummy cache does no decompression or validation,
// so the sub-chunk Offset/Size of a descriptor (expressed in uncompressed
// bytes) has no meaning here — callers get the chunk's full compressed
// span and size their buffers accordingly.
func (c *Cache) Read(vec *device.BlobIoVec, buffers [][]byte) (int, error) {
	total := 0
	for i, d := range vec.Descs {
		n, err := c.backend.Read(vec.Blob.ID, buffers[i], d.Chunk.CompressedOffset)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Prefetch is a no-op: nothing is retained between reads.
func (c *Cache) Prefetch([]*device.BlobIoDesc) (int, error) { return 0, nil }

// PrefetchRange reports device.ErrNotSupported: with no local storage
// there is nothing to fill.
func (c *Cache) PrefetchRange(*device.BlobIoRange) (int, error) { return 0, device.ErrNotSupported }

// StartPrefetch is a no-op: there is no background worker to start.
func (c *Cache) StartPrefetch() error { return nil }

// StopPrefetch is a no-op.
func (c *Cache) StopPrefetch() error { return nil }

// IsPrefetchActive always reports false.
func (c *Cache) IsPrefetchActive() bool { return false }

// Close is a no-op: there is nothing to release.
func (c *Cache) Close() error { return nil }
