// Package filecache implements the page-cache-backed local file driver:
// one sparse file per blob, sized to the blob's uncompressed length, plus
// a persisted readiness bitmap. It is the only driver that exposes a
// BlobObject for direct, uncompressed-mode access to the cached file.
package filecache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rafscache/blobcache/cache"
	"github.com/rafscache/blobcache/compress"
	"github.com/rafscache/blobcache/device"
	"github.com/rafscache/blobcache/internal/sizing"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
	defaultFilePerm       = 0o600

	dataFileName  = "data"
	stateFileName = "state.bitmap"
)

// Cache is the page-cache-backed driver. It embeds *cache.Engine for the
// shared read/fetch pipeline and adds the sparse local file and the
// persisted bitmap that give the engine durable storage.
type Cache struct {
	*cache.Engine

	file  *os.File
	state *cache.PersistentStateMap
}

// Option configures where and how a Cache's files are laid out on disk.
type Option func(*options)

type options struct {
	shardPrefixLen int
	dirPerm        os.FileMode
}

// WithShardPrefixLen sets the number of hex characters of the blob
// identifier used as a subdirectory prefix. 0 disables sharding.
func WithShardPrefixLen(n int) Option {
	return func(o *options) { o.shardPrefixLen = n }
}

// WithDirPerm sets the permissions used for created directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(o *options) { o.dirPerm = mode }
}

// New opens or creates a filecache.Cache for blob under root, sharded by
// the blob identifier's prefix the way a content-addressed disk cache
// shards by hash prefix.
func New(root string, blob *device.BlobInfo, backend device.Backend, chunks device.ChunkSource, decoders *compress.DecoderPool, cfg cache.Config, opts ...Option) (*Cache, error) {
	o := &options{shardPrefixLen: defaultShardPrefixLen, dirPerm: defaultDirPerm}
	for _, opt := range opts {
		opt(o)
	}

	dir := blobDir(root, blob.ID, o.shardPrefixLen)
	if err := os.MkdirAll(dir, o.dirPerm); err != nil {
		return nil, fmt.Errorf("filecache: create %s: %w", dir, err)
	}

	size, err := sizing.ToInt64(blob.UncompressedSize, device.ErrInvalidArgument)
	if err != nil {
		return nil, fmt.Errorf("filecache: %w", err)
	}

	dataPath := filepath.Join(dir, dataFileName)
	f, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, defaultFilePerm)
	if err != nil {
		return nil, fmt.Errorf("filecache: open %s: %w", dataPath, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("filecache: truncate %s: %w", dataPath, err)
	}

	statePath := filepath.Join(dir, stateFileName)
	state, err := cache.OpenPersistentStateMap(statePath, blob.ChunkCount)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("filecache: %w", err)
	}

	engine, err := cache.NewEngine(blob, backend, chunks, state, f, decoders, cfg)
	if err != nil {
		f.Close()
		state.Close()
		return nil, fmt.Errorf("filecache: %w", err)
	}

	return &Cache{Engine: engine, file: f, state: state}, nil
}

func blobDir(root, blobID string, shardPrefixLen int) string {
	if shardPrefixLen <= 0 || shardPrefixLen > len(blobID) {
		return filepath.Join(root, blobID)
	}
	return filepath.Join(root, blobID[:shardPrefixLen], blobID)
}

// GetBlobObject returns the cache itself as a direct-access handle, since
// filecache keeps one contiguous local file per blob.
func (c *Cache) GetBlobObject() (device.BlobObject, error) {
	return c, nil
}

// FetchRange implements device.BlobObject: it fills any not-yet-ready
// chunks covering [offset, offset+size) via the engine, then reads the
// resulting bytes directly from the local file.
func (c *Cache) FetchRange(offset, size uint64) ([]byte, error) {
	descs, err := c.descsForRange(offset, size)
	if err != nil {
		return nil, err
	}
	vec := &device.BlobIoVec{Blob: c.Engine.Blob, Descs: descs}
	buffers := make([][]byte, len(descs))
	for i, d := range descs {
		buffers[i] = make([]byte, d.Size)
	}
	if _, err := c.Engine.Read(vec, buffers); err != nil {
		return nil, err
	}

	out := make([]byte, 0, size)
	for _, b := range buffers {
		out = append(out, b...)
	}
	return out, nil
}

// FileOffset implements device.BlobObject.
func (c *Cache) FileOffset(chunkIndex uint32) (uint64, error) {
	info, err := c.Engine.GetChunkInfo(chunkIndex)
	if err != nil {
		return 0, err
	}
	return info.UncompressedOffset, nil
}

func (c *Cache) descsForRange(offset, size uint64) ([]*device.BlobIoDesc, error) {
	blob := c.Engine.Blob
	var descs []*device.BlobIoDesc
	remaining := size
	pos := offset

	for remaining > 0 {
		idx, err := c.chunkIndexAt(pos)
		if err != nil {
			return nil, err
		}
		chunk, err := c.Engine.GetChunkInfo(idx)
		if err != nil {
			return nil, err
		}

		withinChunk := pos - chunk.UncompressedOffset
		available := uint64(chunk.UncompressedSize) - withinChunk
		take := available
		if take > remaining {
			take = remaining
		}

		takeSize, err := sizing.ToInt(take, device.ErrInvalidArgument)
		if err != nil {
			return nil, err
		}
		withinOff, err := sizing.ToInt(withinChunk, device.ErrInvalidArgument)
		if err != nil {
			return nil, err
		}

		descs = append(descs, &device.BlobIoDesc{
			Blob:   blob,
			Chunk:  chunk,
			Offset: uint32(withinOff),
			Size:   uint32(takeSize),
			UserIO: true,
		})

		pos += take
		remaining -= take
	}
	return descs, nil
}

// chunkIndexAt does a linear scan over the blob's chunk table to find the
// chunk containing uncompressed offset pos. Callers needing this at scale
// should maintain their own offset index; the blob cache core treats
// chunk lookup as an external collaborator's concern.
func (c *Cache) chunkIndexAt(pos uint64) (uint32, error) {
	for i := uint32(0); i < c.Engine.Blob.ChunkCount; i++ {
		chunk, err := c.Engine.GetChunkInfo(i)
		if err != nil {
			return 0, err
		}
		if pos >= chunk.UncompressedOffset && pos < chunk.UncompressedEnd() {
			return i, nil
		}
	}
	return 0, fmt.Errorf("filecache: %w: no chunk covers offset %d", device.ErrInvalidArgument, pos)
}

// FullyPopulated implements cache.FullyPopulated.
func (c *Cache) FullyPopulated() bool {
	return c.state.AllReady()
}

// Close flushes the readiness bitmap and closes the local data file.
func (c *Cache) Close() error {
	stateErr := c.state.Close()
	fileErr := c.file.Close()
	if stateErr != nil {
		return stateErr
	}
	return fileErr
}
