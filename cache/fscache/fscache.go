// Package fscache implements the kernel-fs-cache-backed driver: data and
// readiness bitmap live under separate directories (mirroring how a
// cachefiles-style backend separates its data and cookie/bitmap
// namespaces), and the data file's size is rounded up to a block boundary
// suited to direct I/O. Chunk writes themselves go to their uncompressed
// offsets without alignment, and files are not opened with O_DIRECT.
// Unlike filecache, it
// does not expose a BlobObject: callers that need direct access go
// through Read.
package fscache

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
	// directIOAlignment is the block size fscache rounds the data file's
	// size up to, matching typical O_DIRECT alignment requirements.
	directIOAlignment = 4096

	dataDirName  = "data"
	stateDirName = "state"
	defaultPerm  = 0o700
	dataPerm     = 0o600
)

// Cache is the kernel-fs-cache-backed driver.
type Cache struct {
	*cache.Engine

	file  *os.File
	state *cache.PersistentStateMap
}

// New opens or creates an fscache.Cache for blob under root.
func New(root string, blob *device.BlobInfo, backend device.Backend, chunks device.ChunkSource, decoders *compress.DecoderPool, cfg cache.Config) (*Cache, error) {
	dataDir := filepath.Join(root, dataDirName)
	stateDir := filepath.Join(root, stateDirName)
	if err := os.MkdirAll(dataDir, defaultPerm); err != nil {
		return nil, fmt.Errorf("fscache: create %s: %w", dataDir, err)
	}
	if err := os.MkdirAll(stateDir, defaultPerm); err != nil {
		return nil, fmt.Errorf("fscache: create %s: %w", stateDir, err)
	}

	alignedSize := alignUp(blob.UncompressedSize, directIOAlignment)
	size, err := sizing.ToInt64(alignedSize, device.ErrInvalidArgument)
	if err != nil {
		return nil, fmt.Errorf("fscache: %w", err)
	}

	dataPath := filepath.Join(dataDir, blob.ID)
	f, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, dataPerm)
	if err != nil {
		return nil, fmt.Errorf("fscache: open %s: %w", dataPath, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("fscache: truncate %s: %w", dataPath, err)
	}

	statePath := filepath.Join(stateDir, blob.ID+".bitmap")
	state, err := cache.OpenPersistentStateMap(statePath, blob.ChunkCount)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("fscache: %w", err)
	}

	engine, err := cache.NewEngine(blob, backend, chunks, state, f, decoders, cfg)
	if err != nil {
		f.Close()
		state.Close()
		return nil, fmt.Errorf("fscache: %w", err)
	}

	return &Cache{Engine: engine, file: f, state: state}, nil
}

func alignUp(size uint64, alignment uint64) uint64 {
	rem := size % alignment
	if rem == 0 {
		return size
	}
	return size + (alignment - rem)
}

// GetBlobObject implements BlobCache: fscache has no directly addressable
// local file format, so direct access is not supported.
func (c *Cache) GetBlobObject() (device.BlobObject, error) {
	return nil, fmt.Errorf("fscache: %w", device.ErrNotSupported)
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
