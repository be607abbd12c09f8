// Package device defines the shared, immutable data model for the blob
// cache core: blobs, chunks, and the filesystem-level I/O descriptors that
// flow between the read-only filesystem layer and the cache.
//
// Types here are deep-immutable and freely shared between the filesystem
// reader and prefetch workers without locking, mirroring the split the
// teacher's internal/blobtype package draws between shared type definitions
// and the mutable state that lives elsewhere (here: the chunk state map in
// package cache).
package device

// RAFSMaxChunkSize bounds the uncompressed size of a single chunk. Chunk
// metadata that claims a larger uncompressed size is rejected with
// ErrInvalidArgument.
const RAFSMaxChunkSize = 1 << 21 // 2MiB

// BlobFeatures is a bitset of optional behaviors a blob's chunks require.
type BlobFeatures uint32

const (
	// BlobFeatureLegacyGzipStargz marks a blob whose chunk compressed sizes
	// are not recorded exactly; callers must use
	// compress.LegacyGzipStargzEnvelope to bound the backend read size.
	BlobFeatureLegacyGzipStargz BlobFeatures = 1 << iota
)

// Has reports whether f contains all bits of other.
func (f BlobFeatures) Has(other BlobFeatures) bool {
	return f&other == other
}

// BlobInfo is immutable metadata for one blob, created at mount time and
// shared read-only between the cache manager, every per-blob cache
// instance, and prefetch workers.
type BlobInfo struct {
	// ID is the blob's content-hash identifier, stable across mounts.
	ID string

	// CompressedSize is the size in bytes of the blob as stored on the
	// backend.
	CompressedSize uint64

	// UncompressedSize is the size in bytes of the reconstructed,
	// decompressed blob. The cached file is sized to this value.
	UncompressedSize uint64

	// Compressor names the general-purpose compression algorithm used for
	// chunks whose IsCompressed bit is set. See package compress.
	Compressor string

	// Digester names the digest algorithm used to verify chunk content.
	// See package digest.
	Digester string

	// ChunkCount is the number of chunks in the blob.
	ChunkCount uint32

	// Features carries the blob-level feature bitset, including the
	// legacy gzip-stargz flag.
	Features BlobFeatures
}

// IsLegacyStargz reports whether the blob uses the legacy gzip-stargz chunk
// format, in which compressed chunk sizes must be estimated rather than
// read directly from metadata.
func (b *BlobInfo) IsLegacyStargz() bool {
	return b.Features.Has(BlobFeatureLegacyGzipStargz)
}

// BlobObject is an optional direct-access handle onto a cache's local,
// uncompressed representation of a blob. Only drivers that keep one
// contiguous local file per blob (filecache) implement it; fscache and
// dummycache report ErrNotSupported.
type BlobObject interface {
	// FetchRange returns uncompressed bytes [offset, offset+size) from the
	// blob's local file, fetching and filling any chunks not yet ready.
	FetchRange(offset, size uint64) ([]byte, error)

	// FileOffset returns the local file offset at which the given chunk's
	// uncompressed bytes are stored.
	FileOffset(chunkIndex uint32) (uint64, error)
}

// BlobPrefetchRequest names a byte range of a blob to prefetch, independent
// of any specific chunk boundaries; the cache resolves it against chunk
// metadata before merging and enqueuing.
type BlobPrefetchRequest struct {
	BlobID string
	Offset uint64
	Size   uint64
}
