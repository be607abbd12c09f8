package device

// ChunkInfo is immutable metadata for one chunk within a blob. Chunks are
// addressable by Index; for any two chunks i < j of the same blob,
// CompressedOffset(i)+CompressedSize(i) <= CompressedOffset(j) — chunks are
// ordered and non-overlapping in the compressed stream.
type ChunkInfo struct {
	// Index is the chunk's position within the blob's chunk table.
	Index uint32

	// ID is the chunk's content digest, checked against the uncompressed
	// bytes after decompression.
	ID []byte

	// CompressedOffset is the byte offset of the chunk's compressed data
	// within the blob as stored on the backend.
	CompressedOffset uint64

	// CompressedSize is the byte length of the chunk's compressed data.
	// For legacy gzip-stargz blobs this is not populated exactly; use
	// compress.LegacyGzipStargzEnvelope to bound the backend read instead.
	CompressedSize uint32

	// UncompressedOffset is the byte offset of the chunk's data within the
	// reconstructed, decompressed blob stream — and so within the cached
	// file.
	UncompressedOffset uint64

	// UncompressedSize is the byte length of the chunk's decompressed data.
	// Bounded by RAFSMaxChunkSize.
	UncompressedSize uint32

	// IsCompressed reports whether the chunk's backend bytes must be passed
	// through the compressor before use.
	IsCompressed bool
}

// CompressedEnd returns the exclusive end offset of the chunk's compressed
// region.
func (c *ChunkInfo) CompressedEnd() uint64 {
	return c.CompressedOffset + uint64(c.CompressedSize)
}

// UncompressedEnd returns the exclusive end offset of the chunk's
// uncompressed region.
func (c *ChunkInfo) UncompressedEnd() uint64 {
	return c.UncompressedOffset + uint64(c.UncompressedSize)
}
