package device

// Backend is the blob cache's sole external transport dependency: a
// blocking, thread-safe range reader over a remote blob. Implementations
// live in package backend (HTTP range reads, OCI registry blob reads).
type Backend interface {
	// Read fills buffer with bytes starting at offset within the named
	// blob. It returns the number of bytes read; a short read (fewer
	// bytes than len(buffer), with no more data available) is an error
	// condition the caller must treat as ErrBackend.
	Read(blobID string, buffer []byte, offset uint64) (int, error)
}

// ChunkSource is the chunk-info metadata parser the engine consumes to
// resolve a chunk index to its descriptor. It is out of scope for this
// module beyond this interface — concrete chunk-table formats (bootstrap
// metadata, OCI manifests, etc.) are supplied by the filesystem layer.
type ChunkSource interface {
	// ChunkInfo returns the metadata for chunk index within the blob.
	ChunkInfo(index uint32) (*ChunkInfo, error)
}
