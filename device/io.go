package device

// BlobIoDesc is one filesystem-level read request: a byte range within a
// single chunk of a single blob.
type BlobIoDesc struct {
	Blob   *BlobInfo
	Chunk  *ChunkInfo
	// Offset is the byte offset within the chunk's uncompressed data at
	// which this request begins.
	Offset uint32
	// Size is the number of uncompressed bytes requested.
	Size uint32
	// UserIO marks a descriptor issued synchronously on a reader's thread,
	// as opposed to one assembled internally for a prefetch range. User I/O
	// always bypasses the prefetch pool.
	UserIO bool
}

// IsContinuous reports whether d and next are continuous: same blob, and
// next's compressed region begins at most gap bytes after d's ends. The
// default gap tolerance is 0 (exact adjacency).
func (d *BlobIoDesc) IsContinuous(next *BlobIoDesc, gap uint64) bool {
	if d.Blob == nil || next.Blob == nil || d.Blob.ID != next.Blob.ID {
		return false
	}
	end := d.Chunk.CompressedEnd()
	start := next.Chunk.CompressedOffset
	if start < end {
		return false
	}
	return start-end <= gap
}

// BlobIoRange is a merged, backend-ready request: a single contiguous
// compressed byte span covering an ordered list of chunks with no gaps.
type BlobIoRange struct {
	Blob             *BlobInfo
	CompressedOffset uint64
	CompressedSize   uint64
	Chunks           []*ChunkInfo
}

// BlobIoVec is an ordered sequence of BlobIoDescs forming one caller read.
// Results are delivered into a parallel list of destination buffer slices,
// one slice per descriptor, in the same order.
type BlobIoVec struct {
	Blob  *BlobInfo
	Descs []*BlobIoDesc
}
