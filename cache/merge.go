package cache

import "github.com/rafscache/blobcache/device"

// mergeAndIssue groups a blob's pending chunk descriptors into
// BlobIoRanges: contiguous runs of chunks are combined into one backend
// request each, bounded by maxMergeSize, the way groupAdjacentEntries
// combines adjacent archive entries into one range read. Descriptors must
// belong to a single blob and be ordered by chunk index.
//
// maxMergeSize == 0 forces one range per descriptor: no two chunks are
// ever combined into a single backend request, regardless of adjacency.
// Callers that want a default merge window must supply one explicitly
// (cache.Config's merge-size fields default to a nonzero value via
// NewConfig); mergeAndIssue never substitutes a default of its own.
func mergeAndIssue(blob *device.BlobInfo, descs []*device.BlobIoDesc, maxMergeSize uint64) []*device.BlobIoRange {
	if len(descs) == 0 {
		return nil
	}

	ranges := make([]*device.BlobIoRange, 0, len(descs))
	var current *device.BlobIoRange
	var last *device.BlobIoDesc

	for _, d := range descs {
		if current == nil {
			current = newMergeRange(blob, d.Chunk)
			last = d
			continue
		}

		fits := last.IsContinuous(d, 0) &&
			current.CompressedSize+uint64(d.Chunk.CompressedSize) <= maxMergeSize

		if fits {
			appendMergeRange(current, d.Chunk)
			last = d
			continue
		}

		ranges = append(ranges, current)
		current = newMergeRange(blob, d.Chunk)
		last = d
	}

	return append(ranges, current)
}

func newMergeRange(blob *device.BlobInfo, chunk *device.ChunkInfo) *device.BlobIoRange {
	return &device.BlobIoRange{
		Blob:             blob,
		CompressedOffset: chunk.CompressedOffset,
		CompressedSize:   uint64(chunk.CompressedSize),
		Chunks:           []*device.ChunkInfo{chunk},
	}
}

func appendMergeRange(r *device.BlobIoRange, chunk *device.ChunkInfo) {
	r.Chunks = append(r.Chunks, chunk)
	r.CompressedSize = chunk.CompressedEnd() - r.CompressedOffset
}
