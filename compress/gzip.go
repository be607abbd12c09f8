package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/containerd/stargz-snapshotter/estargz"

	"github.com/rafscache/blobcache/device"
)

func decompressGzip(src []byte, expectedSize int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrDecompress, err)
	}
	defer r.Close()

	dst := make([]byte, expectedSize)
	n, err := io.ReadFull(r, dst)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("%w: %v", device.ErrDecompress, err)
	}
	if n != expectedSize {
		return nil, fmt.Errorf("%w: size mismatch", device.ErrDecompress)
	}
	return dst, nil
}

// gzipHeaderFooterOverhead is the fixed framing cost of a gzip member: a
// 10-byte header plus an 8-byte CRC32+ISIZE trailer. estargz.FooterSize (51
// bytes) is the same gzip member format with an additional STARGZ extra
// field carrying the TOC offset and an empty stored block as its body; a
// chunk's own gzip member carries no such field, and its body blocks are
// counted separately, so its overhead is estargz.FooterSize minus that
// field and minus the empty block.
const gzipHeaderFooterOverhead = estargz.FooterSize - stargzFooterExtraFieldSize - deflateStoredBlockOverhead

// stargzFooterExtraFieldSize is the length of the extra field estargz
// appends to its footer's gzip header: a 2-byte XLEN, then "SG" plus a
// 2-byte subfield length, then a 16-hex-digit offset and "STARGZ". A plain
// chunk member omits it.
const stargzFooterExtraFieldSize = 2 + 4 + 16 + 6

// deflateStoredBlockSize is the largest span of input DEFLATE can pack into
// a single stored (uncompressed) block; each such block adds a 5-byte
// header.
const deflateStoredBlockSize = 65535

// deflateStoredBlockOverhead is the per-block header DEFLATE emits for a
// stored block: a 1-byte BFINAL/BTYPE field plus a 4-byte LEN/NLEN pair.
const deflateStoredBlockOverhead = 5

// LegacyGzipStargzEnvelope bounds the compressed size of a legacy
// gzip-stargz chunk whose exact compressed size was not recorded in the
// blob's chunk table. It returns the worst-case size DEFLATE can produce
// for uncompressedSize bytes of incompressible input, framed as a gzip
// member, and then clamps that bound to the bytes actually available in
// the blob from chunkCompressedOffset to its end.
//
// The blob's chunk table for legacy stargz images only records compressed
// offsets, not compressed sizes, so callers must ask the backend for no
// more than this many bytes starting at chunkCompressedOffset, then let
// the gzip reader stop at the member's natural end.
func LegacyGzipStargzEnvelope(blobCompressedSize uint64, chunkCompressedOffset uint64, uncompressedSize uint32) uint32 {
	if chunkCompressedOffset >= blobCompressedSize {
		return 0
	}
	remaining := blobCompressedSize - chunkCompressedOffset

	blocks := uint64(uncompressedSize) / deflateStoredBlockSize
	if uint64(uncompressedSize)%deflateStoredBlockSize != 0 {
		blocks++
	}
	worstCase := uint64(uncompressedSize) + blocks*deflateStoredBlockOverhead + gzipHeaderFooterOverhead

	if worstCase > remaining {
		worstCase = remaining
	}
	return uint32(worstCase)
}
