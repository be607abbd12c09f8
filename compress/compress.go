// Package compress wraps the general-purpose compression algorithms the
// cache decompresses chunk data with. It pools zstd decoders the way the
// teacher's internal/file.DecompressPool does, and provides the legacy
// gzip-stargz compressed-size estimator the cache uses to size backend
// reads for blobs whose chunk table doesn't record exact compressed sizes.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/rafscache/blobcache/device"
)

// Algorithm identifies a chunk compression algorithm.
type Algorithm uint8

const (
	// None means chunk bytes are stored uncompressed.
	None Algorithm = iota
	// Zstd is the general-purpose compressor chunks may use.
	Zstd
	// GzipStargz marks chunks compressed with the legacy estargz gzip
	// framing, which requires the envelope size estimator below rather
	// than an exact recorded compressed size.
	GzipStargz
)

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case GzipStargz:
		return "gzip-stargz"
	default:
		return "unknown"
	}
}

// ParseAlgorithm maps a BlobInfo.Compressor name to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "", "none":
		return None, nil
	case "zstd":
		return Zstd, nil
	case "gzip-stargz":
		return GzipStargz, nil
	default:
		return 0, fmt.Errorf("compress: unknown algorithm %q", name)
	}
}

// Decompress decompresses src into a buffer of exactly expectedSize bytes
// using algorithm. If the decompressed size doesn't match expectedSize, it
// returns an error wrapping device.ErrDecompress.
func Decompress(src []byte, expectedSize int, alg Algorithm, pool *DecoderPool) ([]byte, error) {
	switch alg {
	case None:
		if len(src) != expectedSize {
			return nil, fmt.Errorf("%w: size mismatch", device.ErrDecompress)
		}
		return src, nil
	case Zstd:
		return decompressZstd(src, expectedSize, pool)
	case GzipStargz:
		return decompressGzip(src, expectedSize)
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %d", device.ErrDecompress, alg)
	}
}

func decompressZstd(src []byte, expectedSize int, pool *DecoderPool) ([]byte, error) {
	dec, release, err := pool.Get(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrDecompress, err)
	}
	defer release()

	dst := make([]byte, expectedSize)
	n, err := io.ReadFull(dec, dst)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("%w: %v", device.ErrDecompress, err)
	}
	if n != expectedSize {
		return nil, fmt.Errorf("%w: size mismatch", device.ErrDecompress)
	}
	if err := ensureNoExtra(dec); err != nil {
		return nil, err
	}
	return dst, nil
}

func ensureNoExtra(r io.Reader) error {
	var scratch [1]byte
	n, err := r.Read(scratch[:])
	if n > 0 {
		return fmt.Errorf("%w: size mismatch", device.ErrDecompress)
	}
	if err != nil && err != io.EOF {
		return fmt.Errorf("%w: %v", device.ErrDecompress, err)
	}
	return nil
}
