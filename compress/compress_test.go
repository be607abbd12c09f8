package compress

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/rafscache/blobcache/device"
)

func TestParseAlgorithm(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		want Algorithm
	}{
		{"", None},
		{"none", None},
		{"zstd", Zstd},
		{"gzip-stargz", GzipStargz},
	}
	for _, tc := range cases {
		got, err := ParseAlgorithm(tc.name)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}

	_, err := ParseAlgorithm("lz4")
	require.Error(t, err)
}

func TestDecompressNone(t *testing.T) {
	t.Parallel()

	data := []byte("uncompressed chunk data")
	got, err := Decompress(data, len(data), None, nil)
	require.NoError(t, err)
	require.Equal(t, data, got)

	_, err = Decompress(data, len(data)+1, None, nil)
	require.ErrorIs(t, err, device.ErrDecompress)
}

func TestDecompressZstdRoundTrip(t *testing.T) {
	t.Parallel()

	original := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(original, nil)
	require.NoError(t, enc.Close())

	pool := NewDecoderPool(0)
	got, err := Decompress(compressed, len(original), Zstd, pool)
	require.NoError(t, err)
	require.Equal(t, original, got)
}

func TestDecompressZstdSizeMismatch(t *testing.T) {
	t.Parallel()

	original := bytes.Repeat([]byte("a"), 64)
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(original, nil)
	require.NoError(t, enc.Close())

	pool := NewDecoderPool(0)
	_, err = Decompress(compressed, len(original)-1, Zstd, pool)
	require.ErrorIs(t, err, device.ErrDecompress)
}

func TestDecompressGzipRoundTrip(t *testing.T) {
	t.Parallel()

	original := bytes.Repeat([]byte("stargz chunk payload "), 300)
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(original)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := Decompress(buf.Bytes(), len(original), GzipStargz, nil)
	require.NoError(t, err)
	require.Equal(t, original, got)
}

func TestLegacyGzipStargzEnvelope(t *testing.T) {
	t.Parallel()

	t.Run("bounds to remaining blob size", func(t *testing.T) {
		got := LegacyGzipStargzEnvelope(1000, 990, 1<<20)
		require.Equal(t, uint32(10), got)
	})

	t.Run("offset past end of blob", func(t *testing.T) {
		got := LegacyGzipStargzEnvelope(1000, 1000, 4096)
		require.Equal(t, uint32(0), got)
	})

	t.Run("worst case fits under remaining bytes", func(t *testing.T) {
		got := LegacyGzipStargzEnvelope(1<<30, 0, 4096)
		require.Greater(t, got, uint32(4096))
		require.LessOrEqual(t, got, uint32(4096+5+18))
	})

	t.Run("multi-block worst case accounts for every stored block", func(t *testing.T) {
		size := uint32(deflateStoredBlockSize*2 + 10)
		got := LegacyGzipStargzEnvelope(1<<30, 0, size)
		require.Equal(t, size+3*deflateStoredBlockOverhead+gzipHeaderFooterOverhead, got)
	})
}
