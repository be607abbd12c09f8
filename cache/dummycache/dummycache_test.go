package dummycache

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rafscache/blobcache/device"
	"github.com/rafscache/blobcache/internal/testutil"
)

func TestDummyCacheReadProxiesBackend(t *testing.T) {
	t.Parallel()

	raw := []byte("dummy cache payload, straight through")
	sum := sha256.Sum256(raw)
	chunk := &device.ChunkInfo{
		Index:              0,
		ID:                 sum[:],
		CompressedOffset:   0,
		CompressedSize:     uint32(len(raw)),
		UncompressedOffset: 0,
		UncompressedSize:   uint32(len(raw)),
	}
	blob := &device.BlobInfo{
		ID:               "dummy-blob",
		CompressedSize:   uint64(len(raw)),
		UncompressedSize: uint64(len(raw)),
		Compressor:       "none",
		Digester:         "sha256",
		ChunkCount:       1,
	}

	backend := testutil.NewFaultyBackend(raw)
	chunks := testutil.NewMapChunkSource([]*device.ChunkInfo{chunk})
	c := New(blob, backend, chunks)

	require.False(t, c.NeedValidate())
	require.False(t, c.IsPrefetchActive())
	require.NoError(t, c.StartPrefetch())
	require.False(t, c.IsPrefetchActive())

	_, err := c.GetBlobObject()
	require.ErrorIs(t, err, device.ErrNotSupported)

	desc := &device.BlobIoDesc{Blob: blob, Chunk: chunk, Offset: 0, Size: uint32(len(raw)), UserIO: true}
	buf := make([][]byte, 1)
	buf[0] = make([]byte, len(raw))
	n, err := c.Read(&device.BlobIoVec{Blob: blob, Descs: []*device.BlobIoDesc{desc}}, buf)
	require.NoError(t, err)
	require.Equal(t, len(raw), n)
	require.Equal(t, raw, buf[0])

	require.NoError(t, c.Close())
}
