package filecache

import (
	"crypto/sha256"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rafscache/blobcache/cache"
	"github.com/rafscache/blobcache/compress"
	"github.com/rafscache/blobcache/device"
	"github.com/rafscache/blobcache/internal/testutil"
)

func digestOf(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

func setupBlob(t *testing.T, n, chunkSize int) (*device.BlobInfo, []*device.ChunkInfo, []byte) {
	t.Helper()
	raw := make([]byte, n*chunkSize)
	chunks := make([]*device.ChunkInfo, n)
	for i := 0; i < n; i++ {
		payload := make([]byte, chunkSize)
		for j := range payload {
			payload[j] = byte(i*7 + j)
		}
		copy(raw[i*chunkSize:], payload)
		chunks[i] = &device.ChunkInfo{
			Index:              uint32(i),
			ID:                 digestOf(payload),
			CompressedOffset:   uint64(i * chunkSize),
			CompressedSize:     uint32(chunkSize),
			UncompressedOffset: uint64(i * chunkSize),
			UncompressedSize:   uint32(chunkSize),
		}
	}
	blob := &device.BlobInfo{
		ID:               "filecache-blob",
		CompressedSize:   uint64(len(raw)),
		UncompressedSize: uint64(len(raw)),
		Compressor:       "none",
		Digester:         "sha256",
		ChunkCount:       uint32(n),
	}
	return blob, chunks, raw
}

func TestFilecacheGetBlobObjectFetchRange(t *testing.T) {
	t.Parallel()

	blob, chunks, raw := setupBlob(t, 4, 32)
	backend := testutil.NewFaultyBackend(raw)
	chunkSource := testutil.NewMapChunkSource(chunks)
	cfg := cache.NewConfig(cache.WithNeedValidate(true))

	root := t.TempDir()
	c, err := New(root, blob, backend, chunkSource, compress.NewDecoderPool(0), cfg)
	require.NoError(t, err)
	defer c.Close()

	obj, err := c.GetBlobObject()
	require.NoError(t, err)

	got, err := obj.FetchRange(16, 64) // spans chunks 0 (tail) and 1, 2 (head)
	require.NoError(t, err)
	require.Equal(t, raw[16:80], got)

	off, err := obj.FileOffset(2)
	require.NoError(t, err)
	require.Equal(t, uint64(64), off)
}

func TestFilecacheFullyPopulatedAndRestart(t *testing.T) {
	t.Parallel()

	blob, chunks, raw := setupBlob(t, 2, 16)
	backend := testutil.NewFaultyBackend(raw)
	chunkSource := testutil.NewMapChunkSource(chunks)
	cfg := cache.NewConfig()

	root := t.TempDir()
	c, err := New(root, blob, backend, chunkSource, compress.NewDecoderPool(0), cfg)
	require.NoError(t, err)

	require.False(t, c.FullyPopulated())

	obj, err := c.GetBlobObject()
	require.NoError(t, err)
	_, err = obj.FetchRange(0, uint64(len(raw)))
	require.NoError(t, err)
	require.True(t, c.FullyPopulated())
	require.NoError(t, c.Close())

	reopened, err := New(root, blob, backend, chunkSource, compress.NewDecoderPool(0), cfg)
	require.NoError(t, err)
	defer reopened.Close()
	require.True(t, reopened.FullyPopulated())
}

func TestFilecacheShardedLayout(t *testing.T) {
	t.Parallel()

	blob, chunks, raw := setupBlob(t, 1, 8)
	backend := testutil.NewFaultyBackend(raw)
	chunkSource := testutil.NewMapChunkSource(chunks)

	root := t.TempDir()
	c, err := New(root, blob, backend, chunkSource, compress.NewDecoderPool(0), cache.NewConfig(), WithShardPrefixLen(2))
	require.NoError(t, err)
	defer c.Close()

	require.DirExists(t, filepath.Join(root, blob.ID[:2], blob.ID))
}
