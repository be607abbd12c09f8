package cache

import (
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/rafscache/blobcache/compress"
	"github.com/rafscache/blobcache/device"
	"github.com/rafscache/blobcache/internal/testutil"
)

func zstdCompress(t *testing.T, payload []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	out := enc.EncodeAll(payload, nil)
	require.NoError(t, enc.Close())
	return out
}

func sha256Digest(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// testBlob builds a small uncompressed blob of n chunks, each chunkSize
// bytes, with exact digests, and returns the blob info, chunk table, and
// raw backend bytes.
func testBlob(t *testing.T, n int, chunkSize int) (*device.BlobInfo, []*device.ChunkInfo, []byte) {
	t.Helper()

	raw := make([]byte, n*chunkSize)
	chunks := make([]*device.ChunkInfo, n)
	for i := 0; i < n; i++ {
		payload := make([]byte, chunkSize)
		for j := range payload {
			payload[j] = byte(i*31 + j)
		}
		copy(raw[i*chunkSize:], payload)
		chunks[i] = &device.ChunkInfo{
			Index:              uint32(i),
			ID:                 sha256Digest(payload),
			CompressedOffset:   uint64(i * chunkSize),
			CompressedSize:     uint32(chunkSize),
			UncompressedOffset: uint64(i * chunkSize),
			UncompressedSize:   uint32(chunkSize),
			IsCompressed:       false,
		}
	}

	blob := &device.BlobInfo{
		ID:               "test-blob",
		CompressedSize:   uint64(len(raw)),
		UncompressedSize: uint64(len(raw)),
		Compressor:       "none",
		Digester:         "sha256",
		ChunkCount:       uint32(n),
	}
	return blob, chunks, raw
}

func newTestEngine(t *testing.T, blob *device.BlobInfo, chunks []*device.ChunkInfo, raw []byte, needValidate bool) (*Engine, *testutil.FaultyBackend, *testutil.MemDataFile) {
	t.Helper()

	backend := testutil.NewFaultyBackend(raw)
	data := testutil.NewMemDataFile(len(raw))
	chunkSource := testutil.NewMapChunkSource(chunks)
	states := NewMemStateMap(blob.ChunkCount)
	cfg := NewConfig(WithNeedValidate(needValidate), WithSingleFlightTimeout(500*time.Millisecond))

	e, err := NewEngine(blob, backend, chunkSource, states, data, compress.NewDecoderPool(0), cfg)
	require.NoError(t, err)
	return e, backend, data
}

func descForChunk(blob *device.BlobInfo, c *device.ChunkInfo) *device.BlobIoDesc {
	return &device.BlobIoDesc{Blob: blob, Chunk: c, Offset: 0, Size: c.UncompressedSize, UserIO: true}
}

func TestEngineReadColdThenHot(t *testing.T) {
	t.Parallel()

	blob, chunks, raw := testBlob(t, 3, 64)
	e, backend, _ := newTestEngine(t, blob, chunks, raw, true)

	vec := &device.BlobIoVec{Blob: blob, Descs: []*device.BlobIoDesc{descForChunk(blob, chunks[0]), descForChunk(blob, chunks[2])}}
	buffers := [][]byte{make([]byte, 64), make([]byte, 64)}

	n, err := e.Read(vec, buffers)
	require.NoError(t, err)
	require.Equal(t, 128, n)
	require.Equal(t, raw[0:64], buffers[0])
	require.Equal(t, raw[128:192], buffers[1])
	require.Equal(t, int64(2), backend.Reads())

	// Second read for the same chunks must be served entirely from the
	// cached file.
	buffers2 := [][]byte{make([]byte, 64), make([]byte, 64)}
	n, err = e.Read(vec, buffers2)
	require.NoError(t, err)
	require.Equal(t, 128, n)
	require.Equal(t, buffers, buffers2)
	require.Equal(t, int64(2), backend.Reads())
}

func TestEngineReadEmptyDescs(t *testing.T) {
	t.Parallel()

	blob, chunks, raw := testBlob(t, 1, 64)
	e, _, _ := newTestEngine(t, blob, chunks, raw, true)

	n, err := e.Read(&device.BlobIoVec{Blob: blob}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestEngineReadZeroSizeChunkNeedsNoBackend(t *testing.T) {
	t.Parallel()

	blob, chunks, raw := testBlob(t, 1, 0)
	chunks[0].UncompressedSize = 0
	e, backend, _ := newTestEngine(t, blob, chunks, raw, true)

	vec := &device.BlobIoVec{Blob: blob, Descs: []*device.BlobIoDesc{descForChunk(blob, chunks[0])}}
	n, err := e.Read(vec, [][]byte{{}})
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, int64(0), backend.Reads())
}

func TestEngineSingleFlightOneBackendReadForConcurrentReaders(t *testing.T) {
	t.Parallel()

	blob, chunks, raw := testBlob(t, 1, 4096)
	e, backend, _ := newTestEngine(t, blob, chunks, raw, true)

	const readers = 16
	results := make([][]byte, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			buf := make([]byte, 4096)
			vec := &device.BlobIoVec{Blob: blob, Descs: []*device.BlobIoDesc{descForChunk(blob, chunks[0])}}
			_, err := e.Read(vec, [][]byte{buf})
			require.NoError(t, err)
			results[idx] = buf
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), backend.Reads())
	for _, r := range results {
		require.Equal(t, raw, r)
	}
}

func TestEngineDigestMismatchFailsThenRetrySucceeds(t *testing.T) {
	t.Parallel()

	blob, chunks, raw := testBlob(t, 1, 64)
	e, backend, _ := newTestEngine(t, blob, chunks, raw, true)
	backend.CorruptOnce(0)

	vec := &device.BlobIoVec{Blob: blob, Descs: []*device.BlobIoDesc{descForChunk(blob, chunks[0])}}
	_, err := e.Read(vec, [][]byte{make([]byte, 64)})
	require.ErrorIs(t, err, device.ErrDigestMismatch)
	require.False(t, e.states.IsReady(0))

	buf := make([]byte, 64)
	n, err := e.Read(vec, [][]byte{buf})
	require.NoError(t, err)
	require.Equal(t, 64, n)
	require.Equal(t, raw, buf)
	require.Equal(t, int64(2), backend.Reads())
}

func TestEngineBackendErrorClearsPendingWithoutInvalid(t *testing.T) {
	t.Parallel()

	blob, chunks, raw := testBlob(t, 1, 64)
	e, backend, _ := newTestEngine(t, blob, chunks, raw, true)
	backend.FailAt(0, assertErr("backend down"))

	vec := &device.BlobIoVec{Blob: blob, Descs: []*device.BlobIoDesc{descForChunk(blob, chunks[0])}}
	_, err := e.Read(vec, [][]byte{make([]byte, 64)})
	require.ErrorIs(t, err, device.ErrBackend)
	require.False(t, e.states.IsPending(0))

	buf := make([]byte, 64)
	n, err := e.Read(vec, [][]byte{buf})
	require.NoError(t, err)
	require.Equal(t, 64, n)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestEnginePrefetchThenReadIssuesNoBackendCall(t *testing.T) {
	t.Parallel()

	blob, chunks, raw := testBlob(t, 4, 64)
	e, backend, _ := newTestEngine(t, blob, chunks, raw, true)

	require.NoError(t, e.StartPrefetch())
	defer e.StopPrefetch()

	descs := make([]*device.BlobIoDesc, len(chunks))
	for i, c := range chunks {
		descs[i] = descForChunk(blob, c)
	}
	submitted, err := e.Prefetch(descs)
	require.NoError(t, err)
	require.Equal(t, len(chunks), submitted)

	require.Eventually(t, func() bool {
		for _, c := range chunks {
			if !e.states.IsReady(c.Index) {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.StopPrefetch())
	require.Equal(t, int64(1), backend.Reads())

	vec := &device.BlobIoVec{Blob: blob, Descs: descs}
	buffers := make([][]byte, len(descs))
	for i := range buffers {
		buffers[i] = make([]byte, 64)
	}
	n, err := e.Read(vec, buffers)
	require.NoError(t, err)
	require.Equal(t, 256, n)
	require.Equal(t, int64(1), backend.Reads())
}

func TestEngineStartStopStartLeavesPoolWorking(t *testing.T) {
	t.Parallel()

	blob, chunks, raw := testBlob(t, 1, 64)
	e, _, _ := newTestEngine(t, blob, chunks, raw, true)

	require.NoError(t, e.StartPrefetch())
	require.True(t, e.IsPrefetchActive())
	require.NoError(t, e.StopPrefetch())
	require.False(t, e.IsPrefetchActive())
	require.NoError(t, e.StartPrefetch())
	require.True(t, e.IsPrefetchActive())

	descs := []*device.BlobIoDesc{descForChunk(blob, chunks[0])}
	submitted, err := e.Prefetch(descs)
	require.NoError(t, err)
	require.Equal(t, 1, submitted)
	require.NoError(t, e.StopPrefetch())
}

func TestEngineCompressedChunkZstdRoundTrip(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	compressed := zstdCompress(t, payload)

	blob := &device.BlobInfo{
		ID:               "zstd-blob",
		CompressedSize:   uint64(len(compressed)),
		UncompressedSize: uint64(len(payload)),
		Compressor:       "zstd",
		Digester:         "sha256",
		ChunkCount:       1,
	}
	chunk := &device.ChunkInfo{
		Index:              0,
		ID:                 sha256Digest(payload),
		CompressedOffset:   0,
		CompressedSize:     uint32(len(compressed)),
		UncompressedOffset: 0,
		UncompressedSize:   uint32(len(payload)),
		IsCompressed:       true,
	}

	e, backend, _ := newTestEngine(t, blob, []*device.ChunkInfo{chunk}, compressed, true)
	vec := &device.BlobIoVec{Blob: blob, Descs: []*device.BlobIoDesc{descForChunk(blob, chunk)}}
	buf := make([]byte, len(payload))
	n, err := e.Read(vec, [][]byte{buf})
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
	require.Equal(t, int64(1), backend.Reads())
}

func TestEngineRejectsChunkExceedingMaxSize(t *testing.T) {
	t.Parallel()

	blob, chunks, raw := testBlob(t, 1, 64)
	chunks[0].UncompressedSize = device.RAFSMaxChunkSize + 1
	e, _, _ := newTestEngine(t, blob, chunks, raw, true)

	vec := &device.BlobIoVec{Blob: blob, Descs: []*device.BlobIoDesc{descForChunk(blob, chunks[0])}}
	_, err := e.Read(vec, [][]byte{make([]byte, 64)})
	require.ErrorIs(t, err, device.ErrInvalidArgument)
	require.False(t, e.states.IsPending(0))
}
