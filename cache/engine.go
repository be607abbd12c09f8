package cache

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rafscache/blobcache/compress"
	"github.com/rafscache/blobcache/device"
	"github.com/rafscache/blobcache/digest"
	"github.com/rafscache/blobcache/internal/sizing"
)

// DataFile is the local storage an Engine fills and serves reads from: one
// per blob, sized to the blob's uncompressed length (or a sparse
// equivalent). filecache and fscache each supply their own implementation
// with driver-specific durability and alignment policy.
type DataFile interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// Syncer is implemented by a StateMap whose Ready bits must be flushed to
// durable storage at fetch-range batch boundaries. PersistentStateMap
// implements it; MemStateMap does not need to.
type Syncer interface {
	Sync() error
}

// Engine is the cached-file engine shared by every on-disk cache driver:
// the read/fetch/decompress/validate/fill pipeline described for the
// blob cache core. Concrete drivers embed Engine and add their own
// storage layout and capability surface (e.g. BlobObject).
type Engine struct {
	Blob    *device.BlobInfo
	backend device.Backend
	chunks  device.ChunkSource
	states  StateMap
	data    DataFile
	decoders *compress.DecoderPool
	cfg     Config

	compressAlg compress.Algorithm
	digestAlg   digest.Algorithm

	prefetchMu   sync.Mutex
	prefetchPool *prefetchPool
	active       atomic.Bool
}

// NewEngine constructs an Engine for blob, reading/writing through data
// and tracking chunk readiness through states. backend and chunks are the
// external collaborators the engine consumes for fetch and metadata
// lookup, respectively.
func NewEngine(blob *device.BlobInfo, backend device.Backend, chunks device.ChunkSource, states StateMap, data DataFile, decoders *compress.DecoderPool, cfg Config) (*Engine, error) {
	compressAlg, err := compress.ParseAlgorithm(blob.Compressor)
	if err != nil {
		return nil, fmt.Errorf("cache: %w: %v", device.ErrInvalidArgument, err)
	}
	if blob.IsLegacyStargz() {
		compressAlg = compress.GzipStargz
	}
	digestAlg, err := digest.ParseAlgorithm(blob.Digester)
	if err != nil {
		return nil, fmt.Errorf("cache: %w: %v", device.ErrInvalidArgument, err)
	}

	return &Engine{
		Blob:        blob,
		backend:     backend,
		chunks:      chunks,
		states:      states,
		data:        data,
		decoders:    decoders,
		cfg:         cfg,
		compressAlg: compressAlg,
		digestAlg:   digestAlg,
	}, nil
}

// GetChunkInfo resolves index against the engine's chunk metadata source,
// exposing get_chunk_info to drivers that build descriptors from raw byte
// ranges rather than pre-resolved BlobIoDescs.
func (e *Engine) GetChunkInfo(index uint32) (*device.ChunkInfo, error) {
	return e.chunks.ChunkInfo(index)
}

// BlobID returns the blob's content-hash identifier.
func (e *Engine) BlobID() string { return e.Blob.ID }

// BlobCompressedSize returns the blob's size as stored on the backend.
func (e *Engine) BlobCompressedSize() uint64 { return e.Blob.CompressedSize }

// BlobUncompressedSize returns the blob's reconstructed, decompressed size.
func (e *Engine) BlobUncompressedSize() uint64 { return e.Blob.UncompressedSize }

// Compressor names the blob's general-purpose compression algorithm.
func (e *Engine) Compressor() string { return e.Blob.Compressor }

// Digester names the blob's digest algorithm.
func (e *Engine) Digester() string { return e.Blob.Digester }

// IsLegacyStargz reports whether the blob uses the legacy gzip-stargz
// chunk format.
func (e *Engine) IsLegacyStargz() bool { return e.Blob.IsLegacyStargz() }

// NeedValidate reports whether this engine forces digest validation on
// every read.
func (e *Engine) NeedValidate() bool { return e.cfg.NeedValidate }

// Read satisfies a full filesystem read: it writes into buffers in
// descriptor order and returns the total bytes delivered. Either all
// requested bytes are delivered or an error is returned; partial success
// is never exposed to the caller.
func (e *Engine) Read(vec *device.BlobIoVec, buffers [][]byte) (int, error) {
	if len(vec.Descs) != len(buffers) {
		return 0, fmt.Errorf("cache: %w: descs/buffers length mismatch", device.ErrInvalidArgument)
	}
	if len(vec.Descs) == 0 {
		return 0, nil
	}

	type pending struct {
		desc    *device.BlobIoDesc
		origIdx int
	}

	var misses []pending
	delivered := 0

	for i, d := range vec.Descs {
		if d.Chunk.UncompressedSize == 0 {
			e.states.SetReady(d.Chunk.Index)
		}
		if e.states.IsReady(d.Chunk.Index) {
			n, err := e.serveFromFile(d, buffers[i])
			if err != nil {
				return delivered, err
			}
			delivered += n
			continue
		}
		misses = append(misses, pending{desc: d, origIdx: i})
	}

	if len(misses) == 0 {
		return delivered, nil
	}

	sort.Slice(misses, func(i, j int) bool {
		return misses[i].desc.Chunk.CompressedOffset < misses[j].desc.Chunk.CompressedOffset
	})

	if len(misses) == 1 {
		// A single missing chunk has nothing to merge with; fetch it
		// directly rather than round-tripping through the merge planner.
		if err := e.fetchChunk(misses[0].desc.Chunk); err != nil {
			return delivered, err
		}
	} else {
		missDescs := make([]*device.BlobIoDesc, len(misses))
		for i, p := range misses {
			missDescs[i] = p.desc
		}

		maxMerge := e.cfg.UserMergeSize
		if e.Blob.IsLegacyStargz() {
			// Legacy chunk compressed sizes are estimates, not exact offsets;
			// merging would compound estimate error across chunks, so every
			// chunk gets its own backend request.
			maxMerge = 0
		}

		for _, r := range mergeAndIssue(e.Blob, missDescs, maxMerge) {
			if err := e.fetchRange(r); err != nil {
				return delivered, err
			}
		}
	}

	for _, p := range misses {
		n, err := e.serveFromFile(p.desc, buffers[p.origIdx])
		if err != nil {
			return delivered, err
		}
		delivered += n
	}
	return delivered, nil
}

func (e *Engine) serveFromFile(d *device.BlobIoDesc, buf []byte) (int, error) {
	off, err := sizing.ToInt64(d.Chunk.UncompressedOffset+uint64(d.Offset), device.ErrInvalidArgument)
	if err != nil {
		return 0, fmt.Errorf("cache: %w", err)
	}
	n, err := e.data.ReadAt(buf[:d.Size], off)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("cache: read cached file: %w", err)
	}
	return n, nil
}

// fetchRange implements fetch_range: it acquires ownership of every chunk
// in r it can, issues exactly one backend read for r's whole compressed
// span, then decompresses, validates, and fills each acquired chunk in turn.
// Chunks owned by a concurrent fetch are waited on instead.
func (e *Engine) fetchRange(r *device.BlobIoRange) error {
	acquired := make([]*device.ChunkInfo, 0, len(r.Chunks))
	waiting := make([]*device.ChunkInfo, 0, len(r.Chunks))

	for _, c := range r.Chunks {
		switch e.states.MarkPending(c.Index) {
		case Acquired:
			acquired = append(acquired, c)
		case AlreadyPending:
			waiting = append(waiting, c)
		}
	}

	if len(acquired) > 0 {
		if err := e.fetchAndFill(r, acquired); err != nil {
			return err
		}
	}

	for _, c := range waiting {
		if err := e.states.WaitReady(c.Index, e.cfg.SingleFlightTimeout); err != nil {
			return fmt.Errorf("cache: chunk %d: %w", c.Index, err)
		}
	}
	return nil
}

// fetchChunk fetches and fills exactly one chunk directly from the
// backend, bypassing the range-merge planner entirely. It is the
// single-chunk fetch primitive used whenever a request covers only one
// chunk and there is nothing adjacent to merge with.
func (e *Engine) fetchChunk(c *device.ChunkInfo) error {
	r := &device.BlobIoRange{
		Blob:             e.Blob,
		CompressedOffset: c.CompressedOffset,
		CompressedSize:   uint64(c.CompressedSize),
		Chunks:           []*device.ChunkInfo{c},
	}
	return e.fetchRange(r)
}

func (e *Engine) fetchAndFill(r *device.BlobIoRange, acquired []*device.ChunkInfo) error {
	compressedSize := r.CompressedSize
	legacy := e.Blob.IsLegacyStargz()
	if legacy {
		// One chunk per range is enforced by the caller for legacy blobs.
		compressedSize = uint64(compress.LegacyGzipStargzEnvelope(e.Blob.CompressedSize, r.CompressedOffset, acquired[0].UncompressedSize))
	}

	sizeInt, err := sizing.ToInt(compressedSize, device.ErrInvalidArgument)
	if err != nil {
		e.releaseAll(acquired)
		return fmt.Errorf("cache: %w", err)
	}

	buf := make([]byte, sizeInt)
	n, readErr := e.backend.Read(e.Blob.ID, buf, r.CompressedOffset)
	if readErr != nil {
		e.cfg.log().Warn("backend read failed", "blob", e.Blob.ID, "offset", r.CompressedOffset, "size", sizeInt, "err", readErr)
		e.releaseAll(acquired)
		return fmt.Errorf("cache: %w: %v", device.ErrBackend, readErr)
	}
	if !legacy && n != sizeInt {
		e.cfg.log().Warn("short backend read", "blob", e.Blob.ID, "offset", r.CompressedOffset, "want", sizeInt, "got", n)
		e.releaseAll(acquired)
		return fmt.Errorf("cache: %w: short read (%d of %d bytes)", device.ErrBackend, n, sizeInt)
	}
	buf = buf[:n]

	for i, c := range acquired {
		if err := e.fillChunk(c, r, buf, legacy); err != nil {
			if errors.Is(err, device.ErrDecompress) || errors.Is(err, device.ErrDigestMismatch) {
				e.cfg.log().Error("chunk invalidated", "blob", e.Blob.ID, "chunk", c.Index, "err", err)
				e.states.SetInvalid(c.Index)
			} else {
				e.states.Release(c.Index)
			}
			e.releaseAll(acquired[i+1:])
			return err
		}
		e.cfg.log().Debug("chunk filled", "blob", e.Blob.ID, "chunk", c.Index)
	}

	if syncer, ok := e.states.(Syncer); ok {
		if err := syncer.Sync(); err != nil {
			return fmt.Errorf("cache: sync state map: %w", err)
		}
	}
	return nil
}

func (e *Engine) releaseAll(chunks []*device.ChunkInfo) {
	for _, c := range chunks {
		e.states.Release(c.Index)
	}
}

func (e *Engine) fillChunk(c *device.ChunkInfo, r *device.BlobIoRange, buf []byte, legacy bool) error {
	if c.UncompressedSize > device.RAFSMaxChunkSize {
		return fmt.Errorf("cache: chunk %d: %w: uncompressed size %d exceeds RAFSMaxChunkSize", c.Index, device.ErrInvalidArgument, c.UncompressedSize)
	}

	compOffset := c.CompressedOffset - r.CompressedOffset
	compOffInt, err := sizing.ToInt(compOffset, device.ErrInvalidArgument)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	var compSlice []byte
	if legacy {
		if compOffInt > len(buf) {
			return fmt.Errorf("cache: %w: legacy chunk offset past fetched bytes", device.ErrDecompress)
		}
		compSlice = buf[compOffInt:]
	} else {
		sizeInt, err := sizing.ToInt(uint64(c.CompressedSize), device.ErrInvalidArgument)
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
		if compOffInt+sizeInt > len(buf) {
			return fmt.Errorf("cache: %w: chunk range past fetched bytes", device.ErrBackend)
		}
		compSlice = buf[compOffInt : compOffInt+sizeInt]
	}

	var uncompressed []byte
	if !c.IsCompressed {
		if len(compSlice) != int(c.UncompressedSize) {
			return fmt.Errorf("cache: %w: size mismatch", device.ErrDecompress)
		}
		uncompressed = compSlice
	} else {
		uncompressed, err = compress.Decompress(compSlice, int(c.UncompressedSize), e.compressAlg, e.decoders)
		if err != nil {
			return err
		}
	}

	if e.cfg.NeedValidate && !digest.Check(uncompressed, c.ID, e.digestAlg) {
		return fmt.Errorf("cache: chunk %d: %w", c.Index, device.ErrDigestMismatch)
	}

	off, err := sizing.ToInt64(c.UncompressedOffset, device.ErrInvalidArgument)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if _, err := e.data.WriteAt(uncompressed, off); err != nil {
		return fmt.Errorf("cache: write cached file: %w", err)
	}

	e.states.SetReady(c.Index)
	return nil
}
