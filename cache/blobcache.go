package cache

import "github.com/rafscache/blobcache/device"

// BlobCache is the filesystem-facing capability set every concrete driver
// (filecache, fscache, dummycache) provides. filecache and fscache embed
// Engine for the shared read/fetch pipeline and supply GetBlobObject and
// Close themselves, since only filecache keeps a directly addressable local
// file; dummycache implements every method itself.
type BlobCache interface {
	BlobID() string
	BlobCompressedSize() uint64
	BlobUncompressedSize() uint64
	Compressor() string
	Digester() string
	IsLegacyStargz() bool
	NeedValidate() bool

	GetChunkInfo(index uint32) (*device.ChunkInfo, error)
	GetBlobObject() (device.BlobObject, error)

	Read(vec *device.BlobIoVec, buffers [][]byte) (int, error)
	Prefetch(descs []*device.BlobIoDesc) (int, error)
	PrefetchRange(r *device.BlobIoRange) (int, error)

	StartPrefetch() error
	StopPrefetch() error
	IsPrefetchActive() bool

	// Close releases the driver's local resources (cached file, bitmap).
	// It does not delete persisted data; see Manager.Gc for eviction.
	Close() error
}
