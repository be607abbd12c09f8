package device

import "errors"

// Sentinel errors for the blob cache core, one per error kind from the
// cache's error handling design. Callers use errors.Is against these.
var (
	// ErrBackend reports a transport failure, short read, or auth failure
	// from the blob backend. Not retried by the cache; the state map is
	// cleared of Pending but not set Invalid.
	ErrBackend = errors.New("blobcache: backend error")

	// ErrDecompress reports corrupt compressed bytes or a size mismatch
	// after decompression. Fatal for the chunk; the state map is set Invalid.
	ErrDecompress = errors.New("blobcache: decompress error")

	// ErrDigestMismatch reports a data integrity failure. Fatal; the state
	// map is set Invalid.
	ErrDigestMismatch = errors.New("blobcache: digest mismatch")

	// ErrTimeout reports that a single-flight wait exceeded its deadline.
	// The caller may retry; the pending owner continues unaffected.
	ErrTimeout = errors.New("blobcache: single-flight wait timeout")

	// ErrInvalidArgument reports a malformed descriptor list, non-contiguous
	// chunks passed to a batch call, or a chunk size exceeding
	// RAFSMaxChunkSize.
	ErrInvalidArgument = errors.New("blobcache: invalid argument")

	// ErrNotSupported reports that a driver lacks a requested capability,
	// e.g. PrefetchRange on a driver with no local storage.
	ErrNotSupported = errors.New("blobcache: not supported")
)
