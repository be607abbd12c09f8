package testutil

import (
	"fmt"

	"github.com/rafscache/blobcache/device"
)

// MapChunkSource is a device.ChunkSource backed by a plain map, enough for
// tests that construct their own chunk tables.
type MapChunkSource struct {
	chunks map[uint32]*device.ChunkInfo
}

// NewMapChunkSource builds a ChunkSource from chunks, keyed by their Index.
func NewMapChunkSource(chunks []*device.ChunkInfo) *MapChunkSource {
	m := make(map[uint32]*device.ChunkInfo, len(chunks))
	for _, c := range chunks {
		m[c.Index] = c
	}
	return &MapChunkSource{chunks: m}
}

// ChunkInfo implements device.ChunkSource.
func (s *MapChunkSource) ChunkInfo(index uint32) (*device.ChunkInfo, error) {
	c, ok := s.chunks[index]
	if !ok {
		return nil, fmt.Errorf("testutil: no chunk at index %d", index)
	}
	return c, nil
}
