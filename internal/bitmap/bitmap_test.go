package bitmap

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitmapSetGetClear(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "readiness.bitmap")
	bm, err := Open(path, 100)
	require.NoError(t, err)
	defer bm.Close()

	require.False(t, bm.Get(5))
	require.NoError(t, bm.Set(5))
	require.True(t, bm.Get(5))
	require.False(t, bm.Get(4))
	require.False(t, bm.Get(6))

	require.NoError(t, bm.Clear(5))
	require.False(t, bm.Get(5))
}

func TestBitmapOutOfRange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "readiness.bitmap")
	bm, err := Open(path, 8)
	require.NoError(t, err)
	defer bm.Close()

	require.False(t, bm.Get(100))
	require.Error(t, bm.Set(100))
	require.Error(t, bm.Clear(100))
}

func TestBitmapPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "readiness.bitmap")
	bm, err := Open(path, 64)
	require.NoError(t, err)
	require.NoError(t, bm.Set(3))
	require.NoError(t, bm.Set(63))
	require.NoError(t, bm.Close())

	reopened, err := Open(path, 64)
	require.NoError(t, err)
	defer reopened.Close()

	require.True(t, reopened.Get(3))
	require.True(t, reopened.Get(63))
	require.False(t, reopened.Get(0))
}

func TestBitmapGrowsExistingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "readiness.bitmap")
	bm, err := Open(path, 8)
	require.NoError(t, err)
	require.NoError(t, bm.Set(7))
	require.NoError(t, bm.Close())

	grown, err := Open(path, 64)
	require.NoError(t, err)
	defer grown.Close()

	require.True(t, grown.Get(7))
	require.False(t, grown.Get(40))
	require.Equal(t, uint32(64), grown.Len())
}
