package backend

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	digestpkg "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/rafscache/blobcache/device"

	orasauth "oras.land/oras-go/v2/registry/remote/auth"
)

func TestRegistryBackendReadRange(t *testing.T) {
	t.Parallel()

	data := []byte("registry blob contents, read in a range")
	digest := digestpkg.FromBytes(data).String()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/blobs/"+digest) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.ServeContent(w, r, "blob", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	host, err := url.Parse(srv.URL)
	require.NoError(t, err)

	b := NewRegistryBackend(host.Host+"/library/app",
		WithPlainHTTP(),
		WithAuthClient(&orasauth.Client{Client: srv.Client(), Cache: orasauth.NewCache()}),
	)

	buf := make([]byte, 6)
	n, err := b.Read(digest, buf, 10)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, data[10:16], buf)
}

func TestBlobInfoFromLayer(t *testing.T) {
	t.Parallel()

	layer := ocispec.Descriptor{
		MediaType: mediaTypeChunkedBlob,
		Digest:    digestpkg.FromString("blob contents"),
		Size:      4096,
		Annotations: map[string]string{
			annotationCompressor:       "zstd",
			annotationDigester:         "sha256",
			annotationChunkCount:       "4",
			annotationUncompressedSize: "8192",
		},
	}

	info, err := BlobInfoFromLayer(layer)
	require.NoError(t, err)
	require.Equal(t, layer.Digest.String(), info.ID)
	require.Equal(t, uint64(4096), info.CompressedSize)
	require.Equal(t, uint64(8192), info.UncompressedSize)
	require.Equal(t, uint32(4), info.ChunkCount)
	require.False(t, info.IsLegacyStargz())
}

func TestBlobInfoFromLayerRejectsWrongMediaType(t *testing.T) {
	t.Parallel()

	_, err := BlobInfoFromLayer(ocispec.Descriptor{MediaType: "application/octet-stream"})
	require.ErrorIs(t, err, device.ErrInvalidArgument)
}
