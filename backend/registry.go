package backend

import (
	"fmt"
	"net/http"
	"sync"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/registry"
	orasauth "oras.land/oras-go/v2/registry/remote/auth"

	"github.com/rafscache/blobcache/device"
)

const (
	// mediaTypeChunkedBlob marks an OCI manifest layer whose annotations
	// carry the chunk table metadata needed to build a device.BlobInfo.
	mediaTypeChunkedBlob = "application/vnd.rafscache.blob.v1"

	annotationCompressor       = "rafscache.blob.compressor"
	annotationDigester         = "rafscache.blob.digester"
	annotationChunkCount       = "rafscache.blob.chunk-count"
	annotationUncompressedSize = "rafscache.blob.uncompressed-size"
	annotationLegacyGzipStargz = "rafscache.blob.legacy-gzip-stargz"
)

// BlobInfoFromLayer builds a device.BlobInfo from an OCI manifest layer
// descriptor, reading the chunk-table metadata the layer's annotations
// carry. It returns an error if layer is not a chunked blob layer.
func BlobInfoFromLayer(layer ocispec.Descriptor) (*device.BlobInfo, error) {
	if layer.MediaType != mediaTypeChunkedBlob {
		return nil, fmt.Errorf("%w: unexpected media type %q", device.ErrInvalidArgument, layer.MediaType)
	}

	chunkCount, err := annotationUint32(layer.Annotations, annotationChunkCount)
	if err != nil {
		return nil, err
	}
	uncompressedSize, err := annotationUint64(layer.Annotations, annotationUncompressedSize)
	if err != nil {
		return nil, err
	}

	var features device.BlobFeatures
	if layer.Annotations[annotationLegacyGzipStargz] == "true" {
		features |= device.BlobFeatureLegacyGzipStargz
	}

	return &device.BlobInfo{
		ID:               layer.Digest.String(),
		CompressedSize:   uint64(layer.Size),
		UncompressedSize: uncompressedSize,
		Compressor:       layer.Annotations[annotationCompressor],
		Digester:         layer.Annotations[annotationDigester],
		ChunkCount:       chunkCount,
		Features:         features,
	}, nil
}

func annotationUint32(annotations map[string]string, key string) (uint32, error) {
	v, err := annotationUint64(annotations, key)
	if err != nil {
		return 0, err
	}
	if v > uint64(^uint32(0)) {
		return 0, fmt.Errorf("%w: annotation %q overflows uint32", device.ErrInvalidArgument, key)
	}
	return uint32(v), nil
}

func annotationUint64(annotations map[string]string, key string) (uint64, error) {
	raw, ok := annotations[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing annotation %q", device.ErrInvalidArgument, key)
	}
	var v uint64
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil {
		return 0, fmt.Errorf("%w: annotation %q: %s", device.ErrInvalidArgument, key, err)
	}
	return v, nil
}

// RegistryBackend implements device.Backend by reading blobs directly from
// an OCI registry's blob endpoint via HTTP range requests, authenticated
// through oras-go's token exchange. Blob IDs are registry digests
// (algorithm:hex); the repository they live in is fixed per backend,
// matching how a single rafs blob device maps to one registry repository.
type RegistryBackend struct {
	repository string // e.g. "registry.example.com/library/app"
	authClient *orasauth.Client
	plainHTTP  bool

	mu      sync.Mutex
	sources map[string]*httpSource
}

// RegistryOption configures a RegistryBackend.
type RegistryOption func(*RegistryBackend)

// WithAuthClient sets the oras-go auth client used for token exchange.
// Defaults to orasauth.DefaultClient.
func WithAuthClient(client *orasauth.Client) RegistryOption {
	return func(b *RegistryBackend) { b.authClient = client }
}

// WithPlainHTTP disables TLS for the registry endpoint, for local
// registries used in development and tests.
func WithPlainHTTP() RegistryOption {
	return func(b *RegistryBackend) { b.plainHTTP = true }
}

// NewRegistryBackend returns a backend reading blobs of repository (e.g.
// "registry.example.com/library/app") by digest.
func NewRegistryBackend(repository string, opts ...RegistryOption) *RegistryBackend {
	b := &RegistryBackend{
		repository: repository,
		authClient: orasauth.DefaultClient,
		sources:    make(map[string]*httpSource),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Read implements device.Backend. blobID must be a digest string
// ("sha256:...").
func (b *RegistryBackend) Read(blobID string, buffer []byte, offset uint64) (int, error) {
	src, err := b.sourceFor(blobID)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", device.ErrBackend, err)
	}
	n, err := src.ReadAt(buffer, int64(offset))
	if err != nil {
		return n, fmt.Errorf("%w: %s", device.ErrBackend, err)
	}
	return n, nil
}

func (b *RegistryBackend) sourceFor(blobID string) (*httpSource, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if src, ok := b.sources[blobID]; ok {
		return src, nil
	}

	ref, err := registry.ParseReference(b.repository + "@" + blobID)
	if err != nil {
		return nil, fmt.Errorf("parse reference: %w", err)
	}

	client := &http.Client{Transport: &authRoundTripper{client: b.authClient, ref: ref}}
	url := blobURL(ref, blobID, b.plainHTTP)

	src, err := newHTTPSource(url, client, nil, false)
	if err != nil {
		return nil, err
	}
	b.sources[blobID] = src
	return src, nil
}

func blobURL(ref registry.Reference, digest string, plainHTTP bool) string {
	scheme := "https"
	if plainHTTP {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/v2/%s/blobs/%s", scheme, ref.Registry, ref.Repository, digest)
}

// authRoundTripper appends the repository's pull scope to every request
// before delegating to the oras-go auth client, which performs token
// exchange and caches credentials per registry host.
type authRoundTripper struct {
	client *orasauth.Client
	ref    registry.Reference
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := orasauth.AppendRepositoryScope(req.Context(), t.ref, orasauth.ActionPull)
	req = req.Clone(ctx)
	return t.client.Do(req)
}
