// Package backend provides device.Backend implementations: HTTP range-read
// access to a blob store, and OCI registry pull via oras-go.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/rafscache/blobcache/device"
)

// URLResolver maps a blob ID to the URL serving its compressed bytes.
type URLResolver func(blobID string) (string, error)

// HTTPBackend implements device.Backend over HTTP range requests, lazily
// probing and caching one httpSource per blob ID it is asked to read.
type HTTPBackend struct {
	resolver URLResolver
	client   *nethttp.Client
	headers  nethttp.Header
	useConditionalHeaders bool

	mu      sync.Mutex
	sources map[string]*httpSource
}

// HTTPOption configures an HTTPBackend.
type HTTPOption func(*HTTPBackend)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(client *nethttp.Client) HTTPOption {
	return func(b *HTTPBackend) { b.client = client }
}

// WithHTTPHeader sets a header applied to every request.
func WithHTTPHeader(key, value string) HTTPOption {
	return func(b *HTTPBackend) {
		if b.headers == nil {
			b.headers = make(nethttp.Header)
		}
		b.headers.Set(key, value)
	}
}

// WithConditionalRangeRequests enables If-Match/If-Unmodified-Since on
// range requests, disabled by default since some registries reject
// conditional range requests outright.
func WithConditionalRangeRequests() HTTPOption {
	return func(b *HTTPBackend) { b.useConditionalHeaders = true }
}

// NewHTTPBackend returns a backend that resolves blob IDs to URLs via resolver.
func NewHTTPBackend(resolver URLResolver, opts ...HTTPOption) *HTTPBackend {
	b := &HTTPBackend{resolver: resolver, client: nethttp.DefaultClient, sources: make(map[string]*httpSource)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Read implements device.Backend.
func (b *HTTPBackend) Read(blobID string, buffer []byte, offset uint64) (int, error) {
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

func (b *HTTPBackend) sourceFor(blobID string) (*httpSource, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if src, ok := b.sources[blobID]; ok {
		return src, nil
	}

	url, err := b.resolver(blobID)
	if err != nil {
		return nil, err
	}
	src, err := newHTTPSource(url, b.client, b.headers, b.useConditionalHeaders)
	if err != nil {
		return nil, err
	}
	b.sources[blobID] = src
	return src, nil
}

// httpSource implements random access reads of a single remote object via
// HTTP range requests, adapted from the corpus's range-read HTTP source.
type httpSource struct {
	url                   string
	client                *nethttp.Client
	headers               nethttp.Header
	size                  int64
	etag                  string
	lastModified          string
	useConditionalHeaders bool
}

func newHTTPSource(url string, client *nethttp.Client, headers nethttp.Header, conditional bool) (*httpSource, error) {
	s := &httpSource{url: url, client: client, headers: headers, useConditionalHeaders: conditional}
	size, etag, lastModified, err := s.rangeProbe()
	if err != nil {
		return nil, err
	}
	s.size = size
	s.etag = etag
	s.lastModified = lastModified
	return s, nil
}

// ReadAt reads len(p) bytes starting at off, using a single HTTP range
// request. A short read at end-of-object returns (n, io.EOF).
func (s *httpSource) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}

	end := off + int64(len(p)) - 1
	expected := len(p)
	if end >= s.size {
		end = s.size - 1
		expected = int(end - off + 1)
	}

	resp, err := s.rangeRequest(off, end, true)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode == nethttp.StatusPreconditionFailed && s.hasConditionalHeaders() {
		resp.Body.Close()
		resp, err = s.rangeRequest(off, end, false)
		if err != nil {
			return 0, err
		}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
	case nethttp.StatusRequestedRangeNotSatisfiable:
		return 0, io.EOF
	case nethttp.StatusOK:
		return 0, errors.New("range requests not supported")
	default:
		return 0, fmt.Errorf("range request failed: %s", resp.Status)
	}

	n, err := io.ReadFull(resp.Body, p[:expected])
	if err != nil {
		return n, err
	}
	if expected < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *httpSource) rangeProbe() (size int64, etag, lastModified string, err error) {
	req, err := s.newRequest(nethttp.MethodGet, false)
	if err != nil {
		return 0, "", "", err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", "", err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != nethttp.StatusPartialContent {
		if resp.StatusCode == nethttp.StatusOK {
			return 0, "", "", errors.New("range requests not supported")
		}
		return 0, "", "", fmt.Errorf("range probe failed: %s", resp.Status)
	}

	crange := resp.Header.Get("Content-Range")
	if crange == "" {
		return 0, "", "", errors.New("range probe missing Content-Range")
	}
	size, err = parseContentRange(crange)
	if err != nil {
		return 0, "", "", err
	}
	return size, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"), nil
}

func (s *httpSource) newRequest(method string, withConditions bool) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(context.Background(), method, s.url, nethttp.NoBody)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	if method == nethttp.MethodGet && withConditions && s.useConditionalHeaders {
		if s.etag != "" && req.Header.Get("If-Match") == "" {
			req.Header.Set("If-Match", s.etag)
		}
		if s.lastModified != "" && req.Header.Get("If-Unmodified-Since") == "" {
			req.Header.Set("If-Unmodified-Since", s.lastModified)
		}
	}
	return req, nil
}

func (s *httpSource) rangeRequest(off, end int64, withConditions bool) (*nethttp.Response, error) {
	req, err := s.newRequest(nethttp.MethodGet, withConditions)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))
	return s.client.Do(req)
}

func (s *httpSource) hasConditionalHeaders() bool {
	if !s.useConditionalHeaders {
		return false
	}
	return s.etag != "" || s.lastModified != ""
}

func parseContentRange(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	parts := strings.SplitN(strings.TrimPrefix(value, "bytes "), "/", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	if parts[1] == "*" {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return size, nil
}
