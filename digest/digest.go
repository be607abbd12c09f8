// Package digest wraps github.com/opencontainers/go-digest to provide the
// cache's digest interface: a constant-time check of chunk content against
// its recorded content ID.
package digest

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	godigest "github.com/opencontainers/go-digest"
)

// Algorithm names a digest algorithm usable for chunk verification.
type Algorithm string

const (
	// SHA256 is the default chunk digest algorithm.
	SHA256 Algorithm = Algorithm(godigest.SHA256)
	// SHA512 is available for blobs that opt into a stronger digest.
	SHA512 Algorithm = Algorithm(godigest.SHA512)
)

func (a Algorithm) godigest() godigest.Algorithm {
	return godigest.Algorithm(a)
}

// ParseAlgorithm maps a BlobInfo.Digester name to an Algorithm. An empty
// name defaults to SHA256, the cache's baseline digest.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "", "sha256":
		return SHA256, nil
	case "sha512":
		return SHA512, nil
	default:
		return "", fmt.Errorf("digest: unknown algorithm %q", name)
	}
}

// Available reports whether the algorithm is linked into the binary.
func (a Algorithm) Available() bool {
	return a.godigest().Available()
}

// Sum computes the digest of buffer under algorithm a, returning raw digest
// bytes (not the "alg:hex" encoded form).
func (a Algorithm) Sum(buffer []byte) ([]byte, error) {
	if !a.Available() {
		return nil, fmt.Errorf("digest: algorithm %q not available", a)
	}
	d := a.godigest().FromBytes(buffer)
	return hex.DecodeString(d.Encoded())
}

// Check reports whether buffer's digest under algorithm a equals expected
// (raw digest bytes, not "alg:hex"). The comparison is constant-time.
func Check(buffer []byte, expected []byte, alg Algorithm) bool {
	if len(expected) == 0 || !alg.Available() {
		return false
	}
	got, err := alg.Sum(buffer)
	if err != nil || len(got) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare(got, expected) == 1
}

