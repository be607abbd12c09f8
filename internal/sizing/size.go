// Package sizing provides safe size arithmetic and conversions to prevent
// overflow when translating between the uint64 byte offsets used in chunk
// and blob metadata and the int/int64 types Go's I/O APIs expect.
package sizing

import "math"

// ToInt converts a uint64 offset or length to int, returning overflowErr if
// it doesn't fit.
func ToInt(size uint64, overflowErr error) (int, error) {
	if size > uint64(math.MaxInt) {
		return 0, overflowErr
	}
	return int(size), nil
}

// ToInt64 converts a uint64 offset or length to int64, returning
// overflowErr if it doesn't fit.
func ToInt64(size uint64, overflowErr error) (int64, error) {
	if size > uint64(math.MaxInt64) {
		return 0, overflowErr
	}
	return int64(size), nil
}

// AddUint64 adds two uint64 values, returning (result, false) on overflow.
func AddUint64(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}
