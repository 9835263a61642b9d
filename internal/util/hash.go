// Package util holds small internal helpers shared by the store packages.
package util

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Hash64 hashes a string, a 16-byte digest or a fmt.Stringer with xxhash.
// Other key types panic.
func Hash64[K comparable](k K) uint64 {
	switch v := any(k).(type) {
	case string:
		return xxhash.Sum64String(v)
	case [16]byte:
		return xxhash.Sum64(v[:])
	case fmt.Stringer:
		return xxhash.Sum64String(v.String())
	default:
		panic(fmt.Sprintf("util.Hash64: unsupported key type %T", k))
	}
}
