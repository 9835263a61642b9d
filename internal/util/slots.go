package util

import (
	"math/bits"
	"runtime"
)

// IsPowerOfTwo reports whether x is a power of two (> 0).
func IsPowerOfTwo(x uint64) bool { return x != 0 && x&(x-1) == 0 }

// NextPow2 returns the smallest power of two >= x, 1 for x == 0, and
// 1<<63 when the next power does not fit.
func NextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	n := bits.Len64(x - 1)
	if n >= 64 {
		return 1 << 63
	}
	return 1 << n
}

// SlotIndex maps a hash to one of n slots, masking when n is a power of
// two.
func SlotIndex(hash uint64, n int) int {
	if n <= 1 {
		return 0
	}
	if IsPowerOfTwo(uint64(n)) {
		return int(hash & uint64(n-1))
	}
	return int(hash % uint64(n))
}

// DefaultWorkers sizes a blocking I/O pool: the power of two at or above
// 2*GOMAXPROCS, capped at 256.
func DefaultWorkers() int {
	n := int(NextPow2(uint64(2 * max(runtime.GOMAXPROCS(0), 1))))
	return min(n, 256)
}
