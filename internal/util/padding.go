package util

import (
	"sync/atomic"
	"unsafe"
)

// CacheLineSize is the padding unit for hot counters.
const CacheLineSize = 64

// PaddedAtomicUint64 is an atomic counter occupying a full cache line, so
// counters bumped from different goroutines do not share one.
type PaddedAtomicUint64 struct {
	atomic.Uint64
	_ [CacheLineSize - 8]byte
}

var _ [CacheLineSize - int(unsafe.Sizeof(PaddedAtomicUint64{}))]byte
