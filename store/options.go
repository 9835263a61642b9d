package store

import (
	"time"

	"github.com/sirupsen/logrus"
)

// EvictReason explains why an entry left the cache.
type EvictReason int

const (
	// EvictPolicy: chosen by a removal policy while purging a store.
	EvictPolicy EvictReason = iota
	// EvictRelease: released explicitly or after a release request.
	EvictRelease
	// EvictMemory: dropped from local memory, possibly still on disk.
	EvictMemory
)

func (r EvictReason) String() string {
	switch r {
	case EvictPolicy:
		return "policy"
	case EvictRelease:
		return "release"
	case EvictMemory:
		return "memory"
	}
	return "unknown"
}

// Metrics exposes store-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason)
	Size(entries int, bytes int64)
	// DirSelected reports a swap-out placement; dirn is -1 when no
	// cache_dir accepted the entry.
	DirSelected(dirn int)
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

type systemClock struct{}

func (systemClock) NowUnixNano() int64 { return time.Now().UnixNano() }

// Dir selection algorithms.
const (
	SelectRoundRobin = "round-robin"
	SelectLeastLoad  = "least-load"
)

// Options configures a Controller. Zero values are safe;
// sane defaults are applied in New():
//   - empty MemPolicy       => "lru"
//   - empty DirSelect       => least-load
//   - zero MemMaxSize       => 256 MB
//   - zero MaxInMemObjSize  => 512 KB
//   - zero ObjectsPerBucket => 20
//   - zero AvgObjectSize    => 13 KB
//   - nil Metrics           => NoopMetrics
//   - nil Logger            => logrus.StandardLogger()
type Options struct {
	// Dirs are the configured cache directories, indexed by position.
	Dirs []SwapDir

	// MemCache, when set, replaces the local memory cache with a store
	// shared by every controller that references it.
	MemCache *MemStore

	// Transients, when set, lets this controller collapse requests with
	// other controllers attached to the same table.
	Transients *TransientsTable

	// MemPolicy names the removal policy for the local memory cache:
	// "lru" or "heap" followed by LRU, GDSF or LFUDA.
	MemPolicy string

	// DirSelect is SelectRoundRobin or SelectLeastLoad.
	DirSelect string

	MemMaxSize      int64
	MaxInMemObjSize int64

	// Hash table sizing: buckets = (disk + memory bytes) / AvgObjectSize /
	// ObjectsPerBucket, rounded to a prime.
	ObjectsPerBucket int64
	AvgObjectSize    int64

	Metrics Metrics
	Logger  *logrus.Logger

	// Clock allows overriding time source (tests). Nil => time.Now().
	Clock Clock
}

const (
	defaultMemMaxSize       = 256 << 20
	defaultMaxInMemObjSize  = 512 << 10
	defaultObjectsPerBucket = 20
	defaultAvgObjectSize    = 13 << 10
)

func (o *Options) applyDefaults() {
	if o.MemPolicy == "" {
		o.MemPolicy = "lru"
	}
	if o.DirSelect == "" {
		o.DirSelect = SelectLeastLoad
	}
	if o.MemMaxSize == 0 {
		o.MemMaxSize = defaultMemMaxSize
	}
	if o.MaxInMemObjSize == 0 {
		o.MaxInMemObjSize = defaultMaxInMemObjSize
	}
	if o.ObjectsPerBucket == 0 {
		o.ObjectsPerBucket = defaultObjectsPerBucket
	}
	if o.AvgObjectSize == 0 {
		o.AvgObjectSize = defaultAvgObjectSize
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
}
