// Package hashtable implements a fixed-size, separately chained hash table
// with a restartable iteration cursor.
//
// Links live in an arena owned by the table and are addressed by Link
// handles, so callers can keep a handle on their own records and remove
// them in O(chain) without a second lookup. The table never resizes; pick
// the bucket count with Prime.
//
// A Table is not safe for concurrent use.
package hashtable

import (
	"fmt"
	"math"

	"github.com/creachadair/cityhash"
)

// Link is a handle to one key/value pair stored in a Table.
type Link int32

// Nil is the zero handle: no link.
const Nil Link = -1

// DefaultSize is the bucket count used when New is given a non-positive hint.
const DefaultSize = 7951

// CompareFunc returns 0 when a and b are equal keys.
type CompareFunc[K any] func(a, b K) int

// HashFunc maps key to a bucket index in [0, size).
type HashFunc[K any] func(key K, size uint32) uint32

type link[K, V any] struct {
	key    K
	val    V
	next   Link
	bucket uint32
	inUse  bool
}

// Table maps keys to values through chained buckets.
type Table[K, V any] struct {
	cmp     CompareFunc[K]
	hash    HashFunc[K]
	buckets []Link
	links   []link[K, V]
	free    []Link
	count   int

	// iteration cursor
	slot int
	next Link
}

// New creates a table with size buckets (DefaultSize if size <= 0).
func New[K, V any](cmp CompareFunc[K], hash HashFunc[K], size int) *Table[K, V] {
	if size <= 0 {
		size = DefaultSize
	}
	t := &Table[K, V]{
		cmp:     cmp,
		hash:    hash,
		buckets: make([]Link, size),
		next:    Nil,
	}
	for i := range t.buckets {
		t.buckets[i] = Nil
	}
	return t
}

// Insert prepends key→val to its bucket chain and returns the new link.
// Duplicate keys are not detected; Lookup returns the most recent one.
func (t *Table[K, V]) Insert(key K, val V) Link {
	b := t.bucketOf(key)
	var l Link
	if n := len(t.free); n > 0 {
		l = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.links = append(t.links, link[K, V]{})
		l = Link(len(t.links) - 1)
	}
	t.links[l] = link[K, V]{key: key, val: val, next: t.buckets[b], bucket: b, inUse: true}
	t.buckets[b] = l
	t.count++
	return l
}

// Lookup returns the value stored under key.
func (t *Table[K, V]) Lookup(key K) (V, bool) {
	if l := t.LookupLink(key); l != Nil {
		return t.links[l].val, true
	}
	var zero V
	return zero, false
}

// LookupLink returns the link stored under key, or Nil.
func (t *Table[K, V]) LookupLink(key K) Link {
	for w := t.buckets[t.bucketOf(key)]; w != Nil; w = t.links[w].next {
		if t.cmp(key, t.links[w].key) == 0 {
			return w
		}
		if t.links[w].next == w {
			panic(fmt.Sprintf("hashtable: chain cycle at link %d", w))
		}
	}
	return Nil
}

// Remove unlinks l from its bucket. If the iteration cursor points at l it
// is advanced first. Removing a link that is not in the table is a
// corruption and panics.
func (t *Table[K, V]) Remove(l Link) {
	if l < 0 || int(l) >= len(t.links) || !t.links[l].inUse {
		panic(fmt.Sprintf("hashtable: remove of unknown link %d", l))
	}
	if l == t.next {
		t.advance()
	}
	b := t.links[l].bucket
	prev := Nil
	for w := t.buckets[b]; w != Nil; w = t.links[w].next {
		if w != l {
			prev = w
			continue
		}
		if prev == Nil {
			t.buckets[b] = t.links[w].next
		} else {
			t.links[prev].next = t.links[w].next
		}
		t.links[w] = link[K, V]{next: Nil}
		t.free = append(t.free, w)
		t.count--
		return
	}
	panic(fmt.Sprintf("hashtable: link %d not found in bucket %d", l, b))
}

// First resets the iteration cursor to the first occupied bucket.
func (t *Table[K, V]) First() {
	t.slot = 0
	t.next = t.buckets[0]
	if t.next == Nil {
		t.nextBucket()
	}
}

// Next returns the link under the cursor and advances it, or Nil when the
// walk is over. The cursor is not reentrant.
func (t *Table[K, V]) Next() Link {
	this := t.next
	if this == Nil {
		return Nil
	}
	t.advance()
	return this
}

// Last abandons the current walk.
func (t *Table[K, V]) Last() {
	t.next = Nil
	t.slot = 0
}

// Bucket returns the head of bucket i.
func (t *Table[K, V]) Bucket(i int) Link {
	if i < 0 || i >= len(t.buckets) {
		return Nil
	}
	return t.buckets[i]
}

// Chain returns the link following l in its bucket.
func (t *Table[K, V]) Chain(l Link) Link { return t.links[l].next }

// Key returns the key stored at l.
func (t *Table[K, V]) Key(l Link) K { return t.links[l].key }

// Value returns the value stored at l.
func (t *Table[K, V]) Value(l Link) V { return t.links[l].val }

// Len returns the number of stored links.
func (t *Table[K, V]) Len() int { return t.count }

// Size returns the bucket count.
func (t *Table[K, V]) Size() int { return len(t.buckets) }

func (t *Table[K, V]) bucketOf(key K) uint32 {
	b := t.hash(key, uint32(len(t.buckets)))
	if int(b) >= len(t.buckets) {
		panic(fmt.Sprintf("hashtable: hash returned bucket %d of %d", b, len(t.buckets)))
	}
	return b
}

func (t *Table[K, V]) advance() {
	t.next = t.links[t.next].next
	if t.next == Nil {
		t.nextBucket()
	}
}

func (t *Table[K, V]) nextBucket() {
	for t.next == Nil {
		t.slot++
		if t.slot >= len(t.buckets) {
			t.slot = 0
			return
		}
		t.next = t.buckets[t.slot]
	}
}

var primes = [...]int{
	103, 229, 467, 977, 1979, 4019, 6037, 7951, 12149, 16231, 33493, 65357,
}

// Prime returns the bucket count from a fixed table of primes closest to n
// on a log scale.
func Prime(n int) int {
	if n < 1 {
		n = 1
	}
	ln := math.Log(float64(n))
	best := primes[0]
	dist := math.Abs(ln - math.Log(float64(primes[0])))
	for _, p := range primes {
		d := math.Abs(ln - math.Log(float64(p)))
		if d > dist {
			continue
		}
		dist = d
		best = p
	}
	return best
}

// Bytes is a HashFunc for byte-slice keys.
func Bytes(key []byte, size uint32) uint32 {
	return cityhash.Hash32(key) % size
}

// String is a HashFunc for string keys.
func String(key string, size uint32) uint32 {
	return cityhash.Hash32([]byte(key)) % size
}
