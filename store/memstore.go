package store

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/IvanBrykalov/objstore/internal/singleflight"
	"github.com/IvanBrykalov/objstore/internal/util"
	"github.com/IvanBrykalov/objstore/policy"
)

// MemStoreOptions configures a MemStore. Zero values are safe:
//   - zero MaxSize       => 256 MB
//   - zero MaxObjectSize => 512 KB
//   - empty Policy       => "lru"
//   - nil Logger         => logrus.StandardLogger()
type MemStoreOptions struct {
	MaxSize       int64
	MaxObjectSize int64
	Policy        string
	Logger        *logrus.Logger
	Clock         Clock
}

// MemStore is a memory cache shared by several controllers. It keeps its
// own index, so entries it returns are copies that the caller owns.
// Safe for concurrent use.
type MemStore struct {
	mu      sync.Mutex
	slots   map[Key]*memSlot
	repl    policy.Policy
	size    int64
	maxSize int64
	maxObj  int64

	loads singleflight.Group[Key, []byte]

	hits   util.PaddedAtomicUint64
	misses util.PaddedAtomicUint64

	clock Clock
	log   *logrus.Entry
}

type memSlot struct {
	key       Key
	body      []byte
	timestamp int64
	expires   int64
	lastMod   int64
	lastRef   int64
	refCount  int
	repl      policy.Slot
}

func (s *memSlot) Slot() *policy.Slot { return &s.repl }
func (s *memSlot) LastRef() int64     { return s.lastRef }
func (s *memSlot) RefCount() int      { return s.refCount }
func (s *memSlot) Size() int64        { return int64(len(s.body)) }
func (s *memSlot) Special() bool      { return false }
func (s *memSlot) Locked() bool       { return false }

// NewMemStore builds an empty shared memory cache.
func NewMemStore(opt MemStoreOptions) (*MemStore, error) {
	if opt.MaxSize == 0 {
		opt.MaxSize = defaultMemMaxSize
	}
	if opt.MaxObjectSize == 0 {
		opt.MaxObjectSize = defaultMaxInMemObjSize
	}
	if opt.Logger == nil {
		opt.Logger = logrus.StandardLogger()
	}
	if opt.Clock == nil {
		opt.Clock = systemClock{}
	}
	m := &MemStore{
		slots:   make(map[Key]*memSlot),
		maxSize: opt.MaxSize,
		maxObj:  opt.MaxObjectSize,
		clock:   opt.Clock,
		log:     opt.Logger.WithField("component", "memstore"),
	}
	repl, err := NewPolicy(opt.Policy, opt.Logger, m.now)
	if err != nil {
		return nil, err
	}
	m.repl = repl
	return m, nil
}

func (m *MemStore) now() int64 { return m.clock.NowUnixNano() / int64(time.Second) }

// Get returns a fresh entry for key, or nil.
func (m *MemStore) Get(key Key) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.slots[key]
	if s == nil {
		m.misses.Add(1)
		return nil
	}
	m.hits.Add(1)
	m.touch(s)
	e := newEntry()
	e.key, e.hasKey = key, true
	m.copyOut(s, e)
	return e
}

func (m *MemStore) copyOut(s *memSlot, e *Entry) {
	e.SetBody(s.body)
	e.SetTimestamps(s.timestamp, s.expires, s.lastMod)
	e.StoreStatus = StoreOK
	e.MemStatus = InMemory
	e.inMemory = true
	e.mem.memIO = ioDone
}

func (m *MemStore) touch(s *memSlot) {
	s.lastRef = m.now()
	s.refCount++
	m.repl.Referenced(s)
}

// Write keeps a copy of a completed public entry. It reports whether the
// entry was accepted.
func (m *MemStore) Write(e *Entry) bool {
	if !e.hasKey || e.Private() || e.StoreStatus != StoreOK || e.mem == nil {
		return false
	}
	n := e.mem.EndOffset()
	if n > m.maxObj || n > m.maxSize {
		return false
	}
	body := make([]byte, n)
	copy(body, e.mem.data)
	m.put(e.key, body, e)
	e.inMemory = true
	e.mem.memIO = ioDone
	return true
}

func (m *MemStore) put(key Key, body []byte, from *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old := m.slots[key]; old != nil {
		m.drop(old)
	}
	m.makeRoom(int64(len(body)))
	s := &memSlot{key: key, body: body, timestamp: -1, expires: -1, lastMod: -1, lastRef: m.now()}
	if from != nil {
		s.timestamp, s.expires, s.lastMod = from.timestamp, from.expires, from.lastMod
		s.refCount = from.refCount
	}
	m.slots[key] = s
	m.size += int64(len(body))
	m.repl.Add(s)
}

// makeRoom purges slots until need more bytes fit.
func (m *MemStore) makeRoom(need int64) {
	if m.size+need <= m.maxSize {
		return
	}
	w := m.repl.PurgeInit(m.repl.Count())
	for m.size+need > m.maxSize {
		n := w.Next()
		if n == nil {
			break
		}
		s := n.(*memSlot)
		delete(m.slots, s.key)
		m.size -= int64(len(s.body))
	}
	w.Done()
}

func (m *MemStore) drop(s *memSlot) {
	m.repl.Remove(s)
	delete(m.slots, s.key)
	m.size -= int64(len(s.body))
}

// Reference records a hit on e's slot.
func (m *MemStore) Reference(e *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.slots[e.key]; s != nil {
		m.touch(s)
	}
}

// Dereference always reports false: the shared cache indexes its own
// slots.
func (m *MemStore) Dereference(e *Entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.slots[e.key]; s != nil {
		m.repl.Dereferenced(s)
	}
	return false
}

// AnchorToCache attaches e to the slot holding its key. inSync is false
// when the slot does not match the length e expects.
func (m *MemStore) AnchorToCache(e *Entry) (found, inSync bool) {
	if !e.hasKey {
		return false, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.slots[e.key]
	if s == nil {
		return false, false
	}
	if e.mem != nil && e.mem.expected >= 0 && e.mem.expected != int64(len(s.body)) {
		return true, false
	}
	m.copyOut(s, e)
	return true, true
}

// UpdateAnchored refreshes e from its slot.
func (m *MemStore) UpdateAnchored(e *Entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.slots[e.key]
	if s == nil {
		return false
	}
	m.copyOut(s, e)
	return true
}

// EvictCached removes the slot backing e.
func (m *MemStore) EvictCached(e *Entry) {
	if !e.hasKey {
		return
	}
	m.EvictIfFound(e.key)
	e.inMemory = false
}

// EvictIfFound removes key if present.
func (m *MemStore) EvictIfFound(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.slots[key]; s != nil {
		m.drop(s)
	}
}

// GetOrLoad returns the cached body for key, calling load on a miss.
// Concurrent misses for the same key share one load.
func (m *MemStore) GetOrLoad(ctx context.Context, key Key, load func(context.Context) ([]byte, error)) ([]byte, error) {
	m.mu.Lock()
	if s := m.slots[key]; s != nil {
		m.touch(s)
		body := s.body
		m.mu.Unlock()
		m.hits.Add(1)
		return body, nil
	}
	m.mu.Unlock()
	m.misses.Add(1)

	return m.loads.Do(ctx, key, func() ([]byte, error) {
		body, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if int64(len(body)) <= m.maxObj {
			m.put(key, body, nil)
		}
		return body, nil
	})
}

// Len returns the number of cached objects.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// Size returns the cached bytes.
func (m *MemStore) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// MaxSize returns the configured capacity.
func (m *MemStore) MaxSize() int64 { return m.maxSize }

// MaxObjectSize returns the largest object the cache accepts.
func (m *MemStore) MaxObjectSize() int64 { return m.maxObj }

// Stat writes a report of the cache.
func (m *MemStore) Stat(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintf(w, "Shared Memory Cache\n")
	fmt.Fprintf(w, "Maximum Size: %d KB\n", m.maxSize>>10)
	fmt.Fprintf(w, "Current Size: %.2f KB %.2f%%\n", float64(m.size)/1024, percent(m.size, m.maxSize))
	fmt.Fprintf(w, "Maximum entries: %d\n", len(m.slots))
	fmt.Fprintf(w, "Hits: %d, Misses: %d\n", m.hits.Load(), m.misses.Load())
	m.repl.Stats(w)
}

// Close drops every slot.
func (m *MemStore) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		m.drop(s)
	}
	m.repl.Close()
}
