package store

import (
	"fmt"
	"strings"

	"github.com/IvanBrykalov/objstore/internal/hashtable"
	"github.com/IvanBrykalov/objstore/policy"
)

// Flags are per-entry bits.
type Flags uint16

const (
	// FlagSpecial marks internal objects (icons, error pages). They are
	// never purged and never logged.
	FlagSpecial Flags = 1 << iota
	// FlagPrivate marks an entry indexed under a key nobody looks up.
	FlagPrivate
	FlagValidated
	// FlagBadLength is set when the stored body disagrees with the
	// expected length.
	FlagBadLength
	// FlagRequiresCollapsing marks entries read while another controller
	// writes them.
	FlagRequiresCollapsing
	FlagAborted
	// FlagReleaseRequest asks for the entry to be destroyed once the last
	// lock is dropped.
	FlagReleaseRequest
)

var flagNames = []string{
	"SPECIAL", "PRIVATE", "VALIDATED", "BAD_LENGTH",
	"REQUIRES_COLLAPSING", "ABORTED", "RELEASE_REQUEST",
}

func (f Flags) String() string {
	var parts []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, ",")
}

// MemStatus tells whether an entry is kept in the local memory cache.
type MemStatus uint8

const (
	NotInMemory MemStatus = iota
	InMemory
)

func (s MemStatus) String() string {
	if s == InMemory {
		return "IN_MEMORY"
	}
	return "NOT_IN_MEMORY"
}

// StoreStatus tells whether the body is still arriving.
type StoreStatus uint8

const (
	StorePending StoreStatus = iota
	StoreOK
)

func (s StoreStatus) String() string {
	if s == StoreOK {
		return "STORE_OK"
	}
	return "STORE_PENDING"
}

// SwapStatus tracks the disk copy of an entry.
type SwapStatus uint8

const (
	SwapNone SwapStatus = iota
	SwapWriting
	SwapDone
	SwapFailed
)

func (s SwapStatus) String() string {
	switch s {
	case SwapWriting:
		return "SWAPOUT_WRITING"
	case SwapDone:
		return "SWAPOUT_DONE"
	case SwapFailed:
		return "SWAPOUT_FAILED"
	}
	return "SWAPOUT_NONE"
}

// UnknownLength marks an object length that is not known yet.
const UnknownLength int64 = -1

// ioState tracks how an entry is attached to a shared store.
type ioState uint8

const (
	ioUndecided ioState = iota
	ioReading
	ioWriting
	ioDone
)

// Entry is one cached object. Entries are owned by a single Controller
// and must not be shared between goroutines.
type Entry struct {
	key    Key
	hasKey bool

	timestamp int64
	lastRef   int64
	expires   int64
	lastMod   int64
	size      int64
	objectLen int64
	refCount  int
	locks     int

	Flags       Flags
	MemStatus   MemStatus
	StoreStatus StoreStatus
	SwapStatus  SwapStatus

	dirn  int
	filen int32
	repl  policy.Slot

	mem  *MemObject
	link hashtable.Link

	// shared stores
	xit      int
	xitIO    ioState
	inMemory bool

	handlers []func(*Entry)
}

func newEntry() *Entry {
	return &Entry{
		timestamp: -1,
		lastRef:   -1,
		expires:   -1,
		lastMod:   -1,
		objectLen: UnknownLength,
		dirn:      -1,
		filen:     -1,
		link:      hashtable.Nil,
		xit:       -1,
	}
}

// NewDiskEntry builds an idle public entry for an object a cache_dir
// already holds, typically while rebuilding from its swap log.
func NewDiskEntry(key Key, dirn int, filen int32, size int64) *Entry {
	e := newEntry()
	e.key, e.hasKey = key, true
	e.StoreStatus = StoreOK
	e.SwapStatus = SwapDone
	e.size = size
	e.objectLen = size
	e.dirn, e.filen = dirn, filen
	return e
}

// Key returns the entry key and whether it has one.
func (e *Entry) Key() (Key, bool) { return e.key, e.hasKey }

func (e *Entry) Timestamp() int64 { return e.timestamp }
func (e *Entry) Expires() int64   { return e.expires }
func (e *Entry) LastMod() int64   { return e.lastMod }

// SetTimestamps copies HTTP freshness data onto the entry.
func (e *Entry) SetTimestamps(timestamp, expires, lastMod int64) {
	e.timestamp, e.expires, e.lastMod = timestamp, expires, lastMod
}

// SetLastRef overrides the last reference time, for example when the
// entry is restored from a swap log.
func (e *Entry) SetLastRef(t int64) { e.lastRef = t }

// SetRefCount overrides the reference counter.
func (e *Entry) SetRefCount(n int) { e.refCount = n }

// Touch records a reference at now.
func (e *Entry) Touch(now int64) {
	e.lastRef = now
	e.refCount++
}

// Slot implements policy.Node for cache_dir policies.
func (e *Entry) Slot() *policy.Slot { return &e.repl }
func (e *Entry) LastRef() int64     { return e.lastRef }
func (e *Entry) RefCount() int      { return e.refCount }

// Size is the number of bytes the entry occupies on disk.
func (e *Entry) Size() int64 { return e.size }

// SetSize records the on-disk size.
func (e *Entry) SetSize(n int64) { e.size = n }

// ObjectLen returns the body length or UnknownLength.
func (e *Entry) ObjectLen() int64 { return e.objectLen }

func (e *Entry) Special() bool { return e.Flags&FlagSpecial != 0 }
func (e *Entry) Private() bool { return e.Flags&FlagPrivate != 0 }
func (e *Entry) Aborted() bool { return e.Flags&FlagAborted != 0 }

// Locked reports whether the entry is in use and must not be purged.
func (e *Entry) Locked() bool { return e.locks > 0 || e.SwapStatus == SwapWriting }

// Locks returns the number of outstanding locks.
func (e *Entry) Locks() int { return e.locks }

// HasDisk reports whether the entry has a disk location.
func (e *Entry) HasDisk() bool { return e.dirn >= 0 && e.filen >= 0 }

// Dirn and Filen locate the disk copy; both are -1 without one.
func (e *Entry) Dirn() int    { return e.dirn }
func (e *Entry) Filen() int32 { return e.filen }

// AttachDisk assigns a disk location.
func (e *Entry) AttachDisk(dirn int, filen int32) {
	if e.HasDisk() {
		fatalf("entry %s already has disk location %d/%08X", e.key, e.dirn, e.filen)
	}
	e.dirn, e.filen = dirn, filen
}

// DetachDisk forgets the disk location.
func (e *Entry) DetachDisk() {
	e.dirn, e.filen = -1, -1
	e.size = 0
	if e.SwapStatus != SwapFailed {
		e.SwapStatus = SwapNone
	}
}

// Mem returns the in-memory body or nil.
func (e *Entry) Mem() *MemObject { return e.mem }

func (e *Entry) ensureMem() *MemObject {
	if e.mem == nil {
		e.mem = &MemObject{e: e, expected: UnknownLength}
	}
	return e.mem
}

// SetBody installs a complete body, for example after a swap-in.
func (e *Entry) SetBody(b []byte) {
	m := e.ensureMem()
	m.data = b
	e.objectLen = int64(len(b))
}

// OnUpdate registers fn to run once when the entry changes state.
func (e *Entry) OnUpdate(fn func(*Entry)) { e.handlers = append(e.handlers, fn) }

// InvokeHandlers runs and clears the registered update handlers.
func (e *Entry) InvokeHandlers() {
	hs := e.handlers
	e.handlers = nil
	for _, fn := range hs {
		fn(e)
	}
}

func (e *Entry) indexed() bool { return e.link != hashtable.Nil }

func (e *Entry) hasTransients() bool { return e.xit >= 0 }

func (e *Entry) String() string {
	return fmt.Sprintf("e:%s %s %s %s dirn=%d filen=%08X locks=%d flags=%s",
		e.key, e.MemStatus, e.StoreStatus, e.SwapStatus, e.dirn, uint32(e.filen), e.locks, e.Flags)
}

// MemObject holds the body of an entry that is being transferred or kept
// in memory.
type MemObject struct {
	e        *Entry
	data     []byte
	expected int64
	repl     policy.Slot
	memIO    ioState

	// bytes charged to the local memory cache
	accounted int64
}

// Bytes returns the body received so far.
func (m *MemObject) Bytes() []byte { return m.data }

// EndOffset is the number of body bytes held.
func (m *MemObject) EndOffset() int64 { return int64(len(m.data)) }

// ExpectedSize returns the announced body length or UnknownLength.
func (m *MemObject) ExpectedSize() int64 { return m.expected }

// SetExpectedSize records the announced body length.
func (m *MemObject) SetExpectedSize(n int64) { m.expected = n }

// policy.Node for the memory policy
func (m *MemObject) Slot() *policy.Slot { return &m.repl }
func (m *MemObject) LastRef() int64     { return m.e.lastRef }
func (m *MemObject) RefCount() int      { return m.e.refCount }
func (m *MemObject) Size() int64        { return m.EndOffset() }
func (m *MemObject) Special() bool      { return m.e.Special() }
func (m *MemObject) Locked() bool       { return m.e.Locked() }

var (
	_ policy.Node = (*Entry)(nil)
	_ policy.Node = (*MemObject)(nil)
)
