package store

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/IvanBrykalov/objstore/internal/util"
)

// TransientsOptions configures a TransientsTable. Zero values are safe:
//   - Capacity <= 0 => 16384 (rounded up to a power of two)
//   - nil Logger    => logrus.StandardLogger()
type TransientsOptions struct {
	Capacity int
	Logger   *logrus.Logger
}

// TransientsTable tracks entries that one controller writes while others
// read them. Each controller works through its own Transients view.
// Safe for concurrent use.
type TransientsTable struct {
	mu     sync.Mutex
	slots  []xitSlot
	byKey  map[Key]int
	inUse  int
	views  map[int]*Transients
	nextID int
	log    *logrus.Entry
}

type xitSlot struct {
	key              Key
	used             bool
	writer           int
	readers          int
	waitingToBeFreed bool
	abortedByWriter  bool
}

// NewTransientsTable builds an empty table.
func NewTransientsTable(opt TransientsOptions) *TransientsTable {
	if opt.Capacity <= 0 {
		opt.Capacity = 16384
	}
	if opt.Logger == nil {
		opt.Logger = logrus.StandardLogger()
	}
	return &TransientsTable{
		slots: make([]xitSlot, util.NextPow2(uint64(opt.Capacity))),
		byKey: make(map[Key]int),
		views: make(map[int]*Transients),
		log:   opt.Logger.WithField("component", "transients"),
	}
}

// Attach returns a new view for one controller.
func (t *TransientsTable) Attach() *Transients {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := &Transients{
		t:       t,
		id:      t.nextID,
		locals:  make(map[int]*Entry),
		pending: make(map[int]struct{}),
		notify:  make(chan struct{}, 1),
	}
	t.nextID++
	t.views[v.id] = v
	return v
}

// Len returns the number of slots in use.
func (t *TransientsTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inUse
}

// allocate claims a free slot for key. Probing starts at the key's hash.
func (t *TransientsTable) allocate(key Key) int {
	n := len(t.slots)
	if t.inUse == n {
		return -1
	}
	start := util.SlotIndex(util.Hash64([KeySize]byte(key)), n)
	for i := 0; i < n; i++ {
		idx := (start + i) & (n - 1)
		if t.slots[idx].used {
			continue
		}
		t.slots[idx] = xitSlot{key: key, used: true, writer: -1}
		t.byKey[key] = idx
		t.inUse++
		return idx
	}
	return -1
}

// maybeFree releases slot idx once nobody uses it.
func (t *TransientsTable) maybeFree(idx int) {
	s := &t.slots[idx]
	if !s.used || s.writer >= 0 || s.readers > 0 {
		return
	}
	if cur, ok := t.byKey[s.key]; ok && cur == idx {
		delete(t.byKey, s.key)
	}
	*s = xitSlot{}
	t.inUse--
}

// lookup returns the live slot for key.
func (t *TransientsTable) lookup(key Key) (int, bool) {
	idx, ok := t.byKey[key]
	if !ok || t.slots[idx].waitingToBeFreed {
		return -1, false
	}
	return idx, true
}

// broadcast queues idx for every view except from.
func (t *TransientsTable) broadcast(idx, from int) {
	for id, v := range t.views {
		if id == from {
			continue
		}
		v.pending[idx] = struct{}{}
		select {
		case v.notify <- struct{}{}:
		default:
		}
	}
}

// Transients is one controller's view of a TransientsTable. Apart from
// Notify and Drain it must only be used by the controller's goroutine.
type Transients struct {
	t       *TransientsTable
	id      int
	locals  map[int]*Entry
	pending map[int]struct{}
	notify  chan struct{}
}

// Get returns an entry reading the slot for key, or nil when nobody
// writes key.
func (v *Transients) Get(key Key) *Entry {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	idx, ok := v.t.lookup(key)
	if !ok {
		return nil
	}
	if e := v.locals[idx]; e != nil {
		return e
	}
	e := newEntry()
	e.ensureMem()
	e.Flags |= FlagRequiresCollapsing
	v.t.slots[idx].readers++
	v.connect(e, idx, ioReading)
	return e
}

func (v *Transients) connect(e *Entry, idx int, io ioState) {
	e.xit = idx
	e.xitIO = io
	v.locals[idx] = e
}

// MonitorWhileReading attaches e to the slot for key if one exists.
func (v *Transients) MonitorWhileReading(e *Entry, key Key) {
	if e.hasTransients() {
		return
	}
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	idx, ok := v.t.lookup(key)
	if !ok {
		return
	}
	v.t.slots[idx].readers++
	v.connect(e, idx, ioReading)
}

// StartWriting makes e the writer of key. It reports false when another
// controller already writes key or the table is full.
func (v *Transients) StartWriting(e *Entry, key Key) bool {
	if e.hasTransients() {
		return e.xitIO == ioWriting
	}
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	if idx, ok := v.t.byKey[key]; ok {
		if !v.t.slots[idx].waitingToBeFreed {
			return false
		}
		delete(v.t.byKey, key)
	}
	idx := v.t.allocate(key)
	if idx < 0 {
		v.t.log.WithField("key", key.String()).Warn("transients table full")
		return false
	}
	v.t.slots[idx].writer = v.id
	v.connect(e, idx, ioWriting)
	return true
}

// CompleteWriting turns the writer of e into a reader and tells the
// other controllers.
func (v *Transients) CompleteWriting(e *Entry) {
	if e.xitIO != ioWriting {
		return
	}
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	s := &v.t.slots[e.xit]
	s.writer = -1
	s.readers++
	e.xitIO = ioReading
	v.t.broadcast(e.xit, v.id)
}

// Status returns the shared state of e's slot.
func (v *Transients) Status(e *Entry) (abortedByWriter, waitingToBeFreed bool) {
	if !e.hasTransients() {
		return false, false
	}
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	s := &v.t.slots[e.xit]
	return s.abortedByWriter, s.waitingToBeFreed
}

// IsWriter reports whether this controller writes e.
func (v *Transients) IsWriter(e *Entry) bool { return e.hasTransients() && e.xitIO == ioWriting }

// Readers returns the number of controllers reading e's slot.
func (v *Transients) Readers(e *Entry) int {
	if !e.hasTransients() {
		return 0
	}
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	return v.t.slots[e.xit].readers
}

// EvictCached marks e's slot for deletion.
func (v *Transients) EvictCached(e *Entry) {
	if !e.hasTransients() {
		return
	}
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	v.mark(e.xit)
}

// EvictIfFound marks the slot for key for deletion.
func (v *Transients) EvictIfFound(key Key) {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	if idx, ok := v.t.byKey[key]; ok {
		v.mark(idx)
	}
}

func (v *Transients) mark(idx int) {
	s := &v.t.slots[idx]
	if s.waitingToBeFreed {
		return
	}
	s.waitingToBeFreed = true
	v.t.broadcast(idx, v.id)
}

// MarkedForDeletion reports whether key's slot waits to be freed.
func (v *Transients) MarkedForDeletion(key Key) bool {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	idx, ok := v.t.byKey[key]
	return ok && v.t.slots[idx].waitingToBeFreed
}

// Disconnect detaches e. A writer leaving before CompleteWriting aborts
// the slot for its readers.
func (v *Transients) Disconnect(e *Entry) {
	if !e.hasTransients() {
		return
	}
	idx := e.xit
	v.t.mu.Lock()
	s := &v.t.slots[idx]
	if e.xitIO == ioWriting {
		s.writer = -1
		s.abortedByWriter = true
		v.t.broadcast(idx, v.id)
	} else if s.readers > 0 {
		s.readers--
	}
	v.t.maybeFree(idx)
	v.t.mu.Unlock()

	delete(v.locals, idx)
	e.xit = -1
	e.xitIO = ioUndecided
}

// FindCollapsed returns the local entry attached to slot idx.
func (v *Transients) FindCollapsed(idx int) *Entry { return v.locals[idx] }

// Notify fires when slots this view cares about change. Call Drain to
// learn which.
func (v *Transients) Notify() <-chan struct{} { return v.notify }

// Drain returns the changed slot indexes queued for this view.
func (v *Transients) Drain() []int {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	out := make([]int, 0, len(v.pending))
	for idx := range v.pending {
		out = append(out, idx)
	}
	clear(v.pending)
	return out
}

// Detach removes the view from its table.
func (v *Transients) Detach() {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	delete(v.t.views, v.id)
}

// Stat writes a report of the shared table.
func (v *Transients) Stat(w io.Writer) {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	fmt.Fprintf(w, "Transients: %d/%d slots in use, %d local\n", v.t.inUse, len(v.t.slots), len(v.locals))
}
