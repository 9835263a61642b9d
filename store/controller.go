package store

import (
	"fmt"
	"io"
	"time"

	"github.com/ansel1/merry"
	"github.com/sirupsen/logrus"

	"github.com/IvanBrykalov/objstore/internal/hashtable"
	"github.com/IvanBrykalov/objstore/policy"
)

// Controller is the top of the storage hierarchy. It owns the index of
// entries in use and routes lookups to the memory cache, the transients
// table and the cache_dirs.
//
// A Controller is driven by a single goroutine. The shared MemStore and
// TransientsTable may be attached to several controllers.
type Controller struct {
	opt     Options
	table   *hashtable.Table[Key, *Entry]
	disks   *Disks
	mem     *MemStore
	xit     *Transients
	memRepl policy.Policy
	memSize int64
	maxObj  int64
	privSeq uint64

	hits, misses uint64

	lastOverLimit time.Time
	closed        bool

	clock   Clock
	metrics Metrics
	log     *logrus.Entry
}

// New builds a controller. Call Init before use.
func New(opt Options) (*Controller, error) {
	opt.applyDefaults()
	if opt.ObjectsPerBucket <= 0 {
		return nil, ErrBadConfig.Here().WithMessagef("store_objects_per_bucket must be positive, got %d", opt.ObjectsPerBucket)
	}
	if opt.AvgObjectSize <= 0 {
		return nil, ErrBadConfig.Here().WithMessagef("store_avg_object_size must be positive, got %d", opt.AvgObjectSize)
	}
	log := opt.Logger.WithField("component", "store")
	disks, err := newDisks(opt.Dirs, opt.DirSelect, log)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		opt:     opt,
		disks:   disks,
		mem:     opt.MemCache,
		clock:   opt.Clock,
		metrics: opt.Metrics,
		log:     log,
	}
	if c.memRepl, err = NewPolicy(opt.MemPolicy, opt.Logger, c.now); err != nil {
		return nil, err
	}
	buckets := (disks.maxSize() + opt.MemMaxSize) / opt.AvgObjectSize / opt.ObjectsPerBucket
	c.table = hashtable.New[Key, *Entry](keyCompare, keyHash, hashtable.Prime(int(buckets)))
	if opt.Transients != nil {
		c.xit = opt.Transients.Attach()
	}
	for _, dir := range opt.Dirs {
		dir.Attach(c)
	}
	return c, nil
}

// Init starts every cache_dir, possibly rebuilding its index.
func (c *Controller) Init() error {
	c.log.WithField("buckets", c.table.Size()).Debug("store hash table ready")
	if err := c.disks.init(); err != nil {
		return err
	}
	c.UpdateLimits()
	return nil
}

// Create builds the on-disk layout of every cache_dir.
func (c *Controller) Create() error { return c.disks.create() }

func (c *Controller) now() int64 { return c.clock.NowUnixNano() / int64(time.Second) }

// Disks returns the configured cache_dirs.
func (c *Controller) Disks() *Disks { return c.disks }

// Transients returns this controller's view of the shared transients
// table, or nil.
func (c *Controller) Transients() *Transients { return c.xit }

// Get is Find under the name callers expect.
func (c *Controller) Get(key Key) *Entry { return c.Find(key) }

// Find looks key up in every store, indexes what it finds and records the
// reference. It returns nil on a miss.
func (c *Controller) Find(key Key) *Entry {
	if c.closed {
		return nil
	}
	e := c.peek(key)
	if e == nil {
		c.miss()
		return nil
	}
	if !e.indexed() {
		if err := c.allowSharing(e, key); err != nil {
			c.log.WithError(err).WithField("key", key.String()).Warn("cannot share entry")
			c.Release(e)
			c.miss()
			return nil
		}
	}
	e.Touch(c.now())
	c.referenceBusy(e)
	c.hits++
	c.metrics.Hit()
	return e
}

func (c *Controller) miss() {
	c.misses++
	c.metrics.Miss()
}

// peek consults the stores in order without touching what it finds.
func (c *Controller) peek(key Key) *Entry {
	if c.markedForDeletion(key) {
		return nil
	}
	if e, ok := c.table.Lookup(key); ok {
		if e.Private() {
			fatalf("private entry %s indexed under a public key", e)
		}
		return e
	}
	if c.xit != nil {
		if e := c.xit.Get(key); e != nil {
			return e
		}
	}
	if c.mem != nil {
		if e := c.mem.Get(key); e != nil {
			return e
		}
	}
	return c.disks.get(key)
}

func (c *Controller) markedForDeletion(key Key) bool {
	return c.xit != nil && c.xit.MarkedForDeletion(key)
}

// MarkedForDeletion reports whether key is being evicted from the shared
// stores.
func (c *Controller) MarkedForDeletion(key Key) bool { return c.markedForDeletion(key) }

func (c *Controller) allowSharing(e *Entry, key Key) error {
	c.addReading(e, key)
	if e.hasTransients() {
		found, inSync := c.anchorToCache(e)
		if found && !inSync {
			return ErrCannotSync.Here().WithValue("key", key.String())
		}
	}
	return nil
}

func (c *Controller) addReading(e *Entry, key Key) {
	if c.xit != nil {
		c.xit.MonitorWhileReading(e, key)
	}
	c.hashInsert(e, key)
}

func (c *Controller) addWriting(e *Entry, key Key) {
	if e.Special() {
		return
	}
	if c.xit != nil {
		c.xit.StartWriting(e, key)
	}
}

func (c *Controller) anchorToCache(e *Entry) (found, inSync bool) {
	if c.mem != nil {
		if found, inSync = c.mem.AnchorToCache(e); found {
			return found, inSync
		}
	}
	return c.disks.anchorToCache(e)
}

func (c *Controller) hashInsert(e *Entry, key Key) {
	if e.indexed() {
		fatalf("entry %s is already indexed", e)
	}
	e.key, e.hasKey = key, true
	e.link = c.table.Insert(key, e)
}

func (c *Controller) hashDelete(e *Entry) {
	if !e.indexed() {
		return
	}
	c.table.Remove(e.link)
	e.link = hashtable.Nil
}

// CreateEntry returns a new private entry with one lock held by the
// caller.
func (c *Controller) CreateEntry(flags Flags) *Entry {
	e := newEntry()
	e.ensureMem()
	e.Flags = flags
	e.lastRef = c.now()
	e.locks = 1
	c.setPrivateKey(e)
	return e
}

// MakePublic indexes e under key so other requests find it. Whatever was
// cached under key before is released.
func (c *Controller) MakePublic(e *Entry, key Key) error {
	if c.closed {
		return ErrClosed.Here()
	}
	if e.Flags&FlagReleaseRequest != 0 {
		return ErrNotPublic.Here().WithMessage("store: entry is marked for release")
	}
	if !e.Private() && e.hasKey && e.key == key {
		return nil
	}
	if old, ok := c.table.Lookup(key); ok && old != e {
		c.Release(old)
	} else {
		c.evictShared(key)
	}
	c.hashDelete(e)
	e.Flags &^= FlagPrivate
	c.hashInsert(e, key)
	c.addWriting(e, key)
	return nil
}

func (c *Controller) evictShared(key Key) {
	if c.mem != nil {
		c.mem.EvictIfFound(key)
	}
	c.disks.evictIfFound(key)
	if c.xit != nil {
		c.xit.EvictIfFound(key)
	}
}

// setPrivateKey takes e out of public view. The disk, memory and
// transients copies are evicted while the public key is still known.
func (c *Controller) setPrivateKey(e *Entry) {
	if e.hasKey && !e.Private() {
		c.evictCached(e)
	}
	c.hashDelete(e)
	c.privSeq++
	e.key, e.hasKey = privateKey(c.privSeq), true
	e.Flags |= FlagPrivate
}

// Lock pins e.
func (c *Controller) Lock(e *Entry) { e.locks++ }

// Unlock drops one lock and returns the number left. The last unlock
// either destroys an entry marked for release or hands it to
// HandleIdleEntry.
func (c *Controller) Unlock(e *Entry) int {
	if e.locks <= 0 {
		fatalf("unlock of unlocked entry %s", e)
	}
	e.locks--
	if e.locks > 0 {
		return e.locks
	}
	if e.Flags&FlagReleaseRequest != 0 {
		c.Release(e)
		return 0
	}
	c.HandleIdleEntry(e)
	return 0
}

// Append adds body bytes to a pending entry.
func (c *Controller) Append(e *Entry, data []byte) error {
	if e.StoreStatus != StorePending {
		return merry.Errorf("store: append to completed entry %s", e.key)
	}
	m := e.ensureMem()
	m.data = append(m.data, data...)
	return nil
}

// Complete marks the body of e as fully received and starts sharing it:
// the memory cache gets a copy, a cache_dir is chosen for it and
// collapsed readers are told.
func (c *Controller) Complete(e *Entry) {
	if e.StoreStatus == StoreOK {
		return
	}
	m := e.ensureMem()
	e.StoreStatus = StoreOK
	e.objectLen = m.EndOffset()
	if e.timestamp < 0 {
		e.timestamp = c.now()
	}
	if m.expected >= 0 && m.expected != e.objectLen {
		e.Flags |= FlagBadLength
		c.releaseRequest(e)
	}
	if !e.Private() {
		if c.mem != nil {
			c.mem.Write(e)
		}
		if err := c.SwapOut(e); err != nil && !merry.Is(err, ErrNoSwapDir) {
			c.log.WithError(err).WithField("key", e.key.String()).Warn("swapout failed to start")
		}
	}
	if c.xit != nil {
		c.xit.CompleteWriting(e)
	}
	e.InvokeHandlers()
}

// SwapOut picks a cache_dir for e and starts writing it there.
func (c *Controller) SwapOut(e *Entry) error {
	if c.closed {
		return ErrClosed.Here()
	}
	if e.Private() {
		return ErrNotPublic.Here()
	}
	if e.Special() || e.HasDisk() || e.SwapStatus != SwapNone {
		return nil
	}
	dirn := c.disks.selectSwapDir(e)
	c.metrics.DirSelected(dirn)
	if dirn < 0 {
		return ErrNoSwapDir.Here().WithValue("key", e.key.String())
	}
	if err := c.disks.dirs[dirn].SwapOut(e); err != nil {
		e.SwapStatus = SwapFailed
		return WithDirn(err, dirn)
	}
	return nil
}

// SwapIn starts loading the body of e from its cache_dir. Handlers
// registered with OnUpdate run when the body is available.
func (c *Controller) SwapIn(e *Entry) error {
	if !e.HasDisk() {
		return ErrNotFound.Here().WithValue("key", e.key.String())
	}
	return WithDirn(c.disks.dirs[e.dirn].SwapIn(e), e.dirn)
}

// Abort marks e as aborted and releases it.
func (c *Controller) Abort(e *Entry) {
	if e.Aborted() {
		return
	}
	e.Flags |= FlagAborted
	c.releaseRequest(e)
	e.StoreStatus = StoreOK
	if c.xit != nil && c.xit.IsWriter(e) {
		c.xit.Disconnect(e)
	}
	e.InvokeHandlers()
}

// Reference records a use of a busy entry in every store that holds it.
func (c *Controller) Reference(e *Entry) { c.referenceBusy(e) }

func (c *Controller) referenceBusy(e *Entry) {
	if e.Special() {
		return
	}
	c.disks.reference(e)
	if c.mem != nil && e.inMemory {
		c.mem.Reference(e)
	}
	if e.mem != nil && e.mem.repl.Set() {
		c.memRepl.Referenced(e.mem)
	}
}

// Dereference tells the stores that e became idle. It reports whether
// the controller should keep e indexed. Repeated calls give the same
// answer.
func (c *Controller) Dereference(e *Entry, wantsLocalMemory bool) bool {
	if e.Special() {
		return true
	}
	keep := c.disks.dereference(e)
	if c.mem != nil && e.inMemory {
		keep = c.mem.Dereference(e) || keep
	}
	if e.mem != nil {
		if e.mem.repl.Set() {
			c.memRepl.Dereferenced(e.mem)
		}
		if c.mem == nil {
			keep = wantsLocalMemory || keep
		}
	}
	return keep
}

// keepForLocalMemoryCache reports whether e is worth and fits the local
// memory cache.
func (c *Controller) keepForLocalMemoryCache(e *Entry) bool {
	m := e.mem
	if m == nil || m.EndOffset() == 0 {
		return false
	}
	ramSize := max(m.EndOffset(), m.expected)
	ramLimit := min(c.opt.MemMaxSize, c.opt.MaxInMemObjSize)
	return ramSize <= ramLimit
}

func (c *Controller) memoryCacheHasSpaceFor(e *Entry) bool {
	need := e.mem.EndOffset()
	if e.MemStatus == InMemory {
		need = 0
	}
	return c.memSize+need <= c.opt.MemMaxSize
}

// HandleIdleEntry decides what happens to an entry nobody holds: keep it
// in local memory, keep only its disk copy, or forget it.
func (c *Controller) HandleIdleEntry(e *Entry) {
	// nobody can look up a private entry again
	if e.Private() && !e.Special() {
		c.Release(e)
		return
	}
	keepInLocalMemory := false
	switch {
	case e.Special():
		keepInLocalMemory = true
	case c.mem != nil:
		// the shared memory cache keeps its own copy
	default:
		keepInLocalMemory = c.keepForLocalMemoryCache(e) && c.memoryCacheHasSpaceFor(e)
	}

	if !c.Dereference(e, keepInLocalMemory) {
		c.log.WithField("entry", e.String()).Trace("destroying unlocked entry")
		c.destroy(e)
		return
	}
	if keepInLocalMemory {
		c.setMemStatus(e, InMemory)
		return
	}
	if e.SwapStatus != SwapDone {
		c.Release(e)
		return
	}
	c.purgeMem(e)
}

func (c *Controller) setMemStatus(e *Entry, st MemStatus) {
	if e.MemStatus == st {
		return
	}
	if st == InMemory {
		if e.mem == nil {
			fatalf("entry %s has no memory object", e)
		}
		if !e.inMemory && !e.mem.repl.Set() {
			c.memRepl.Add(e.mem)
			e.mem.accounted = e.mem.EndOffset()
			c.memSize += e.mem.accounted
		}
	} else if e.mem != nil {
		if e.mem.repl.Set() {
			c.memRepl.Remove(e.mem)
		}
		c.memSize -= e.mem.accounted
		e.mem.accounted = 0
	}
	e.MemStatus = st
}

// purgeMem drops the body of e. An entry with nothing on disk is released.
func (c *Controller) purgeMem(e *Entry) {
	if e.mem == nil {
		return
	}
	c.dropMem(e)
	if e.SwapStatus != SwapDone {
		c.Release(e)
	}
}

func (c *Controller) dropMem(e *Entry) {
	if e.mem == nil {
		return
	}
	c.setMemStatus(e, NotInMemory)
	e.mem = nil
	e.inMemory = false
}

func (c *Controller) destroy(e *Entry) {
	c.hashDelete(e)
	c.dropMem(e)
	if c.xit != nil {
		c.xit.Disconnect(e)
	}
}

// Release removes e from every store. A locked entry becomes private and
// is destroyed on its last unlock.
func (c *Controller) Release(e *Entry) {
	c.releaseRequest(e)
	if e.locks > 0 {
		return
	}
	c.destroy(e)
	c.metrics.Evict(EvictRelease)
}

func (c *Controller) releaseRequest(e *Entry) {
	if e.Flags&FlagReleaseRequest != 0 {
		return
	}
	e.Flags |= FlagReleaseRequest
	c.setPrivateKey(e)
}

// EvictCached removes the shared and disk copies of e but leaves e
// itself alone.
func (c *Controller) EvictCached(e *Entry) { c.evictCached(e) }

func (c *Controller) evictCached(e *Entry) {
	c.memoryEvictCached(e)
	c.disks.evictCached(e)
	if c.xit != nil {
		c.xit.EvictCached(e)
	}
}

func (c *Controller) memoryEvictCached(e *Entry) {
	if c.mem != nil {
		c.mem.EvictCached(e)
		return
	}
	if e.locks == 0 && e.mem != nil {
		c.dropMem(e)
	}
}

// EvictIfFound releases key if it is indexed here and evicts it from the
// shared stores and cache_dirs otherwise.
func (c *Controller) EvictIfFound(key Key) {
	if e, ok := c.table.Lookup(key); ok {
		c.Release(e)
		return
	}
	c.evictShared(key)
}

// SyncCollapsed brings the local entry reading transients slot xitIndex
// up to date with the shared state.
func (c *Controller) SyncCollapsed(xitIndex int) {
	if c.xit == nil {
		fatalf("SyncCollapsed without a transients table")
	}
	e := c.xit.FindCollapsed(xitIndex)
	if e == nil {
		return
	}
	log := c.log.WithFields(logrus.Fields{"xit": xitIndex, "entry": e.String()})
	if e.locks == 0 {
		log.Trace("idle collapsed entry")
		c.HandleIdleEntry(e)
		return
	}
	if e.Aborted() {
		return
	}

	abortedByWriter, waitingToBeFreed := c.xit.Status(e)
	if waitingToBeFreed {
		c.Release(e)
	}
	if c.xit.IsWriter(e) {
		return
	}
	if abortedByWriter {
		log.Debug("writer aborted")
		c.Abort(e)
		return
	}

	var found, inSync bool
	switch {
	case c.mem != nil && e.mem != nil && e.mem.memIO == ioDone:
		found, inSync = true, true
	case c.mem != nil && e.inMemory:
		found = true
		inSync = c.mem.UpdateAnchored(e)
	case e.HasDisk():
		found = true
		inSync = c.disks.updateAnchored(e)
	default:
		found, inSync = c.anchorToCache(e)
	}

	if waitingToBeFreed && !found {
		log.Debug("collapsed entry vanished")
		c.Abort(e)
		return
	}
	if inSync {
		e.InvokeHandlers()
		return
	}
	if found {
		log.Warn("cannot sync collapsed entry")
		c.Abort(e)
		return
	}
	log.Trace("waiting for a cache to hold the entry")
}

// SyncPending runs SyncCollapsed for every slot changed by other
// controllers since the last call.
func (c *Controller) SyncPending() int {
	if c.xit == nil {
		return 0
	}
	idxs := c.xit.Drain()
	for _, idx := range idxs {
		c.SyncCollapsed(idx)
	}
	return len(idxs)
}

// SelectSwapDir returns the index of the cache_dir that should store e,
// or -1.
func (c *Controller) SelectSwapDir(e *Entry) int { return c.disks.selectSwapDir(e) }

// SwapLog records op for e in the swap log of its cache_dir.
func (c *Controller) SwapLog(e *Entry, op LogOp) { c.disks.swapLog(e, op) }

// AccumulateMore returns how many more bytes e needs before a cache_dir
// can be chosen for it.
func (c *Controller) AccumulateMore(e *Entry) int64 { return c.disks.accumulateMore(e) }

// UpdateLimits recomputes object size limits after dirs change.
func (c *Controller) UpdateLimits() {
	c.disks.updateLimits()
	memMax := min(c.opt.MaxInMemObjSize, c.opt.MemMaxSize)
	c.maxObj = max(c.disks.maxObjectSize(), memMax)
}

// MaxObjectSize is the largest object any store accepts.
func (c *Controller) MaxObjectSize() int64 { return c.maxObj }

// MaxSize is the total configured disk capacity.
func (c *Controller) MaxSize() int64 { return c.disks.maxSize() }

// CurrentSize is the disk space in use.
func (c *Controller) CurrentSize() int64 { return c.disks.currentSize() }

// CurrentCount is the number of objects on disk.
func (c *Controller) CurrentCount() int { return c.disks.currentCount() }

// Len is the number of indexed entries.
func (c *Controller) Len() int { return c.table.Len() }

// MemSize is the local memory cache usage in bytes.
func (c *Controller) MemSize() int64 { return c.memSize }

// Maintain purges every store over its limits.
func (c *Controller) Maintain() {
	c.disks.maintain()
	if cur, limit := c.disks.currentSize(), c.disks.maxSize(); cur > limit {
		if now := time.Unix(0, c.clock.NowUnixNano()); now.Sub(c.lastOverLimit) >= 10*time.Second {
			c.lastOverLimit = now
			c.log.WithFields(logrus.Fields{"current_kb": cur >> 10, "limit_kb": limit >> 10}).
				Warn("Disk space over limit")
		}
	}
	c.purgeMemory()
	c.metrics.Size(c.table.Len(), c.disks.currentSize()+c.memSize)
}

func (c *Controller) purgeMemory() {
	if c.mem != nil || c.memSize <= c.opt.MemMaxSize {
		return
	}
	w := c.memRepl.PurgeInit(c.memRepl.Count())
	removed := 0
	for c.memSize > c.opt.MemMaxSize {
		n := w.Next()
		if n == nil {
			break
		}
		e := n.(*MemObject).e
		c.purgeMem(e)
		if e.indexed() && e.locks == 0 && !c.Dereference(e, false) {
			c.destroy(e)
		}
		removed++
		c.metrics.Evict(EvictMemory)
	}
	w.Done()
	c.log.WithFields(logrus.Fields{"removed": removed, "scanned": w.Scanned(), "locked": w.Locked()}).
		Debug("memory purge")
}

// Callback handles completed disk I/O.
func (c *Controller) Callback() int { return c.disks.callback() }

// Sync waits for all outstanding disk I/O.
func (c *Controller) Sync() { c.disks.sync() }

// WriteCleanLogs rewrites the swap logs from the current indexes and
// returns the number of entries written.
func (c *Controller) WriteCleanLogs(reopen bool) int { return c.disks.writeCleanLogs(reopen) }

// Stat writes the store report.
func (c *Controller) Stat(w io.Writer) {
	cur, limit := c.disks.currentSize(), c.disks.maxSize()
	used := percent(cur, limit)
	fmt.Fprintf(w, "Store Directory Statistics:\n")
	fmt.Fprintf(w, "Store Entries          : %d\n", c.table.Len())
	fmt.Fprintf(w, "Maximum Swap Size      : %d KB\n", limit>>10)
	fmt.Fprintf(w, "Current Store Swap Size: %.2f KB\n", float64(cur)/1024)
	fmt.Fprintf(w, "Current Capacity       : %.2f%% used, %.2f%% free\n", used, 100-used)
	fmt.Fprintf(w, "Store Buckets          : %d\n", c.table.Size())
	fmt.Fprintf(w, "Hits / Misses          : %d / %d\n", c.hits, c.misses)
	if c.mem != nil {
		c.mem.Stat(w)
	} else {
		fmt.Fprintf(w, "Hot Object Cache Items : %d\n", c.memRepl.Count())
		fmt.Fprintf(w, "Memory Cache Size      : %.2f KB of %d KB\n", float64(c.memSize)/1024, c.opt.MemMaxSize>>10)
		c.memRepl.Stats(w)
	}
	if c.xit != nil {
		c.xit.Stat(w)
	}
	c.disks.stat(w)
}

// Close flushes and closes every cache_dir and drops the local memory
// cache.
func (c *Controller) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.disks.sync()
	err := c.disks.close()

	var all []*Entry
	c.table.First()
	for l := c.table.Next(); l != hashtable.Nil; l = c.table.Next() {
		all = append(all, c.table.Value(l))
	}
	for _, e := range all {
		c.destroy(e)
	}
	c.memRepl.Close()
	if c.xit != nil {
		c.xit.Detach()
	}
	return err
}

var _ Host = (*Controller)(nil)
