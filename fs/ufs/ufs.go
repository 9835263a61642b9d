// Package ufs implements a cache_dir that keeps one file per object in a
// two-level directory tree and a swap log of ADD/DEL records next to it.
//
// All file operations go through an internal/diskio pool; completions are
// handled when the owning controller calls Callback or Sync. A Dir keeps
// its own index of stored objects, so the controller may forget idle
// entries and find them again with Get.
//
// A Dir is not safe for concurrent use.
package ufs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ansel1/merry"
	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"github.com/IvanBrykalov/objstore/internal/diskio"
	"github.com/IvanBrykalov/objstore/internal/swaplog"
	"github.com/IvanBrykalov/objstore/policy"
	"github.com/IvanBrykalov/objstore/store"
)

// Type is the cache_dir type name.
const Type = "ufs"

// maxFilen bounds the file numbers a dir hands out.
const maxFilen = 1<<24 - 1

var (
	ErrNoDir   = merry.New("ufs: cache_dir does not exist")
	ErrNoFilen = merry.New("ufs: no free file numbers")
	ErrBusy    = merry.New("ufs: entry has I/O in progress")
)

// Options configures a Dir. Zero values are safe:
//   - zero MaxObjectSize => no upper bound
//   - zero L1, L2        => 16, 256
//   - empty Policy       => "lru"
//   - zero water marks   => 95% high, 90% low
//   - nil IO             => a private pool closed with the dir
//   - nil Logger         => logrus.StandardLogger()
type Options struct {
	Path    string
	Index   int
	MaxSize int64

	MinObjectSize int64
	MaxObjectSize int64

	L1, L2 int

	Policy        string
	HighWaterMark int
	LowWaterMark  int

	ReadOnly bool

	IO     *diskio.Pool
	Logger *logrus.Logger
	Clock  store.Clock
}

func (o *Options) applyDefaults() {
	if o.MaxObjectSize == 0 {
		o.MaxObjectSize = -1
	}
	if o.L1 <= 0 {
		o.L1 = 16
	}
	if o.L2 <= 0 {
		o.L2 = 256
	}
	if o.HighWaterMark <= 0 {
		o.HighWaterMark = 95
	}
	if o.LowWaterMark <= 0 {
		o.LowWaterMark = 90
	}
	if o.LowWaterMark > o.HighWaterMark {
		o.LowWaterMark = o.HighWaterMark
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// Dir is a ufs cache_dir.
type Dir struct {
	*store.DiskBase

	opt   Options
	io    *diskio.Pool
	ownIO bool
	repl  policy.Policy
	log   *logrus.Entry

	index     map[store.Key]*store.Entry
	files     *btree.BTree
	nextFilen int32

	// in-flight I/O by entry
	writing map[*store.Entry]*op
	reading map[*store.Entry]*op

	logFile *os.File
	logW    *swaplog.Writer
	rebuild *rebuildState
	clean   *cleanState
}

// fileItem reserves a file number. e is nil while the file is being
// unlinked.
type fileItem struct {
	filen int32
	e     *store.Entry
}

func (a fileItem) Less(b btree.Item) bool { return a.filen < b.(fileItem).filen }

// New builds a dir. Call Create once to lay out the directory tree and
// Init to load the swap log.
func New(opt Options) (*Dir, error) {
	opt.applyDefaults()
	if opt.Path == "" {
		return nil, store.ErrBadConfig.Here().WithMessage("ufs: empty path")
	}
	if opt.MaxSize <= 0 {
		return nil, store.ErrBadConfig.Here().WithMessagef("ufs: %s: size must be positive", opt.Path)
	}
	d := &Dir{
		DiskBase: store.NewDiskBase(store.DiskConfig{
			Index:         opt.Index,
			Path:          opt.Path,
			Type:          Type,
			MaxSize:       opt.MaxSize,
			MinObjectSize: opt.MinObjectSize,
			MaxObjectSize: opt.MaxObjectSize,
			ReadOnly:      opt.ReadOnly,
			Logger:        opt.Logger,
		}),
		opt:     opt,
		io:      opt.IO,
		index:   make(map[store.Key]*store.Entry),
		files:   btree.New(32),
		writing: make(map[*store.Entry]*op),
		reading: make(map[*store.Entry]*op),
		log:     opt.Logger.WithFields(logrus.Fields{"component": "ufs", "dirn": opt.Index, "path": opt.Path}),
	}
	if d.io == nil {
		d.io = diskio.New(diskio.Options{Logger: opt.Logger})
		d.ownIO = true
	}
	repl, err := store.NewPolicy(opt.Policy, opt.Logger, d.now)
	if err != nil {
		if d.ownIO {
			_ = d.io.Close()
		}
		return nil, err
	}
	d.repl = repl
	return d, nil
}

func (d *Dir) now() int64 {
	if d.opt.Clock == nil {
		return time.Now().Unix()
	}
	return d.opt.Clock.NowUnixNano() / int64(time.Second)
}

// IO returns the pool the dir submits to.
func (d *Dir) IO() *diskio.Pool { return d.io }

// Policy returns the removal policy of the dir.
func (d *Dir) Policy() policy.Policy { return d.repl }

// FilePath returns the path of file number filen.
func (d *Dir) FilePath(filen int32) string {
	l2 := int(filen) / d.opt.L2
	return filepath.Join(d.opt.Path,
		fmt.Sprintf("%02X", l2/d.opt.L2%d.opt.L1),
		fmt.Sprintf("%02X", l2%d.opt.L2),
		fmt.Sprintf("%08X", uint32(filen)))
}

func (d *Dir) logPath() string { return filepath.Join(d.opt.Path, "swap.state") }

// Create lays out the L1/L2 directory tree.
func (d *Dir) Create() error {
	if d.ReadOnly() {
		return nil
	}
	for i := 0; i < d.opt.L1; i++ {
		for j := 0; j < d.opt.L2; j++ {
			p := filepath.Join(d.opt.Path, fmt.Sprintf("%02X", i), fmt.Sprintf("%02X", j))
			if err := os.MkdirAll(p, 0o755); err != nil {
				return merry.Wrap(err).WithValue("path", p)
			}
		}
	}
	d.log.WithFields(logrus.Fields{"l1": d.opt.L1, "l2": d.opt.L2}).Info("Created cache_dir")
	return nil
}

// Init checks the tree exists and starts replaying the swap log. The
// replay continues from Callback; Sync finishes it.
func (d *Dir) Init() error {
	fi, err := os.Stat(d.opt.Path)
	if err != nil || !fi.IsDir() {
		return ErrNoDir.Here().WithValue("path", d.opt.Path).WithCause(err)
	}
	d.log.WithFields(logrus.Fields{
		"max_kb":  d.MaxSize() >> 10,
		"policy":  d.repl.Type(),
		"min_obj": d.MinObjectSize(),
		"max_obj": d.MaxObjectSize(),
	}).Info("Initializing cache_dir")
	started, err := d.startRebuild()
	if err != nil {
		return err
	}
	if !started {
		return d.OpenLog()
	}
	return nil
}

// allocFilen reserves the next free file number for e.
func (d *Dir) allocFilen(e *store.Entry) int32 {
	if d.files.Len() > maxFilen {
		return -1
	}
	for {
		f := d.nextFilen
		d.nextFilen++
		if d.nextFilen > maxFilen {
			d.nextFilen = 0
		}
		if !d.files.Has(fileItem{filen: f}) {
			d.files.ReplaceOrInsert(fileItem{filen: f, e: e})
			return f
		}
	}
}

func (d *Dir) freeFilen(filen int32) { d.files.Delete(fileItem{filen: filen}) }

// CanStore adds the I/O queue load to the shared admission checks.
func (d *Dir) CanStore(e *store.Entry, size int64) (bool, int) {
	ok, _ := d.DiskBase.CanStore(e, size)
	if !ok {
		return false, 0
	}
	load := d.load()
	if load > 1000 {
		return false, load
	}
	return true, load
}

// load maps the I/O queue length to 0..1000; past 1000 the pool is
// overloaded.
func (d *Dir) load() int {
	st := d.io.Stats()
	limit := st.Workers * 5
	if limit <= 0 {
		return 0
	}
	return d.io.Pending() * 1000 / limit
}

// Get returns the stored entry for key.
func (d *Dir) Get(key store.Key) *store.Entry {
	e := d.index[key]
	if e == nil || e.Flags&store.FlagReleaseRequest != 0 {
		return nil
	}
	return e
}

// Reference moves e up in the removal policy.
func (d *Dir) Reference(e *store.Entry) {
	if e.Slot().Set() {
		d.repl.Referenced(e)
	}
}

// Dereference updates the removal policy. It reports false because the
// dir indexes its entries itself.
func (d *Dir) Dereference(e *store.Entry) bool {
	if e.Slot().Set() {
		d.repl.Dereferenced(e)
	}
	return false
}

// EvictCached removes e from the dir, aborting I/O in flight.
func (d *Dir) EvictCached(e *store.Entry) {
	if e.Dirn() != d.Index() || !e.HasDisk() {
		return
	}
	if o := d.reading[e]; o != nil {
		d.abort(o)
	}
	if o := d.writing[e]; o != nil {
		// the chain unlinks the partial file and frees the number
		d.abort(o)
		d.files.ReplaceOrInsert(fileItem{filen: e.Filen()})
		e.DetachDisk()
		return
	}
	d.unindex(e, true)
}

// EvictIfFound evicts the entry stored under key.
func (d *Dir) EvictIfFound(key store.Key) {
	if e := d.index[key]; e != nil {
		d.EvictCached(e)
	}
}

// addIndex adds a stored entry to the dir.
func (d *Dir) addIndex(e *store.Entry) {
	key, _ := e.Key()
	if old := d.index[key]; old != nil && old != e {
		d.unindex(old, true)
	}
	d.index[key] = e
	d.files.ReplaceOrInsert(fileItem{filen: e.Filen(), e: e})
	d.repl.Add(e)
	d.Account(e.Size(), 1)
}

// unindex forgets a stored entry, logging DEL. With unlink the file is
// removed and its number stays reserved until the unlink completes.
func (d *Dir) unindex(e *store.Entry, unlink bool) {
	key, _ := e.Key()
	filen := e.Filen()
	if e.SwapStatus == store.SwapDone {
		d.LogEntry(e, store.LogDel)
		d.Account(-e.Size(), -1)
	}
	d.repl.Remove(e)
	if d.index[key] == e {
		delete(d.index, key)
	}
	e.DetachDisk()
	if unlink && !d.ReadOnly() {
		d.unlink(filen)
		return
	}
	d.freeFilen(filen)
}

// Maintain purges entries while the dir is above its low-water mark.
func (d *Dir) Maintain() {
	d.flushLog()
	if d.Rebuilding() {
		return
	}
	high := d.MaxSize() * int64(d.opt.HighWaterMark) / 100
	low := d.MaxSize() * int64(d.opt.LowWaterMark) / 100
	cur := d.CurrentSize()
	if cur < low {
		return
	}
	f := 1.0
	if high > low && cur < high {
		f = float64(cur-low) / float64(high-low)
	}
	maxScan := int(f*400 + 100)
	maxRemove := int(f*70 + 10)

	host := d.Host()
	w := d.repl.PurgeInit(maxScan)
	removed := 0
	for removed < maxRemove && d.CurrentSize() > low {
		n := w.Next()
		if n == nil {
			break
		}
		e := n.(*store.Entry)
		removed++
		if host != nil {
			host.Release(e)
		} else {
			d.EvictCached(e)
		}
	}
	w.Done()
	d.log.WithFields(logrus.Fields{
		"removed": removed,
		"scanned": w.Scanned(),
		"locked":  w.Locked(),
		"size_kb": d.CurrentSize() >> 10,
	}).Debug("purged entries")
}

// Stat writes the dir report.
func (d *Dir) Stat(w io.Writer) {
	d.DiskBase.Stat(w)
	fmt.Fprintf(w, "Filemap bits in use: %d\n", d.files.Len())
	fmt.Fprintf(w, "Pending operations: %d\n", d.io.Pending())
	if d.Rebuilding() {
		fmt.Fprintf(w, "Rebuilding: %d records read\n", d.rebuild.records)
	}
	fmt.Fprintf(w, "Removal policy: %s\n", d.repl.Type())
	d.repl.Stats(w)
}

// Close waits for outstanding I/O, closes the swap log and empties the
// removal policy.
func (d *Dir) Close() error {
	d.Sync()
	err := d.CloseLog()
	for _, e := range d.index {
		d.repl.Remove(e)
	}
	d.repl.Close()
	if d.ownIO {
		if cerr := d.io.Close(); err == nil {
			err = cerr
		}
	}
	d.log.Debug("closed")
	return err
}

var _ store.SwapDir = (*Dir)(nil)
