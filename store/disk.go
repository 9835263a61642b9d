package store

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// LogOp is a swap log operation.
type LogOp uint8

const (
	LogNop LogOp = iota
	LogAdd
	LogDel
	logMax
)

func (o LogOp) String() string {
	switch o {
	case LogAdd:
		return "ADD"
	case LogDel:
		return "DEL"
	}
	return "NOP"
}

// Host is the controller as seen by its cache_dirs.
type Host interface {
	// Lock pins e while the dir works on it.
	Lock(e *Entry)
	// Unlock drops a lock taken with Lock and returns the locks left.
	Unlock(e *Entry) int
	// Release destroys e everywhere, or marks it for release if locked.
	Release(e *Entry)
}

// SwapDir is one configured cache directory.
//
// Invariants:
//   - CurrentSize never exceeds MaxSize after Maintain returns;
//   - an entry with a disk location belongs to exactly one SwapDir.
type SwapDir interface {
	Index() int
	Path() string
	Type() string
	MaxSize() int64
	CurrentSize() int64
	CurrentCount() int
	MinObjectSize() int64
	// MaxObjectSize is -1 when objects of any size are accepted.
	MaxObjectSize() int64
	ReadOnly() bool

	// Attach hands the dir its controller before Init.
	Attach(h Host)
	Init() error
	Create() error

	// CanStore reports whether e of the given size fits and the load
	// (0..1000) the dir is under.
	CanStore(e *Entry, size int64) (bool, int)
	CanLog(e *Entry) bool
	DiskFull()

	Get(key Key) *Entry
	Reference(e *Entry)
	// Dereference reports whether the controller should keep indexing an
	// idle e.
	Dereference(e *Entry) bool
	AnchorToCache(e *Entry) (found, inSync bool)
	UpdateAnchored(e *Entry) bool
	EvictCached(e *Entry)
	EvictIfFound(key Key)

	// SwapOut starts writing the body of e. Completion is reported through
	// Callback.
	SwapOut(e *Entry) error
	// SwapIn starts loading the body of e from disk.
	SwapIn(e *Entry) error

	LogEntry(e *Entry, op LogOp)
	OpenLog() error
	CloseLog() error
	WriteCleanStart() error
	CleanNext() *Entry
	CleanWrite(e *Entry) error
	WriteCleanDone() error
	Rebuilding() bool

	Maintain()
	Sync()
	// Callback handles completed I/O. It returns a positive value while
	// there was work to do.
	Callback() int
	Stat(w io.Writer)
	Close() error
}

// DiskConfig configures the common part of a cache directory.
type DiskConfig struct {
	Index         int
	Path          string
	Type          string
	MaxSize       int64
	MinObjectSize int64
	// MaxObjectSize of -1 disables the upper bound.
	MaxObjectSize int64
	ReadOnly      bool
	Logger        *logrus.Logger
}

// DiskBase implements the size accounting and admission checks shared by
// every SwapDir. Embed it and override what the storage needs.
type DiskBase struct {
	cfg   DiskConfig
	size  int64
	count int
	host  Host
	log   *logrus.Entry
}

// NewDiskBase returns the shared half of a cache directory.
func NewDiskBase(cfg DiskConfig) *DiskBase {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &DiskBase{
		cfg: cfg,
		log: cfg.Logger.WithFields(logrus.Fields{"component": "cache_dir", "dir": cfg.Path}),
	}
}

func (d *DiskBase) Index() int           { return d.cfg.Index }
func (d *DiskBase) Path() string         { return d.cfg.Path }
func (d *DiskBase) Type() string         { return d.cfg.Type }
func (d *DiskBase) MaxSize() int64       { return d.cfg.MaxSize }
func (d *DiskBase) CurrentSize() int64   { return d.size }
func (d *DiskBase) CurrentCount() int    { return d.count }
func (d *DiskBase) MinObjectSize() int64 { return d.cfg.MinObjectSize }
func (d *DiskBase) MaxObjectSize() int64 { return d.cfg.MaxObjectSize }
func (d *DiskBase) ReadOnly() bool       { return d.cfg.ReadOnly }
func (d *DiskBase) Attach(h Host)        { d.host = h }

// Host returns the attached controller.
func (d *DiskBase) Host() Host { return d.host }

// Logger returns the dir's log entry.
func (d *DiskBase) Logger() *logrus.Entry { return d.log }

// Account adjusts the stored byte and object totals.
func (d *DiskBase) Account(bytes int64, objects int) {
	d.size += bytes
	d.count += objects
	if d.size < 0 || d.count < 0 {
		fatalf("%s: negative accounting size=%d count=%d", d.cfg.Path, d.size, d.count)
	}
}

// ObjectSizeIsAcceptable checks size against [min, max). Unknown sizes
// pass only when both bounds are disabled.
func (d *DiskBase) ObjectSizeIsAcceptable(size int64) bool {
	lo, hi := d.cfg.MinObjectSize, d.cfg.MaxObjectSize
	if lo <= 0 && hi == -1 {
		return true
	}
	if size == UnknownLength {
		return false
	}
	if hi == -1 {
		return lo <= size
	}
	return lo <= size && size < hi
}

// CanStore performs the checks every dir shares and reports a neutral
// load.
func (d *DiskBase) CanStore(e *Entry, size int64) (bool, int) {
	if e.Special() {
		return false, 0
	}
	if !d.ObjectSizeIsAcceptable(size) {
		return false, 0
	}
	if d.cfg.ReadOnly {
		return false, 0
	}
	if d.size >= d.cfg.MaxSize {
		return false, 0
	}
	return true, 999
}

// CanLog reports whether e belongs in a swap log.
func (d *DiskBase) CanLog(e *Entry) bool {
	if !e.HasDisk() {
		return false
	}
	if e.SwapStatus != SwapDone {
		return false
	}
	if e.size <= 0 {
		return false
	}
	if e.Flags&(FlagReleaseRequest|FlagPrivate|FlagSpecial) != 0 {
		return false
	}
	return true
}

// LogAllowed reports whether a swap log record may be written for e.
// Special entries are skipped. Logging a private entry panics.
func (d *DiskBase) LogAllowed(e *Entry) bool {
	if e.Private() {
		fatalf("swap log of private entry %s", e)
	}
	return !e.Special()
}

// DiskFull shrinks the configured size to what is stored now.
func (d *DiskBase) DiskFull() {
	if d.size >= d.cfg.MaxSize {
		return
	}
	d.cfg.MaxSize = d.size
	d.log.WithField("max_bytes", d.cfg.MaxSize).Warn("disk full, shrinking cache_dir")
}

// Stat writes the common directory report.
func (d *DiskBase) Stat(w io.Writer) {
	fmt.Fprintf(w, "Maximum Size: %d KB\n", d.cfg.MaxSize>>10)
	fmt.Fprintf(w, "Current Size: %.2f KB\n", float64(d.size)/1024)
	fmt.Fprintf(w, "Percent Used: %0.2f%%\n", percent(d.size, d.cfg.MaxSize))
	fmt.Fprintf(w, "Current entries: %d\n", d.count)
	if d.cfg.ReadOnly {
		fmt.Fprintf(w, "Flags: read-only\n")
	}
}

// The defaults below suit a dir whose index is the controller's table.

func (d *DiskBase) Reference(*Entry)                          {}
func (d *DiskBase) Dereference(*Entry) bool                   { return true }
func (d *DiskBase) AnchorToCache(*Entry) (found, inSync bool) { return false, false }
func (d *DiskBase) UpdateAnchored(*Entry) bool                { return false }
func (d *DiskBase) Rebuilding() bool                          { return false }

func percent(a, b int64) float64 {
	if b <= 0 {
		return 0
	}
	return 100 * float64(a) / float64(b)
}
