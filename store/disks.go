package store

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// Disks is the set of configured cache_dirs.
type Disks struct {
	dirs    []SwapDir
	selectN string
	selectF func(*Disks, *Entry) int
	log     *logrus.Entry
	now     func() time.Time

	getIdx  int
	rrFirst int
	cbDir   int

	largestMin       int64
	largestMax       int64
	secondLargestMax int64
}

func newDisks(dirs []SwapDir, selectAlgo string, log *logrus.Entry) (*Disks, error) {
	d := &Disks{dirs: dirs, log: log, now: time.Now}
	switch selectAlgo {
	case SelectRoundRobin:
		d.selectF = (*Disks).selectRoundRobin
	case SelectLeastLoad:
		d.selectF = (*Disks).selectLeastLoad
	default:
		return nil, ErrBadConfig.Here().WithMessagef("unknown store_dir_select_algorithm %q", selectAlgo)
	}
	d.selectN = selectAlgo
	for i, dir := range dirs {
		if dir.Index() != i {
			return nil, ErrBadConfig.Here().WithMessagef("cache_dir %s has index %d, configured as #%d", dir.Path(), dir.Index(), i)
		}
	}
	d.updateLimits()
	return d, nil
}

// Len returns the number of configured dirs.
func (d *Disks) Len() int { return len(d.dirs) }

// Dir returns dir i.
func (d *Disks) Dir(i int) SwapDir { return d.dirs[i] }

func (d *Disks) init() error {
	if d.selectN == SelectRoundRobin {
		d.log.Info("Using Round Robin store dir selection")
	} else {
		d.log.Info("Using Least Load store dir selection")
	}
	for _, dir := range d.dirs {
		if err := dir.Init(); err != nil {
			return WithDirn(err, dir.Index())
		}
	}
	return nil
}

func (d *Disks) create() error {
	for _, dir := range d.dirs {
		if err := dir.Create(); err != nil {
			return WithDirn(err, dir.Index())
		}
	}
	return nil
}

// get looks key up starting with the dir after the one consulted last.
func (d *Disks) get(key Key) *Entry {
	n := len(d.dirs)
	for i := 0; i < n; i++ {
		idx := (d.getIdx + i) % n
		if e := d.dirs[idx].Get(key); e != nil {
			d.getIdx = (idx + 1) % n
			return e
		}
	}
	if n > 0 {
		d.getIdx = (d.getIdx + 1) % n
	}
	return nil
}

// objectSizeForDirSelection is the expected body size, or what has been
// received so far when the size is not announced.
func objectSizeForDirSelection(e *Entry) int64 {
	if e.mem == nil {
		return e.objectLen
	}
	if n := e.mem.ExpectedSize(); n >= 0 {
		return n
	}
	return e.mem.EndOffset()
}

func (d *Disks) selectSwapDir(e *Entry) int {
	if len(d.dirs) == 0 {
		return -1
	}
	return d.selectF(d, e)
}

// selectRoundRobin returns the first dir, after a rotating start, that can
// take e.
func (d *Disks) selectRoundRobin(e *Entry) int {
	size := objectSizeForDirSelection(e)
	n := len(d.dirs)
	d.rrFirst++
	if d.rrFirst >= n {
		d.rrFirst = 0
	}
	for i := 0; i < n; i++ {
		dirn := (d.rrFirst + i) % n
		ok, load := d.dirs[dirn].CanStore(e, size)
		if !ok || load < 0 || load > 1000 {
			continue
		}
		return dirn
	}
	return -1
}

// selectLeastLoad returns the least loaded dir that can take e. Ties go to
// the smallest max-object-size for known sizes, the largest for unknown
// ones, then to the most free space.
func (d *Disks) selectLeastLoad(e *Entry) int {
	size := objectSizeForDirSelection(e)
	var mostFree int64
	bestObjSize := int64(-1)
	leastLoad := math.MaxInt
	dirn := -1
	for i, dir := range d.dirs {
		ok, load := dir.CanStore(e, size)
		if !ok || load < 0 || load > 1000 {
			continue
		}
		if load > leastLoad {
			continue
		}
		curFree := dir.MaxSize() - dir.CurrentSize()
		if load == leastLoad {
			if bestObjSize != -1 {
				if (size != UnknownLength && dir.MaxObjectSize() > bestObjSize) ||
					(size == UnknownLength && dir.MaxObjectSize() < bestObjSize) {
					continue
				}
			}
			if curFree < mostFree {
				continue
			}
		}
		leastLoad = load
		bestObjSize = dir.MaxObjectSize()
		mostFree = curFree
		dirn = i
	}
	return dirn
}

func effectiveMaxObjectSize(dir SwapDir) int64 {
	if m := dir.MaxObjectSize(); m >= 0 {
		return m
	}
	return dir.MaxSize()
}

func (d *Disks) updateLimits() {
	d.largestMin, d.largestMax, d.secondLargestMax = -1, -1, -1
	for _, dir := range d.dirs {
		if dir.MinObjectSize() > d.largestMin {
			d.largestMin = dir.MinObjectSize()
		}
		if m := effectiveMaxObjectSize(dir); m > d.largestMax {
			if d.largestMax >= 0 {
				d.secondLargestMax = d.largestMax
			}
			d.largestMax = m
		}
	}
}

// maxObjectSize is the largest object any dir accepts.
func (d *Disks) maxObjectSize() int64 { return d.largestMax }

// accumulateMore returns how many more body bytes e needs before the dir
// that will store it can be chosen.
func (d *Disks) accumulateMore(e *Entry) int64 {
	var accumulated int64
	if e.mem != nil {
		accumulated = e.mem.EndOffset()
	}
	if accumulated < d.largestMin {
		return d.largestMin - accumulated
	}
	if accumulated <= d.secondLargestMax {
		return d.secondLargestMax - accumulated + 1
	}
	return 0
}

func (d *Disks) maxSize() int64 {
	var n int64
	for _, dir := range d.dirs {
		n += dir.MaxSize()
	}
	return n
}

func (d *Disks) currentSize() int64 {
	var n int64
	for _, dir := range d.dirs {
		n += dir.CurrentSize()
	}
	return n
}

func (d *Disks) currentCount() int {
	var n int
	for _, dir := range d.dirs {
		n += dir.CurrentCount()
	}
	return n
}

func (d *Disks) rebuilding() bool {
	for _, dir := range d.dirs {
		if dir.Rebuilding() {
			return true
		}
	}
	return false
}

func (d *Disks) reference(e *Entry) {
	if e.HasDisk() {
		d.dirs[e.dirn].Reference(e)
	}
}

func (d *Disks) dereference(e *Entry) bool {
	if !e.HasDisk() {
		return false
	}
	return d.dirs[e.dirn].Dereference(e)
}

func (d *Disks) anchorToCache(e *Entry) (found, inSync bool) {
	for _, dir := range d.dirs {
		if found, inSync = dir.AnchorToCache(e); found {
			return found, inSync
		}
	}
	return false, false
}

func (d *Disks) updateAnchored(e *Entry) bool {
	if !e.HasDisk() {
		return false
	}
	return d.dirs[e.dirn].UpdateAnchored(e)
}

func (d *Disks) evictCached(e *Entry) {
	if e.HasDisk() {
		d.dirs[e.dirn].EvictCached(e)
	}
}

func (d *Disks) evictIfFound(key Key) {
	for _, dir := range d.dirs {
		dir.EvictIfFound(key)
	}
}

func (d *Disks) maintain() {
	for _, dir := range d.dirs {
		dir.Maintain()
	}
}

func (d *Disks) sync() {
	for _, dir := range d.dirs {
		dir.Sync()
	}
}

// callback polls dirs in turn until a full round finds nothing to do.
func (d *Disks) callback() int {
	n := len(d.dirs)
	if n == 0 {
		return 0
	}
	result := 0
	for {
		j := 0
		for i := 0; i < n; i++ {
			if d.cbDir >= n {
				d.cbDir %= n
			}
			r := d.dirs[d.cbDir].Callback()
			d.cbDir++
			j += r
			result += r
			if j > 100 {
				fatalf("too much io")
			}
		}
		if j == 0 {
			break
		}
	}
	d.cbDir++
	return result
}

// swapLog records op for e in the log of the dir that stores it.
func (d *Disks) swapLog(e *Entry, op LogOp) {
	if e.Private() {
		fatalf("swap log of private entry %s", e)
	}
	if !e.HasDisk() {
		fatalf("swap log of entry without disk location %s", e)
	}
	if e.Special() {
		return
	}
	if op <= LogNop || op >= logMax {
		fatalf("bad swap log op %d", op)
	}
	d.log.WithFields(logrus.Fields{
		"op":    op.String(),
		"key":   e.key.String(),
		"dirn":  e.dirn,
		"filen": fmt.Sprintf("%08X", uint32(e.filen)),
	}).Debug("swap log")
	d.dirs[e.dirn].LogEntry(e, op)
}

// writeCleanLogs rewrites every swap log from the dirs' indexes and
// returns the number of entries written.
func (d *Disks) writeCleanLogs(reopen bool) int {
	if d.rebuilding() {
		d.log.Warn("Not currently OK to rewrite swap log.")
		d.log.Warn("writeCleanLogs: Operation aborted.")
		return 0
	}
	d.log.Info("writeCleanLogs: Starting...")
	start := d.now()
	started := make([]bool, len(d.dirs))
	for i, dir := range d.dirs {
		if dir.ReadOnly() {
			continue
		}
		if err := dir.WriteCleanStart(); err != nil {
			d.log.WithError(err).WithField("dir", dir.Path()).Warn("writeCleanLogs: cannot start")
			continue
		}
		started[i] = true
	}

	written := 0
	for dirsLeft := true; dirsLeft; {
		dirsLeft = false
		for i, dir := range d.dirs {
			if !started[i] {
				continue
			}
			e := dir.CleanNext()
			if e == nil {
				continue
			}
			dirsLeft = true
			if !dir.CanLog(e) {
				continue
			}
			if err := dir.CleanWrite(e); err != nil {
				d.log.WithError(err).WithField("dir", dir.Path()).Warn("writeCleanLogs: write failed")
				continue
			}
			written++
			if written&0xFFFF == 0 {
				d.log.WithField("entries", written).Info("writeCleanLogs: progress")
			}
		}
	}

	for i, dir := range d.dirs {
		if !started[i] {
			continue
		}
		if err := dir.WriteCleanDone(); err != nil {
			d.log.WithError(err).WithField("dir", dir.Path()).Warn("writeCleanLogs: cannot finish")
		}
	}
	if reopen {
		for _, dir := range d.dirs {
			if err := dir.OpenLog(); err != nil {
				d.log.WithError(err).WithField("dir", dir.Path()).Error("cannot reopen swap log")
			}
		}
	}

	dt := d.now().Sub(start).Seconds()
	rate := float64(written)
	if dt > 0 {
		rate /= dt
	}
	d.log.WithFields(logrus.Fields{
		"entries": written,
		"seconds": fmt.Sprintf("%.1f", dt),
		"rate":    fmt.Sprintf("%.1f", rate),
	}).Info("writeCleanLogs: Finished")
	return written
}

func (d *Disks) stat(w io.Writer) {
	for i, dir := range d.dirs {
		fmt.Fprintf(w, "\n")
		fmt.Fprintf(w, "Store Directory #%d (%s): %s\n", i, dir.Type(), dir.Path())
		dir.Stat(w)
	}
}

func (d *Disks) close() error {
	var first error
	for _, dir := range d.dirs {
		if err := dir.Close(); err != nil && first == nil {
			first = WithDirn(err, dir.Index())
		}
	}
	return first
}
