package ufs

import (
	"io"
	"os"
	"time"

	"github.com/ansel1/merry"
	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"github.com/IvanBrykalov/objstore/internal/swaplog"
	"github.com/IvanBrykalov/objstore/store"
)

// rebuildBatch is the number of log records replayed per Callback.
const rebuildBatch = 1024

type rebuildState struct {
	f   *os.File
	r   *swaplog.Reader
	tmp string

	records    int
	invalid    int
	duplicates int
	started    time.Time
}

type cleanState struct {
	f      *os.File
	w      *swaplog.Writer
	path   string
	cursor int32
}

func record(e *store.Entry, op swaplog.Op) swaplog.Record {
	key, _ := e.Key()
	return swaplog.Record{
		Op:        uint8(op),
		Dirn:      uint16(e.Dirn()),
		Filen:     uint32(e.Filen()),
		Timestamp: uint64(e.Timestamp()),
		LastRef:   uint64(e.LastRef()),
		Expires:   uint64(e.Expires()),
		LastMod:   uint64(e.LastMod()),
		Size:      uint64(e.Size()),
		RefCount:  uint16(e.RefCount()),
		Flags:     uint16(e.Flags),
		Key:       key,
	}
}

// LogEntry appends an ADD or DEL record for e to the swap log.
func (d *Dir) LogEntry(e *store.Entry, op store.LogOp) {
	if !d.LogAllowed(e) || d.logW == nil {
		return
	}
	var sop swaplog.Op
	switch op {
	case store.LogAdd:
		sop = swaplog.OpAdd
	case store.LogDel:
		sop = swaplog.OpDel
	default:
		return
	}
	if err := d.logW.Write(record(e, sop)); err != nil {
		d.log.WithError(err).Error("swap log write failed")
	}
}

// OpenLog opens the swap log for appending, writing a header to a new
// log.
func (d *Dir) OpenLog() error {
	if d.logW != nil || d.ReadOnly() {
		return nil
	}
	path := d.logPath()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return merry.Wrap(err).WithValue("path", path)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return merry.Wrap(err).WithValue("path", path)
	}
	if fi.Size() == 0 {
		w, err := swaplog.NewWriter(f)
		if err != nil {
			_ = f.Close()
			return err
		}
		d.logW = w
	} else {
		d.logW = swaplog.NewAppender(f)
	}
	d.logFile = f
	return nil
}

// CloseLog flushes and closes the swap log.
func (d *Dir) CloseLog() error {
	if d.logW == nil {
		return nil
	}
	err := d.logW.Flush()
	if cerr := d.logFile.Close(); err == nil && cerr != nil {
		err = merry.Wrap(cerr)
	}
	d.logW, d.logFile = nil, nil
	return err
}

func (d *Dir) flushLog() {
	if d.logW == nil {
		return
	}
	if err := d.logW.Flush(); err != nil {
		d.log.WithError(err).Error("swap log flush failed")
	}
}

// Rebuilding reports whether the swap log is still being replayed.
func (d *Dir) Rebuilding() bool { return d.rebuild != nil }

// startRebuild opens the swap log for replay. Records that survive are
// logged again into swap.state.new, which replaces the log once the
// replay ends.
func (d *Dir) startRebuild() (bool, error) {
	path := d.logPath()
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, merry.Wrap(err).WithValue("path", path)
	}
	r, err := swaplog.NewReader(f)
	if err != nil {
		_ = f.Close()
		if err == io.EOF {
			return false, nil
		}
		d.log.WithError(err).Warn("ignoring unreadable swap log")
		if !d.ReadOnly() {
			if rerr := os.Remove(path); rerr != nil {
				return false, merry.Wrap(rerr).WithValue("path", path)
			}
		}
		return false, nil
	}

	rs := &rebuildState{f: f, r: r, started: time.Now()}
	if !d.ReadOnly() {
		rs.tmp = path + ".new"
		tf, err := os.OpenFile(rs.tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			_ = f.Close()
			return false, merry.Wrap(err).WithValue("path", rs.tmp)
		}
		w, err := swaplog.NewWriter(tf)
		if err != nil {
			_ = tf.Close()
			_ = f.Close()
			return false, err
		}
		d.logFile, d.logW = tf, w
	}
	d.rebuild = rs
	d.log.Info("Rebuilding cache_dir from swap log")
	return true, nil
}

func (d *Dir) rebuildStep(n int) {
	rs := d.rebuild
	for i := 0; i < n; i++ {
		rec, err := rs.r.Next()
		switch {
		case err == io.EOF:
			d.finishRebuild()
			return
		case merry.Is(err, swaplog.ErrBadOp):
			rs.invalid++
			continue
		case err != nil:
			d.log.WithError(err).Warn("swap log ends with a partial record")
			d.finishRebuild()
			return
		}
		rs.records++
		d.replay(rs, rec)
	}
}

func (d *Dir) replay(rs *rebuildState, rec swaplog.Record) {
	key := store.Key(rec.Key)
	filen := int32(rec.Filen)
	if rec.Filen > maxFilen {
		rs.invalid++
		return
	}
	switch swaplog.Op(rec.Op) {
	case swaplog.OpDel:
		if e := d.index[key]; e != nil && e.Filen() == filen {
			d.unindex(e, false)
		}
	case swaplog.OpAdd:
		if old := d.index[key]; old != nil {
			rs.duplicates++
			d.unindex(old, old.Filen() != filen)
		}
		if it := d.files.Get(fileItem{filen: filen}); it != nil {
			other := it.(fileItem).e
			if other == nil {
				rs.invalid++
				return
			}
			// the file now holds a newer object
			d.unindex(other, false)
		}
		e := store.NewDiskEntry(key, d.Index(), filen, int64(rec.Size))
		e.SetTimestamps(int64(rec.Timestamp), int64(rec.Expires), int64(rec.LastMod))
		e.SetLastRef(int64(rec.LastRef))
		e.SetRefCount(int(rec.RefCount))
		e.Flags = store.Flags(rec.Flags) &^ (store.FlagPrivate | store.FlagReleaseRequest | store.FlagSpecial)
		d.addIndex(e)
		d.LogEntry(e, store.LogAdd)
		if filen >= d.nextFilen {
			d.nextFilen = filen + 1
		}
	}
}

func (d *Dir) finishRebuild() {
	rs := d.rebuild
	d.rebuild = nil
	_ = rs.f.Close()
	if rs.tmp != "" {
		err := d.CloseLog()
		if err == nil {
			if rerr := os.Rename(rs.tmp, d.logPath()); rerr != nil {
				err = merry.Wrap(rerr)
			}
		}
		if err != nil {
			d.log.WithError(err).Error("cannot replace swap log")
		}
		if err := d.OpenLog(); err != nil {
			d.log.WithError(err).Error("cannot reopen swap log")
		}
	}
	d.log.WithFields(logrus.Fields{
		"records":    rs.records,
		"entries":    len(d.index),
		"invalid":    rs.invalid,
		"duplicates": rs.duplicates,
		"seconds":    time.Since(rs.started).Seconds(),
	}).Info("Finished rebuilding cache_dir")
}

// WriteCleanStart opens swap.state.clean for a rewrite of the log.
func (d *Dir) WriteCleanStart() error {
	if d.ReadOnly() {
		return ErrReadOnly.Here().WithValue("path", d.Path())
	}
	path := d.logPath() + ".clean"
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return merry.Wrap(err).WithValue("path", path)
	}
	w, err := swaplog.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return err
	}
	d.clean = &cleanState{f: f, w: w, path: path}
	return nil
}

// CleanNext returns the stored entry with the next file number, or nil
// when the walk is over.
func (d *Dir) CleanNext() *store.Entry {
	cs := d.clean
	if cs == nil || cs.cursor > maxFilen {
		return nil
	}
	var next *store.Entry
	d.files.AscendGreaterOrEqual(fileItem{filen: cs.cursor}, func(it btree.Item) bool {
		fi := it.(fileItem)
		cs.cursor = fi.filen + 1
		if fi.e == nil || fi.e.SwapStatus != store.SwapDone || fi.e.Filen() != fi.filen {
			return true
		}
		next = fi.e
		return false
	})
	if next == nil {
		cs.cursor = maxFilen + 1
	}
	return next
}

// CleanWrite adds e to the clean log.
func (d *Dir) CleanWrite(e *store.Entry) error {
	if d.clean == nil {
		return merry.New("ufs: clean log not started")
	}
	return d.clean.w.Write(record(e, swaplog.OpAdd))
}

// WriteCleanDone replaces the swap log with the clean one. The swap log
// stays closed until OpenLog.
func (d *Dir) WriteCleanDone() error {
	cs := d.clean
	if cs == nil {
		return nil
	}
	d.clean = nil
	err := cs.w.Flush()
	if err == nil {
		err = merry.Wrap(cs.f.Sync())
	}
	if cerr := cs.f.Close(); err == nil && cerr != nil {
		err = merry.Wrap(cerr)
	}
	if err != nil {
		_ = os.Remove(cs.path)
		return err
	}
	if err := d.CloseLog(); err != nil {
		d.log.WithError(err).Warn("cannot close swap log")
	}
	if err := os.Rename(cs.path, d.logPath()); err != nil {
		return merry.Wrap(err).WithValue("path", cs.path)
	}
	d.log.WithField("entries", cs.w.Count()).Info("Wrote clean swap log")
	return nil
}
