package ufs

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"

	"github.com/IvanBrykalov/objstore/internal/diskio"
	"github.com/IvanBrykalov/objstore/store"
)

var (
	ErrNoBody    = merry.New("ufs: entry has no body")
	ErrReadOnly  = merry.New("ufs: read-only cache_dir")
	ErrShortIO   = merry.New("ufs: short transfer")
	errCancelled = merry.New("ufs: aborted")
)

// callbackBatch bounds the completions one Callback handles.
const callbackBatch = 64

type opKind uint8

const (
	opSwapOut opKind = iota + 1
	opSwapIn
	opUnlink
)

// op is one swap-in, swap-out or unlink chain. It rides along as the
// diskio tag, so whichever dir polls a shared pool can route it.
type op struct {
	d     *Dir
	kind  opKind
	e     *store.Entry
	filen int32
	path  string
	fd    int
	buf   []byte

	stage   diskio.Op
	token   diskio.Token
	failed  error
	aborted bool
}

// SwapOut writes the body of e to a new file. The entry stays locked
// until the write completes.
func (d *Dir) SwapOut(e *store.Entry) error {
	if d.ReadOnly() {
		return ErrReadOnly.Here().WithValue("path", d.Path())
	}
	if e.HasDisk() || d.writing[e] != nil {
		return ErrBusy.Here().WithValue("entry", e.String())
	}
	m := e.Mem()
	if m == nil {
		return ErrNoBody.Here().WithValue("entry", e.String())
	}
	filen := d.allocFilen(e)
	if filen < 0 {
		return ErrNoFilen.Here().WithValue("path", d.Path())
	}
	body := m.Bytes()
	e.AttachDisk(d.Index(), filen)
	e.SetSize(int64(len(body)))
	e.SwapStatus = store.SwapWriting

	o := &op{d: d, kind: opSwapOut, e: e, filen: filen, path: d.FilePath(filen), fd: -1, buf: body}
	if h := d.Host(); h != nil {
		h.Lock(e)
	}
	d.writing[e] = o
	if err := d.submit(o, diskio.OpOpen); err != nil {
		d.finishSwapOut(o, err)
		return err
	}
	d.log.WithField("filen", fmt.Sprintf("%08X", filen)).Trace("swapout started")
	return nil
}

// SwapIn reads the body of e back from disk. Handlers registered on e
// run once the read ends; the body is missing if it failed.
func (d *Dir) SwapIn(e *store.Entry) error {
	if e.Dirn() != d.Index() || e.SwapStatus != store.SwapDone {
		return store.ErrNotFound.Here().WithValue("entry", e.String())
	}
	if d.reading[e] != nil {
		return nil
	}
	o := &op{
		d:     d,
		kind:  opSwapIn,
		e:     e,
		filen: e.Filen(),
		path:  d.FilePath(e.Filen()),
		fd:    -1,
		buf:   make([]byte, e.Size()),
	}
	d.reading[e] = o
	if err := d.submit(o, diskio.OpOpen); err != nil {
		delete(d.reading, e)
		return err
	}
	return nil
}

func (d *Dir) submit(o *op, stage diskio.Op) error {
	var (
		tok diskio.Token
		err error
	)
	switch stage {
	case diskio.OpOpen:
		flags := unix.O_RDONLY
		if o.kind == opSwapOut {
			flags = unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC
		}
		tok, err = d.io.SubmitOpen(o.path, flags, 0o644, o)
	case diskio.OpWrite:
		tok, err = d.io.SubmitWrite(o.fd, o.buf, 0, o)
	case diskio.OpRead:
		tok, err = d.io.SubmitRead(o.fd, o.buf, 0, o)
	case diskio.OpClose:
		tok, err = d.io.SubmitClose(o.fd, o)
	case diskio.OpUnlink:
		tok, err = d.io.SubmitUnlink(o.path, o)
	default:
		panic(fmt.Sprintf("ufs: cannot submit %s", stage))
	}
	if err != nil {
		return err
	}
	o.stage, o.token = stage, tok
	return nil
}

// abort stops the chain of o at its next completion. A swap-in still
// opening is cancelled outright.
func (d *Dir) abort(o *op) {
	o.aborted = true
	if o.kind == opSwapIn && o.stage == diskio.OpOpen && d.io.Cancel(o.token) {
		delete(d.reading, o.e)
		o.e.InvokeHandlers()
	}
}

func (d *Dir) unlink(filen int32) {
	d.files.ReplaceOrInsert(fileItem{filen: filen})
	o := &op{d: d, kind: opUnlink, filen: filen, path: d.FilePath(filen), fd: -1}
	if err := d.submit(o, diskio.OpUnlink); err != nil {
		_ = unix.Unlink(o.path)
		d.freeFilen(filen)
	}
}

func dispatch(res diskio.Result) {
	o, ok := res.Tag.(*op)
	if !ok || o == nil {
		return
	}
	o.d.complete(o, res)
}

func (d *Dir) complete(o *op, res diskio.Result) {
	switch o.kind {
	case opUnlink:
		d.freeFilen(o.filen)
		return
	case opSwapOut:
		if res.Op == diskio.OpWrite && res.Err != nil && res.Errno == unix.ENOSPC {
			d.DiskFull()
		}
	}

	switch res.Op {
	case diskio.OpOpen:
		if res.Err != nil {
			d.finish(o, res.Err)
			return
		}
		o.fd = res.Ret
		if o.aborted {
			o.failed = errCancelled.Here()
			d.closeFile(o)
			return
		}
		next := diskio.OpRead
		if o.kind == opSwapOut {
			next = diskio.OpWrite
		}
		if err := d.submit(o, next); err != nil {
			o.failed = err
			d.closeFile(o)
		}
	case diskio.OpRead, diskio.OpWrite:
		err := res.Err
		if err == nil && res.Ret != len(o.buf) {
			err = ErrShortIO.Here().WithValue("want", len(o.buf)).WithValue("got", res.Ret)
		}
		o.failed = err
		d.closeFile(o)
	case diskio.OpClose:
		o.fd = -1
		err := o.failed
		if err == nil {
			err = res.Err
		}
		d.finish(o, err)
	}
}

func (d *Dir) closeFile(o *op) {
	if err := d.submit(o, diskio.OpClose); err != nil {
		_ = unix.Close(o.fd)
		o.fd = -1
		if o.failed == nil {
			o.failed = err
		}
		d.finish(o, o.failed)
	}
}

func (d *Dir) finish(o *op, err error) {
	if o.kind == opSwapOut {
		d.finishSwapOut(o, err)
		return
	}
	d.finishSwapIn(o, err)
}

func (d *Dir) finishSwapOut(o *op, err error) {
	e := o.e
	if d.writing[e] == o {
		delete(d.writing, e)
	}
	switch {
	case o.aborted:
		d.unlink(o.filen)
	case err != nil:
		d.log.WithError(err).WithField("filen", fmt.Sprintf("%08X", o.filen)).Warn("swapout failed")
		e.SwapStatus = store.SwapFailed
		e.DetachDisk()
		d.unlink(o.filen)
	default:
		e.SwapStatus = store.SwapDone
		d.addIndex(e)
		d.LogEntry(e, store.LogAdd)
	}
	if h := d.Host(); h != nil {
		h.Unlock(e)
	}
}

func (d *Dir) finishSwapIn(o *op, err error) {
	e := o.e
	if d.reading[e] == o {
		delete(d.reading, e)
	}
	switch {
	case o.aborted:
	case err != nil:
		d.log.WithError(err).WithField("filen", fmt.Sprintf("%08X", o.filen)).Warn("swapin failed")
		if h := d.Host(); h != nil {
			h.Release(e)
		} else {
			d.EvictCached(e)
		}
	default:
		e.SetBody(o.buf)
	}
	e.InvokeHandlers()
}

// Callback continues a rebuild in progress and handles a batch of I/O
// completions. It returns 1 when it did anything.
func (d *Dir) Callback() int {
	n := 0
	if d.rebuild != nil {
		d.rebuildStep(rebuildBatch)
		n++
	}
	for i := 0; i < callbackBatch; i++ {
		res, ok := d.io.Poll()
		if !ok {
			break
		}
		dispatch(res)
		n++
	}
	if n > 0 {
		return 1
	}
	return 0
}

// Sync finishes a rebuild in progress and waits until every I/O chain
// has completed.
func (d *Dir) Sync() {
	for d.rebuild != nil {
		d.rebuildStep(rebuildBatch)
	}
	for {
		d.io.Sync()
		n := 0
		for {
			res, ok := d.io.Poll()
			if !ok {
				break
			}
			dispatch(res)
			n++
		}
		if n == 0 && d.io.Pending() == 0 {
			break
		}
	}
	d.flushLog()
}
