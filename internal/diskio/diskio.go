// Package diskio runs blocking file operations on a pool of worker
// goroutines and hands completions back to a single owner.
//
// The owner (the store's event loop) submits requests and polls for
// results; it never blocks on the workers. Submissions try the request
// queue lock and, if a worker holds it, park the request on an overflow
// queue that is spliced in on the next uncontended submit or poll.
//
// Submit*, Cancel, Poll, Pending, Sync and Close must all be called from
// the owning goroutine.
package diskio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ansel1/merry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/IvanBrykalov/objstore/internal/util"
)

// Op identifies a request type.
type Op uint8

const (
	OpOpen Op = iota + 1
	OpRead
	OpWrite
	OpClose
	OpStat
	OpUnlink
)

func (o Op) String() string {
	switch o {
	case OpOpen:
		return "open"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpClose:
		return "close"
	case OpStat:
		return "stat"
	case OpUnlink:
		return "unlink"
	}
	return "unknown"
}

// Token identifies a submitted request.
type Token uint64

// ErrClosed is returned by submissions after Close.
var ErrClosed = merry.New("diskio: pool closed")

// RidiculousLength is the queue length past which Submit stops and drains
// the queue synchronously.
const RidiculousLength = 4096

// Result is a completed, non-cancelled request.
type Result struct {
	Token Token
	Op    Op
	// Ret is the fd for open, the byte count for read and write, 0 for
	// other successful ops and -1 on failure.
	Ret   int
	Errno unix.Errno
	Err   error
	Buf   []byte
	Stat  unix.Stat_t
	Tag   any
}

type request struct {
	token Token
	op    Op
	path  string
	flags int
	mode  uint32
	fd    int
	buf   []byte
	off   int64
	tag   any

	ret   int
	errno unix.Errno
	stat  unix.Stat_t

	cancelled atomic.Bool
	next      *request
}

type queue struct {
	head, tail *request
	n          int
}

func (q *queue) push(r *request) {
	r.next = nil
	if q.tail == nil {
		q.head = r
	} else {
		q.tail.next = r
	}
	q.tail = r
	q.n++
}

func (q *queue) pop() *request {
	r := q.head
	if r == nil {
		return nil
	}
	q.head = r.next
	if q.head == nil {
		q.tail = nil
	}
	r.next = nil
	q.n--
	return r
}

// splice moves all of o to the end of q.
func (q *queue) splice(o *queue) {
	if o.head == nil {
		return
	}
	if q.tail == nil {
		q.head = o.head
	} else {
		q.tail.next = o.head
	}
	q.tail = o.tail
	q.n += o.n
	*o = queue{}
}

// Options configures a Pool. Zero values are safe:
//   - Workers <= 0 => util.DefaultWorkers()
//   - nil Logger   => logrus.StandardLogger()
type Options struct {
	Workers int
	Logger  *logrus.Logger
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Workers   int
	Queued    int
	Ready     int
	Submitted uint64
	Completed uint64
	Cancelled uint64
	Overflows uint64
}

// Pool is an asynchronous disk I/O service.
type Pool struct {
	// shared with workers
	reqMu    sync.Mutex
	reqCond  *sync.Cond
	requests queue
	stopping bool

	doneMu sync.Mutex
	done   queue

	notify chan struct{}
	eg     *errgroup.Group

	// owner only
	overflow  queue
	ready     queue
	queueLen  int
	pending   map[Token]*request
	nextToken Token
	closed    bool
	workers   int
	log       *logrus.Entry

	submitted, completed, cancelled, overflows uint64

	congestFilter, congestLimit uint64
	highStart, lastWarn         time.Time
	queueHigh, queueLow         int
}

// New starts a pool of workers.
func New(opt Options) *Pool {
	if opt.Workers <= 0 {
		opt.Workers = util.DefaultWorkers()
	}
	if opt.Logger == nil {
		opt.Logger = logrus.StandardLogger()
	}
	p := &Pool{
		notify:       make(chan struct{}, 1),
		pending:      make(map[Token]*request),
		workers:      opt.Workers,
		log:          opt.Logger.WithField("component", "diskio"),
		congestLimit: 8192,
	}
	p.reqCond = sync.NewCond(&p.reqMu)
	p.eg = new(errgroup.Group)
	for i := 0; i < opt.Workers; i++ {
		p.eg.Go(p.worker)
	}
	p.log.WithField("workers", opt.Workers).Debug("disk I/O pool started")
	return p
}

// Notify fires (without blocking) whenever a worker completes a request.
// An event loop can select on it and then call Poll.
func (p *Pool) Notify() <-chan struct{} { return p.notify }

func (p *Pool) worker() error {
	for {
		p.reqMu.Lock()
		for p.requests.head == nil && !p.stopping {
			p.reqCond.Wait()
		}
		r := p.requests.pop()
		p.reqMu.Unlock()
		if r == nil {
			return nil
		}

		if r.cancelled.Load() {
			r.ret, r.errno = -1, unix.EINTR
		} else {
			execute(r)
		}

		p.doneMu.Lock()
		p.done.push(r)
		p.doneMu.Unlock()
		select {
		case p.notify <- struct{}{}:
		default:
		}
	}
}

func execute(r *request) {
	var err error
	r.ret = 0
	switch r.op {
	case OpOpen:
		r.ret, err = unix.Open(r.path, r.flags|unix.O_CLOEXEC, r.mode)
	case OpRead:
		r.ret, err = unix.Pread(r.fd, r.buf, r.off)
	case OpWrite:
		r.ret, err = unix.Pwrite(r.fd, r.buf, r.off)
	case OpClose:
		err = unix.Close(r.fd)
	case OpStat:
		err = unix.Stat(r.path, &r.stat)
	case OpUnlink:
		err = unix.Unlink(r.path)
	}
	if err != nil {
		r.ret = -1
		if errno, ok := err.(unix.Errno); ok {
			r.errno = errno
		} else {
			r.errno = unix.EIO
		}
	}
}

// SubmitOpen queues open(2).
func (p *Pool) SubmitOpen(path string, flags int, mode uint32, tag any) (Token, error) {
	return p.submit(&request{op: OpOpen, path: path, flags: flags, mode: mode, fd: -1, tag: tag})
}

// SubmitRead queues a positional read of len(buf) bytes into buf.
func (p *Pool) SubmitRead(fd int, buf []byte, off int64, tag any) (Token, error) {
	return p.submit(&request{op: OpRead, fd: fd, buf: buf, off: off, tag: tag})
}

// SubmitWrite queues a positional write of buf.
func (p *Pool) SubmitWrite(fd int, buf []byte, off int64, tag any) (Token, error) {
	return p.submit(&request{op: OpWrite, fd: fd, buf: buf, off: off, tag: tag})
}

// SubmitClose queues close(2).
func (p *Pool) SubmitClose(fd int, tag any) (Token, error) {
	return p.submit(&request{op: OpClose, fd: fd, tag: tag})
}

// SubmitStat queues stat(2).
func (p *Pool) SubmitStat(path string, tag any) (Token, error) {
	return p.submit(&request{op: OpStat, path: path, fd: -1, tag: tag})
}

// SubmitUnlink queues unlink(2).
func (p *Pool) SubmitUnlink(path string, tag any) (Token, error) {
	return p.submit(&request{op: OpUnlink, path: path, fd: -1, tag: tag})
}

func (p *Pool) submit(r *request) (Token, error) {
	if p.closed {
		return 0, ErrClosed.Here()
	}
	p.nextToken++
	r.token = p.nextToken
	r.ret, r.errno = -1, 0
	p.pending[r.token] = r
	p.queueLen++
	p.submitted++

	if p.reqMu.TryLock() {
		p.requests.splice(&p.overflow)
		p.requests.push(r)
		p.reqCond.Signal()
		p.reqMu.Unlock()
	} else {
		p.overflow.push(r)
		p.overflows++
	}

	if p.overflow.head != nil {
		p.congestFilter++
		if p.congestFilter >= p.congestLimit {
			p.congestLimit += p.congestFilter
			p.congestFilter = 0
			p.log.WithField("limit", p.congestLimit).Warn("queue congestion")
		}
	}
	p.checkOverload()
	return r.token, nil
}

func (p *Pool) checkOverload() {
	if p.queueLen <= p.workers*5 {
		p.highStart = time.Time{}
		return
	}
	now := time.Now()
	if p.highStart.IsZero() {
		p.highStart = now
		p.queueHigh, p.queueLow = p.queueLen, p.queueLen
	}
	if p.queueLen > p.queueHigh {
		p.queueHigh = p.queueLen
	}
	if p.queueLen < p.queueLow {
		p.queueLow = p.queueLen
	}
	if now.Sub(p.lastWarn) >= 15*time.Second && now.Sub(p.highStart) >= 5*time.Second {
		e := p.log
		if now.Sub(p.highStart) >= 15*time.Second {
			e = e.WithFields(logrus.Fields{
				"current":  p.queueLen,
				"high":     p.queueHigh,
				"low":      p.queueLow,
				"duration": now.Sub(p.highStart).Round(time.Second),
			})
		}
		e.Warn("disk I/O overloading")
		p.lastWarn = now
	}
	if p.queueLen > RidiculousLength {
		p.log.Error("request queue growing uncontrollably, syncing pending I/O")
		p.Sync()
	}
}

// Cancel marks a pending request cancelled. The worker still runs it if
// it has not started; its result is discarded and any fd it produced is
// closed. Cancel returns false for unknown or already polled tokens.
func (p *Pool) Cancel(t Token) bool {
	r, ok := p.pending[t]
	if !ok {
		return false
	}
	r.cancelled.Store(true)
	return true
}

func (p *Pool) pollQueues() {
	if p.overflow.head != nil && p.reqMu.TryLock() {
		p.requests.splice(&p.overflow)
		p.reqCond.Broadcast()
		p.reqMu.Unlock()
	}
	if p.doneMu.TryLock() {
		var got queue
		got.splice(&p.done)
		p.doneMu.Unlock()
		p.queueLen -= got.n
		p.ready.splice(&got)
	}
}

// Poll returns the next completed request that was not cancelled.
func (p *Pool) Poll() (Result, bool) {
	polled := false
	for {
		if p.ready.head == nil && !polled {
			p.pollQueues()
			polled = true
		}
		r := p.ready.pop()
		if r == nil {
			return Result{}, false
		}
		delete(p.pending, r.token)
		p.completed++
		cancelled := p.cleanup(r)
		if cancelled {
			p.cancelled++
			continue
		}
		res := Result{
			Token: r.token,
			Op:    r.op,
			Ret:   r.ret,
			Errno: r.errno,
			Buf:   r.buf,
			Stat:  r.stat,
			Tag:   r.tag,
		}
		if r.errno != 0 {
			res.Err = merry.Wrap(r.errno).WithValue("op", r.op.String()).WithValue("path", r.path)
		}
		return res, true
	}
}

// cleanup releases resources a cancelled request would otherwise leak.
func (p *Pool) cleanup(r *request) bool {
	if !r.cancelled.Load() {
		return false
	}
	switch r.op {
	case OpOpen:
		if r.ret >= 0 {
			_ = unix.Close(r.ret)
		}
	case OpClose:
		if r.ret < 0 && r.errno == unix.EINTR {
			_ = unix.Close(r.fd)
		}
	}
	p.log.WithFields(logrus.Fields{"op": r.op.String(), "token": r.token}).Trace("dropped cancelled request")
	return true
}

// Pending returns the number of submitted requests not yet handed out by
// Poll.
func (p *Pool) Pending() int { return p.queueLen + p.ready.n }

// Sync blocks until every submitted request has completed. Completed
// results stay available to Poll.
func (p *Pool) Sync() int {
	for {
		p.pollQueues()
		if p.queueLen <= 0 {
			return p.Pending()
		}
		select {
		case <-p.notify:
		case <-time.After(time.Millisecond):
		}
	}
}

// Stats returns pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Queued:    p.queueLen,
		Ready:     p.ready.n,
		Submitted: p.submitted,
		Completed: p.completed,
		Cancelled: p.cancelled,
		Overflows: p.overflows,
	}
}

// Close drains outstanding requests, stops the workers and discards
// completions nobody polled, closing fds from unpolled opens.
func (p *Pool) Close() error {
	if p.closed {
		return nil
	}
	p.Sync()
	p.closed = true

	p.reqMu.Lock()
	p.stopping = true
	p.reqCond.Broadcast()
	p.reqMu.Unlock()
	err := p.eg.Wait()

	for r := p.ready.pop(); r != nil; r = p.ready.pop() {
		r.cancelled.Store(true)
		p.cleanup(r)
		delete(p.pending, r.token)
	}
	return merry.Wrap(err)
}
