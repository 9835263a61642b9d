// Package swaplog reads and writes the per-directory swap log: a header
// followed by fixed-size little-endian records, one per entry ADD or DEL.
// The log is only ever replayed by the directory that wrote it.
package swaplog

import (
	"bufio"
	"fmt"
	"io"

	"github.com/NVIDIA/cstruct"
	"github.com/ansel1/merry"
)

// Op tags a record.
type Op uint8

const (
	OpNop Op = iota
	OpAdd
	OpDel
	OpVersion
	OpMax
)

func (o Op) String() string {
	switch o {
	case OpNop:
		return "NOP"
	case OpAdd:
		return "ADD"
	case OpDel:
		return "DEL"
	case OpVersion:
		return "VERSION"
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// Valid reports whether o may appear in an entry record.
func (o Op) Valid() bool { return o > OpNop && o < OpMax && o != OpVersion }

// Version is the current on-disk format version.
const Version = 1

var (
	ErrShortRecord = merry.New("swaplog: short record")
	ErrBadOp       = merry.New("swaplog: bad op")
	ErrBadHeader   = merry.New("swaplog: bad header")
)

// Record is one entry event. Signed quantities are stored as their two's
// complement bit pattern.
type Record struct {
	Op        uint8
	Dirn      uint16
	Filen     uint32
	Timestamp uint64
	LastRef   uint64
	Expires   uint64
	LastMod   uint64
	Size      uint64
	RefCount  uint16
	Flags     uint16
	Key       [16]byte
}

// Header opens every log.
type Header struct {
	Op         uint8
	Version    uint32
	RecordSize uint32
}

// RecordSize is the packed size of a Record.
var RecordSize uint64

var headerSize uint64

func init() {
	var err error
	if RecordSize, _, err = cstruct.Examine(Record{}); err != nil {
		panic(err)
	}
	if headerSize, _, err = cstruct.Examine(Header{}); err != nil {
		panic(err)
	}
}

func (r Record) String() string {
	return fmt.Sprintf("%s key=%X dirn=%d filen=%08X size=%d",
		Op(r.Op), r.Key, r.Dirn, r.Filen, r.Size)
}

// Writer appends records to a log.
type Writer struct {
	bw *bufio.Writer
	n  int
}

// NewWriter writes a header to w and returns a Writer appending after it.
func NewWriter(w io.Writer) (*Writer, error) {
	buf, err := cstruct.Pack(Header{Op: uint8(OpVersion), Version: Version, RecordSize: uint32(RecordSize)}, cstruct.LittleEndian)
	if err != nil {
		return nil, merry.Wrap(err)
	}
	bw := bufio.NewWriter(w)
	if _, err = bw.Write(buf); err != nil {
		return nil, merry.Wrap(err)
	}
	return &Writer{bw: bw}, nil
}

// NewAppender returns a Writer that continues a log whose header has
// already been written.
func NewAppender(w io.Writer) *Writer { return &Writer{bw: bufio.NewWriter(w)} }

// Write appends r. Only ADD and DEL records are accepted.
func (w *Writer) Write(r Record) error {
	if !Op(r.Op).Valid() {
		return ErrBadOp.Here().WithMessagef("swaplog: cannot log op %s", Op(r.Op))
	}
	buf, err := cstruct.Pack(r, cstruct.LittleEndian)
	if err != nil {
		return merry.Wrap(err)
	}
	if _, err = w.bw.Write(buf); err != nil {
		return merry.Wrap(err)
	}
	w.n++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() int { return w.n }

// Flush writes buffered records to the underlying writer.
func (w *Writer) Flush() error { return merry.Wrap(w.bw.Flush()) }

// Reader replays a log.
type Reader struct {
	br  *bufio.Reader
	buf []byte
}

// NewReader consumes and validates the header of r.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	hbuf := make([]byte, headerSize)
	if _, err := io.ReadFull(br, hbuf); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, ErrBadHeader.Here().WithCause(err)
	}
	var h Header
	if _, err := cstruct.Unpack(hbuf, &h, cstruct.LittleEndian); err != nil {
		return nil, ErrBadHeader.Here().WithCause(err)
	}
	if Op(h.Op) != OpVersion || h.Version != Version || uint64(h.RecordSize) != RecordSize {
		return nil, ErrBadHeader.Here().
			WithValue("version", h.Version).
			WithValue("recordSize", h.RecordSize)
	}
	return &Reader{br: br, buf: make([]byte, RecordSize)}, nil
}

// Next returns the next record, or io.EOF at a clean end of log. A
// truncated tail yields ErrShortRecord.
func (r *Reader) Next() (Record, error) {
	var rec Record
	n, err := io.ReadFull(r.br, r.buf)
	switch {
	case err == io.EOF:
		return rec, io.EOF
	case err == io.ErrUnexpectedEOF:
		return rec, ErrShortRecord.Here().WithValue("bytes", n)
	case err != nil:
		return rec, merry.Wrap(err)
	}
	if _, err = cstruct.Unpack(r.buf, &rec, cstruct.LittleEndian); err != nil {
		return rec, merry.Wrap(err)
	}
	if !Op(rec.Op).Valid() {
		return rec, ErrBadOp.Here().WithValue("op", rec.Op)
	}
	return rec, nil
}
