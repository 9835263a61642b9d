package swaplog

import (
	"bytes"
	"io"
	"testing"

	"github.com/ansel1/merry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayInOrder(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(err)

	lastRef := int64(-1)
	recs := []Record{
		{Op: uint8(OpAdd), Dirn: 2, Filen: 0x1A, Size: 4096, LastRef: uint64(lastRef), Key: [16]byte{1}},
		{Op: uint8(OpAdd), Dirn: 2, Filen: 0x1B, Size: 10, RefCount: 3, Flags: 0x40, Key: [16]byte{2}},
		{Op: uint8(OpDel), Dirn: 2, Filen: 0x1A, Key: [16]byte{1}},
	}
	for _, r := range recs {
		require.NoError(w.Write(r))
	}
	require.NoError(w.Flush())
	assert.Equal(3, w.Count())
	assert.Equal(int(headerSize+3*RecordSize), buf.Len())

	rd, err := NewReader(&buf)
	require.NoError(err)
	for _, want := range recs {
		got, err := rd.Next()
		require.NoError(err)
		assert.Equal(want, got)
	}
	_, err = rd.Next()
	assert.Equal(io.EOF, err)

	// signed fields survive the round trip through their bit pattern
	assert.Equal(lastRef, int64(recs[0].LastRef))
}

func TestAppenderContinuesLog(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(err)
	require.NoError(w.Write(Record{Op: uint8(OpAdd), Filen: 1}))
	require.NoError(w.Flush())

	a := NewAppender(&buf)
	require.NoError(a.Write(Record{Op: uint8(OpDel), Filen: 1}))
	require.NoError(a.Flush())

	rd, err := NewReader(&buf)
	require.NoError(err)
	r, err := rd.Next()
	require.NoError(err)
	require.Equal(OpAdd, Op(r.Op))
	r, err = rd.Next()
	require.NoError(err)
	require.Equal(OpDel, Op(r.Op))
	_, err = rd.Next()
	require.Equal(io.EOF, err)
}

func TestTruncatedTail(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(err)
	require.NoError(w.Write(Record{Op: uint8(OpAdd), Filen: 1}))
	require.NoError(w.Flush())
	buf.Truncate(buf.Len() - 3)

	rd, err := NewReader(&buf)
	require.NoError(err)
	_, err = rd.Next()
	require.True(merry.Is(err, ErrShortRecord), "got %v", err)
}

func TestWriteRejectsBadOps(t *testing.T) {
	assert := assert.New(t)

	w, err := NewWriter(io.Discard)
	assert.NoError(err)
	for _, op := range []Op{OpNop, OpVersion, OpMax, 17} {
		err := w.Write(Record{Op: uint8(op)})
		assert.True(merry.Is(err, ErrBadOp), "op %s accepted", op)
	}
	assert.Equal(0, w.Count())
}

func TestHeaderValidation(t *testing.T) {
	assert := assert.New(t)

	_, err := NewReader(bytes.NewReader(nil))
	assert.Equal(io.EOF, err)

	_, err = NewReader(bytes.NewReader([]byte{9, 9}))
	assert.True(merry.Is(err, ErrBadHeader))

	junk := make([]byte, headerSize)
	junk[0] = uint8(OpAdd)
	_, err = NewReader(bytes.NewReader(junk))
	assert.True(merry.Is(err, ErrBadHeader))
}

func TestRecordStringShowsHexFilen(t *testing.T) {
	r := Record{Op: uint8(OpDel), Filen: 0xBEEF}
	assert.Contains(t, r.String(), "filen=0000BEEF")
	assert.Contains(t, r.String(), "DEL")
}
