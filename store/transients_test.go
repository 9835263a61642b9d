package store

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTransientsTable(t *testing.T, capacity int) (*TransientsTable, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	return NewTransientsTable(TransientsOptions{Capacity: capacity, Logger: logger}), hook
}

func keyedEntry(key Key) *Entry {
	e := newEntry()
	e.key, e.hasKey = key, true
	return e
}

func notified(v *Transients) bool {
	select {
	case <-v.Notify():
		return true
	default:
		return false
	}
}

func TestTransientsCapacityRoundsUp(t *testing.T) {
	t.Parallel()
	tbl, _ := newTransientsTable(t, 5)
	assert.Len(t, tbl.slots, 8)

	tbl, _ = newTransientsTable(t, 0)
	assert.Len(t, tbl.slots, 16384)
}

func TestTransientsWriterAndReaders(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	tbl, _ := newTransientsTable(t, 16)
	wv, rv := tbl.Attach(), tbl.Attach()
	key := Key{1}

	assert.Nil(rv.Get(key), "nobody writes key yet")

	w := keyedEntry(key)
	require.True(t, wv.StartWriting(w, key))
	assert.True(wv.IsWriter(w))
	assert.True(wv.StartWriting(w, key), "writer restarting is a no-op")
	assert.Equal(1, tbl.Len())

	r := rv.Get(key)
	require.NotNil(t, r)
	assert.NotZero(r.Flags & FlagRequiresCollapsing)
	assert.Same(r, rv.Get(key), "one local entry per slot")
	assert.Same(r, rv.FindCollapsed(r.xit))
	assert.Equal(1, rv.Readers(r))
	assert.False(rv.IsWriter(r))

	assert.False(rv.StartWriting(keyedEntry(key), key), "at most one writer")

	wv.CompleteWriting(w)
	assert.False(wv.IsWriter(w))
	assert.Equal(2, wv.Readers(w))
	assert.True(notified(rv))
	assert.False(notified(wv), "the writer is not told about its own change")
	assert.Equal([]int{r.xit}, rv.Drain())
	assert.Empty(rv.Drain())

	idx := r.xit
	wv.Disconnect(w)
	rv.Disconnect(r)
	assert.Equal(-1, r.xit)
	assert.Nil(rv.FindCollapsed(idx))
	assert.Equal(0, tbl.Len())
}

func TestTransientsWriterDisconnectAborts(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	tbl, _ := newTransientsTable(t, 16)
	wv, rv := tbl.Attach(), tbl.Attach()
	key := Key{2}

	w := keyedEntry(key)
	require.True(t, wv.StartWriting(w, key))
	r := rv.Get(key)
	require.NotNil(t, r)

	wv.Disconnect(w)
	aborted, waiting := rv.Status(r)
	assert.True(aborted)
	assert.False(waiting)
	assert.Len(rv.Drain(), 1)
	assert.Equal(1, tbl.Len(), "the reader still holds the slot")

	rv.Disconnect(r)
	assert.Equal(0, tbl.Len())
}

func TestTransientsMarkedForDeletion(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	tbl, _ := newTransientsTable(t, 16)
	wv, rv := tbl.Attach(), tbl.Attach()
	key := Key{3}

	w := keyedEntry(key)
	require.True(t, wv.StartWriting(w, key))
	r := rv.Get(key)
	require.NotNil(t, r)

	rv.EvictIfFound(key)
	assert.True(wv.MarkedForDeletion(key))
	assert.True(notified(wv))
	_, waiting := wv.Status(w)
	assert.True(waiting)
	assert.Nil(tbl.Attach().Get(key), "marked slots are not found")

	// A new writer may take over a marked key.
	w2 := keyedEntry(key)
	require.True(t, rv.StartWriting(w2, key))
	assert.NotEqual(w.xit, w2.xit)
	assert.False(rv.MarkedForDeletion(key))
	assert.Equal(2, tbl.Len())

	wv.Disconnect(w)
	rv.Disconnect(r)
	assert.Equal(1, tbl.Len())
	assert.True(rv.IsWriter(w2), "freeing the old slot keeps the new one")
	assert.False(rv.MarkedForDeletion(key))
	rv.Disconnect(w2)
	assert.Equal(0, tbl.Len())
}

func TestTransientsMonitorWhileReading(t *testing.T) {
	t.Parallel()

	tbl, _ := newTransientsTable(t, 16)
	wv, rv := tbl.Attach(), tbl.Attach()
	key := Key{4}

	e := keyedEntry(key)
	rv.MonitorWhileReading(e, key)
	assert.False(t, e.hasTransients(), "no writer, nothing to monitor")

	w := keyedEntry(key)
	require.True(t, wv.StartWriting(w, key))
	rv.MonitorWhileReading(e, key)
	assert.True(t, e.hasTransients())
	assert.Equal(t, 1, rv.Readers(e))
}

func TestTransientsTableFull(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	tbl, hook := newTransientsTable(t, 1)
	v := tbl.Attach()

	require.True(t, v.StartWriting(keyedEntry(Key{1}), Key{1}))
	assert.False(v.StartWriting(keyedEntry(Key{2}), Key{2}))
	require.NotNil(t, hook.LastEntry())
	assert.Equal("transients table full", hook.LastEntry().Message)
}

func TestTransientsDetachStopsNotifications(t *testing.T) {
	t.Parallel()

	tbl, _ := newTransientsTable(t, 16)
	wv, rv := tbl.Attach(), tbl.Attach()
	rv.Detach()

	key := Key{5}
	w := keyedEntry(key)
	require.True(t, wv.StartWriting(w, key))
	wv.CompleteWriting(w)
	assert.False(t, notified(rv))
	assert.Empty(t, rv.Drain())

	var buf bytes.Buffer
	wv.Stat(&buf)
	assert.Equal(t, "Transients: 1/16 slots in use, 1 local\n", buf.String())
}
