package store

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ansel1/merry"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- test doubles ---

type fakeClock struct{ t int64 }

func (f *fakeClock) NowUnixNano() int64  { return f.t }
func (f *fakeClock) add(d time.Duration) { f.t += int64(d) }

type countingMetrics struct {
	hits, misses int
	evicts       map[EvictReason]int
	selected     []int
	sizes        int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{evicts: map[EvictReason]int{}}
}

func (m *countingMetrics) Hit()                 { m.hits++ }
func (m *countingMetrics) Miss()                { m.misses++ }
func (m *countingMetrics) Evict(r EvictReason)  { m.evicts[r]++ }
func (m *countingMetrics) Size(int, int64)      { m.sizes++ }
func (m *countingMetrics) DirSelected(dirn int) { m.selected = append(m.selected, dirn) }

var _ Metrics = (*countingMetrics)(nil)

func newController(t *testing.T, opt Options) (*Controller, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.TraceLevel)
	opt.Logger = logger
	if opt.Clock == nil {
		opt.Clock = &fakeClock{t: int64(1000 * time.Second)}
	}
	c, err := New(opt)
	require.NoError(t, err)
	require.NoError(t, c.Init())
	t.Cleanup(func() { _ = c.Close() })
	return c, hook
}

// publish stores body under key and leaves the entry idle.
func publish(t *testing.T, c *Controller, key Key, body string) *Entry {
	t.Helper()
	e := c.CreateEntry(0)
	require.NoError(t, c.MakePublic(e, key))
	require.NoError(t, c.Append(e, []byte(body)))
	c.Complete(e)
	c.Unlock(e)
	return e
}

func newSharedMem(t *testing.T) *MemStore {
	t.Helper()
	logger, _ := test.NewNullLogger()
	m, err := NewMemStore(MemStoreOptions{MaxSize: 1 << 20, Logger: logger})
	require.NoError(t, err)
	return m
}

func hasMessage(hook *test.Hook, msg string) bool {
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, msg) {
			return true
		}
	}
	return false
}

// --- tests ---

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	for _, opt := range []Options{
		{ObjectsPerBucket: -1},
		{AvgObjectSize: -5},
		{DirSelect: "random"},
		{MemPolicy: "fifo"},
	} {
		_, err := New(opt)
		assert.True(t, merry.Is(err, ErrBadConfig), "%+v: %v", opt, err)
	}
}

func TestHashTableSizedFromConfig(t *testing.T) {
	t.Parallel()

	// 256 MB / 13 KB / 20 is about 1008 buckets; the closest prime is 977.
	c, _ := newController(t, Options{})
	assert.Equal(t, 977, c.table.Size())
}

func TestFindOrder(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	mem := newSharedMem(t)
	dir := newFakeDir(0, 1<<20, 0, -1)
	dir.ownIndex = true
	m := newCountingMetrics()
	c, _ := newController(t, Options{Dirs: []SwapDir{dir}, MemCache: mem, Metrics: m})

	inMem, onDisk := PublicKey("GET", "http://a/mem"), PublicKey("GET", "http://a/disk")
	_, err := mem.GetOrLoad(context.Background(), inMem, func(context.Context) ([]byte, error) {
		return []byte("from memory"), nil
	})
	require.NoError(t, err)
	stored := dir.store(onDisk, 10)

	e := c.Find(inMem)
	require.NotNil(t, e)
	assert.Equal("from memory", string(e.Mem().Bytes()))
	assert.Equal(InMemory, e.MemStatus)
	assert.True(e.indexed())

	mem.EvictIfFound(inMem)
	assert.Same(e, c.Find(inMem), "local index is consulted before the memory cache")

	d := c.Find(onDisk)
	assert.Same(stored, d)
	assert.True(d.indexed())
	assert.Equal(1, dir.referenced)
	assert.EqualValues(1000, d.LastRef())

	assert.Nil(c.Find(PublicKey("GET", "http://a/none")))
	assert.Equal(3, m.hits)
	assert.Equal(1, m.misses)
	assert.Equal(2, c.Len())
}

func TestPrivateEntriesAreNotIndexed(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	c, _ := newController(t, Options{})
	a, b := c.CreateEntry(0), c.CreateEntry(0)
	assert.True(a.Private())
	ka, _ := a.Key()
	kb, _ := b.Key()
	assert.NotEqual(ka, kb)
	assert.Equal(0, c.Len())
	assert.Nil(c.Find(ka))

	c.Unlock(a)
	c.Unlock(b)
	assert.Equal(0, c.Len())
}

func TestIdlePrivateEntryIsDestroyed(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	m := newCountingMetrics()
	logger, _ := test.NewNullLogger()
	c, err := New(Options{Logger: logger, Metrics: m, Clock: &fakeClock{t: int64(1000 * time.Second)}})
	require.NoError(t, err)
	require.NoError(t, c.Init())

	e := c.CreateEntry(0)
	require.NoError(t, c.Append(e, []byte("uncacheable")))
	c.Complete(e)
	c.Unlock(e)

	assert.Equal(NotInMemory, e.MemStatus)
	assert.Nil(e.Mem())
	assert.Zero(c.MemSize())
	assert.Equal(0, c.memRepl.Count())
	assert.Equal(1, m.evicts[EvictRelease])
	assert.NotPanics(func() { require.NoError(t, c.Close()) })
}

func TestIdleEntryKeptInLocalMemory(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	c, _ := newController(t, Options{})
	key := PublicKey("GET", "http://a/")
	e := publish(t, c, key, "hello")

	assert.Equal(InMemory, e.MemStatus)
	assert.EqualValues(5, c.MemSize())
	assert.Same(e, c.Find(key))

	var buf bytes.Buffer
	c.Stat(&buf)
	assert.Contains(buf.String(), "Hot Object Cache Items : 1")
}

func TestIdleEntryTooLargeForMemoryIsForgotten(t *testing.T) {
	t.Parallel()

	c, _ := newController(t, Options{MaxInMemObjSize: 4})
	key := PublicKey("GET", "http://a/")
	publish(t, c, key, "hello")

	assert.Equal(t, 0, c.Len())
	assert.Nil(t, c.Find(key))
	assert.EqualValues(t, 0, c.MemSize())
}

func TestIdleEntryKeepsDiskCopy(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	dir := newFakeDir(0, 1<<20, 0, -1)
	c, _ := newController(t, Options{Dirs: []SwapDir{dir}, MaxInMemObjSize: 2})
	key := PublicKey("GET", "http://a/")
	e := publish(t, c, key, "hello")

	assert.Equal([]string{"ADD 00000000"}, dir.logged)
	assert.Equal(SwapDone, e.SwapStatus)
	assert.Nil(e.Mem(), "body dropped from memory")
	assert.Same(e, c.Find(key), "dir without its own index keeps the entry in the table")
}

func TestIdleEntryOfSelfIndexingDirIsUnindexed(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	dir := newFakeDir(0, 1<<20, 0, -1)
	dir.ownIndex = true
	c, _ := newController(t, Options{Dirs: []SwapDir{dir}, MaxInMemObjSize: 2})
	key := PublicKey("GET", "http://a/")
	e := publish(t, c, key, "hello")

	assert.Equal(0, c.Len())
	assert.Same(e, c.Find(key), "found again through the dir")
	assert.Equal(1, c.Len())
}

func TestDereferenceIsIdempotent(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	dir := newFakeDir(0, 1<<20, 0, -1)
	dir.ownIndex = true
	c, _ := newController(t, Options{Dirs: []SwapDir{dir}})
	e := dir.store(Key{7}, 10)
	e.ensureMem()

	first := c.Dereference(e, false)
	assert.False(first)
	assert.Equal(first, c.Dereference(e, false))
	assert.True(c.Dereference(e, true))
	assert.True(c.Dereference(e, true))

	e.Flags |= FlagSpecial
	assert.True(c.Dereference(e, false))
}

func TestReleaseOfLockedEntryWaitsForLastUnlock(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	m := newCountingMetrics()
	c, _ := newController(t, Options{Metrics: m})
	key := PublicKey("GET", "http://a/")
	e := c.CreateEntry(0)
	require.NoError(t, c.MakePublic(e, key))
	c.Lock(e)

	c.Release(e)
	assert.True(e.Private())
	assert.NotZero(e.Flags & FlagReleaseRequest)
	assert.Nil(c.Find(key))
	assert.Equal(0, m.evicts[EvictRelease])

	assert.Equal(1, c.Unlock(e))
	assert.Equal(0, c.Unlock(e))
	assert.Equal(1, m.evicts[EvictRelease])
	assert.Equal(0, c.Len())
	assert.Panics(func() { c.Unlock(e) })
}

func TestMakePublicReleasesPrevious(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	c, _ := newController(t, Options{})
	key := PublicKey("GET", "http://a/")
	old := publish(t, c, key, "old")

	e := c.CreateEntry(0)
	require.NoError(t, c.MakePublic(e, key))
	assert.True(old.Private())
	assert.Same(e, c.Find(key))
	assert.Equal(1, c.Len())

	c.Release(e)
	assert.True(merry.Is(c.MakePublic(e, key), ErrNotPublic))
}

func TestEvictIfFoundReachesDisks(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	dir := newFakeDir(0, 1<<20, 0, -1)
	dir.ownIndex = true
	c, _ := newController(t, Options{Dirs: []SwapDir{dir}})
	key := PublicKey("GET", "http://a/")
	dir.store(key, 10)

	c.EvictIfFound(key)
	assert.Equal([]string{"DEL 00000000"}, dir.logged)
	assert.Empty(dir.entries)
	assert.Nil(c.Find(key))
	assert.EqualValues(0, dir.CurrentSize())
}

func TestSwapOutReportsSelection(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	dir := newFakeDir(0, 1<<20, 0, 4)
	m := newCountingMetrics()
	c, _ := newController(t, Options{Dirs: []SwapDir{dir}, Metrics: m})

	publish(t, c, PublicKey("GET", "http://a/small"), "abc")
	big := publish(t, c, PublicKey("GET", "http://a/big"), "abcdef")
	assert.Equal([]int{0, -1}, m.selected)
	assert.Equal(SwapNone, big.SwapStatus)

	priv := c.CreateEntry(0)
	assert.True(merry.Is(c.SwapOut(priv), ErrNotPublic))
}

func TestAnchorFailureReleasesEntry(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	xit := NewTransientsTable(TransientsOptions{Capacity: 8})
	dir := newFakeDir(0, 1<<20, 0, -1)
	dir.anchorFound = true
	reader, hook := newController(t, Options{Dirs: []SwapDir{dir}, Transients: xit})
	writer, _ := newController(t, Options{Transients: xit})

	key := PublicKey("GET", "http://a/")
	w := writer.CreateEntry(0)
	require.NoError(t, writer.MakePublic(w, key))

	assert.Nil(reader.Find(key))
	assert.Equal(0, reader.Len())
	assert.True(hasMessage(hook, "cannot share entry"))
	assert.True(reader.MarkedForDeletion(key))
	assert.Equal(0, writer.Transients().Readers(w))
}

// collapsedPair returns two controllers sharing a memory cache and a
// transients table, and an entry the first one writes under key.
func collapsedPair(t *testing.T, key Key) (writer, reader *Controller, w *Entry) {
	t.Helper()
	mem := newSharedMem(t)
	xit := NewTransientsTable(TransientsOptions{Capacity: 8})
	writer, _ = newController(t, Options{MemCache: mem, Transients: xit})
	reader, _ = newController(t, Options{MemCache: mem, Transients: xit})
	w = writer.CreateEntry(0)
	require.NoError(t, writer.MakePublic(w, key))
	return writer, reader, w
}

func TestSyncCollapsedDeliversBody(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	require := require.New(t)

	key := PublicKey("GET", "http://a/")
	writer, reader, w := collapsedPair(t, key)

	r := reader.Find(key)
	require.NotNil(r)
	assert.NotZero(r.Flags & FlagRequiresCollapsing)
	reader.Lock(r)
	updated := 0
	r.OnUpdate(func(*Entry) { updated++ })

	require.NoError(writer.Append(w, []byte("shared body")))
	writer.Complete(w)

	select {
	case <-reader.Transients().Notify():
	default:
		t.Fatal("reader was not notified")
	}
	assert.Equal(1, reader.SyncPending())
	assert.Equal(1, updated)
	assert.Equal("shared body", string(r.Mem().Bytes()))
	assert.Equal(StoreOK, r.StoreStatus)

	writer.Unlock(w)
	reader.Unlock(r)
	assert.Equal(0, writer.Transients().t.Len())
}

func TestSyncCollapsedWriterAbort(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	key := PublicKey("GET", "http://a/")
	writer, reader, w := collapsedPair(t, key)
	r := reader.Find(key)
	require.NotNil(t, r)
	reader.Lock(r)
	updated := 0
	r.OnUpdate(func(*Entry) { updated++ })

	writer.Abort(w)
	assert.Equal(1, reader.SyncPending())
	assert.True(r.Aborted())
	assert.True(r.Private())
	assert.Equal(1, updated)
	assert.Nil(reader.Find(key))

	writer.Unlock(w)
	reader.Unlock(r)
	assert.Equal(0, writer.Transients().t.Len())
}

func TestSyncCollapsedIdleEntryIsDropped(t *testing.T) {
	t.Parallel()

	key := PublicKey("GET", "http://a/")
	writer, reader, w := collapsedPair(t, key)
	require.NotNil(t, reader.Find(key))
	assert.Equal(t, 1, reader.Len())

	writer.Complete(w)
	reader.SyncPending()
	assert.Equal(t, 0, reader.Len())
	assert.Empty(t, reader.Transients().locals)
}

func TestUpdateLimits(t *testing.T) {
	t.Parallel()

	c, _ := newController(t, Options{})
	assert.EqualValues(t, 512<<10, c.MaxObjectSize())

	c2, _ := newController(t, Options{Dirs: []SwapDir{newFakeDir(0, 1<<30, 0, -1)}})
	assert.EqualValues(t, 1<<30, c2.MaxObjectSize())
}

func TestMaintainPurgesLocalMemory(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	m := newCountingMetrics()
	c, _ := newController(t, Options{Metrics: m, MemMaxSize: 1000})
	k1, k2 := PublicKey("GET", "http://a/1"), PublicKey("GET", "http://a/2")
	publish(t, c, k1, "aaaa")
	publish(t, c, k2, "bbbb")
	assert.EqualValues(8, c.MemSize())

	c.opt.MemMaxSize = 4
	c.Maintain()
	assert.EqualValues(4, c.MemSize())
	assert.Nil(c.Find(k1), "least recently used goes first")
	assert.NotNil(c.Find(k2))
	assert.Equal(1, m.evicts[EvictMemory])
	assert.Equal(1, m.sizes)
}

func TestSpecialEntriesStayInMemory(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	dir := newFakeDir(0, 1<<20, 0, -1)
	c, _ := newController(t, Options{Dirs: []SwapDir{dir}})
	key := PublicKey("GET", "internal://icon")
	e := c.CreateEntry(FlagSpecial)
	require.NoError(t, c.MakePublic(e, key))
	require.NoError(t, c.Append(e, []byte("gif")))
	c.Complete(e)
	c.Unlock(e)

	assert.Empty(dir.logged, "special entries are never swapped out")
	assert.Equal(InMemory, e.MemStatus)

	c.opt.MemMaxSize = 1
	c.Maintain()
	assert.Same(e, c.Find(key))
}

func TestMaintainWarnsOverLimitEveryTenSeconds(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	clk := &fakeClock{t: int64(1000 * time.Second)}
	dir := newFakeDir(0, 10, 0, -1)
	dir.store(Key{1}, 100)
	c, hook := newController(t, Options{Dirs: []SwapDir{dir}, Clock: clk})

	count := func() int {
		n := 0
		for _, e := range hook.AllEntries() {
			if e.Message == "Disk space over limit" {
				n++
			}
		}
		return n
	}
	c.Maintain()
	c.Maintain()
	assert.Equal(1, count())
	clk.add(11 * time.Second)
	c.Maintain()
	assert.Equal(2, count())
}

func TestStatReport(t *testing.T) {
	t.Parallel()

	dir := newFakeDir(0, 1<<20, 0, -1)
	c, _ := newController(t, Options{Dirs: []SwapDir{dir}})
	publish(t, c, PublicKey("GET", "http://a/"), "hello")

	var buf bytes.Buffer
	c.Stat(&buf)
	out := buf.String()
	for _, want := range []string{
		"Store Directory Statistics:",
		"Store Entries          : 1",
		"Maximum Swap Size      : 1024 KB",
		"Current Capacity       : 0.00% used, 100.00% free",
		"Store Directory #0 (fake): /d0",
	} {
		assert.Contains(t, out, want)
	}
}

func TestClosedController(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	c, _ := newController(t, Options{})
	key := PublicKey("GET", "http://a/")
	publish(t, c, key, "x")
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.Nil(c.Find(key))
	assert.True(merry.Is(c.MakePublic(c.CreateEntry(0), key), ErrClosed))
	assert.EqualValues(0, c.MemSize())
}
