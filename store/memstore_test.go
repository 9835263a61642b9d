package store

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newMemStore(t *testing.T, opt MemStoreOptions) *MemStore {
	t.Helper()
	logger, _ := test.NewNullLogger()
	opt.Logger = logger
	if opt.Clock == nil {
		opt.Clock = &fakeClock{t: 1}
	}
	m, err := NewMemStore(opt)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func completeEntry(key Key, body string) *Entry {
	e := newEntry()
	e.key, e.hasKey = key, true
	e.SetBody([]byte(body))
	e.StoreStatus = StoreOK
	return e
}

func TestMemStoreRejectsUnknownPolicy(t *testing.T) {
	t.Parallel()
	_, err := NewMemStore(MemStoreOptions{Policy: "random"})
	assert.Error(t, err)
}

func TestMemStoreWriteAndGet(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	m := newMemStore(t, MemStoreOptions{MaxSize: 1 << 10})
	key := PublicKey("GET", "http://a/")
	src := completeEntry(key, "hello")
	src.SetTimestamps(10, 20, 5)
	require.True(t, m.Write(src))
	assert.True(src.inMemory)

	e := m.Get(key)
	require.NotNil(t, e)
	assert.NotSame(src, e)
	assert.Equal([]byte("hello"), e.Mem().Bytes())
	assert.Equal(InMemory, e.MemStatus)
	assert.Equal(StoreOK, e.StoreStatus)
	assert.EqualValues(10, e.Timestamp())
	assert.EqualValues(20, e.Expires())
	assert.Equal(1, m.Len())
	assert.EqualValues(5, m.Size())

	assert.Nil(m.Get(PublicKey("GET", "http://b/")))
}

func TestMemStoreWriteRejects(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	m := newMemStore(t, MemStoreOptions{MaxSize: 1 << 10, MaxObjectSize: 4})

	assert.False(m.Write(completeEntry(Key{1}, "12345")), "too large")

	pending := completeEntry(Key{2}, "ab")
	pending.StoreStatus = StorePending
	assert.False(m.Write(pending), "pending")

	priv := completeEntry(Key{3}, "ab")
	priv.Flags |= FlagPrivate
	assert.False(m.Write(priv), "private")

	assert.Equal(0, m.Len())
}

func TestMemStorePurgesLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	m := newMemStore(t, MemStoreOptions{MaxSize: 10})
	require.True(t, m.Write(completeEntry(Key{1}, "aaaa")))
	require.True(t, m.Write(completeEntry(Key{2}, "bbbb")))
	require.NotNil(t, m.Get(Key{1}))
	require.True(t, m.Write(completeEntry(Key{3}, "cccc")))

	assert.NotNil(m.Get(Key{1}))
	assert.Nil(m.Get(Key{2}))
	assert.NotNil(m.Get(Key{3}))
	assert.EqualValues(8, m.Size())
}

func TestMemStoreRewriteReplacesSlot(t *testing.T) {
	t.Parallel()

	m := newMemStore(t, MemStoreOptions{MaxSize: 1 << 10})
	require.True(t, m.Write(completeEntry(Key{1}, "old")))
	require.True(t, m.Write(completeEntry(Key{1}, "newer")))

	assert.Equal(t, 1, m.Len())
	assert.EqualValues(t, 5, m.Size())
	assert.Equal(t, []byte("newer"), m.Get(Key{1}).Mem().Bytes())
}

func TestMemStoreAnchorChecksLength(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	m := newMemStore(t, MemStoreOptions{MaxSize: 1 << 10})
	require.True(t, m.Write(completeEntry(Key{1}, "abcd")))

	e := newEntry()
	e.key, e.hasKey = Key{1}, true
	e.ensureMem().SetExpectedSize(10)
	found, inSync := m.AnchorToCache(e)
	assert.True(found)
	assert.False(inSync)

	e.mem.SetExpectedSize(4)
	found, inSync = m.AnchorToCache(e)
	assert.True(found)
	assert.True(inSync)
	assert.Equal([]byte("abcd"), e.Mem().Bytes())
	assert.True(e.inMemory)

	found, _ = m.AnchorToCache(newEntry())
	assert.False(found, "keyless entry")
}

func TestMemStoreEvict(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	m := newMemStore(t, MemStoreOptions{MaxSize: 1 << 10})
	e := completeEntry(Key{1}, "abcd")
	require.True(t, m.Write(e))
	require.True(t, m.Write(completeEntry(Key{2}, "ef")))

	m.EvictCached(e)
	assert.False(e.inMemory)
	m.EvictIfFound(Key{2})
	m.EvictIfFound(Key{3})
	assert.Equal(0, m.Len())
	assert.EqualValues(0, m.Size())
	assert.False(m.UpdateAnchored(e))
}

func TestMemStoreGetOrLoad(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	m := newMemStore(t, MemStoreOptions{MaxSize: 1 << 10})
	var loads atomic.Int32
	load := func(context.Context) ([]byte, error) {
		loads.Add(1)
		return []byte("body"), nil
	}

	ctx := context.Background()
	b, err := m.GetOrLoad(ctx, Key{1}, load)
	require.NoError(t, err)
	assert.Equal([]byte("body"), b)
	b, err = m.GetOrLoad(ctx, Key{1}, load)
	require.NoError(t, err)
	assert.Equal([]byte("body"), b)
	assert.EqualValues(1, loads.Load())

	boom := errors.New("boom")
	_, err = m.GetOrLoad(ctx, Key{2}, func(context.Context) ([]byte, error) { return nil, boom })
	assert.ErrorIs(err, boom)
	assert.Nil(m.Get(Key{2}), "failed loads are not cached")
}

func TestMemStoreGetOrLoadConcurrent(t *testing.T) {
	t.Parallel()

	m := newMemStore(t, MemStoreOptions{MaxSize: 1 << 10})
	var loads atomic.Int32
	load := func(context.Context) ([]byte, error) {
		loads.Add(1)
		return []byte("shared"), nil
	}

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			b, err := m.GetOrLoad(ctx, Key{9}, load)
			if err != nil {
				return err
			}
			if !bytes.Equal(b, []byte("shared")) {
				return errors.New("unexpected body")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.GreaterOrEqual(t, loads.Load(), int32(1))
	assert.Equal(t, 1, m.Len())
}

func TestMemStoreStat(t *testing.T) {
	t.Parallel()

	m := newMemStore(t, MemStoreOptions{MaxSize: 1 << 20})
	require.True(t, m.Write(completeEntry(Key{1}, "abcd")))
	m.Get(Key{1})
	m.Get(Key{2})

	var buf bytes.Buffer
	m.Stat(&buf)
	out := buf.String()
	assert.Contains(t, out, "Shared Memory Cache")
	assert.Contains(t, out, "Maximum Size: 1024 KB")
	assert.Contains(t, out, "Hits: 1, Misses: 1")
	assert.Contains(t, out, "LRU entries: 1")
}
