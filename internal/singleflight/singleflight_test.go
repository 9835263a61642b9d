package singleflight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_Single(t *testing.T) {
	t.Parallel()
	var g Group[string, int]

	v, err := g.Do(context.Background(), "a", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	boom := errors.New("boom")
	_, err = g.Do(context.Background(), "a", func() (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
}

func TestDo_CollapsesConcurrentCalls(t *testing.T) {
	t.Parallel()
	var (
		g     Group[string, int]
		calls atomic.Int32
		wg    sync.WaitGroup
	)
	release := make(chan struct{})
	started := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		v, err := g.Do(context.Background(), "k", func() (int, error) {
			calls.Add(1)
			close(started)
			<-release
			return 42, nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 42, v)
	}()
	<-started

	const followers = 8
	for i := 0; i < followers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := g.Do(context.Background(), "k", func() (int, error) {
				calls.Add(1)
				return -1, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, 42, v)
		}()
	}
	require.Eventually(t, func() bool { return g.Waiting("k") == followers }, time.Second, time.Millisecond)

	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, g.Waiting("k"))
}

func TestDo_WaiterContextCancelled(t *testing.T) {
	t.Parallel()
	var g Group[int, string]
	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		v, _ := g.Do(context.Background(), 1, func() (string, error) {
			close(started)
			<-release
			return "leader", nil
		})
		assert.Equal(t, "leader", v)
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Do(ctx, 1, func() (string, error) { return "unused", nil })
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	<-done
}

func TestDo_PanicReleasesKey(t *testing.T) {
	t.Parallel()
	var g Group[string, int]

	assert.Panics(t, func() {
		_, _ = g.Do(context.Background(), "p", func() (int, error) { panic("load failed") })
	})
	v, err := g.Do(context.Background(), "p", func() (int, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}
