// Package singleflight collapses concurrent loads of the same key into
// one call.
package singleflight

import (
	"context"
	"sync"
)

// Group runs at most one fn per key at a time. Callers arriving while a
// call is in flight wait for its result. A waiter whose ctx ends returns
// ctx.Err(); the running fn is not interrupted.
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]
}

type call[V any] struct {
	done    chan struct{}
	waiters int
	val     V
	err     error
}

// Do runs fn for key unless a call for key is already running, in which
// case it waits for that call's result.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) (V, error) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call[V])
	}
	if c := g.calls[key]; c != nil {
		c.waiters++
		g.mu.Unlock()
		return c.wait(ctx)
	}
	c := &call[V]{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	g.run(key, c, fn)
	return c.val, c.err
}

// Waiting reports how many callers are blocked on the call for key.
func (g *Group[K, V]) Waiting(key K) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c := g.calls[key]; c != nil {
		return c.waiters
	}
	return 0
}

func (g *Group[K, V]) run(key K, c *call[V], fn func() (V, error)) {
	// Release waiters even if fn panics.
	defer func() {
		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
		close(c.done)
	}()
	c.val, c.err = fn()
}

func (c *call[V]) wait(ctx context.Context) (V, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}
