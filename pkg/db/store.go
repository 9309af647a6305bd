package db

import (
	"sync"
	"sync/atomic"
)

// cell holds the latest snapshot of an externally pushed value. Each push replaces the
// whole snapshot, so readers never observe a partial update.
type cell[T any] struct {
	current atomic.Pointer[T]

	mu       sync.Mutex
	watchers map[uint64]func()
	nextID   uint64
}

func (c *cell[T]) load() T {
	if p := c.current.Load(); p != nil {
		return *p
	}
	var zero T
	return zero
}

func (c *cell[T]) store(v T) {
	c.current.Store(&v)
}

// watch registers fn to run after every notify. The returned func removes it and may be
// called any number of times.
func (c *cell[T]) watch(fn func()) func() {
	c.mu.Lock()
	if c.watchers == nil {
		c.watchers = make(map[uint64]func())
	}
	id := c.nextID
	c.nextID++
	c.watchers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
		})
	}
}

// notify runs every watcher on the calling goroutine, outside the watcher lock.
func (c *cell[T]) notify() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (c *cell[T]) clearWatchers() {
	c.mu.Lock()
	c.watchers = nil
	c.mu.Unlock()
}

// onceUnsubscribe guards a reactor unsubscribe so it runs at most once.
func onceUnsubscribe(unsub func()) func() {
	if unsub == nil {
		return func() {}
	}
	var once sync.Once
	return func() { once.Do(unsub) }
}
