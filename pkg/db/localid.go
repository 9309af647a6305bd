package db

import (
	"context"
	"sync"
)

// LocalIDHandle resolves a local id once per name and then holds it.
type LocalIDHandle struct {
	d    *Database
	cell cell[string]

	mu     sync.Mutex
	name   string
	cancel context.CancelFunc
	closed bool
}

// UseLocalID starts resolving the local id stored under name. Value reports false until
// the resolution completes.
func (d *Database) UseLocalID(name string) *LocalIDHandle {
	h := &LocalIDHandle{d: d}
	h.mu.Lock()
	h.resolveLocked(name)
	h.mu.Unlock()
	return h
}

// Update switches to another name. The same name never triggers a second resolution.
func (h *LocalIDHandle) Update(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || name == h.name {
		return
	}
	h.resolveLocked(name)
}

func (h *LocalIDHandle) resolveLocked(name string) {
	if h.cancel != nil {
		h.cancel()
	}
	h.name = name
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go func() {
		id, err := h.d.GetLocalID(ctx, name)
		if err != nil {
			if ctx.Err() == nil {
				h.d.logger.Warn(module, "Local id resolution failed", map[string]interface{}{"name": name, "error": err})
			}
			return
		}
		h.mu.Lock()
		// Dropped if the handle moved to another name or closed meanwhile.
		if ctx.Err() != nil {
			h.mu.Unlock()
			return
		}
		h.cell.store(id)
		h.mu.Unlock()
		h.cell.notify()
	}()
}

// Value returns the resolved id, or false while it is still unknown.
func (h *LocalIDHandle) Value() (string, bool) {
	p := h.cell.current.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

func (h *LocalIDHandle) Watch(fn func()) func() {
	return h.cell.watch(fn)
}

func (h *LocalIDHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if h.cancel != nil {
		h.cancel()
	}
	h.cell.clearWatchers()
}
