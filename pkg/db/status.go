package db

import (
	"sync"
	"sync/atomic"

	"realtime-bindings/pkg/reactor"
)

// ConnectionStatusSubscription follows the reactor's transport state. Unlike auth, it
// only notifies when the status value actually changes.
type ConnectionStatusSubscription struct {
	cell   cell[reactor.ConnectionStatus]
	closed atomic.Bool

	pushMu sync.Mutex
	mu     sync.Mutex
	unsub  func()
}

// UseConnectionStatus seeds from the reactor's current status and follows changes.
func (d *Database) UseConnectionStatus() *ConnectionStatusSubscription {
	s := &ConnectionStatusSubscription{}
	status := d.core.Status()
	if status == "" {
		status = reactor.StatusConnecting
	}
	s.cell.store(status)

	unsub := d.core.SubscribeConnectionStatus(func(next reactor.ConnectionStatus) {
		if s.closed.Load() {
			return
		}
		s.pushMu.Lock()
		if next == s.cell.load() {
			s.pushMu.Unlock()
			return
		}
		s.cell.store(next)
		s.pushMu.Unlock()
		s.cell.notify()
	})

	s.mu.Lock()
	s.unsub = onceUnsubscribe(unsub)
	s.mu.Unlock()
	return s
}

func (s *ConnectionStatusSubscription) State() reactor.ConnectionStatus {
	return s.cell.load()
}

// InitialState is always connecting, whatever the reactor knows.
func (s *ConnectionStatusSubscription) InitialState() reactor.ConnectionStatus {
	return reactor.StatusConnecting
}

func (s *ConnectionStatusSubscription) Watch(fn func()) func() {
	return s.cell.watch(fn)
}

func (s *ConnectionStatusSubscription) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.mu.Lock()
	unsub := s.unsub
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	s.cell.clearWatchers()
}
