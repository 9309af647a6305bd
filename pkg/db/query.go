package db

import (
	"sync"
	"sync/atomic"

	"realtime-bindings/pkg/reactor"
)

// LifecycleState is what a query subscriber observes. While IsLoading is true Data,
// PageInfo and Error are all nil; once loaded, Data and Error are never both set.
type LifecycleState struct {
	IsLoading bool
	Data      map[string]any
	PageInfo  map[string]any
	Error     error
}

var defaultQueryState = LifecycleState{IsLoading: true}

func stateForResult(result *reactor.Result) LifecycleState {
	if result == nil {
		return defaultQueryState
	}
	state := LifecycleState{
		Data:     result.Data,
		PageInfo: result.PageInfo,
		Error:    result.Error,
	}
	if state.Error != nil {
		state.Data = nil
		state.PageInfo = nil
	}
	return state
}

// QuerySubscription keeps a LifecycleState in sync with one reactor query. It is keyed by
// the query's structural hash, so Update with an equal query is free.
type QuerySubscription struct {
	core reactor.Reactor
	cell cell[LifecycleState]

	// gen identifies the live subscription; pushes tagged with an older value are dropped.
	gen    atomic.Uint64
	pushMu sync.Mutex

	mu     sync.Mutex
	query  reactor.Query
	hash   string
	unsub  func()
	closed bool
}

// UseQuery subscribes to q. A nil q subscribes to nothing and stays loading until Update
// supplies a query.
func (d *Database) UseQuery(q reactor.Query, opts *reactor.QueryOptions) *QuerySubscription {
	s := &QuerySubscription{core: d.core}
	query, hash := reactor.Key(q, opts)
	s.mu.Lock()
	s.hash = hash
	s.mu.Unlock()
	s.start(query, hash)
	return s
}

// Update re-renders the subscription with new arguments. Only a change of the structural
// hash tears down the old reactor subscription and opens a new one.
func (s *QuerySubscription) Update(q reactor.Query, opts *reactor.QueryOptions) {
	query, hash := reactor.Key(q, opts)

	s.mu.Lock()
	if s.closed || hash == s.hash {
		s.mu.Unlock()
		return
	}
	s.hash = hash
	s.releaseLocked()
	s.mu.Unlock()

	s.start(query, hash)
}

// start seeds the snapshot from the reactor's previous result, notifies watchers, then
// subscribes live. That order keeps warm data visible without a loading flash and ensures
// no live push can land before the seed.
func (s *QuerySubscription) start(query reactor.Query, hash string) {
	s.pushMu.Lock()
	gen := s.gen.Add(1)
	var seed *reactor.Result
	if query != nil {
		seed = s.core.GetPreviousResult(query)
	}
	s.cell.store(stateForResult(seed))
	s.pushMu.Unlock()

	s.cell.notify()

	if query == nil {
		s.mu.Lock()
		s.query = nil
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// A watcher may have called Update or Close while we were notifying.
	if s.closed || s.gen.Load() != gen || s.hash != hash {
		return
	}
	s.query = query
	s.unsub = onceUnsubscribe(s.core.SubscribeQuery(query, func(result *reactor.Result) {
		s.push(gen, result)
	}))
}

func (s *QuerySubscription) push(gen uint64, result *reactor.Result) {
	s.pushMu.Lock()
	if s.gen.Load() != gen {
		s.pushMu.Unlock()
		return
	}
	s.cell.store(stateForResult(result))
	s.pushMu.Unlock()

	s.cell.notify()
}

func (s *QuerySubscription) releaseLocked() {
	s.pushMu.Lock()
	s.gen.Add(1)
	s.pushMu.Unlock()

	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
}

// State returns the latest snapshot. It never blocks on the reactor.
func (s *QuerySubscription) State() LifecycleState {
	return s.cell.load()
}

// InitialState is the snapshot every subscription starts from before any reactor
// interaction, identical for all observers.
func (s *QuerySubscription) InitialState() LifecycleState {
	return defaultQueryState
}

// Query returns the canonical query currently subscribed, nil when inactive.
func (s *QuerySubscription) Query() reactor.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query
}

// Hash returns the subscription key of the current query.
func (s *QuerySubscription) Hash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hash
}

// Watch runs fn after every snapshot change. Call the returned func to stop watching.
func (s *QuerySubscription) Watch(fn func()) func() {
	return s.cell.watch(fn)
}

// Close releases the reactor subscription. Safe to call more than once.
func (s *QuerySubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.releaseLocked()
	s.cell.clearWatchers()
}
