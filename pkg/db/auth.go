package db

import (
	"fmt"
	"sync"
	"sync/atomic"

	"realtime-bindings/pkg/reactor"
)

// AuthState mirrors LifecycleState for the signed-in user.
type AuthState struct {
	IsLoading bool
	User      *reactor.User
	Error     error
}

var defaultAuthState = AuthState{IsLoading: true}

// SignedIn reports whether state positively shows a user. Loading and error states are
// never signed in.
func SignedIn(state AuthState) bool {
	return !state.IsLoading && state.Error == nil && state.User != nil
}

// SignedOut reports whether state positively shows nobody signed in. Loading and error
// states are never signed out either.
func SignedOut(state AuthState) bool {
	return !state.IsLoading && state.Error == nil && state.User == nil
}

// AuthSubscription follows the reactor's auth events. Every push notifies watchers, even
// when it carries the same user as before.
type AuthSubscription struct {
	cell   cell[AuthState]
	closed atomic.Bool

	mu    sync.Mutex
	unsub func()
}

// UseAuth subscribes to auth changes. The state is loading until the first push.
func (d *Database) UseAuth() *AuthSubscription {
	s := &AuthSubscription{}
	s.cell.store(defaultAuthState)

	unsub := d.core.SubscribeAuth(func(res reactor.AuthResult) {
		if s.closed.Load() {
			return
		}
		state := AuthState{User: res.User, Error: res.Error}
		if state.Error != nil {
			state.User = nil
		}
		s.cell.store(state)
		s.cell.notify()
	})

	s.mu.Lock()
	s.unsub = onceUnsubscribe(unsub)
	s.mu.Unlock()
	return s
}

func (s *AuthSubscription) State() AuthState {
	return s.cell.load()
}

// InitialState is the loading snapshot shared by every observer before the first push.
func (s *AuthSubscription) InitialState() AuthState {
	return defaultAuthState
}

func (s *AuthSubscription) Watch(fn func()) func() {
	return s.cell.watch(fn)
}

// SignedIn runs render with the user only when one is positively signed in.
func (s *AuthSubscription) SignedIn(render func(reactor.User)) bool {
	state := s.State()
	if !SignedIn(state) {
		return false
	}
	render(*state.User)
	return true
}

// SignedOut runs render only when nobody is positively signed in.
func (s *AuthSubscription) SignedOut(render func()) bool {
	if !SignedOut(s.State()) {
		return false
	}
	render()
	return true
}

func (s *AuthSubscription) Close() {
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

// UserSubscription is an AuthSubscription for scopes that are already known to be
// signed in.
type UserSubscription struct {
	*AuthSubscription
}

// UseUser subscribes to auth for a scope that requires a user.
func (d *Database) UseUser() *UserSubscription {
	return &UserSubscription{AuthSubscription: d.UseAuth()}
}

// User returns the signed-in user. It panics with ErrUnauthenticatedUse when there is
// none: reaching it while signed out is a bug in the caller.
func (s *UserSubscription) User() reactor.User {
	user, err := s.LookupUser()
	if err != nil {
		panic(err)
	}
	return user
}

// LookupUser is User without the panic.
func (s *UserSubscription) LookupUser() (reactor.User, error) {
	state := s.State()
	if state.User == nil {
		return reactor.User{}, fmt.Errorf("user (loading=%t): %w", state.IsLoading, ErrUnauthenticatedUse)
	}
	return *state.User, nil
}
