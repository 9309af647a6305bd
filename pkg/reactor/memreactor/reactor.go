// Package memreactor is an in-process, local-first reactor. It keeps entities in memory,
// answers queries against them, and shares room presence and topics with other sessions
// over a bus.
package memreactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"realtime-bindings/internal/pkg/logger"
	"realtime-bindings/pkg/reactor"
	"realtime-bindings/pkg/reactor/bus"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

const module = "Reactor"

var (
	ErrClosed    = errors.New("memreactor: reactor closed")
	ErrNotJoined = errors.New("memreactor: room not joined")
)

// DefaultResultTTL is how long a query result stays available to GetPreviousResult after
// its last refresh.
const DefaultResultTTL = 5 * time.Minute

type Options struct {
	AppID string
	// Bus shares rooms with other sessions. Nil creates a private in-process bus.
	Bus bus.Bus
	// LocalIDs stores GetLocalID ids. Nil keeps them in memory.
	LocalIDs  LocalIDStore
	Logger    logger.ILogger
	ResultTTL time.Duration
}

type querySub struct {
	query     reactor.Query
	listeners map[int]func(*reactor.Result)
	last      string
}

// Reactor implements reactor.Reactor. Every callback runs on one dispatcher goroutine in
// the order the reactor produced it.
type Reactor struct {
	appID     string
	sessionID string
	logger    logger.ILogger
	validate  *validator.Validate
	bus       bus.Bus
	ownsBus   bool
	localIDs  LocalIDStore
	previous  *cache.Cache
	flights   singleflight.Group

	dispatch *dispatcher
	outbox   *dispatcher

	mu         sync.Mutex
	nextID     int
	store      *store
	queries    map[string]*querySub
	authSubs   map[int]func(reactor.AuthResult)
	statusSubs map[int]func(reactor.ConnectionStatus)
	status     reactor.ConnectionStatus
	user       *reactor.User
	authKnown  bool
	rooms      map[string]*room
	cancel     context.CancelFunc
	closed     bool
}

var _ reactor.Reactor = (*Reactor)(nil)

func New(opts Options) *Reactor {
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	ttl := opts.ResultTTL
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	r := &Reactor{
		appID:      opts.AppID,
		sessionID:  uuid.NewString(),
		logger:     log,
		validate:   validator.New(),
		bus:        opts.Bus,
		localIDs:   opts.LocalIDs,
		previous:   cache.New(ttl, 2*ttl),
		dispatch:   newDispatcher(),
		outbox:     newDispatcher(),
		store:      newStore(),
		queries:    map[string]*querySub{},
		authSubs:   map[int]func(reactor.AuthResult){},
		statusSubs: map[int]func(reactor.ConnectionStatus){},
		status:     reactor.StatusConnecting,
		rooms:      map[string]*room{},
	}
	if r.bus == nil {
		r.bus = bus.NewGoChannelBus(log)
		r.ownsBus = true
	}
	if r.localIDs == nil {
		r.localIDs = NewMemoryLocalIDStore()
	}
	return r
}

// SessionID identifies this reactor to its peers.
func (r *Reactor) SessionID() string {
	return r.sessionID
}

// Start joins the bus and walks the connection status to authenticated. Auth becomes
// known at that point, signed out unless SignIn ran first.
func (r *Reactor) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// The subscription outlives ctx; Close ends it.
	subCtx, cancel := context.WithCancel(context.Background())
	if err := r.bus.Subscribe(subCtx, r.receive); err != nil {
		cancel()
		r.SetStatus(reactor.StatusErrored)
		r.logger.Error(module, "Failed to subscribe to room bus", map[string]interface{}{"error": err})
		return fmt.Errorf("start reactor: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return ErrClosed
	}
	r.cancel = cancel
	r.mu.Unlock()

	r.SetStatus(reactor.StatusOpened)
	r.mu.Lock()
	r.authKnown = true
	r.pushAuthLocked()
	r.mu.Unlock()
	r.SetStatus(reactor.StatusAuthenticated)

	r.logger.Info(module, "Reactor started", map[string]interface{}{"app_id": r.appID, "session_id": r.sessionID})
	return nil
}

// Close leaves every room, stops delivering callbacks and reports the closed status as
// its last push. It must not be called from a reactor callback.
func (r *Reactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	for id := range r.rooms {
		r.sendLocked(bus.Envelope{Kind: bus.KindLeave, SessionID: r.sessionID, RoomID: id})
	}
	r.rooms = map[string]*room{}
	r.setStatusLocked(reactor.StatusClosed)
	r.closed = true
	cancel := r.cancel
	r.mu.Unlock()

	r.outbox.stop()
	if cancel != nil {
		cancel()
	}
	r.dispatch.stop()

	if r.ownsBus {
		return r.bus.Close()
	}
	return nil
}

func (r *Reactor) id() int {
	id := r.nextID
	r.nextID++
	return id
}

// ---- connection status

func (r *Reactor) Status() reactor.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetStatus pushes status to every subscriber, even when it did not change.
func (r *Reactor) SetStatus(status reactor.ConnectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.setStatusLocked(status)
}

func (r *Reactor) setStatusLocked(status reactor.ConnectionStatus) {
	r.status = status
	for _, cb := range r.statusSubs {
		cb := cb
		r.dispatch.enqueue(func() { cb(status) })
	}
}

func (r *Reactor) SubscribeConnectionStatus(cb func(reactor.ConnectionStatus)) reactor.Unsubscribe {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.id()
	r.statusSubs[id] = cb
	return once(func() {
		r.mu.Lock()
		delete(r.statusSubs, id)
		r.mu.Unlock()
	})
}

// ---- auth

func (r *Reactor) SubscribeAuth(cb func(reactor.AuthResult)) reactor.Unsubscribe {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.id()
	r.authSubs[id] = cb
	if r.authKnown {
		res := reactor.AuthResult{User: copyUser(r.user)}
		r.dispatch.enqueue(func() { cb(res) })
	}
	return once(func() {
		r.mu.Lock()
		delete(r.authSubs, id)
		r.mu.Unlock()
	})
}

func (r *Reactor) pushAuthLocked() {
	for _, cb := range r.authSubs {
		cb := cb
		res := reactor.AuthResult{User: copyUser(r.user)}
		r.dispatch.enqueue(func() { cb(res) })
	}
}

func (r *Reactor) GetAuth(context.Context) (*reactor.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	return copyUser(r.user), nil
}

// SignIn makes user the current user.
func (r *Reactor) SignIn(user reactor.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.user = &user
	r.authKnown = true
	r.pushAuthLocked()
	r.logger.Info(module, "User signed in", map[string]interface{}{"user_id": user.ID, "guest": user.IsGuest})
}

// SignInAsGuest signs in a fresh anonymous user.
func (r *Reactor) SignInAsGuest(context.Context) (*reactor.User, error) {
	user := reactor.User{ID: uuid.NewString(), RefreshToken: uuid.NewString(), IsGuest: true}
	r.SignIn(user)
	return &user, nil
}

func (r *Reactor) SignOut() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.user = nil
	r.authKnown = true
	r.pushAuthLocked()
}

func copyUser(u *reactor.User) *reactor.User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// ---- queries

func (r *Reactor) SubscribeQuery(q reactor.Query, cb func(*reactor.Result)) reactor.Unsubscribe {
	hash := reactor.Hash(q)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return func() {}
	}
	qs, ok := r.queries[hash]
	if !ok {
		qs = &querySub{query: q, listeners: map[int]func(*reactor.Result){}}
		r.queries[hash] = qs
	}
	id := r.id()
	qs.listeners[id] = cb

	res := r.store.evaluate(qs.query)
	qs.last = resultHash(res)
	r.previous.SetDefault(hash, res)
	r.dispatch.enqueue(func() { cb(res) })

	return once(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(qs.listeners, id)
		if len(qs.listeners) == 0 && r.queries[hash] == qs {
			delete(r.queries, hash)
		}
	})
}

func (r *Reactor) GetPreviousResult(q reactor.Query) *reactor.Result {
	v, ok := r.previous.Get(reactor.Hash(q))
	if !ok {
		return nil
	}
	return v.(*reactor.Result)
}

func (r *Reactor) QueryOnce(ctx context.Context, q reactor.Query, opts reactor.QueryOptions) (reactor.OnceResult, error) {
	if err := ctx.Err(); err != nil {
		return reactor.OnceResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != reactor.StatusAuthenticated {
		return reactor.OnceResult{}, fmt.Errorf("query once (status %s): %w", r.status, reactor.ErrOffline)
	}
	query, _ := reactor.Key(q, &opts)
	res := r.store.evaluate(query)
	if res.Error != nil {
		return reactor.OnceResult{}, res.Error
	}
	return reactor.OnceResult{Data: res.Data, PageInfo: res.PageInfo}, nil
}

// refreshQueriesLocked re-evaluates every live query and pushes the ones whose result
// changed.
func (r *Reactor) refreshQueriesLocked() {
	for hash, qs := range r.queries {
		res := r.store.evaluate(qs.query)
		h := resultHash(res)
		if h == qs.last {
			continue
		}
		qs.last = h
		r.previous.SetDefault(hash, res)
		for _, cb := range qs.listeners {
			cb := cb
			r.dispatch.enqueue(func() { cb(res) })
		}
	}
}

func resultHash(res *reactor.Result) string {
	errText := ""
	if res.Error != nil {
		errText = res.Error.Error()
	}
	return reactor.Hash(reactor.Query{"data": res.Data, "pageInfo": res.PageInfo, "error": errText})
}

// ---- transactions

// Transact applies chunks in order. It is all or nothing: one invalid chunk rejects the
// whole transaction.
func (r *Reactor) Transact(ctx context.Context, chunks []reactor.TxChunk) (reactor.TxResult, error) {
	if err := ctx.Err(); err != nil {
		return reactor.TxResult{}, err
	}
	for i, c := range chunks {
		if err := r.validate.Struct(c); err != nil {
			return reactor.TxResult{}, fmt.Errorf("chunk %d: %w", i, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return reactor.TxResult{}, ErrClosed
	}
	for _, c := range chunks {
		r.applyLocked(c)
	}
	r.refreshQueriesLocked()

	res := reactor.TxResult{Status: reactor.TxEnqueued, ClientEventID: uuid.NewString()}
	if r.status == reactor.StatusAuthenticated {
		res.Status = reactor.TxSynced
	}
	r.logger.Debug(module, "Transaction applied", map[string]interface{}{"chunks": len(chunks), "status": res.Status})
	return res, nil
}

func (r *Reactor) applyLocked(c reactor.TxChunk) {
	ns := r.store.namespaces[c.Namespace]
	if ns == nil {
		ns = map[string]*entity{}
		r.store.namespaces[c.Namespace] = ns
	}
	if c.Action == "delete" {
		delete(ns, c.ID)
		return
	}

	e := ns[c.ID]
	if e == nil {
		r.store.seq++
		e = &entity{id: c.ID, attrs: map[string]any{}, created: r.store.seq}
		ns[c.ID] = e
	}
	args := map[string]any(reactor.Coerce(reactor.Query(c.Args)))
	switch c.Action {
	case "update":
		for k, v := range args {
			if k == "id" {
				continue
			}
			e.attrs[k] = v
		}
	case "merge":
		delete(args, "id")
		deepMerge(e.attrs, args)
	}
}

// ---- local ids

// GetLocalID returns the id stored under name, creating it on first use. Concurrent
// calls for one name share a single store round trip.
func (r *Reactor) GetLocalID(ctx context.Context, name string) (string, error) {
	v, err, _ := r.flights.Do(name, func() (interface{}, error) {
		return r.localIDs.GetOrCreate(ctx, name, uuid.NewString)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func once(fn func()) reactor.Unsubscribe {
	var o sync.Once
	return func() { o.Do(fn) }
}
