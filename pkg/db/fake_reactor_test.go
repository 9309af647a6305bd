package db

import (
	"context"
	"fmt"
	"sync"

	"realtime-bindings/pkg/reactor"
)

type fakeQuerySub struct {
	query reactor.Query
	hash  string
	cb    func(*reactor.Result)
}

type fakePresenceSub struct {
	roomType, roomID string
	opts             reactor.PresenceOpts
	cb               func(reactor.PresenceSnapshot)
}

type fakeTopicSub struct {
	roomID, topic string
	cb            reactor.TopicHandler
}

type publishedPresence struct {
	roomType, roomID string
	data             reactor.PresenceData
}

// fakeReactor records every call and only pushes when a test asks it to.
type fakeReactor struct {
	mu     sync.Mutex
	nextID int
	events []string

	previous     map[string]*reactor.Result
	querySubs    map[int]*fakeQuerySub
	authSubs     map[int]func(reactor.AuthResult)
	statusSubs   map[int]func(reactor.ConnectionStatus)
	presenceSubs map[int]*fakePresenceSub
	topicSubs    map[int]*fakeTopicSub

	status    reactor.ConnectionStatus
	presence  map[string]*reactor.PresenceSnapshot
	published []publishedPresence
	topics    []reactor.TopicMessage
	joins     map[string]int

	publishErr error
	onceResult reactor.OnceResult
	localIDs   map[string]string
	localCalls int
	txs        [][]reactor.TxChunk
}

func newFakeReactor() *fakeReactor {
	return &fakeReactor{
		previous:     map[string]*reactor.Result{},
		querySubs:    map[int]*fakeQuerySub{},
		authSubs:     map[int]func(reactor.AuthResult){},
		statusSubs:   map[int]func(reactor.ConnectionStatus){},
		presenceSubs: map[int]*fakePresenceSub{},
		topicSubs:    map[int]*fakeTopicSub{},
		presence:     map[string]*reactor.PresenceSnapshot{},
		joins:        map[string]int{},
		localIDs:     map[string]string{},
		status:       reactor.StatusConnecting,
	}
}

func (f *fakeReactor) record(event string) {
	f.events = append(f.events, event)
}

func (f *fakeReactor) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeReactor) SubscribeQuery(q reactor.Query, cb func(*reactor.Result)) reactor.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	hash := reactor.Hash(q)
	f.querySubs[id] = &fakeQuerySub{query: q, hash: hash, cb: cb}
	f.record("subscribe:" + hash)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.querySubs[id]; !ok {
			f.record("double-unsubscribe:" + hash)
			return
		}
		delete(f.querySubs, id)
		f.record("unsubscribe:" + hash)
	}
}

func (f *fakeReactor) setPrevious(q reactor.Query, opts *reactor.QueryOptions, r *reactor.Result) {
	_, hash := reactor.Key(q, opts)
	f.mu.Lock()
	f.previous[hash] = r
	f.mu.Unlock()
}

func (f *fakeReactor) GetPreviousResult(q reactor.Query) *reactor.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.previous[reactor.Hash(q)]
}

// pushQuery delivers r to every live query subscription.
func (f *fakeReactor) pushQuery(r *reactor.Result) {
	for _, sub := range f.liveQueries() {
		sub.cb(r)
	}
}

func (f *fakeReactor) liveQueries() []*fakeQuerySub {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeQuerySub, 0, len(f.querySubs))
	for i := 0; i < f.nextID; i++ {
		if sub, ok := f.querySubs[i]; ok {
			out = append(out, sub)
		}
	}
	return out
}

func (f *fakeReactor) SubscribeAuth(cb func(reactor.AuthResult)) reactor.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.authSubs[id] = cb
	return func() {
		f.mu.Lock()
		delete(f.authSubs, id)
		f.mu.Unlock()
	}
}

func (f *fakeReactor) pushAuth(res reactor.AuthResult) {
	f.mu.Lock()
	cbs := make([]func(reactor.AuthResult), 0, len(f.authSubs))
	for _, cb := range f.authSubs {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(res)
	}
}

func (f *fakeReactor) SubscribeConnectionStatus(cb func(reactor.ConnectionStatus)) reactor.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.statusSubs[id] = cb
	return func() {
		f.mu.Lock()
		delete(f.statusSubs, id)
		f.mu.Unlock()
	}
}

func (f *fakeReactor) pushStatus(status reactor.ConnectionStatus) {
	f.mu.Lock()
	f.status = status
	cbs := make([]func(reactor.ConnectionStatus), 0, len(f.statusSubs))
	for _, cb := range f.statusSubs {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(status)
	}
}

func (f *fakeReactor) Status() reactor.ConnectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeReactor) SubscribeTopic(roomID, topic string, cb reactor.TopicHandler) reactor.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.topicSubs[id] = &fakeTopicSub{roomID: roomID, topic: topic, cb: cb}
	f.record(fmt.Sprintf("subscribe-topic:%s/%s", roomID, topic))
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.topicSubs, id)
		f.record(fmt.Sprintf("unsubscribe-topic:%s/%s", roomID, topic))
	}
}

func (f *fakeReactor) pushTopic(roomID, topic string, data map[string]any, peer reactor.PresenceData) {
	f.mu.Lock()
	var cbs []reactor.TopicHandler
	for _, sub := range f.topicSubs {
		if sub.roomID == roomID && sub.topic == topic {
			cbs = append(cbs, sub.cb)
		}
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(data, peer)
	}
}

func (f *fakeReactor) PublishTopic(msg reactor.TopicMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.topics = append(f.topics, msg)
	return nil
}

func (f *fakeReactor) JoinRoom(roomID string, _ reactor.PresenceData) reactor.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins[roomID]++
	f.record("join:" + roomID)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.joins[roomID]--
		f.record("leave:" + roomID)
	}
}

func (f *fakeReactor) GetPresence(roomType, roomID string, _ reactor.PresenceOpts) *reactor.PresenceSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.presence[roomType+"/"+roomID]
}

func (f *fakeReactor) SubscribePresence(roomType, roomID string, opts reactor.PresenceOpts, cb func(reactor.PresenceSnapshot)) reactor.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.presenceSubs[id] = &fakePresenceSub{roomType: roomType, roomID: roomID, opts: opts, cb: cb}
	f.record("subscribe-presence:" + roomID)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.presenceSubs, id)
		f.record("unsubscribe-presence:" + roomID)
	}
}

func (f *fakeReactor) pushPresence(snapshot reactor.PresenceSnapshot) {
	f.mu.Lock()
	var cbs []func(reactor.PresenceSnapshot)
	for _, sub := range f.presenceSubs {
		cbs = append(cbs, sub.cb)
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(snapshot)
	}
}

func (f *fakeReactor) PublishPresence(roomType, roomID string, data reactor.PresenceData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedPresence{roomType: roomType, roomID: roomID, data: data})
	return nil
}

func (f *fakeReactor) Published() []publishedPresence {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedPresence(nil), f.published...)
}

func (f *fakeReactor) Transact(_ context.Context, chunks []reactor.TxChunk) (reactor.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, chunks)
	return reactor.TxResult{Status: reactor.TxSynced, ClientEventID: "evt"}, nil
}

func (f *fakeReactor) QueryOnce(_ context.Context, _ reactor.Query, _ reactor.QueryOptions) (reactor.OnceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onceResult, nil
}

func (f *fakeReactor) GetAuth(context.Context) (*reactor.User, error) {
	return &reactor.User{ID: "u1"}, nil
}

func (f *fakeReactor) GetLocalID(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localCalls++
	id, ok := f.localIDs[name]
	if !ok {
		id = fmt.Sprintf("local-%s-%d", name, len(f.localIDs))
		f.localIDs[name] = id
	}
	return id, nil
}
