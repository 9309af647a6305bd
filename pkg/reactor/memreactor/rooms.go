package memreactor

import (
	"context"
	"fmt"
	"reflect"

	"realtime-bindings/pkg/reactor"
	"realtime-bindings/pkg/reactor/bus"
)

type presenceSub struct {
	opts reactor.PresenceOpts
	cb   func(reactor.PresenceSnapshot)
	prev *reactor.PresenceSnapshot
}

// room is the local view of one room. It exists while at least one join is held.
type room struct {
	id        string
	roomType  string
	refs      int
	user      reactor.PresenceData
	peers     map[string]reactor.PresenceData
	isLoading bool

	presenceSubs map[int]*presenceSub
	topicSubs    map[string]map[int]reactor.TopicHandler
}

// JoinRoom holds the room open until the returned func runs. Joins are counted; the room
// is left when the last one is released.
func (r *Reactor) JoinRoom(roomID string, initialPresence reactor.PresenceData) reactor.Unsubscribe {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return func() {}
	}
	r.joinLocked(roomID, initialPresence)
	return once(func() { r.leave(roomID) })
}

func (r *Reactor) joinLocked(roomID string, initial reactor.PresenceData) *room {
	rm := r.rooms[roomID]
	if rm == nil {
		rm = &room{
			id:           roomID,
			peers:        map[string]reactor.PresenceData{},
			isLoading:    true,
			presenceSubs: map[int]*presenceSub{},
			topicSubs:    map[string]map[int]reactor.TopicHandler{},
		}
		r.rooms[roomID] = rm
		if initial != nil {
			rm.user = copyPresence(initial)
		}
		r.sendLocked(bus.Envelope{Kind: bus.KindJoin, SessionID: r.sessionID, RoomID: roomID, Data: rm.user})
		// The join counts as acknowledged once the bus took it.
		r.outbox.enqueue(func() { r.markJoined(rm) })
	} else if initial != nil && rm.user == nil {
		rm.user = copyPresence(initial)
	}
	rm.refs++
	return rm
}

func (r *Reactor) markJoined(rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[rm.id] != rm {
		return
	}
	rm.isLoading = false
	r.notifyPresenceLocked(rm)
}

func (r *Reactor) leave(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.rooms[roomID]
	if rm == nil {
		return
	}
	rm.refs--
	if rm.refs > 0 {
		return
	}
	delete(r.rooms, roomID)
	if !r.closed {
		r.sendLocked(bus.Envelope{Kind: bus.KindLeave, SessionID: r.sessionID, RoomType: rm.roomType, RoomID: roomID})
	}
}

// sendLocked queues env for the bus without waiting for it.
func (r *Reactor) sendLocked(env bus.Envelope) {
	r.outbox.enqueue(func() {
		if err := r.bus.Publish(context.Background(), env); err != nil {
			r.logger.Warn(module, "Room event publish failed", map[string]interface{}{"kind": env.Kind, "room_id": env.RoomID, "error": err})
		}
	})
}

// sendAndWait queues env behind every earlier room event and waits for the bus to take it.
func (r *Reactor) sendAndWait(env bus.Envelope) error {
	errc := make(chan error, 1)
	if !r.outbox.enqueue(func() { errc <- r.bus.Publish(context.Background(), env) }) {
		return ErrClosed
	}
	if err := <-errc; err != nil {
		return fmt.Errorf("publish %s to room %s: %w", env.Kind, env.RoomID, err)
	}
	return nil
}

// ---- presence

func (r *Reactor) GetPresence(_, roomID string, opts reactor.PresenceOpts) *reactor.PresenceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.rooms[roomID]
	if rm == nil {
		return nil
	}
	snap := r.sliceLocked(rm, opts)
	return &snap
}

func (r *Reactor) SubscribePresence(roomType, roomID string, opts reactor.PresenceOpts, cb func(reactor.PresenceSnapshot)) reactor.Unsubscribe {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return func() {}
	}
	rm := r.joinLocked(roomID, opts.InitialPresence)
	if rm.roomType == "" {
		rm.roomType = roomType
	}
	id := r.id()
	sub := &presenceSub{opts: opts, cb: cb}
	rm.presenceSubs[id] = sub
	r.notifySubLocked(rm, sub)

	return once(func() {
		r.mu.Lock()
		delete(rm.presenceSubs, id)
		r.mu.Unlock()
		r.leave(roomID)
	})
}

// PublishPresence merges data into the local user's presence and shares the result.
func (r *Reactor) PublishPresence(roomType, roomID string, data reactor.PresenceData) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	rm := r.rooms[roomID]
	if rm == nil {
		r.mu.Unlock()
		return fmt.Errorf("publish presence to %s: %w", roomID, ErrNotJoined)
	}
	merged := copyPresence(rm.user)
	if merged == nil {
		merged = reactor.PresenceData{}
	}
	for k, v := range data {
		merged[k] = v
	}
	rm.user = merged
	if roomType != "" {
		rm.roomType = roomType
	}
	r.notifyPresenceLocked(rm)
	env := bus.Envelope{Kind: bus.KindPresence, SessionID: r.sessionID, RoomType: rm.roomType, RoomID: roomID, Data: copyPresence(merged)}
	r.mu.Unlock()

	return r.sendAndWait(env)
}

func (r *Reactor) notifyPresenceLocked(rm *room) {
	for _, sub := range rm.presenceSubs {
		r.notifySubLocked(rm, sub)
	}
}

func (r *Reactor) notifySubLocked(rm *room, sub *presenceSub) {
	snap := r.sliceLocked(rm, sub.opts)
	if sub.prev != nil && !presenceChanged(snap, *sub.prev) {
		return
	}
	sub.prev = &snap
	cb := sub.cb
	r.dispatch.enqueue(func() { cb(snap) })
}

// sliceLocked narrows the room's presence to what opts asks for.
func (r *Reactor) sliceLocked(rm *room, opts reactor.PresenceOpts) reactor.PresenceSnapshot {
	snap := reactor.PresenceSnapshot{
		Peers:     map[string]reactor.PresencePeer{},
		IsLoading: rm.isLoading,
	}
	if opts.IncludeUser() {
		snap.User = &reactor.PresencePeer{PeerID: r.sessionID, Data: pick(rm.user, opts.Keys)}
	}
	for id, data := range rm.peers {
		if opts.Peers != nil && !contains(opts.Peers, id) {
			continue
		}
		snap.Peers[id] = reactor.PresencePeer{PeerID: id, Data: pick(data, opts.Keys)}
	}
	return snap
}

func presenceChanged(a, b reactor.PresenceSnapshot) bool {
	return !reflect.DeepEqual(a, b)
}

func pick(data reactor.PresenceData, keys []string) reactor.PresenceData {
	out := reactor.PresenceData{}
	if keys == nil {
		for k, v := range data {
			out[k] = v
		}
		return out
	}
	for _, k := range keys {
		if v, ok := data[k]; ok {
			out[k] = v
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func copyPresence(data reactor.PresenceData) reactor.PresenceData {
	if data == nil {
		return nil
	}
	out := make(reactor.PresenceData, len(data))
	for k, v := range data {
		out[k] = deepCopy(v)
	}
	return out
}

// ---- topics

func (r *Reactor) SubscribeTopic(roomID, topic string, cb reactor.TopicHandler) reactor.Unsubscribe {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return func() {}
	}
	rm := r.joinLocked(roomID, nil)
	subs := rm.topicSubs[topic]
	if subs == nil {
		subs = map[int]reactor.TopicHandler{}
		rm.topicSubs[topic] = subs
	}
	id := r.id()
	subs[id] = cb

	return once(func() {
		r.mu.Lock()
		delete(subs, id)
		if len(rm.topicSubs[topic]) == 0 {
			delete(rm.topicSubs, topic)
		}
		r.mu.Unlock()
		r.leave(roomID)
	})
}

// PublishTopic broadcasts to the other sessions in the room. The sender does not receive
// its own broadcast.
func (r *Reactor) PublishTopic(msg reactor.TopicMessage) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.rooms[msg.RoomID] == nil {
		r.mu.Unlock()
		return fmt.Errorf("publish topic %q to %s: %w", msg.Topic, msg.RoomID, ErrNotJoined)
	}
	env := bus.Envelope{
		Kind:      bus.KindTopic,
		SessionID: r.sessionID,
		RoomType:  msg.RoomType,
		RoomID:    msg.RoomID,
		Topic:     msg.Topic,
		Data:      msg.Data,
	}
	r.mu.Unlock()

	return r.sendAndWait(env)
}

// ---- bus

// receive applies another session's room event. It runs on the bus goroutine and never
// publishes synchronously.
func (r *Reactor) receive(env bus.Envelope) {
	if env.SessionID == r.sessionID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	rm := r.rooms[env.RoomID]
	if rm == nil {
		return
	}

	switch env.Kind {
	case bus.KindJoin:
		rm.peers[env.SessionID] = orEmpty(env.Data)
		r.notifyPresenceLocked(rm)
		// Introduce ourselves to the newcomer.
		r.sendLocked(bus.Envelope{Kind: bus.KindPresence, SessionID: r.sessionID, RoomType: rm.roomType, RoomID: rm.id, Data: copyPresence(rm.user)})
	case bus.KindPresence:
		rm.peers[env.SessionID] = orEmpty(env.Data)
		r.notifyPresenceLocked(rm)
	case bus.KindLeave:
		delete(rm.peers, env.SessionID)
		r.notifyPresenceLocked(rm)
	case bus.KindTopic:
		peer := copyPresence(rm.peers[env.SessionID])
		for _, cb := range rm.topicSubs[env.Topic] {
			cb := cb
			data := env.Data
			r.dispatch.enqueue(func() { cb(data, peer) })
		}
	default:
		r.logger.Warn(module, "Unknown room event", map[string]interface{}{"kind": env.Kind})
	}
}

func orEmpty(data map[string]any) reactor.PresenceData {
	if data == nil {
		return reactor.PresenceData{}
	}
	return reactor.PresenceData(data)
}
