package db

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"realtime-bindings/pkg/reactor"
)

func presenceKey(room Room, opts reactor.PresenceOpts) string {
	user := "default"
	if opts.User != nil {
		user = strconv.FormatBool(*opts.User)
	}
	return strings.Join([]string{
		room.ID,
		user,
		strings.Join(opts.Peers, ","),
		strings.Join(opts.Keys, ","),
	}, "|")
}

func emptyPresence() reactor.PresenceSnapshot {
	return reactor.PresenceSnapshot{Peers: map[string]reactor.PresencePeer{}, IsLoading: true}
}

// PresenceSubscription follows the presence of a room, narrowed by PresenceOpts.
type PresenceSubscription struct {
	d    *Database
	cell cell[reactor.PresenceSnapshot]

	gen    atomic.Uint64
	pushMu sync.Mutex

	mu     sync.Mutex
	room   Room
	key    string
	unsub  func()
	closed bool
}

// UsePresence seeds from the presence the reactor already knows, then subscribes. Array
// options are flattened into the subscription key, so passing fresh but equal slices on
// every Update does not resubscribe.
func (d *Database) UsePresence(room Room, opts reactor.PresenceOpts) *PresenceSubscription {
	s := &PresenceSubscription{d: d}
	s.mu.Lock()
	s.room = room
	s.key = presenceKey(room, opts)
	s.mu.Unlock()
	s.start(room, opts, s.key)
	return s
}

// Update resubscribes when the room id or the flattened options change. The room type
// alone is not part of the key.
func (s *PresenceSubscription) Update(room Room, opts reactor.PresenceOpts) {
	key := presenceKey(room, opts)

	s.mu.Lock()
	s.room = room
	if s.closed || key == s.key {
		s.mu.Unlock()
		return
	}
	s.key = key
	s.releaseLocked()
	s.mu.Unlock()

	s.start(room, opts, key)
}

func (s *PresenceSubscription) start(room Room, opts reactor.PresenceOpts, key string) {
	s.pushMu.Lock()
	gen := s.gen.Add(1)
	seed := emptyPresence()
	if known := s.d.core.GetPresence(room.Type, room.ID, opts); known != nil {
		seed = *known
	}
	s.cell.store(seed)
	s.pushMu.Unlock()

	s.cell.notify()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.gen.Load() != gen || s.key != key {
		return
	}
	s.unsub = onceUnsubscribe(s.d.core.SubscribePresence(room.Type, room.ID, opts, func(next reactor.PresenceSnapshot) {
		s.pushMu.Lock()
		if s.gen.Load() != gen {
			s.pushMu.Unlock()
			return
		}
		s.cell.store(next)
		s.pushMu.Unlock()
		s.cell.notify()
	}))
}

func (s *PresenceSubscription) releaseLocked() {
	s.pushMu.Lock()
	s.gen.Add(1)
	s.pushMu.Unlock()

	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
}

func (s *PresenceSubscription) State() reactor.PresenceSnapshot {
	return s.cell.load()
}

// InitialState is the loading snapshot with no peers.
func (s *PresenceSubscription) InitialState() reactor.PresenceSnapshot {
	return emptyPresence()
}

// PublishPresence publishes data as the local user's presence in the current room.
func (s *PresenceSubscription) PublishPresence(data reactor.PresenceData) error {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	return s.d.publishPresence(room, data)
}

func (s *PresenceSubscription) Watch(fn func()) func() {
	return s.cell.watch(fn)
}

func (s *PresenceSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.releaseLocked()
	s.cell.clearWatchers()
}

func (d *Database) publishPresence(room Room, data reactor.PresenceData) error {
	if err := d.core.PublishPresence(room.Type, room.ID, data); err != nil {
		d.logger.Warn(module, "Presence publish failed", map[string]interface{}{"room": room.String(), "error": err})
		return fmt.Errorf("publish presence in %s: %w", room, err)
	}
	return nil
}

// SyncPresence keeps the local user's presence in a room equal to the latest data. The
// room join and the republish are keyed independently: the room is joined once per room
// id, while data is republished whenever its dependencies change.
type SyncPresence struct {
	d *Database

	mu         sync.Mutex
	roomID     string
	publishKey string
	leave      func()
	lastErr    error
	closed     bool
}

// UseSyncPresence joins room with data and keeps publishing it. With no deps, the JSON
// form of data decides when to republish.
func (d *Database) UseSyncPresence(room Room, data reactor.PresenceData, deps ...any) *SyncPresence {
	p := &SyncPresence{d: d}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roomID = room.ID
	p.leave = onceUnsubscribe(d.core.JoinRoom(room.ID, data))
	p.publishKey = syncPublishKey(room, data, deps)
	p.lastErr = d.publishPresence(room, data)
	return p
}

// Update rejoins on a new room id and republishes when the publish key changed.
func (p *SyncPresence) Update(room Room, data reactor.PresenceData, deps ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if room.ID != p.roomID {
		p.leave()
		p.roomID = room.ID
		p.leave = onceUnsubscribe(p.d.core.JoinRoom(room.ID, data))
	}
	key := syncPublishKey(room, data, deps)
	if key == p.publishKey {
		return
	}
	p.publishKey = key
	p.lastErr = p.d.publishPresence(room, data)
}

// Err returns the outcome of the most recent publish.
func (p *SyncPresence) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *SyncPresence) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.leave()
}

func syncPublishKey(room Room, data reactor.PresenceData, deps []any) string {
	var v any = data
	if deps != nil {
		v = deps
	}
	raw, err := json.Marshal(v)
	if err != nil {
		// Unserializable deps fall back to their printed form.
		raw = []byte(fmt.Sprint(v))
	}
	return room.Type + "|" + room.ID + "|" + string(raw)
}
