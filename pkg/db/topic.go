package db

import (
	"fmt"
	"sync"
	"sync/atomic"

	"realtime-bindings/pkg/reactor"
)

// TopicEffect delivers broadcasts on one room topic to the latest handler. Replacing the
// handler never resubscribes; only a new room id or topic does.
type TopicEffect struct {
	d       *Database
	handler atomic.Pointer[reactor.TopicHandler]

	mu     sync.Mutex
	roomID string
	topic  string
	unsub  func()
	closed bool
}

// UseTopicEffect subscribes onEvent to topic in room.
func (d *Database) UseTopicEffect(room Room, topic string, onEvent reactor.TopicHandler) *TopicEffect {
	e := &TopicEffect{d: d}
	e.handler.Store(&onEvent)
	e.mu.Lock()
	e.subscribeLocked(room.ID, topic)
	e.mu.Unlock()
	return e
}

// Update installs onEvent and resubscribes if the room id or topic changed.
func (e *TopicEffect) Update(room Room, topic string, onEvent reactor.TopicHandler) {
	e.handler.Store(&onEvent)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || (room.ID == e.roomID && topic == e.topic) {
		return
	}
	e.unsub()
	e.subscribeLocked(room.ID, topic)
}

func (e *TopicEffect) subscribeLocked(roomID, topic string) {
	e.roomID, e.topic = roomID, topic
	var live atomic.Bool
	live.Store(true)
	unsub := e.d.core.SubscribeTopic(roomID, topic, func(data map[string]any, peer reactor.PresenceData) {
		if !live.Load() {
			return
		}
		if h := e.handler.Load(); h != nil && *h != nil {
			(*h)(data, peer)
		}
	})
	release := onceUnsubscribe(unsub)
	e.unsub = func() {
		live.Store(false)
		release()
	}
}

func (e *TopicEffect) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.unsub()
}

// TopicPublisher publishes on one room topic. It keeps the room joined for as long as it
// is open, independently of any TopicEffect on the same topic.
type TopicPublisher struct {
	d *Database

	mu     sync.Mutex
	room   Room
	topic  string
	leave  func()
	closed bool
}

// UsePublishTopic joins room and returns a publisher for topic.
func (d *Database) UsePublishTopic(room Room, topic string) *TopicPublisher {
	p := &TopicPublisher{d: d, room: room, topic: topic}
	p.leave = onceUnsubscribe(d.core.JoinRoom(room.ID, nil))
	return p
}

// Update points the publisher at a new room or topic. The room is rejoined only when its
// id changes.
func (p *TopicPublisher) Update(room Room, topic string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if room.ID != p.room.ID {
		p.leave()
		p.leave = onceUnsubscribe(p.d.core.JoinRoom(room.ID, nil))
	}
	p.room, p.topic = room, topic
}

// Publish sends data to everyone in the room. Failures are logged and returned.
func (p *TopicPublisher) Publish(data map[string]any) error {
	p.mu.Lock()
	room, topic, closed := p.room, p.topic, p.closed
	p.mu.Unlock()
	if closed {
		return fmt.Errorf("publish topic %q: publisher closed", topic)
	}

	err := p.d.core.PublishTopic(reactor.TopicMessage{
		RoomType: room.Type,
		RoomID:   room.ID,
		Topic:    topic,
		Data:     data,
	})
	if err != nil {
		p.d.logger.Warn(module, "Topic publish failed", map[string]interface{}{"room": room.String(), "topic": topic, "error": err})
		return fmt.Errorf("publish topic %q in %s: %w", topic, room, err)
	}
	return nil
}

func (p *TopicPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.leave()
}
