package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"realtime-bindings/internal/pkg/logger"
	"realtime-bindings/pkg/db"
	"realtime-bindings/pkg/reactor"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const module = "Session"

var ErrUnknownHandle = errors.New("unknown handle")

type handle interface {
	Close()
}

// Session is one websocket client. It owns every handle it opened and closes them all on
// shutdown.
type Session struct {
	ID     string
	UserID string

	// Send is the buffered outbound queue drained by the write pump.
	Send chan []byte

	db            *db.Database
	validate      *validator.Validate
	typingTimeout time.Duration
	logger        logger.ILogger

	mu      sync.Mutex
	handles map[string]handle
	closed  bool
}

type Options struct {
	UserID        string
	TypingTimeout time.Duration
	Logger        logger.ILogger
}

func New(database *db.Database, opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	timeout := opts.TypingTimeout
	if timeout <= 0 {
		timeout = db.DefaultActivityStopTimeout
	}
	return &Session{
		ID:            uuid.NewString(),
		UserID:        opts.UserID,
		Send:          make(chan []byte, 256),
		db:            database,
		validate:      validator.New(),
		typingTimeout: timeout,
		logger:        log,
		handles:       map[string]handle{},
	}
}

// send queues msg. A full buffer drops the message rather than blocking a reactor push.
func (s *Session) send(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error(module, "Failed to encode message", map[string]interface{}{"type": msg.Type, "error": err})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.Send <- data:
	default:
		s.logger.Warn(module, "Send buffer full, dropping message", map[string]interface{}{"session_id": s.ID, "type": msg.Type})
	}
}

func (s *Session) sendError(id string, err error) {
	s.send(ServerMessage{Type: TypeError, ID: id, Error: err.Error()})
}

// Handle decodes and applies one client message. Failures are reported to the client.
func (s *Session) Handle(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError("", fmt.Errorf("invalid message: %w", err))
		return
	}
	if err := s.validate.Struct(msg); err != nil {
		s.sendError(msg.ID, err)
		return
	}
	if err := s.apply(msg); err != nil {
		s.logger.Warn(module, "Op failed", map[string]interface{}{"session_id": s.ID, "op": msg.Op, "id": msg.ID, "error": err})
		s.sendError(msg.ID, err)
	}
}

func (s *Session) apply(msg ClientMessage) error {
	switch msg.Op {
	case OpSubscribeQuery:
		s.subscribeQuery(msg)
	case OpSubscribeInfinite:
		s.subscribeInfinite(msg)
	case OpLoadMore:
		h, err := s.lookup(msg.ID)
		if err != nil {
			return err
		}
		inf, ok := h.(*db.InfiniteQuerySubscription)
		if !ok {
			return fmt.Errorf("handle %q is not an infinite query", msg.ID)
		}
		inf.LoadMore()
	case OpSubscribePresence:
		s.subscribePresence(msg)
	case OpPublishPresence:
		h, err := s.lookup(msg.ID)
		if err != nil {
			return err
		}
		pres, ok := h.(*db.PresenceSubscription)
		if !ok {
			return fmt.Errorf("handle %q is not a presence subscription", msg.ID)
		}
		if err := pres.PublishPresence(msg.Data); err != nil {
			return err
		}
		s.send(ServerMessage{Type: TypeAck, ID: msg.ID})
	case OpSubscribeTopic:
		s.subscribeTopic(msg)
	case OpPublishTopic:
		return s.publishTopic(msg)
	case OpTyping:
		return s.typing(msg)
	case OpUnsubscribe, OpUnsubscribeQuery:
		return s.release(msg.ID)
	}
	return nil
}

func (s *Session) subscribeQuery(msg ClientMessage) {
	var opts *reactor.QueryOptions
	if msg.RuleParams != nil {
		opts = &reactor.QueryOptions{RuleParams: msg.RuleParams}
	}
	if h, ok := s.existing(msg.ID).(*db.QuerySubscription); ok {
		h.Update(msg.Query, opts)
		s.send(ServerMessage{Type: TypeQueryState, ID: msg.ID, Data: queryState(h.State())})
		return
	}
	sub := s.db.UseQuery(msg.Query, opts)
	sub.Watch(func() {
		s.send(ServerMessage{Type: TypeQueryState, ID: msg.ID, Data: queryState(sub.State())})
	})
	s.adopt(msg.ID, sub)
	s.send(ServerMessage{Type: TypeQueryState, ID: msg.ID, Data: queryState(sub.State())})
}

func (s *Session) subscribeInfinite(msg ClientMessage) {
	var opts *reactor.QueryOptions
	if msg.RuleParams != nil {
		opts = &reactor.QueryOptions{RuleParams: msg.RuleParams}
	}
	if h, ok := s.existing(msg.ID).(*db.InfiniteQuerySubscription); ok {
		h.Update(msg.Entity, msg.Query, opts)
		s.send(ServerMessage{Type: TypeInfiniteState, ID: msg.ID, Data: infiniteState(h.State())})
		return
	}
	sub := s.db.UseInfiniteQuery(msg.Entity, msg.Query, opts)
	sub.Watch(func() {
		s.send(ServerMessage{Type: TypeInfiniteState, ID: msg.ID, Data: infiniteState(sub.State())})
	})
	s.adopt(msg.ID, sub)
	s.send(ServerMessage{Type: TypeInfiniteState, ID: msg.ID, Data: infiniteState(sub.State())})
}

func (s *Session) presenceOpts(msg ClientMessage) reactor.PresenceOpts {
	return reactor.PresenceOpts{User: msg.User, Peers: msg.Peers, Keys: msg.Keys, InitialPresence: msg.InitialPresence}
}

func (s *Session) subscribePresence(msg ClientMessage) {
	room := s.db.Room(msg.RoomType, msg.RoomID)
	if h, ok := s.existing(msg.ID).(*db.PresenceSubscription); ok {
		h.Update(room, s.presenceOpts(msg))
		s.send(ServerMessage{Type: TypePresence, ID: msg.ID, Data: h.State()})
		return
	}
	sub := s.db.UsePresence(room, s.presenceOpts(msg))
	sub.Watch(func() {
		s.send(ServerMessage{Type: TypePresence, ID: msg.ID, Data: sub.State()})
	})
	s.adopt(msg.ID, sub)
	s.send(ServerMessage{Type: TypePresence, ID: msg.ID, Data: sub.State()})
}

func (s *Session) subscribeTopic(msg ClientMessage) {
	room := s.db.Room(msg.RoomType, msg.RoomID)
	onEvent := func(data map[string]any, peer reactor.PresenceData) {
		s.send(ServerMessage{Type: TypeTopic, ID: msg.ID, Data: TopicEvent{Data: data, Peer: peer}})
	}
	if h, ok := s.existing(msg.ID).(*db.TopicEffect); ok {
		h.Update(room, msg.Topic, onEvent)
		return
	}
	s.adopt(msg.ID, s.db.UseTopicEffect(room, msg.Topic, onEvent))
}

func (s *Session) publishTopic(msg ClientMessage) error {
	room := s.db.Room(msg.RoomType, msg.RoomID)
	pub, ok := s.existing(msg.ID).(*db.TopicPublisher)
	if ok {
		pub.Update(room, msg.Topic)
	} else {
		pub = s.db.UsePublishTopic(room, msg.Topic)
		s.adopt(msg.ID, pub)
	}
	if err := pub.Publish(msg.Data); err != nil {
		return err
	}
	s.send(ServerMessage{Type: TypeAck, ID: msg.ID})
	return nil
}

func (s *Session) typing(msg ClientMessage) error {
	room := s.db.Room(msg.RoomType, msg.RoomID)
	timeout := s.typingTimeout
	opts := db.TypingIndicatorOpts{Timeout: &timeout}
	ti, ok := s.existing(msg.ID).(*db.TypingIndicator)
	if ok {
		ti.Update(room, msg.Input, opts)
	} else {
		ti = s.db.UseTypingIndicator(room, msg.Input, opts)
		s.adopt(msg.ID, ti)
	}
	return ti.SetActive(msg.Active)
}

func (s *Session) existing(id string) handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[id]
}

func (s *Session) lookup(id string) (handle, error) {
	if h := s.existing(id); h != nil {
		return h, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, id)
}

// adopt stores h under id, closing whatever was stored there before. A session that is
// already shut down closes h straight away.
func (s *Session) adopt(id string, h handle) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		h.Close()
		return
	}
	prev := s.handles[id]
	s.handles[id] = h
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

func (s *Session) release(id string) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, id)
	}
	h.Close()
	return nil
}

// Handles returns how many handles the session holds.
func (s *Session) Handles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// shutdown closes the outbound queue and every handle. Later calls do nothing.
func (s *Session) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handles := s.handles
	s.handles = map[string]handle{}
	close(s.Send)
	s.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}
