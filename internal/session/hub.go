package session

import (
	"context"
	"sync"

	"realtime-bindings/internal/pkg/logger"
	"realtime-bindings/pkg/db"
)

const hubModule = "Hub"

// Hub tracks live sessions and fans connection status changes out to all of them.
type Hub struct {
	sessions map[string]*Session

	register   chan *Session
	unregister chan *Session

	mu sync.RWMutex

	db     *db.Database
	logger logger.ILogger
}

func NewHub(database *db.Database, log logger.ILogger) *Hub {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Hub{
		sessions:   make(map[string]*Session),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		db:         database,
		logger:     log,
	}
}

// Run serves register and unregister requests until ctx is done, then ends every session.
func (h *Hub) Run(ctx context.Context) {
	status := h.db.UseConnectionStatus()
	defer status.Close()
	status.Watch(func() {
		h.Broadcast(ServerMessage{Type: TypeStatus, Data: status.State()})
	})

	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s.ID] = s
			h.mu.Unlock()
			s.send(ServerMessage{Type: TypeStatus, Data: status.State()})
			h.logger.Info(hubModule, "Session registered", map[string]interface{}{"session_id": s.ID, "user_id": s.UserID})

		case s := <-h.unregister:
			h.mu.Lock()
			_, ok := h.sessions[s.ID]
			delete(h.sessions, s.ID)
			h.mu.Unlock()
			if ok {
				s.shutdown()
				h.logger.Info(hubModule, "Session unregistered", map[string]interface{}{"session_id": s.ID, "user_id": s.UserID})
			}

		case <-ctx.Done():
			h.mu.Lock()
			sessions := h.sessions
			h.sessions = make(map[string]*Session)
			h.mu.Unlock()
			for _, s := range sessions {
				s.shutdown()
			}
			return
		}
	}
}

// Register hands s to the running hub.
func (h *Hub) Register(s *Session) {
	h.register <- s
}

// Unregister removes s and releases everything it subscribed to.
func (h *Hub) Unregister(s *Session) {
	h.unregister <- s
}

// Broadcast sends msg to every live session.
func (h *Hub) Broadcast(msg ServerMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		s.send(msg)
	}
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
