package session

import (
	"time"

	"github.com/gofiber/websocket/v2"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Serve runs s over conn until the socket closes. It registers s with hub, writes from a
// second goroutine and reads on the calling one.
func Serve(hub *Hub, conn *websocket.Conn, s *Session) {
	hub.Register(s)
	go s.writePump(conn)
	s.readPump(hub, conn)
}

func (s *Session) readPump(hub *Hub, conn *websocket.Conn) {
	defer func() {
		hub.Unregister(s)
		conn.Close()
	}()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn(module, "Unexpected close", map[string]interface{}{"session_id": s.ID, "error": err})
			}
			return
		}
		s.Handle(raw)
	}
}

func (s *Session) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.Send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the queue.
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// One JSON document per frame.
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug(module, "Ping failed", map[string]interface{}{"session_id": s.ID, "error": err})
				return
			}
		}
	}
}
