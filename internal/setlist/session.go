package setlist

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Session is one collaborator's live connection to a setlist room. It is
// owned by the RoomManager for the connection's lifetime and never
// persisted.
type Session struct {
	ID             string
	CollaboratorID string
	SetlistID      string

	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once

	// Delivery bookkeeping, guarded by the owning Room's mutex. The
	// session sees no broadcasts until ready; snapshotVersion is the floor
	// below which changes arrived inside the join snapshot.
	ready           bool
	snapshotVersion int
	backlog         []pendingFrame
}

// enqueue hands a message to the write pump without blocking; false means
// the session's buffer is full.
func (s *Session) enqueue(data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.send)
	})
}

// readPump consumes inbound frames, feeding each one to handle. It returns
// on any read error and always deregisters the session on the way out.
func (s *Session) readPump(handle func(*Session, []byte), leave func(*Session)) {
	defer func() {
		leave(s)
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		handle(s, data)
	}
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
