package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"relayNode/internal/state"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 16 << 20
)

type outbound struct {
	messageType int
	data        []byte
}

// session is one channel connection. Only writePump writes to conn.
type session struct {
	id   state.SessionID
	role state.Role
	conn *websocket.Conn

	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func newSession(id state.SessionID, role state.Role, conn *websocket.Conn, queue int) *session {
	return &session{
		id:   id,
		role: role,
		conn: conn,
		send: make(chan outbound, queue),
		done: make(chan struct{}),
	}
}

// enqueue never blocks; a full outbox drops msg.
func (s *session) enqueue(msg outbound) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(msg.messageType, msg.data); err != nil {
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
