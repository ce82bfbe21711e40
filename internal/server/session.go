package server

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	errSessionClosed  = errors.New("session is closed")
	errSendBufferFull = errors.New("session send buffer is full")
)

const sendBufferSize = 256

// outbound is the frame format for everything emitted to a client.
type outbound struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// session is one connected client. It implements presence.Channel: Send
// enqueues a frame for the write pump, which is the single goroutine
// allowed to write to the websocket connection.
type session struct {
	id     string
	logger *zap.SugaredLogger
	conn   *websocket.Conn

	send chan outbound
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	userID string
}

func newSession(id string, logger *zap.SugaredLogger, conn *websocket.Conn) *session {
	return &session{
		id:     id,
		logger: logger,
		conn:   conn,
		send:   make(chan outbound, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// Send enqueues an event frame without blocking. A closed session or a full
// buffer (slow consumer) yields an error; the caller decides whether the
// failure matters.
func (s *session) Send(event string, data interface{}) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}

	select {
	case s.send <- outbound{Event: event, Data: data}:
		return nil
	case <-s.done:
		return errSessionClosed
	default:
		return errSendBufferFull
	}
}

// setUser records the identity claimed by the identify event.
func (s *session) setUser(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

func (s *session) user() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// writePump drains the send queue onto the connection until the session
// closes or a write fails.
func (s *session) writePump() {
	for {
		select {
		case out := <-s.send:
			if err := s.conn.WriteJSON(out); err != nil {
				s.logger.Debugf("Session %s write failed: %v", s.id, err)
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}
