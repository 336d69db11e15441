package notify

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// WSSession represents a connected client session.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds live driver and rider sockets keyed by user id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[userID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, userID)
}

// Send writes v to userID's socket if one is attached.
func (r *WSRegistry) Send(userID string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(v); err != nil {
		log.Printf("ws send error: %v", err)
		return err
	}
	return nil
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
