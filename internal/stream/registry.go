package stream

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// socket is the part of *websocket.Conn the registry needs.
type socket interface {
	Close(code websocket.StatusCode, reason string) error
}

// Registry tracks the open recording socket of every user and question. A
// new socket for the same question replaces the old one.
type Registry struct {
	mu     sync.RWMutex
	active map[string]map[string]socket
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]map[string]socket),
	}
}

// Active returns the socket recording question for userID.
func (m *Registry) Active(userID, question string) socket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sockets, ok := m.active[userID]; ok {
		return sockets[question]
	}
	return nil
}

// Register adds conn, closing any socket it replaces.
func (m *Registry) Register(userID, question string, conn socket) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]socket)
	}

	if existing, exists := m.active[userID][question]; exists && existing != conn {
		_ = existing.Close(websocket.StatusPolicyViolation, "recording opened elsewhere")
	}

	m.active[userID][question] = conn
	slog.Debug("Recording socket registered", "user_id", userID, "question", question)
}

// Unregister removes conn unless it was already replaced.
func (m *Registry) Unregister(userID, question string, conn socket) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sockets, ok := m.active[userID]; ok {
		if current, exists := sockets[question]; exists && current == conn {
			delete(sockets, question)
			if len(sockets) == 0 {
				delete(m.active, userID)
			}
			slog.Debug("Recording socket unregistered", "user_id", userID, "question", question)
		}
	}
}

// CloseAll closes every socket. Hijacked connections are not closed by
// http.Server.Shutdown.
func (m *Registry) CloseAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for userID, sockets := range m.active {
		for _, conn := range sockets {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			n++
		}
		delete(m.active, userID)
	}
	return n
}
