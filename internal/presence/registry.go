// Package presence tracks which users hold a live connection on this instance.
package presence

import (
	"errors"
	"sync"

	"github.com/eldtechnologies/farmchat/internal/models"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

// Conn is a live client connection that accepts encoded events.
// Send must not block; it fails with ErrSendBufferFull or ErrConnectionClosed instead.
type Conn interface {
	ID() string
	Send(data []byte) error
}

// Registry maps users to their single active connection. Last registration wins.
type Registry struct {
	mu     sync.RWMutex
	byUser map[models.UserID]Conn
	byConn map[string]map[models.UserID]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[models.UserID]Conn),
		byConn: make(map[string]map[models.UserID]struct{}),
	}
}

// Register binds userID to conn, replacing any previous binding for that user.
// It returns the connection that was displaced, if any.
func (r *Registry) Register(userID models.UserID, conn Conn) (replaced Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byUser[userID]; ok {
		if prev.ID() == conn.ID() {
			r.byUser[userID] = conn
			return nil
		}
		r.unbind(prev.ID(), userID)
		replaced = prev
	}

	r.byUser[userID] = conn
	users, ok := r.byConn[conn.ID()]
	if !ok {
		users = make(map[models.UserID]struct{})
		r.byConn[conn.ID()] = users
	}
	users[userID] = struct{}{}

	return replaced
}

// Lookup returns the connection registered for userID.
func (r *Registry) Lookup(userID models.UserID) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.byUser[userID]
	return conn, ok
}

// RemoveByConnection drops every user bound to conn and returns them.
// Users that have since re-registered on another connection are untouched.
func (r *Registry) RemoveByConnection(conn Conn) []models.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()

	users, ok := r.byConn[conn.ID()]
	if !ok {
		return nil
	}
	delete(r.byConn, conn.ID())

	removed := make([]models.UserID, 0, len(users))
	for userID := range users {
		if cur, ok := r.byUser[userID]; ok && cur.ID() == conn.ID() {
			delete(r.byUser, userID)
			removed = append(removed, userID)
		}
	}
	return removed
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// unbind removes userID from a connection's reverse index. Caller holds the lock.
func (r *Registry) unbind(connID string, userID models.UserID) {
	users, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(r.byConn, connID)
	}
}
