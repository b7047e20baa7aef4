// Package hub is the single-process session registry and room broadcaster.
package hub

import (
	"log/slog"
	"sync"
	"time"

	"roomchat-server/domain"
	"roomchat-server/metrics"
)

type room struct {
	sessions map[domain.SessionID]*domain.Session
	mu       sync.RWMutex
}

// Hub maps rooms to live sessions. Lock order is Hub.mu then room.mu.
type Hub struct {
	rooms    map[domain.RoomID]*room
	sessions map[domain.SessionID]*room
	byUser   map[domain.UserID]map[domain.SessionID]struct{}
	mu       sync.RWMutex

	metrics *metrics.Metrics
	now     func() time.Time
}

func New(m *metrics.Metrics) *Hub {
	return &Hub{
		rooms:    make(map[domain.RoomID]*room),
		sessions: make(map[domain.SessionID]*room),
		byUser:   make(map[domain.UserID]map[domain.SessionID]struct{}),
		metrics:  m,
		now:      time.Now,
	}
}

// Register adds conn as a live session of its room for user.
func (h *Hub) Register(conn domain.Connection, user domain.Identity) domain.Session {
	sess := &domain.Session{
		ID:        conn.ID(),
		User:      user,
		Room:      conn.Room(),
		CreatedAt: h.now().UTC(),
		Conn:      conn,
	}

	h.mu.Lock()
	r, exists := h.rooms[sess.Room]
	if !exists {
		r = &room{sessions: make(map[domain.SessionID]*domain.Session)}
		h.rooms[sess.Room] = r
	}
	h.sessions[sess.ID] = r
	owned, ok := h.byUser[user.ID]
	if !ok {
		owned = make(map[domain.SessionID]struct{})
		h.byUser[user.ID] = owned
	}
	owned[sess.ID] = struct{}{}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	count := len(r.sessions)
	r.mu.Unlock()
	h.mu.Unlock()

	h.metrics.SessionOpened()
	slog.Info("session registered", "room", sess.Room, "sessionId", sess.ID, "user", user.ID, "sessions", count)
	return *sess
}

// Deregister removes a session. It reports false when the session was not
// registered, so repeated calls have no side effects.
func (h *Hub) Deregister(id domain.SessionID) (domain.Session, bool) {
	h.mu.Lock()
	r, exists := h.sessions[id]
	if !exists {
		h.mu.Unlock()
		return domain.Session{}, false
	}
	delete(h.sessions, id)

	r.mu.Lock()
	sess := r.sessions[id]
	delete(r.sessions, id)
	count := len(r.sessions)
	r.mu.Unlock()

	if owned, ok := h.byUser[sess.User.ID]; ok {
		delete(owned, id)
		if len(owned) == 0 {
			delete(h.byUser, sess.User.ID)
		}
	}
	if count == 0 {
		delete(h.rooms, sess.Room)
	}
	h.mu.Unlock()

	h.metrics.SessionClosed()
	slog.Info("session deregistered", "room", sess.Room, "sessionId", id, "user", sess.User.ID, "sessions", count)
	if count == 0 {
		slog.Debug("room removed", "room", sess.Room)
	}
	return *sess, true
}

// SessionsOf returns a snapshot of the room's live sessions.
func (h *Hub) SessionsOf(roomID domain.RoomID) []domain.Session {
	h.mu.RLock()
	r, exists := h.rooms[roomID]
	h.mu.RUnlock()

	if !exists {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// SetTyping updates the typing flag and reports whether the session exists.
func (h *Hub) SetTyping(id domain.SessionID, typing bool) bool {
	h.mu.RLock()
	r, exists := h.sessions[id]
	h.mu.RUnlock()

	if !exists {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return false
	}
	sess.Typing = typing
	return true
}

// UserSessions counts the user's live sessions across all rooms.
func (h *Hub) UserSessions(user domain.UserID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[user])
}

func (h *Hub) Stats() (rooms, sessions int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms), len(h.sessions)
}
