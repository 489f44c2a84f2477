package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is the per-connection state: a verified identity, the room the
// connection is (or will be) bound to, and the transport. A session is
// created exactly once per websocket connect and never outlives it; rebinding
// to another identity or room requires a new connection.
type Session struct {
	ID          string // connection ID, assigned at handshake
	UserID      int64
	Username    string
	RoomCode    string // room the identity token authorizes
	ConnectedAt time.Time

	conn   *wsConn
	roomID atomic.Int64 // 0 while unbound

	teardownOnce sync.Once
}

// Bound reports whether the session has joined its room.
func (s *Session) Bound() bool {
	return s.roomID.Load() != 0
}

// RoomID returns the bound room ID, or 0 while unbound.
func (s *Session) RoomID() int64 {
	return s.roomID.Load()
}

// bindRoom records the room binding. Called once, from the session's own
// read loop; the binding is immutable afterwards.
func (s *Session) bindRoom(roomID int64) {
	s.roomID.Store(roomID)
}

// SessionManager tracks all live sessions.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates an empty session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session)}
}

// CreateSession registers a new session for a verified identity.
func (sm *SessionManager) CreateSession(userID int64, username, roomCode string, conn *wsConn) *Session {
	sess := &Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		Username:    username,
		RoomCode:    roomCode,
		ConnectedAt: time.Now(),
		conn:        conn,
	}

	sm.mu.Lock()
	sm.sessions[sess.ID] = sess
	sm.mu.Unlock()

	return sess
}

// GetSession returns a session by connection ID.
func (sm *SessionManager) GetSession(id string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[id]
	return sess, ok
}

// RemoveSession drops a session from the manager. The caller owns transport
// close and registry removal (see Server.teardownSession).
func (sm *SessionManager) RemoveSession(id string) {
	sm.mu.Lock()
	delete(sm.sessions, id)
	sm.mu.Unlock()
}

// SessionsForUser returns the user's live sessions bound to the given room.
func (sm *SessionManager) SessionsForUser(userID, roomID int64) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var out []*Session
	for _, sess := range sm.sessions {
		if sess.UserID == userID && sess.RoomID() == roomID {
			out = append(out, sess)
		}
	}
	return out
}

// All returns every live session.
func (sm *SessionManager) All() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}
