package server

import (
	"sync"
	"sync/atomic"

	"github.com/skein-chat/skein/pkg/protocol"
)

// sessionConn is the slice of a websocket connection the session layer
// needs. *websocket.Conn satisfies it; tests substitute fakes.
type sessionConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// wsTextMessage mirrors websocket.TextMessage without importing the
// package here.
const wsTextMessage = 1

// Session is one connected client. Events are queued on a buffered
// channel and written by a single goroutine per session, which
// preserves FIFO delivery per conversation.
type Session struct {
	ID       uint64
	UserID   int64
	Nickname string

	conn sessionConn
	send chan []byte

	mu            sync.RWMutex
	subscriptions map[int64]bool // conversation id -> subscribed

	closeOnce sync.Once
	closed    chan struct{}
}

// Subscribe adds a conversation subscription.
func (s *Session) Subscribe(conversationID int64) {
	s.mu.Lock()
	s.subscriptions[conversationID] = true
	s.mu.Unlock()
}

// Unsubscribe removes a conversation subscription.
func (s *Session) Unsubscribe(conversationID int64) {
	s.mu.Lock()
	delete(s.subscriptions, conversationID)
	s.mu.Unlock()
}

// IsSubscribed checks a conversation subscription.
func (s *Session) IsSubscribed(conversationID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscriptions[conversationID]
}

// enqueue offers data to the session's writer. A full queue means the
// client cannot keep up; the send is dropped and the caller marks the
// session dead.
func (s *Session) enqueue(data []byte) bool {
	select {
	case s.send <- data:
		return true
	case <-s.closed:
		return false
	default:
		return false
	}
}

// writeLoop drains the send queue onto the connection.
func (s *Session) writeLoop() {
	for {
		select {
		case data := <-s.send:
			if err := s.conn.WriteMessage(wsTextMessage, data); err != nil {
				s.close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// SessionManager manages all active sessions and performs broadcast
// fan-out.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   uint64
	metrics  *Metrics
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[uint64]*Session),
	}
}

// SetMetrics attaches metrics to the session manager.
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a new connection and starts its writer.
func (sm *SessionManager) CreateSession(userID int64, nickname string, conn sessionConn) *Session {
	sess := &Session{
		ID:            atomic.AddUint64(&sm.nextID, 1),
		UserID:        userID,
		Nickname:      nickname,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[int64]bool),
		closed:        make(chan struct{}),
	}

	sm.mu.Lock()
	sm.sessions[sess.ID] = sess
	count := len(sm.sessions)
	sm.mu.Unlock()

	go sess.writeLoop()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
		sm.metrics.RecordSessionCreated()
	}
	return sess
}

// RemoveSession removes a session and closes its connection.
func (sm *SessionManager) RemoveSession(sessionID uint64) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, sessionID)
	count := len(sm.sessions)
	sm.mu.Unlock()

	sess.close()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
		sm.metrics.RecordSessionDisconnected()
	}
}

// GetSession returns a session by id.
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// Broadcast delivers a broadcast event to every session subscribed to
// its conversation. Sessions whose queue is full are removed from the
// pool.
func (sm *SessionManager) Broadcast(event *protocol.BroadcastEvent) error {
	data, err := protocol.EncodeEvent(event)
	if err != nil {
		return err
	}

	var dead []uint64
	recipients := 0

	sm.mu.RLock()
	for _, sess := range sm.sessions {
		if !sess.IsSubscribed(event.ConversationID) {
			continue
		}
		if sess.enqueue(data) {
			recipients++
		} else {
			dead = append(dead, sess.ID)
		}
	}
	sm.mu.RUnlock()

	for _, id := range dead {
		sm.RemoveSession(id)
	}

	if sm.metrics != nil {
		sm.metrics.RecordBroadcast(recipients)
	}
	return nil
}

// CountOnline returns the number of connected sessions.
func (sm *SessionManager) CountOnline() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// HasSessionsForUser reports whether a user still has at least one
// live session. Presence bookkeeping consults this on disconnect: a
// two-device user closing one connection is still connected.
func (sm *SessionManager) HasSessionsForUser(userID int64) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for _, sess := range sm.sessions {
		if sess.UserID == userID {
			return true
		}
	}
	return false
}

// ConnectedUserIDs returns the distinct user ids with a live session.
func (sm *SessionManager) ConnectedUserIDs() []int64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	seen := make(map[int64]bool, len(sm.sessions))
	out := make([]int64, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		if !seen[sess.UserID] {
			seen[sess.UserID] = true
			out = append(out, sess.UserID)
		}
	}
	return out
}

// CloseAll closes all sessions.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, sess := range sm.sessions {
		sess.close()
	}
	sm.sessions = make(map[uint64]*Session)
}
