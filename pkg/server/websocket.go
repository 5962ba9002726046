package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// The gateway sits behind the product's own origin checks
		return true
	},
}

// endSession removes a session and clears the user's presence only
// once their last session is gone, so the offline inbox never fires
// for a user whose other device is still connected.
func (s *Server) endSession(ctx context.Context, sess *Session) {
	s.sessions.RemoveSession(sess.ID)
	if s.sessions.HasSessionsForUser(sess.UserID) {
		return
	}
	if err := s.counters.MarkDisconnected(ctx, sess.UserID); err != nil {
		log.Printf("Session %d: failed to mark disconnected: %v", sess.ID, err)
	}
}

// subscribeMessage is the client -> gateway control frame.
type subscribeMessage struct {
	Action         string `json:"action"` // "subscribe" or "unsubscribe"
	ConversationID int64  `json:"conversation_id"`
}

// HandleWebSocket upgrades the connection and runs the session until
// the client disconnects. The broadcast channel for a conversation is
// the session's send queue: one writer goroutine per session keeps
// per-conversation delivery FIFO.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID == 0 {
		http.Error(w, "missing or invalid user_id", http.StatusBadRequest)
		return
	}
	nickname := r.URL.Query().Get("nickname")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	sess := s.sessions.CreateSession(userID, nickname, ws)
	log.Printf("Session %d connected (user %d, %s)", sess.ID, userID, r.RemoteAddr)

	ctx := context.Background()
	if err := s.counters.MarkConnected(ctx, userID); err != nil {
		log.Printf("Session %d: failed to mark connected: %v", sess.ID, err)
	}

	defer func() {
		s.endSession(ctx, sess)
		log.Printf("Session %d disconnected", sess.ID)
	}()

	// Control loop: the only frames clients send here are
	// subscribe/unsubscribe; everything else arrives over HTTP.
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg subscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Session %d: malformed control frame: %v", sess.ID, err)
			continue
		}

		switch msg.Action {
		case "subscribe":
			sess.Subscribe(msg.ConversationID)
		case "unsubscribe":
			sess.Unsubscribe(msg.ConversationID)
		default:
			log.Printf("Session %d: unknown control action %q", sess.ID, msg.Action)
		}
	}
}
