package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/skein-chat/skein/pkg/database"
	"github.com/skein-chat/skein/pkg/protocol"
)

// HandleSend persists a message and returns the confirmed record. The
// message and its outbox entries commit in one transaction; the
// broadcast goes out after the commit, so subscribers only ever see
// durable records.
func (s *Server) HandleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req protocol.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.RecordSendRequest("malformed")
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		s.metrics.RecordSendRequest("invalid")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Content) > s.config.Limits.MaxContentLength {
		s.metrics.RecordSendRequest("too_long")
		http.Error(w, "content too long", http.StatusBadRequest)
		return
	}

	rootID, err := s.resolveRoot(&req)
	if err != nil {
		s.metrics.RecordSendRequest("bad_parent")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	members, err := s.db.ConversationMembers(req.ConversationID)
	if err != nil {
		s.metrics.RecordSendRequest("error")
		log.Printf("Send: failed to load members for conversation %d: %v", req.ConversationID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	msg, err := s.db.WriteBuffer.PostMessage(req.ConversationID, req.ParentID, rootID, req.AuthorID, req.AuthorNickname, req.Content, members)
	if err != nil {
		s.metrics.RecordSendRequest("error")
		log.Printf("Send: failed to persist message: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	record := recordFromMessage(msg)
	record.CorrelationID = req.CorrelationID

	if err := s.sessions.Broadcast(protocol.NewCreatedEvent(record)); err != nil {
		// The record is durable; delivery will catch up via pagination
		log.Printf("Send: broadcast failed for message %d: %v", msg.ID, err)
	}

	s.metrics.RecordSendRequest("ok")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(protocol.SendResponse{Record: record}); err != nil {
		log.Printf("Send: failed to encode response: %v", err)
	}
}

// resolveRoot determines the thread root for a reply by loading its
// parent. Top-level sends resolve at insert time (the new id).
func (s *Server) resolveRoot(req *protocol.SendRequest) (int64, error) {
	if req.ParentID == nil {
		return 0, nil
	}
	parent, err := s.db.GetMessage(*req.ParentID)
	if err != nil {
		return 0, err
	}
	return parent.RootID, nil
}

// HandleMessages serves one ledger page: up to limit messages older
// than the before cursor, newest first.
func (s *Server) HandleMessages(w http.ResponseWriter, r *http.Request) {
	conversationID, err := strconv.ParseInt(r.URL.Query().Get("conversation_id"), 10, 64)
	if err != nil || conversationID == 0 {
		http.Error(w, "missing or invalid conversation_id", http.StatusBadRequest)
		return
	}

	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	messages, err := s.db.ListMessages(conversationID, before, limit)
	if err != nil {
		log.Printf("Messages: list failed for conversation %d: %v", conversationID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	records := make([]protocol.Record, 0, len(messages))
	for _, msg := range messages {
		records = append(records, recordFromMessage(msg))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"records": records,
		"count":   len(records),
	}); err != nil {
		log.Printf("Messages: failed to encode response: %v", err)
	}
}

// HealthHandler serves health check status.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	pending, err := s.db.CountOutboxPending()
	health := map[string]interface{}{
		"status":              "healthy",
		"uptime_seconds":      int64(time.Since(s.startTime).Seconds()),
		"active_sessions":     s.sessions.CountOnline(),
		"database_accessible": err == nil,
		"outbox_pending":      pending,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Printf("Health: failed to encode response: %v", err)
	}
}

func recordFromMessage(msg *database.Message) protocol.Record {
	return protocol.Record{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		ParentID:       msg.ParentID,
		RootID:         msg.RootID,
		AuthorID:       msg.AuthorID,
		AuthorNickname: msg.AuthorNickname,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}
}
