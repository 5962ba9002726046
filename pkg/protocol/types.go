package protocol

import (
	"errors"
	"fmt"
)

// EventKind identifies the kind of a broadcast event.
type EventKind string

const (
	EventRecordCreated EventKind = "record_created"
	EventRecordUpdated EventKind = "record_updated"
	EventRecordDeleted EventKind = "record_deleted"
)

// TaskKind identifies the kind of work an outbox entry carries.
type TaskKind string

const (
	TaskUnreadCounters TaskKind = "unread_counters"
	TaskOfflineInbox   TaskKind = "offline_inbox"
)

var (
	// ErrMissingConversation indicates an event or request without a conversation id.
	ErrMissingConversation = errors.New("missing conversation id")
	// ErrMissingContent indicates a send request with empty content.
	ErrMissingContent = errors.New("missing content")
	// ErrMissingCorrelation indicates a send request without a correlation id.
	ErrMissingCorrelation = errors.New("missing correlation id")
)

// Record is a message or thread reply as it travels on the wire.
// ID is zero until the server has confirmed the record. RootID is the
// top-level ancestor; it equals ID for top-level records. ParentID is
// nil for top-level records.
type Record struct {
	ID             int64  `json:"id,omitempty"`
	CorrelationID  string `json:"correlation_id,omitempty"`
	ConversationID int64  `json:"conversation_id"`
	ParentID       *int64 `json:"parent_id,omitempty"`
	RootID         int64  `json:"root_id,omitempty"`
	AuthorID       int64  `json:"author_id"`
	AuthorNickname string `json:"author_nickname"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"created_at"`
}

// IsReply reports whether the record is a thread reply.
func (r *Record) IsReply() bool {
	return r.ParentID != nil
}

// BroadcastEvent is one fan-out delivery for a record. Delivery is
// at-least-once and FIFO per conversation; consumers must tolerate
// duplicates.
type BroadcastEvent struct {
	Kind           EventKind `json:"kind"`
	ConversationID int64     `json:"conversation_id"`
	ParentID       *int64    `json:"parent_id,omitempty"`
	RootID         int64     `json:"root_id,omitempty"`
	Record         Record    `json:"record"`
}

// Validate checks structural validity of a broadcast event.
func (e *BroadcastEvent) Validate() error {
	switch e.Kind {
	case EventRecordCreated, EventRecordUpdated, EventRecordDeleted:
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.ConversationID == 0 {
		return ErrMissingConversation
	}
	return nil
}

// SendRequest is the client-originated request to create a record.
type SendRequest struct {
	ConversationID int64  `json:"conversation_id"`
	ParentID       *int64 `json:"parent_id,omitempty"`
	Content        string `json:"content"`
	CorrelationID  string `json:"correlation_id"`
	AuthorID       int64  `json:"author_id"`
	AuthorNickname string `json:"author_nickname"`
}

// Validate checks structural validity of a send request.
func (r *SendRequest) Validate() error {
	if r.ConversationID == 0 {
		return ErrMissingConversation
	}
	if r.Content == "" {
		return ErrMissingContent
	}
	if r.CorrelationID == "" {
		return ErrMissingCorrelation
	}
	return nil
}

// SendResponse is the synchronous confirmation for a send request.
type SendResponse struct {
	Record Record `json:"record"`
}

// OutboxEntry is one unit of post-persistence work consumed from the
// durable queue. Completion is recorded under IdempotencyKey so
// redelivery is a no-op.
type OutboxEntry struct {
	MessageID      int64    `json:"message_id"`
	ConversationID int64    `json:"conversation_id"`
	SenderID       int64    `json:"sender_id"`
	RecipientIDs   []int64  `json:"recipient_ids"`
	Task           TaskKind `json:"task_kind"`
	IdempotencyKey string   `json:"idempotency_key"`
}

// Validate checks structural validity of an outbox entry. A failing
// entry is fatal (dead-letter), never retryable.
func (e *OutboxEntry) Validate() error {
	if e.MessageID == 0 {
		return errors.New("missing message id")
	}
	if e.ConversationID == 0 {
		return ErrMissingConversation
	}
	switch e.Task {
	case TaskUnreadCounters, TaskOfflineInbox:
	default:
		return fmt.Errorf("unknown task kind %q", e.Task)
	}
	if e.IdempotencyKey == "" {
		return errors.New("missing idempotency key")
	}
	return nil
}

// IdempotencyKey derives the canonical idempotency key for a task.
func IdempotencyKey(conversationID, messageID int64, task TaskKind) string {
	return fmt.Sprintf("%d:%d:%s", conversationID, messageID, task)
}
