package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordIsReply(t *testing.T) {
	rec := Record{ID: 1, ConversationID: 10}
	assert.False(t, rec.IsReply())

	parentID := int64(5)
	rec.ParentID = &parentID
	assert.True(t, rec.IsReply())
}

func TestSendRequestValidate(t *testing.T) {
	valid := SendRequest{ConversationID: 10, Content: "hi", CorrelationID: "c1"}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name string
		req  SendRequest
		want error
	}{
		{"no conversation", SendRequest{Content: "hi", CorrelationID: "c1"}, ErrMissingConversation},
		{"no content", SendRequest{ConversationID: 10, CorrelationID: "c1"}, ErrMissingContent},
		{"no correlation", SendRequest{ConversationID: 10, Content: "hi"}, ErrMissingCorrelation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.req.Validate(), tt.want)
		})
	}
}

func TestBroadcastEventValidate(t *testing.T) {
	valid := BroadcastEvent{Kind: EventRecordCreated, ConversationID: 10}
	require.NoError(t, valid.Validate())

	assert.Error(t, (&BroadcastEvent{Kind: "bogus", ConversationID: 10}).Validate())
	assert.ErrorIs(t, (&BroadcastEvent{Kind: EventRecordCreated}).Validate(), ErrMissingConversation)
}

func TestOutboxEntryValidate(t *testing.T) {
	valid := OutboxEntry{
		MessageID:      101,
		ConversationID: 10,
		SenderID:       1,
		RecipientIDs:   []int64{1, 2},
		Task:           TaskUnreadCounters,
		IdempotencyKey: "10:101:unread_counters",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(e *OutboxEntry)
	}{
		{"missing message id", func(e *OutboxEntry) { e.MessageID = 0 }},
		{"missing conversation", func(e *OutboxEntry) { e.ConversationID = 0 }},
		{"unknown task", func(e *OutboxEntry) { e.Task = "bogus" }},
		{"missing idempotency key", func(e *OutboxEntry) { e.IdempotencyKey = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broken := valid
			tt.mutate(&broken)
			assert.Error(t, broken.Validate())
		})
	}
}

func TestEventRoundTrip(t *testing.T) {
	parentID := int64(100)
	event := NewCreatedEvent(Record{
		ID:             201,
		CorrelationID:  "c1",
		ConversationID: 10,
		ParentID:       &parentID,
		RootID:         100,
		AuthorID:       1,
		AuthorNickname: "alice",
		Content:        "hello",
		CreatedAt:      1700000000000,
	})

	data, err := EncodeEvent(event)
	require.NoError(t, err)

	decoded, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, EventRecordCreated, decoded.Kind)
	assert.Equal(t, int64(201), decoded.Record.ID)
	assert.Equal(t, "c1", decoded.Record.CorrelationID)
	require.NotNil(t, decoded.ParentID)
	assert.Equal(t, int64(100), *decoded.ParentID)
}

func TestDecodeEventRejectsInvalid(t *testing.T) {
	_, err := DecodeEvent([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeEvent([]byte(`{"kind":"bogus","conversation_id":10}`))
	assert.Error(t, err)
}

func TestIdempotencyKeyDistinctPerTask(t *testing.T) {
	a := IdempotencyKey(10, 101, TaskUnreadCounters)
	b := IdempotencyKey(10, 101, TaskOfflineInbox)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, IdempotencyKey(10, 101, TaskUnreadCounters))
}
