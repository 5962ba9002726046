package protocol

import (
	"encoding/json"
	"fmt"
)

// EncodeEvent marshals a broadcast event to its JSON wire form.
func EncodeEvent(e *BroadcastEvent) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	return json.Marshal(e)
}

// DecodeEvent unmarshals a broadcast event from its JSON wire form.
func DecodeEvent(data []byte) (*BroadcastEvent, error) {
	var e BroadcastEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	return &e, nil
}

// NewCreatedEvent builds the record_created event for a confirmed record.
func NewCreatedEvent(rec Record) *BroadcastEvent {
	return &BroadcastEvent{
		Kind:           EventRecordCreated,
		ConversationID: rec.ConversationID,
		ParentID:       rec.ParentID,
		RootID:         rec.RootID,
		Record:         rec,
	}
}
