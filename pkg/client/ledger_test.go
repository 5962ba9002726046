package client

import (
	"errors"
	"fmt"
	"testing"

	"github.com/skein-chat/skein/pkg/protocol"
)

func pendingRequest(conversationID int64, correlationID, content string) *protocol.SendRequest {
	return &protocol.SendRequest{
		ConversationID: conversationID,
		Content:        content,
		CorrelationID:  correlationID,
		AuthorID:       1,
		AuthorNickname: "alice",
	}
}

func confirmedRecord(id, conversationID int64, correlationID, content string) protocol.Record {
	return protocol.Record{
		ID:             id,
		CorrelationID:  correlationID,
		ConversationID: conversationID,
		RootID:         id,
		AuthorID:       1,
		AuthorNickname: "alice",
		Content:        content,
		CreatedAt:      1700000000000,
	}
}

func TestInsertPendingPrepends(t *testing.T) {
	l := NewLedger(10)

	first := l.InsertPending(pendingRequest(10, "c1", "first"))
	second := l.InsertPending(pendingRequest(10, "c2", "second"))

	if l.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", l.Len())
	}
	if l.IndexOf(second) != 0 {
		t.Fatalf("expected newest record at index 0, got %d", l.IndexOf(second))
	}
	if l.IndexOf(first) != 1 {
		t.Fatalf("expected older record at index 1, got %d", l.IndexOf(first))
	}

	rec, ok := l.Get(second)
	if !ok {
		t.Fatal("expected record to exist")
	}
	if rec.Status != StatusPending {
		t.Fatalf("expected pending status, got %v", rec.Status)
	}
	if rec.Record.ID != 0 {
		t.Fatalf("expected zero durable id before confirmation, got %d", rec.Record.ID)
	}
}

func TestResolveReplacesInPlace(t *testing.T) {
	l := NewLedger(10)

	localID := l.InsertPending(pendingRequest(10, "c1", "hello"))
	l.InsertPending(pendingRequest(10, "c2", "newer"))

	positionBefore := l.IndexOf(localID)

	if !l.Resolve("c1", confirmedRecord(101, 10, "c1", "hello")) {
		t.Fatal("expected resolve to succeed")
	}

	rec, ok := l.Get(localID)
	if !ok {
		t.Fatal("expected record to survive resolution under the same local id")
	}
	if rec.Status != StatusConfirmed {
		t.Fatalf("expected confirmed status, got %v", rec.Status)
	}
	if rec.Record.ID != 101 {
		t.Fatalf("expected durable id 101, got %d", rec.Record.ID)
	}
	if l.IndexOf(localID) != positionBefore {
		t.Fatalf("expected position %d to be stable, got %d", positionBefore, l.IndexOf(localID))
	}
	if l.Len() != 2 {
		t.Fatalf("expected no new record, got %d records", l.Len())
	}
}

func TestResolveUnknownCorrelation(t *testing.T) {
	l := NewLedger(10)

	if l.Resolve("missing", confirmedRecord(101, 10, "missing", "hello")) {
		t.Fatal("expected resolve to report no pending record")
	}
	if l.Len() != 0 {
		t.Fatalf("expected empty ledger, got %d records", l.Len())
	}
}

func TestResolveAfterBroadcastWonDropsPending(t *testing.T) {
	l := NewLedger(10)

	localID := l.InsertPending(pendingRequest(10, "c1", "hello"))
	confirmed := confirmedRecord(101, 10, "c1", "hello")

	// Broadcast path arrived first as an inbound create.
	if _, inserted := l.ApplyInboundCreate(confirmed); !inserted {
		t.Fatal("expected inbound create to insert")
	}

	// Network-response path runs second: the confirmed id already
	// exists, so the lingering pending record is dropped.
	if !l.Resolve("c1", confirmed) {
		t.Fatal("expected late resolve to report handled")
	}

	if l.Len() != 1 {
		t.Fatalf("expected exactly one record after the race, got %d", l.Len())
	}
	if _, ok := l.Get(localID); ok {
		t.Fatal("expected the pending duplicate to be removed")
	}
	if _, ok := l.GetByRecordID(101); !ok {
		t.Fatal("expected the confirmed record to remain")
	}
}

func TestApplyInboundCreateDeduplicates(t *testing.T) {
	l := NewLedger(10)
	rec := confirmedRecord(101, 10, "", "hello")

	firstID, inserted := l.ApplyInboundCreate(rec)
	if !inserted {
		t.Fatal("expected first delivery to insert")
	}
	secondID, inserted := l.ApplyInboundCreate(rec)
	if inserted {
		t.Fatal("expected duplicate delivery to be absorbed")
	}
	if firstID != secondID {
		t.Fatalf("expected duplicate to map to the same local id: %d vs %d", firstID, secondID)
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", l.Len())
	}
}

func TestMarkFailedAndRetry(t *testing.T) {
	l := NewLedger(10)
	req := pendingRequest(10, "c1", "hello")

	localID := l.InsertPending(req)
	if !l.MarkFailed("c1", req) {
		t.Fatal("expected mark failed to succeed")
	}

	rec, _ := l.Get(localID)
	if rec.Status != StatusFailed {
		t.Fatalf("expected failed status, got %v", rec.Status)
	}
	if rec.RetryPayload == nil {
		t.Fatal("expected retry payload to be attached")
	}

	payload, err := l.PrepareRetry(localID, "c1-retry")
	if err != nil {
		t.Fatalf("prepare retry failed: %v", err)
	}
	if payload.CorrelationID != "c1-retry" {
		t.Fatalf("expected fresh correlation id, got %q", payload.CorrelationID)
	}
	if payload.Content != "hello" {
		t.Fatalf("expected original content, got %q", payload.Content)
	}

	rec, _ = l.Get(localID)
	if rec.Status != StatusPending {
		t.Fatalf("expected record back to pending, got %v", rec.Status)
	}

	// The retried send resolves under the new correlation id.
	if !l.Resolve("c1-retry", confirmedRecord(102, 10, "c1-retry", "hello")) {
		t.Fatal("expected resolve under retry correlation id")
	}
}

func TestPrepareRetryErrors(t *testing.T) {
	l := NewLedger(10)

	if _, err := l.PrepareRetry(999, "x"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}

	localID := l.InsertPending(pendingRequest(10, "c1", "hello"))
	if _, err := l.PrepareRetry(localID, "x"); !errors.Is(err, ErrRecordNotFailed) {
		t.Fatalf("expected ErrRecordNotFailed, got %v", err)
	}
}

func TestRemoveFailed(t *testing.T) {
	l := NewLedger(10)
	req := pendingRequest(10, "c1", "hello")

	localID := l.InsertPending(req)

	if err := l.RemoveFailed(localID); !errors.Is(err, ErrRecordNotFailed) {
		t.Fatalf("expected ErrRecordNotFailed for a pending record, got %v", err)
	}

	l.MarkFailed("c1", req)
	if err := l.RemoveFailed(localID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if l.Len() != 0 {
		t.Fatalf("expected empty ledger, got %d records", l.Len())
	}

	if err := l.RemoveFailed(localID); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound after removal, got %v", err)
	}
}

func TestApplyUpdateAndDelete(t *testing.T) {
	l := NewLedger(10)
	rec := confirmedRecord(101, 10, "", "original")
	localID, _ := l.ApplyInboundCreate(rec)

	updated := rec
	updated.Content = "edited"
	if !l.ApplyUpdate(updated) {
		t.Fatal("expected update to apply")
	}
	got, _ := l.Get(localID)
	if got.Record.Content != "edited" {
		t.Fatalf("expected edited content, got %q", got.Record.Content)
	}

	if l.ApplyUpdate(confirmedRecord(999, 10, "", "x")) {
		t.Fatal("expected update for unknown id to be ignored")
	}

	if !l.ApplyDelete(101) {
		t.Fatal("expected delete to apply")
	}
	if l.Len() != 0 {
		t.Fatalf("expected empty ledger, got %d records", l.Len())
	}
	if l.ApplyDelete(101) {
		t.Fatal("expected second delete to be ignored")
	}
}

func TestReplyProjectionIdempotent(t *testing.T) {
	l := NewLedger(10)
	root := confirmedRecord(101, 10, "", "root")
	l.ApplyInboundCreate(root)

	parentID := int64(101)
	reply := protocol.Record{
		ID:             201,
		ConversationID: 10,
		ParentID:       &parentID,
		RootID:         101,
		AuthorID:       2,
		AuthorNickname: "bob",
		Content:        "reply",
	}

	if !l.ApplyReplyProjection(101, reply) {
		t.Fatal("expected first projection to apply")
	}
	if l.ApplyReplyProjection(101, reply) {
		t.Fatal("expected duplicate projection to be a no-op")
	}

	rec, _ := l.GetByRecordID(101)
	if rec.ReplyCount != 1 {
		t.Fatalf("expected reply count 1, got %d", rec.ReplyCount)
	}
	if len(rec.LastRepliers) != 1 || rec.LastRepliers[0] != "bob" {
		t.Fatalf("expected last repliers [bob], got %v", rec.LastRepliers)
	}
}

func TestReplyProjectionCapsRepliers(t *testing.T) {
	l := NewLedger(10)
	l.ApplyInboundCreate(confirmedRecord(101, 10, "", "root"))

	parentID := int64(101)
	for i := 0; i < 8; i++ {
		reply := protocol.Record{
			ID:             int64(200 + i),
			ConversationID: 10,
			ParentID:       &parentID,
			RootID:         101,
			AuthorNickname: fmt.Sprintf("user%d", i),
		}
		l.ApplyReplyProjection(101, reply)
	}

	rec, _ := l.GetByRecordID(101)
	if rec.ReplyCount != 8 {
		t.Fatalf("expected reply count 8, got %d", rec.ReplyCount)
	}
	if len(rec.LastRepliers) != maxLastRepliers {
		t.Fatalf("expected %d last repliers, got %d", maxLastRepliers, len(rec.LastRepliers))
	}
	if rec.LastRepliers[0] != "user7" {
		t.Fatalf("expected most recent replier first, got %v", rec.LastRepliers)
	}
}

func TestPagePagination(t *testing.T) {
	l := NewLedger(10)
	for i := 1; i <= 5; i++ {
		l.ApplyInboundCreate(confirmedRecord(int64(100+i), 10, "", fmt.Sprintf("m%d", i)))
	}

	page, cursor := l.Page(0, 2)
	if len(page) != 2 {
		t.Fatalf("expected 2 records, got %d", len(page))
	}
	if page[0].Record.ID != 105 {
		t.Fatalf("expected newest record first, got %d", page[0].Record.ID)
	}
	if cursor == 0 {
		t.Fatal("expected a next cursor")
	}

	page, cursor = l.Page(cursor, 2)
	if len(page) != 2 || page[0].Record.ID != 103 {
		t.Fatalf("expected the next page to start at 103, got %+v", page)
	}

	page, cursor = l.Page(cursor, 2)
	if len(page) != 1 || page[0].Record.ID != 101 {
		t.Fatalf("expected the final page with record 101, got %+v", page)
	}
	if cursor != 0 {
		t.Fatalf("expected exhausted cursor, got %d", cursor)
	}
}

func TestSubscribeDeliversChanges(t *testing.T) {
	l := NewLedger(10)

	var changes []Change
	unsubscribe := l.Subscribe(func(c Change) {
		changes = append(changes, c)
	})

	localID := l.InsertPending(pendingRequest(10, "c1", "hello"))
	l.Resolve("c1", confirmedRecord(101, 10, "c1", "hello"))

	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if changes[0].Kind != ChangeInserted || changes[0].LocalID != localID {
		t.Fatalf("unexpected first change: %+v", changes[0])
	}
	if changes[1].Kind != ChangeResolved || changes[1].LocalID != localID {
		t.Fatalf("unexpected second change: %+v", changes[1])
	}

	unsubscribe()
	l.ApplyInboundCreate(confirmedRecord(102, 10, "", "bye"))
	if len(changes) != 2 {
		t.Fatalf("expected no changes after unsubscribe, got %d", len(changes))
	}
}
