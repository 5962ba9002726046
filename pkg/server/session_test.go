package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/skein-chat/skein/pkg/protocol"
)

// fakeConn records written frames and can simulate a broken connection.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	fail   bool
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func waitForFrames(t *testing.T, conn *fakeConn, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn.frameCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d frames, got %d", want, conn.frameCount())
}

func testEvent(conversationID, recordID int64) *protocol.BroadcastEvent {
	return protocol.NewCreatedEvent(protocol.Record{
		ID:             recordID,
		ConversationID: conversationID,
		RootID:         recordID,
		AuthorID:       1,
		AuthorNickname: "alice",
		Content:        "hello",
	})
}

func TestBroadcastDeliversToSubscribers(t *testing.T) {
	sm := NewSessionManager()
	defer sm.CloseAll()

	subscribed := &fakeConn{}
	other := &fakeConn{}

	sess := sm.CreateSession(1, "alice", subscribed)
	sess.Subscribe(10)
	sm.CreateSession(2, "bob", other)

	if err := sm.Broadcast(testEvent(10, 101)); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}

	waitForFrames(t, subscribed, 1)
	if other.frameCount() != 0 {
		t.Fatalf("expected unsubscribed session to receive nothing, got %d frames", other.frameCount())
	}

	// The frame is the event's wire form.
	event, err := protocol.DecodeEvent(subscribed.frames[0])
	if err != nil {
		t.Fatalf("failed to decode delivered frame: %v", err)
	}
	if event.Record.ID != 101 {
		t.Fatalf("expected record 101, got %d", event.Record.ID)
	}
}

func TestBroadcastSkipsUnsubscribedConversation(t *testing.T) {
	sm := NewSessionManager()
	defer sm.CloseAll()

	conn := &fakeConn{}
	sess := sm.CreateSession(1, "alice", conn)
	sess.Subscribe(10)
	sess.Unsubscribe(10)

	if err := sm.Broadcast(testEvent(10, 101)); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if conn.frameCount() != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d frames", conn.frameCount())
	}
}

func TestBroadcastPreservesOrderPerSession(t *testing.T) {
	sm := NewSessionManager()
	defer sm.CloseAll()

	conn := &fakeConn{}
	sess := sm.CreateSession(1, "alice", conn)
	sess.Subscribe(10)

	for i := int64(1); i <= 5; i++ {
		if err := sm.Broadcast(testEvent(10, 100+i)); err != nil {
			t.Fatalf("broadcast failed: %v", err)
		}
	}

	waitForFrames(t, conn, 5)
	for i, frame := range conn.frames {
		event, err := protocol.DecodeEvent(frame)
		if err != nil {
			t.Fatalf("failed to decode frame %d: %v", i, err)
		}
		if event.Record.ID != int64(101+i) {
			t.Fatalf("expected record %d at position %d, got %d", 101+i, i, event.Record.ID)
		}
	}
}

func TestBroadcastRemovesDeadSessions(t *testing.T) {
	sm := NewSessionManager()
	defer sm.CloseAll()

	conn := &fakeConn{fail: true}
	sess := sm.CreateSession(1, "alice", conn)
	sess.Subscribe(10)

	// The first write fails and kills the writer; once the queue fills,
	// broadcasts drop the session.
	for i := int64(0); i < 300; i++ {
		if err := sm.Broadcast(testEvent(10, 101+i)); err != nil {
			t.Fatalf("broadcast failed: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sm.CountOnline() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected dead session to be removed, %d still online", sm.CountOnline())
}

func TestRemoveSessionClosesConnection(t *testing.T) {
	sm := NewSessionManager()

	conn := &fakeConn{}
	sess := sm.CreateSession(1, "alice", conn)

	sm.RemoveSession(sess.ID)

	if sm.CountOnline() != 0 {
		t.Fatalf("expected 0 online, got %d", sm.CountOnline())
	}
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Fatal("expected the connection to be closed")
	}

	// Removing twice is a no-op.
	sm.RemoveSession(sess.ID)
}

func TestHasSessionsForUser(t *testing.T) {
	sm := NewSessionManager()

	first := sm.CreateSession(7, "alice", &fakeConn{})
	second := sm.CreateSession(7, "alice", &fakeConn{})

	if !sm.HasSessionsForUser(7) {
		t.Fatal("expected user 7 to have sessions")
	}

	sm.RemoveSession(first.ID)
	if !sm.HasSessionsForUser(7) {
		t.Fatal("expected user 7 connected while a second session remains")
	}

	sm.RemoveSession(second.ID)
	if sm.HasSessionsForUser(7) {
		t.Fatal("expected user 7 to have no sessions left")
	}
	if sm.HasSessionsForUser(8) {
		t.Fatal("expected unknown user to have no sessions")
	}
}

func TestEndSessionKeepsPresenceForOtherDevices(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	// The same user connected from two devices.
	laptop := srv.sessions.CreateSession(7, "alice", &fakeConn{})
	phone := srv.sessions.CreateSession(7, "alice", &fakeConn{})
	if err := srv.counters.MarkConnected(ctx, 7); err != nil {
		t.Fatalf("mark connected failed: %v", err)
	}

	srv.endSession(ctx, laptop)

	connected, err := srv.counters.IsConnected(ctx, 7)
	if err != nil {
		t.Fatalf("presence check failed: %v", err)
	}
	if !connected {
		t.Fatal("expected user to stay present while the phone session is open")
	}

	srv.endSession(ctx, phone)

	connected, err = srv.counters.IsConnected(ctx, 7)
	if err != nil {
		t.Fatalf("presence check failed: %v", err)
	}
	if connected {
		t.Fatal("expected user to drop from presence after the last session")
	}
}

func TestConnectedUserIDs(t *testing.T) {
	sm := NewSessionManager()
	defer sm.CloseAll()

	sm.CreateSession(1, "alice", &fakeConn{})
	sm.CreateSession(2, "bob", &fakeConn{})
	sm.CreateSession(1, "alice-phone", &fakeConn{})

	ids := sm.ConnectedUserIDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 distinct users, got %v", ids)
	}
	seen := make(map[int64]bool)
	for _, id := range ids {
		seen[id] = true
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("expected users 1 and 2 connected, got %v", ids)
	}
}
