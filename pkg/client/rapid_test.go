package client

import (
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/skein-chat/skein/pkg/protocol"
)

// TestLedgerNoDuplicatesUnderRedelivery checks that any sequence of
// record_created deliveries, including arbitrary redelivery, leaves the
// ledger with exactly one entry per durable id.
func TestLedgerNoDuplicatesUnderRedelivery(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := NewLedger(1)

		recordCount := rapid.IntRange(1, 20).Draw(t, "recordCount")
		deliveries := rapid.SliceOfN(rapid.IntRange(0, recordCount-1), 1, 60).Draw(t, "deliveries")

		for _, idx := range deliveries {
			l.ApplyInboundCreate(protocol.Record{
				ID:             int64(1000 + idx),
				ConversationID: 1,
				AuthorNickname: fmt.Sprintf("user%d", idx),
				Content:        fmt.Sprintf("message %d", idx),
			})
		}

		distinct := make(map[int]bool)
		for _, idx := range deliveries {
			distinct[idx] = true
		}
		if l.Len() != len(distinct) {
			t.Fatalf("expected %d records for %d distinct ids, got %d", len(distinct), len(distinct), l.Len())
		}

		// Every delivered id resolves to exactly one ledger entry.
		for idx := range distinct {
			if _, ok := l.GetByRecordID(int64(1000 + idx)); !ok {
				t.Fatalf("record %d missing from ledger", 1000+idx)
			}
		}
	})
}

// TestDispatchOrderInvariance checks that resolving the response path
// and the broadcast path in either order, with duplicates, converges to
// the same single confirmed record.
func TestDispatchOrderInvariance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		correlator := NewCorrelator(time.Minute, 30*time.Second)
		defer correlator.Close()
		d := NewDispatcher(correlator)
		ledger := d.OpenChannel(1)

		localID := ledger.InsertPending(&protocol.SendRequest{
			ConversationID: 1,
			Content:        "hello",
			CorrelationID:  "c1",
			AuthorID:       1,
			AuthorNickname: "alice",
		})
		correlator.Register("c1", localID)

		rec := protocol.Record{
			ID:             101,
			CorrelationID:  "c1",
			ConversationID: 1,
			RootID:         101,
			AuthorID:       1,
			AuthorNickname: "alice",
			Content:        "hello",
		}

		// 0 = response path, 1 = broadcast path, in any order and
		// multiplicity.
		paths := rapid.SliceOfN(rapid.IntRange(0, 1), 1, 6).Draw(t, "paths")
		for _, p := range paths {
			if p == 0 {
				d.ResolveConfirmed(rec)
			} else {
				if err := d.Dispatch(protocol.NewCreatedEvent(rec)); err != nil {
					t.Fatalf("dispatch failed: %v", err)
				}
			}
		}

		if ledger.Len() != 1 {
			t.Fatalf("expected exactly one record, got %d", ledger.Len())
		}
		got, ok := ledger.GetByRecordID(101)
		if !ok {
			t.Fatal("expected confirmed record 101")
		}
		if got.Status != StatusConfirmed {
			t.Fatalf("expected confirmed status, got %v", got.Status)
		}
	})
}

// TestScrollMachineTotality checks that the machine accepts any event
// sequence without panicking and always lands in a defined state, and
// that the indicator only ever shows with a positive arrival count.
func TestScrollMachineTotality(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewScrollMachine()

		events := rapid.SliceOfN(rapid.IntRange(0, 7), 0, 50).Draw(t, "events")
		for _, e := range events {
			state := m.Send(ScrollEvent(e))
			if state < StateInitializing || state > StateJumpingToLatest {
				t.Fatalf("machine entered undefined state %d", state)
			}
			if m.ShouldShowIndicator() && m.Context().NewArrivalCount == 0 {
				t.Fatal("indicator shown with zero arrivals")
			}
			if m.Context().NewArrivalCount < 0 {
				t.Fatalf("negative arrival count %d", m.Context().NewArrivalCount)
			}
		}
	})
}
