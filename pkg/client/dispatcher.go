package client

import (
	"fmt"
	"log"
	"sync"

	"github.com/skein-chat/skein/pkg/protocol"
)

const dispatchShards = 16

// Dispatcher receives broadcast events, routes them to the correct
// ledger and scroll machine based on conversation/parent identity, and
// performs the dedup/replace logic.
//
// The network-response path (ResolveConfirmed) and the broadcast path
// (Dispatch) may race on the same pending record; whichever runs first
// wins, and the loser degrades to a no-op cleanup. Events for one
// conversation are serialized on a sharded mutex; events for different
// conversations proceed in parallel.
type Dispatcher struct {
	correlator *Correlator

	// channels holds the main ledger per conversation; threads holds
	// one ledger per open thread panel, keyed by the record whose
	// replies the panel shows.
	channels *LedgerRegistry
	threads  *LedgerRegistry

	channelScroll *ScrollRegistry
	threadScroll  *ScrollRegistry

	locks [dispatchShards]sync.Mutex

	logger *log.Logger
}

// NewDispatcher creates a dispatcher wired to fresh registries.
func NewDispatcher(correlator *Correlator) *Dispatcher {
	return &Dispatcher{
		correlator:    correlator,
		channels:      NewLedgerRegistry(),
		threads:       NewLedgerRegistry(),
		channelScroll: NewScrollRegistry(),
		threadScroll:  NewScrollRegistry(),
	}
}

// SetLogger sets a logger for debugging dispatch decisions.
func (d *Dispatcher) SetLogger(logger *log.Logger) {
	d.logger = logger
}

func (d *Dispatcher) logf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}

// Channels returns the per-conversation ledger registry.
func (d *Dispatcher) Channels() *LedgerRegistry { return d.channels }

// Threads returns the per-panel thread ledger registry.
func (d *Dispatcher) Threads() *LedgerRegistry { return d.threads }

// ChannelScroll returns the per-conversation scroll registry.
func (d *Dispatcher) ChannelScroll() *ScrollRegistry { return d.channelScroll }

// ThreadScroll returns the per-panel scroll registry.
func (d *Dispatcher) ThreadScroll() *ScrollRegistry { return d.threadScroll }

// OpenChannel prepares the ledger and scroll machine for a channel view.
func (d *Dispatcher) OpenChannel(conversationID int64) *Ledger {
	d.channelScroll.Get(conversationID)
	return d.channels.Get(conversationID)
}

// CloseChannel tears down the state for a closed channel view.
func (d *Dispatcher) CloseChannel(conversationID int64) {
	d.channels.Remove(conversationID)
	d.channelScroll.Destroy(conversationID)
}

// OpenThread prepares the ledger and scroll machine for a thread panel
// showing the replies of the record with the given id.
func (d *Dispatcher) OpenThread(recordID int64) *Ledger {
	d.threadScroll.Get(recordID)
	return d.threads.Get(recordID)
}

// CloseThread tears down the state for a closed thread panel.
func (d *Dispatcher) CloseThread(recordID int64) {
	d.threads.Remove(recordID)
	d.threadScroll.Destroy(recordID)
}

func (d *Dispatcher) lockConversation(conversationID int64) *sync.Mutex {
	mu := &d.locks[uint64(conversationID)%dispatchShards]
	mu.Lock()
	return mu
}

// Dispatch applies one inbound broadcast event. The underlying delivery
// channel guarantees FIFO per conversation; Dispatch preserves that by
// serializing per conversation. Duplicate deliveries are absorbed, not
// errors.
func (d *Dispatcher) Dispatch(event *protocol.BroadcastEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("dropping malformed event: %w", err)
	}

	mu := d.lockConversation(event.ConversationID)
	defer mu.Unlock()

	switch event.Kind {
	case protocol.EventRecordCreated:
		d.applyCreated(event.Record, true)
	case protocol.EventRecordUpdated:
		if ledger, ok := d.routeExisting(event.Record); ok {
			ledger.ApplyUpdate(event.Record)
		}
	case protocol.EventRecordDeleted:
		if ledger, ok := d.routeExisting(event.Record); ok {
			ledger.ApplyDelete(event.Record.ID)
		}
	}
	return nil
}

// ResolveConfirmed applies the synchronous send-response path for a
// confirmed record. Semantically identical to a record_created
// broadcast; whichever path runs first resolves the pending record.
func (d *Dispatcher) ResolveConfirmed(rec protocol.Record) {
	mu := d.lockConversation(rec.ConversationID)
	defer mu.Unlock()

	// Own confirmation: the record is already on screen as pending, so
	// never drive the scroll machine from this path.
	d.applyCreated(rec, false)
}

// applyCreated performs resolution or inbound insert for a confirmed
// record, updates reply projections, and optionally drives the scroll
// machine. Caller holds the conversation lock.
func (d *Dispatcher) applyCreated(rec protocol.Record, driveScroll bool) {
	ledger, scrollKey, scroll := d.route(rec)

	inserted := false
	resolved := false

	if rec.CorrelationID != "" {
		if _, ok := d.correlator.Resolve(rec.CorrelationID); ok {
			if ledger.Resolve(rec.CorrelationID, rec) {
				d.correlator.MarkResolved(rec.CorrelationID)
				resolved = true
			}
		}
	}

	if !resolved {
		// Orphan resolution (unknown correlation id, possibly another
		// client session of the same user) is treated as an inbound
		// create; dedup by durable id absorbs redelivery.
		_, inserted = ledger.ApplyInboundCreate(rec)
		if !inserted {
			d.logf("duplicate delivery absorbed: record %d in conversation %d", rec.ID, rec.ConversationID)
		}
	}

	if rec.IsReply() {
		d.projectReply(rec)
	}

	// An idle view is already appended to by the ledger mutation above;
	// any other state gets an explicit NEW_ARRIVAL. Resolutions replace
	// an already-visible record and never count as arrivals.
	if driveScroll && inserted && scroll != nil {
		if m, ok := scroll.Peek(scrollKey); ok && m.State() != StateIdle {
			m.Send(EventNewArrival)
		}
	}
}

// route picks the target ledger and scroll machine for a record:
// top-level records go to the main conversation ledger; replies go to
// the open panel for their direct parent when one exists (a nested
// panel), falling back to the panel for their thread root, falling back
// to the main ledger.
func (d *Dispatcher) route(rec protocol.Record) (*Ledger, int64, *ScrollRegistry) {
	if !rec.IsReply() {
		return d.channels.Get(rec.ConversationID), rec.ConversationID, d.channelScroll
	}

	if ledger, ok := d.threads.Peek(*rec.ParentID); ok {
		return ledger, *rec.ParentID, d.threadScroll
	}
	if rec.RootID != 0 {
		if ledger, ok := d.threads.Peek(rec.RootID); ok {
			return ledger, rec.RootID, d.threadScroll
		}
	}
	return d.channels.Get(rec.ConversationID), rec.ConversationID, d.channelScroll
}

// routeExisting finds the open ledger showing a record without
// creating one. Updates and deletes for a conversation with no open
// view have nothing to mutate, so the event is dropped rather than
// materializing a ledger nothing will ever tear down.
func (d *Dispatcher) routeExisting(rec protocol.Record) (*Ledger, bool) {
	if rec.IsReply() {
		if ledger, ok := d.threads.Peek(*rec.ParentID); ok {
			return ledger, true
		}
		if rec.RootID != 0 {
			if ledger, ok := d.threads.Peek(rec.RootID); ok {
				return ledger, true
			}
		}
	}
	return d.channels.Peek(rec.ConversationID)
}

// projectReply updates denormalized reply counters on every open view
// that shows an ancestor of the reply. Projections are guarded by the
// reply id, so double delivery leaves them unchanged.
func (d *Dispatcher) projectReply(rec protocol.Record) {
	if rec.RootID != 0 {
		if ledger, ok := d.channels.Peek(rec.ConversationID); ok {
			ledger.ApplyReplyProjection(rec.RootID, rec)
		}
		if ledger, ok := d.threads.Peek(rec.RootID); ok && rec.ParentID != nil && *rec.ParentID != rec.RootID {
			// Nested reply visible inside the primary panel: bump the
			// parent record's counters there.
			ledger.ApplyReplyProjection(*rec.ParentID, rec)
		}
	}
}
