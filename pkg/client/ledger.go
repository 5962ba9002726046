package client

import (
	"errors"
	"sync"

	"github.com/skein-chat/skein/pkg/protocol"
)

// SendStatus is the client-local delivery state of a ledger record.
type SendStatus int

const (
	StatusConfirmed SendStatus = iota
	StatusPending
	StatusFailed
)

func (s SendStatus) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrRecordNotFound indicates the local record does not exist.
	ErrRecordNotFound = errors.New("record not found")
	// ErrRecordNotFailed indicates the operation requires a failed record.
	ErrRecordNotFailed = errors.New("record is not in failed state")
	// ErrNoRetryPayload indicates a failed record without a stored payload.
	ErrNoRetryPayload = errors.New("record has no retry payload")
)

// maxLastRepliers caps the denormalized "last repliers" projection.
const maxLastRepliers = 5

// LedgerRecord is one entry in a conversation ledger. LocalID is the
// stable list identity: resolving a pending record mutates it in place,
// so the position and LocalID survive confirmation (the no-flicker
// contract).
type LedgerRecord struct {
	LocalID      int64
	Record       protocol.Record
	Status       SendStatus
	RetryPayload *protocol.SendRequest

	// Denormalized thread projections, maintained idempotently.
	ReplyCount   int
	LastRepliers []string

	repliesSeen map[int64]bool
}

// ChangeKind describes a ledger mutation for subscribers.
type ChangeKind int

const (
	ChangeInserted ChangeKind = iota
	ChangeResolved
	ChangeFailed
	ChangeRemoved
	ChangeUpdated
)

// Change is delivered to ledger subscribers after each mutation.
type Change struct {
	Kind    ChangeKind
	LocalID int64
}

// Ledger is the ordered, deduplicated record list for one conversation,
// newest first. All mutations go through the reconciliation paths; a
// single mutex serializes them (cross-conversation operations never
// share a lock).
type Ledger struct {
	mu             sync.Mutex
	conversationID int64
	nextLocalID    int64
	records        []*LedgerRecord
	byID           map[int64]*LedgerRecord
	byCorrelation  map[string]*LedgerRecord

	nextSubID   int64
	subscribers map[int64]func(Change)
}

// NewLedger creates an empty ledger for a conversation.
func NewLedger(conversationID int64) *Ledger {
	return &Ledger{
		conversationID: conversationID,
		nextLocalID:    1,
		byID:           make(map[int64]*LedgerRecord),
		byCorrelation:  make(map[string]*LedgerRecord),
		subscribers:    make(map[int64]func(Change)),
	}
}

// ConversationID returns the conversation this ledger belongs to.
func (l *Ledger) ConversationID() int64 {
	return l.conversationID
}

// Subscribe registers a change callback and returns an unsubscribe func.
func (l *Ledger) Subscribe(fn func(Change)) func() {
	l.mu.Lock()
	id := l.nextSubID
	l.nextSubID++
	l.subscribers[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.subscribers, id)
		l.mu.Unlock()
	}
}

// notify must be called without the lock held.
func (l *Ledger) notify(change Change) {
	l.mu.Lock()
	fns := make([]func(Change), 0, len(l.subscribers))
	for _, fn := range l.subscribers {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

// InsertPending prepends a pending record for an outgoing send and
// returns its local id.
func (l *Ledger) InsertPending(req *protocol.SendRequest) int64 {
	l.mu.Lock()
	rec := &LedgerRecord{
		LocalID: l.nextLocalID,
		Record: protocol.Record{
			CorrelationID:  req.CorrelationID,
			ConversationID: req.ConversationID,
			ParentID:       req.ParentID,
			Content:        req.Content,
			AuthorID:       req.AuthorID,
			AuthorNickname: req.AuthorNickname,
		},
		Status: StatusPending,
	}
	l.nextLocalID++
	l.records = append([]*LedgerRecord{rec}, l.records...)
	l.byCorrelation[req.CorrelationID] = rec
	l.mu.Unlock()

	l.notify(Change{Kind: ChangeInserted, LocalID: rec.LocalID})
	return rec.LocalID
}

// Resolve matches a server-confirmed record to its pending counterpart.
// If the pending record still exists and the confirmed id is unseen, the
// pending record is replaced in place (same LocalID, same position). If
// a record with the confirmed id already exists (the dual-delivery
// race), the lingering pending record is dropped and the existing
// confirmed record is left untouched. Returns false when no pending
// record exists for the correlation id.
func (l *Ledger) Resolve(correlationID string, confirmed protocol.Record) bool {
	l.mu.Lock()

	pending, hasPending := l.byCorrelation[correlationID]

	if _, exists := l.byID[confirmed.ID]; exists {
		// First resolver already won. Clean up the pending duplicate
		// if it is somehow still present.
		if hasPending {
			l.removeLocked(pending)
			l.mu.Unlock()
			l.notify(Change{Kind: ChangeRemoved, LocalID: pending.LocalID})
			return true
		}
		l.mu.Unlock()
		return true
	}

	if !hasPending {
		l.mu.Unlock()
		return false
	}

	pending.Record = confirmed
	pending.Status = StatusConfirmed
	pending.RetryPayload = nil
	delete(l.byCorrelation, correlationID)
	l.byID[confirmed.ID] = pending
	localID := pending.LocalID
	l.mu.Unlock()

	l.notify(Change{Kind: ChangeResolved, LocalID: localID})
	return true
}

// MarkFailed transitions a pending record to failed and attaches the
// payload needed for a retry. The record stays visible.
func (l *Ledger) MarkFailed(correlationID string, retry *protocol.SendRequest) bool {
	l.mu.Lock()
	rec, ok := l.byCorrelation[correlationID]
	if !ok {
		l.mu.Unlock()
		return false
	}
	rec.Status = StatusFailed
	rec.RetryPayload = retry
	localID := rec.LocalID
	l.mu.Unlock()

	l.notify(Change{Kind: ChangeFailed, LocalID: localID})
	return true
}

// PrepareRetry flips a failed record back to pending under a freshly
// minted correlation id and returns the payload to resubmit.
func (l *Ledger) PrepareRetry(localID int64, newCorrelationID string) (*protocol.SendRequest, error) {
	l.mu.Lock()
	rec := l.findLocked(localID)
	if rec == nil {
		l.mu.Unlock()
		return nil, ErrRecordNotFound
	}
	if rec.Status != StatusFailed {
		l.mu.Unlock()
		return nil, ErrRecordNotFailed
	}
	if rec.RetryPayload == nil {
		l.mu.Unlock()
		return nil, ErrNoRetryPayload
	}

	payload := *rec.RetryPayload
	payload.CorrelationID = newCorrelationID

	delete(l.byCorrelation, rec.Record.CorrelationID)
	rec.Record.CorrelationID = newCorrelationID
	rec.Status = StatusPending
	rec.RetryPayload = nil
	l.byCorrelation[newCorrelationID] = rec
	l.mu.Unlock()

	l.notify(Change{Kind: ChangeUpdated, LocalID: localID})
	return &payload, nil
}

// RemoveFailed deletes a failed record outright, for sends the user
// abandons.
func (l *Ledger) RemoveFailed(localID int64) error {
	l.mu.Lock()
	rec := l.findLocked(localID)
	if rec == nil {
		l.mu.Unlock()
		return ErrRecordNotFound
	}
	if rec.Status != StatusFailed {
		l.mu.Unlock()
		return ErrRecordNotFailed
	}
	l.removeLocked(rec)
	l.mu.Unlock()

	l.notify(Change{Kind: ChangeRemoved, LocalID: localID})
	return nil
}

// ApplyInboundCreate inserts a record that arrived from another party.
// Dedup is by durable id only; a duplicate delivery is silently
// absorbed. Returns the local id and whether the record was inserted.
func (l *Ledger) ApplyInboundCreate(rec protocol.Record) (int64, bool) {
	l.mu.Lock()
	if existing, ok := l.byID[rec.ID]; ok {
		l.mu.Unlock()
		return existing.LocalID, false
	}

	entry := &LedgerRecord{
		LocalID: l.nextLocalID,
		Record:  rec,
		Status:  StatusConfirmed,
	}
	l.nextLocalID++
	l.records = append([]*LedgerRecord{entry}, l.records...)
	l.byID[rec.ID] = entry
	l.mu.Unlock()

	l.notify(Change{Kind: ChangeInserted, LocalID: entry.LocalID})
	return entry.LocalID, true
}

// ApplyUpdate applies a record_updated event. Unknown ids are ignored
// (the view may simply not have that page loaded).
func (l *Ledger) ApplyUpdate(rec protocol.Record) bool {
	l.mu.Lock()
	existing, ok := l.byID[rec.ID]
	if !ok {
		l.mu.Unlock()
		return false
	}
	existing.Record.Content = rec.Content
	localID := existing.LocalID
	l.mu.Unlock()

	l.notify(Change{Kind: ChangeUpdated, LocalID: localID})
	return true
}

// ApplyDelete applies a record_deleted event by durable id.
func (l *Ledger) ApplyDelete(recordID int64) bool {
	l.mu.Lock()
	existing, ok := l.byID[recordID]
	if !ok {
		l.mu.Unlock()
		return false
	}
	l.removeLocked(existing)
	localID := existing.LocalID
	l.mu.Unlock()

	l.notify(Change{Kind: ChangeRemoved, LocalID: localID})
	return true
}

// ApplyReplyProjection updates the denormalized reply count and "last
// repliers" on the ancestor record targetID for an observed reply. The
// projection is recomputed from the delta and guarded by the reply's
// durable id, so applying the same reply twice is a no-op.
func (l *Ledger) ApplyReplyProjection(targetID int64, reply protocol.Record) bool {
	if targetID == 0 || reply.ID == 0 {
		return false
	}

	l.mu.Lock()
	root, ok := l.byID[targetID]
	if !ok {
		l.mu.Unlock()
		return false
	}
	if root.repliesSeen == nil {
		root.repliesSeen = make(map[int64]bool)
	}
	if root.repliesSeen[reply.ID] {
		l.mu.Unlock()
		return false
	}
	root.repliesSeen[reply.ID] = true
	root.ReplyCount++
	root.LastRepliers = pushReplier(root.LastRepliers, reply.AuthorNickname)
	localID := root.LocalID
	l.mu.Unlock()

	l.notify(Change{Kind: ChangeUpdated, LocalID: localID})
	return true
}

// pushReplier moves nickname to the front of the list, deduplicated,
// capped at maxLastRepliers.
func pushReplier(repliers []string, nickname string) []string {
	out := make([]string, 0, maxLastRepliers)
	out = append(out, nickname)
	for _, r := range repliers {
		if r == nickname {
			continue
		}
		out = append(out, r)
		if len(out) == maxLastRepliers {
			break
		}
	}
	return out
}

// Page returns up to limit records older than the cursor (a LocalID;
// zero means "from the newest"), plus the cursor for the next page.
// Returned records are copies; the next cursor is zero when exhausted.
func (l *Ledger) Page(cursor int64, limit int) ([]LedgerRecord, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := 0
	if cursor != 0 {
		for i, rec := range l.records {
			if rec.LocalID == cursor {
				start = i + 1
				break
			}
		}
	}

	out := make([]LedgerRecord, 0, limit)
	var next int64
	for i := start; i < len(l.records) && len(out) < limit; i++ {
		out = append(out, *l.records[i])
		next = l.records[i].LocalID
	}
	if start+len(out) >= len(l.records) {
		next = 0
	}
	return out, next
}

// Get returns a copy of the record with the given local id.
func (l *Ledger) Get(localID int64) (LedgerRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.findLocked(localID)
	if rec == nil {
		return LedgerRecord{}, false
	}
	return *rec, true
}

// GetByRecordID returns a copy of the record with the given durable id.
func (l *Ledger) GetByRecordID(recordID int64) (LedgerRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.byID[recordID]
	if !ok {
		return LedgerRecord{}, false
	}
	return *rec, true
}

// Len returns the number of records currently in the ledger.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// IndexOf returns the current list position of a local id, for position
// stability checks. Returns -1 when absent.
func (l *Ledger) IndexOf(localID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, rec := range l.records {
		if rec.LocalID == localID {
			return i
		}
	}
	return -1
}

func (l *Ledger) findLocked(localID int64) *LedgerRecord {
	for _, rec := range l.records {
		if rec.LocalID == localID {
			return rec
		}
	}
	return nil
}

func (l *Ledger) removeLocked(rec *LedgerRecord) {
	for i, r := range l.records {
		if r == rec {
			l.records = append(l.records[:i], l.records[i+1:]...)
			break
		}
	}
	if rec.Record.ID != 0 {
		delete(l.byID, rec.Record.ID)
	}
	if rec.Record.CorrelationID != "" {
		delete(l.byCorrelation, rec.Record.CorrelationID)
	}
}
