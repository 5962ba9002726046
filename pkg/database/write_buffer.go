package database

import (
	"log"
	"sync"
	"time"

	"github.com/skein-chat/skein/pkg/protocol"
)

// WriteBuffer batches message writes to reduce write-lock contention.
// Each buffered message commits together with its outbox entries in one
// transaction, so a confirmed message always has its post-persistence
// work queued (and an aborted insert queues nothing).
type WriteBuffer struct {
	db            *DB
	flushInterval time.Duration

	messageMu      sync.Mutex
	messageInserts []*pendingMessage
	messageResults map[int]chan messageResult

	shutdown chan struct{}
	wg       sync.WaitGroup
}

type pendingMessage struct {
	conversationID int64
	parentID       *int64
	rootID         int64 // zero for top-level: resolved to the new id at flush
	authorID       int64
	authorNickname string
	content        string
	recipientIDs   []int64
	timestamp      int64
	resultIndex    int
}

type messageResult struct {
	message *Message
	err     error
}

// NewWriteBuffer creates a write buffer with the given flush interval.
func NewWriteBuffer(db *DB, flushInterval time.Duration) *WriteBuffer {
	wb := &WriteBuffer{
		db:             db,
		flushInterval:  flushInterval,
		messageInserts: make([]*pendingMessage, 0, 100),
		messageResults: make(map[int]chan messageResult),
		shutdown:       make(chan struct{}),
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// PostMessage queues a message insert and blocks until it is flushed.
// The returned message carries the minted snowflake id. recipientIDs
// are the conversation members the outbox tasks fan out to.
func (wb *WriteBuffer) PostMessage(conversationID int64, parentID *int64, rootID int64, authorID int64, authorNickname, content string, recipientIDs []int64) (*Message, error) {
	resultChan := make(chan messageResult, 1)

	wb.messageMu.Lock()
	resultIndex := len(wb.messageInserts)
	wb.messageInserts = append(wb.messageInserts, &pendingMessage{
		conversationID: conversationID,
		parentID:       parentID,
		rootID:         rootID,
		authorID:       authorID,
		authorNickname: authorNickname,
		content:        content,
		recipientIDs:   recipientIDs,
		timestamp:      nowMillis(),
		resultIndex:    resultIndex,
	})
	wb.messageResults[resultIndex] = resultChan
	wb.messageMu.Unlock()

	result := <-resultChan
	return result.message, result.err
}

func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wb.flush()
		case <-wb.shutdown:
			wb.flush()
			return
		}
	}
}

// flush writes all buffered messages and their outbox entries in a
// single transaction.
func (wb *WriteBuffer) flush() {
	wb.messageMu.Lock()
	inserts := wb.messageInserts
	results := wb.messageResults
	wb.messageInserts = make([]*pendingMessage, 0, 100)
	wb.messageResults = make(map[int]chan messageResult)
	wb.messageMu.Unlock()

	if len(inserts) == 0 {
		return
	}

	start := time.Now()

	tx, err := wb.db.writeConn.Begin()
	if err != nil {
		log.Printf("WriteBuffer: failed to begin transaction: %v", err)
		for _, resultChan := range results {
			resultChan <- messageResult{err: err}
		}
		return
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO Message (id, conversation_id, parent_id, root_id, author_id, author_nickname, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		log.Printf("WriteBuffer: failed to prepare message insert: %v", err)
		for _, resultChan := range results {
			resultChan <- messageResult{err: err}
		}
		return
	}
	defer stmt.Close()

	flushed := make([]*Message, 0, len(inserts))
	succeeded := make(map[int]*Message, len(inserts))
	now := nowMillis()

	for _, msg := range inserts {
		messageID := wb.db.snowflake.NextID()

		rootID := msg.rootID
		if msg.parentID == nil {
			// Top-level: the record is its own thread root
			rootID = messageID
		}

		if _, err := stmt.Exec(messageID, msg.conversationID, msg.parentID, rootID, msg.authorID, msg.authorNickname, msg.content, msg.timestamp); err != nil {
			results[msg.resultIndex] <- messageResult{err: err}
			delete(results, msg.resultIndex)
			continue
		}

		entries := []protocol.OutboxEntry{
			{
				MessageID:      messageID,
				ConversationID: msg.conversationID,
				SenderID:       msg.authorID,
				RecipientIDs:   msg.recipientIDs,
				Task:           protocol.TaskUnreadCounters,
				IdempotencyKey: protocol.IdempotencyKey(msg.conversationID, messageID, protocol.TaskUnreadCounters),
			},
			{
				MessageID:      messageID,
				ConversationID: msg.conversationID,
				SenderID:       msg.authorID,
				RecipientIDs:   msg.recipientIDs,
				Task:           protocol.TaskOfflineInbox,
				IdempotencyKey: protocol.IdempotencyKey(msg.conversationID, messageID, protocol.TaskOfflineInbox),
			},
		}
		if err := enqueueOutboxTx(tx, entries, now); err != nil {
			results[msg.resultIndex] <- messageResult{err: err}
			delete(results, msg.resultIndex)
			continue
		}

		flushed = append(flushed, &Message{
			ID:             messageID,
			ConversationID: msg.conversationID,
			ParentID:       msg.parentID,
			RootID:         rootID,
			AuthorID:       msg.authorID,
			AuthorNickname: msg.authorNickname,
			Content:        msg.content,
			CreatedAt:      msg.timestamp,
		})
		succeeded[msg.resultIndex] = flushed[len(flushed)-1]
	}

	if err := tx.Commit(); err != nil {
		log.Printf("WriteBuffer: failed to commit transaction: %v", err)
		for _, resultChan := range results {
			resultChan <- messageResult{err: err}
		}
		return
	}

	// Deliver confirmations only after the transaction is durable
	for idx, msg := range succeeded {
		results[idx] <- messageResult{message: msg}
	}

	elapsed := time.Since(start)
	if elapsed > wb.flushInterval {
		log.Printf("WriteBuffer: flushed %d messages in %v", len(flushed), elapsed)
	}
}

// Close shuts down the write buffer and flushes remaining writes.
func (wb *WriteBuffer) Close() {
	close(wb.shutdown)
	wb.wg.Wait()
}
