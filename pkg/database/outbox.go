package database

import (
	"database/sql"
	"fmt"

	"github.com/skein-chat/skein/pkg/protocol"
)

// ClaimedEntry is one outbox entry leased to a worker. The lease
// expires at visible_at; a worker that crashes simply lets the entry
// become visible again (at-least-once redelivery).
type ClaimedEntry struct {
	QueueID int64
	Attempt int
	Entry   protocol.OutboxEntry
}

// enqueueOutboxTx inserts outbox entries inside an existing
// transaction. The write buffer calls this in the same transaction as
// the message insert, which is what makes the outbox durable: a
// committed message always has its entries queued.
func enqueueOutboxTx(tx *sql.Tx, entries []protocol.OutboxEntry, now int64) error {
	if len(entries) == 0 {
		return nil
	}

	stmt, err := tx.Prepare(`
		INSERT INTO Outbox (message_id, conversation_id, sender_id, recipient_ids, task_kind, idempotency_key, visible_at, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare outbox insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		recipients, err := encodeRecipients(e.RecipientIDs)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(e.MessageID, e.ConversationID, e.SenderID, recipients, string(e.Task), e.IdempotencyKey, now, now); err != nil {
			return fmt.Errorf("failed to enqueue outbox entry: %w", err)
		}
	}
	return nil
}

// ClaimOutboxEntry leases the oldest visible entry, making it invisible
// for visibilityTimeoutMs and bumping its attempt counter. Returns
// (nil, nil) when the queue is empty. The single write connection
// serializes claims, so concurrent workers never lease the same entry.
func (db *DB) ClaimOutboxEntry(visibilityTimeoutMs int64) (*ClaimedEntry, error) {
	now := nowMillis()

	row := db.writeConn.QueryRow(`
		UPDATE Outbox
		SET visible_at = ?, attempt = attempt + 1
		WHERE id = (
			SELECT id FROM Outbox
			WHERE dead = 0 AND visible_at <= ?
			ORDER BY id LIMIT 1
		)
		RETURNING id, message_id, conversation_id, sender_id, recipient_ids, task_kind, idempotency_key, attempt
	`, now+visibilityTimeoutMs, now)

	claimed := &ClaimedEntry{}
	var recipients, task string
	err := row.Scan(
		&claimed.QueueID,
		&claimed.Entry.MessageID,
		&claimed.Entry.ConversationID,
		&claimed.Entry.SenderID,
		&recipients,
		&task,
		&claimed.Entry.IdempotencyKey,
		&claimed.Attempt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox entry: %w", err)
	}

	claimed.Entry.Task = protocol.TaskKind(task)
	claimed.Entry.RecipientIDs, err = decodeRecipients(recipients)
	if err != nil {
		// Corrupt payload. Clearing the task fails validation downstream,
		// so the processor dead-letters the row instead of acking it.
		claimed.Entry.Task = ""
		return claimed, nil
	}
	return claimed, nil
}

// AckOutboxEntry deletes a completed entry.
func (db *DB) AckOutboxEntry(queueID int64) error {
	_, err := db.writeConn.Exec(`DELETE FROM Outbox WHERE id = ?`, queueID)
	return err
}

// RetryOutboxEntry reschedules a failed entry after backoffMs.
func (db *DB) RetryOutboxEntry(queueID int64, backoffMs int64) error {
	_, err := db.writeConn.Exec(`
		UPDATE Outbox SET visible_at = ? WHERE id = ?
	`, nowMillis()+backoffMs, queueID)
	return err
}

// DeadLetterOutboxEntry parks an entry permanently. Dead entries are
// never claimed again but stay queryable for inspection.
func (db *DB) DeadLetterOutboxEntry(queueID int64) error {
	_, err := db.writeConn.Exec(`UPDATE Outbox SET dead = 1 WHERE id = ?`, queueID)
	return err
}

// CountOutboxPending returns the number of live entries.
func (db *DB) CountOutboxPending() (int, error) {
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM Outbox WHERE dead = 0`).Scan(&n)
	return n, err
}

// CountOutboxDead returns the number of dead-lettered entries.
func (db *DB) CountOutboxDead() (int, error) {
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM Outbox WHERE dead = 1`).Scan(&n)
	return n, err
}
