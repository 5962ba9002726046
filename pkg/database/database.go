package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrConversationNotFound indicates the conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")
)

// skeinEpoch is the snowflake epoch: 2024-01-01T00:00:00Z in millis.
const skeinEpoch = 1704067200000

// DB wraps the SQLite database. Reads go through a pooled connection;
// all writes go through a single dedicated connection, which is what
// makes the outbox claim update safe under concurrent workers.
type DB struct {
	conn        *sql.DB
	writeConn   *sql.DB
	snowflake   *Snowflake
	WriteBuffer *WriteBuffer
}

// Open opens the SQLite database at the given path and applies pending
// migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := writeConn.Exec(pragma); err != nil {
			conn.Close()
			writeConn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := runMigrations(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		snowflake: NewSnowflake(skeinEpoch, 0),
	}
	db.WriteBuffer = NewWriteBuffer(db, 20*time.Millisecond)

	return db, nil
}

// Close flushes the write buffer and closes both connections.
func (db *DB) Close() error {
	if db.WriteBuffer != nil {
		db.WriteBuffer.Close()
	}
	if err := db.writeConn.Close(); err != nil {
		db.conn.Close()
		return err
	}
	return db.conn.Close()
}

// NextID mints a new snowflake id.
func (db *DB) NextID() int64 {
	return db.snowflake.NextID()
}

// Message is a persisted message or thread reply.
type Message struct {
	ID             int64
	ConversationID int64
	ParentID       *int64
	RootID         int64
	AuthorID       int64
	AuthorNickname string
	Content        string
	CreatedAt      int64
}

// Conversation is a chat channel or direct-message group.
type Conversation struct {
	ID        int64
	Name      string
	CreatedAt int64
}

// CreateConversation creates a conversation and returns its id.
func (db *DB) CreateConversation(name string) (int64, error) {
	id := db.snowflake.NextID()
	_, err := db.writeConn.Exec(`
		INSERT INTO Conversation (id, name, created_at) VALUES (?, ?, ?)
	`, id, name, nowMillis())
	if err != nil {
		return 0, fmt.Errorf("failed to create conversation: %w", err)
	}
	return id, nil
}

// ListConversations returns all conversations.
func (db *DB) ListConversations() ([]*Conversation, error) {
	rows, err := db.conn.Query(`SELECT id, name, created_at FROM Conversation ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c := &Conversation{}
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AddMember adds a user to a conversation. Adding twice is a no-op.
func (db *DB) AddMember(conversationID, userID int64) error {
	_, err := db.writeConn.Exec(`
		INSERT OR IGNORE INTO ConversationMember (conversation_id, user_id, joined_at)
		VALUES (?, ?, ?)
	`, conversationID, userID, nowMillis())
	return err
}

// ConversationMembers returns the user ids of a conversation's members.
func (db *DB) ConversationMembers(conversationID int64) ([]int64, error) {
	rows, err := db.conn.Query(`
		SELECT user_id FROM ConversationMember WHERE conversation_id = ? ORDER BY user_id
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetMessage returns one message by id.
func (db *DB) GetMessage(id int64) (*Message, error) {
	msg := &Message{}
	var parentID sql.NullInt64
	err := db.conn.QueryRow(`
		SELECT id, conversation_id, parent_id, root_id, author_id, author_nickname, content, created_at
		FROM Message WHERE id = ?
	`, id).Scan(&msg.ID, &msg.ConversationID, &parentID, &msg.RootID, &msg.AuthorID, &msg.AuthorNickname, &msg.Content, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		p := parentID.Int64
		msg.ParentID = &p
	}
	return msg, nil
}

// ListMessages returns up to limit messages in a conversation, newest
// first, older than beforeID (zero means from the newest).
func (db *DB) ListMessages(conversationID int64, beforeID int64, limit int) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, parent_id, root_id, author_id, author_nickname, content, created_at
		FROM Message WHERE conversation_id = ?`
	args := []interface{}{conversationID}
	if beforeID != 0 {
		query += " AND id < ?"
		args = append(args, beforeID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg := &Message{}
		var parentID sql.NullInt64
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &parentID, &msg.RootID, &msg.AuthorID, &msg.AuthorNickname, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if parentID.Valid {
			p := parentID.Int64
			msg.ParentID = &p
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// OfflineInboxEntry is a message queued for a recipient who was not
// connected when it was sent.
type OfflineInboxEntry struct {
	RecipientID    int64
	MessageID      int64
	ConversationID int64
	CreatedAt      int64
}

// InsertOfflineInbox records a message for offline delivery. The
// (recipient, message) pair is unique, so redelivered outbox entries
// insert nothing.
func (db *DB) InsertOfflineInbox(recipientID, messageID, conversationID int64) error {
	_, err := db.writeConn.Exec(`
		INSERT OR IGNORE INTO OfflineInbox (recipient_id, message_id, conversation_id, created_at)
		VALUES (?, ?, ?, ?)
	`, recipientID, messageID, conversationID, nowMillis())
	return err
}

// ListOfflineInbox returns the queued entries for a recipient.
func (db *DB) ListOfflineInbox(recipientID int64) ([]*OfflineInboxEntry, error) {
	rows, err := db.conn.Query(`
		SELECT recipient_id, message_id, conversation_id, created_at
		FROM OfflineInbox WHERE recipient_id = ? ORDER BY message_id
	`, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OfflineInboxEntry
	for rows.Next() {
		e := &OfflineInboxEntry{}
		if err := rows.Scan(&e.RecipientID, &e.MessageID, &e.ConversationID, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClearOfflineInbox removes all queued entries for a recipient, called
// once they have been delivered on reconnect.
func (db *DB) ClearOfflineInbox(recipientID int64) error {
	_, err := db.writeConn.Exec(`DELETE FROM OfflineInbox WHERE recipient_id = ?`, recipientID)
	return err
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func encodeRecipients(ids []int64) (string, error) {
	data, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("failed to encode recipients: %w", err)
	}
	return string(data), nil
}

func decodeRecipients(data string) ([]int64, error) {
	var ids []int64
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return nil, fmt.Errorf("failed to decode recipients: %w", err)
	}
	return ids, nil
}
