package client

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// State manages client-side persistent state: per-conversation read
// positions and small config values. Ledger and scroll-machine context
// is ephemeral and never lands here.
type State struct {
	db  *sql.DB
	dir string
}

// OpenState opens or creates the client state database.
func OpenState(path string) (*State, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Single connection is enough for a client
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	state := &State{db: db, dir: dir}
	if err := state.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return state, nil
}

// Close closes the state database.
func (s *State) Close() error {
	return s.db.Close()
}

func (s *State) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS Config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ReadState (
	conversation_id INTEGER PRIMARY KEY,
	last_read_at INTEGER NOT NULL,
	last_read_record_id INTEGER
);
`
	_, err := s.db.Exec(schema)
	return err
}

// GetConfig retrieves a configuration value.
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value.
func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)
	`, key, value)
	return err
}

// GetLastNickname returns the last used nickname.
func (s *State) GetLastNickname() string {
	nickname, _ := s.GetConfig("last_nickname")
	return nickname
}

// SetLastNickname stores the last used nickname.
func (s *State) SetLastNickname(nickname string) error {
	return s.SetConfig("last_nickname", nickname)
}

// GetReadState returns the read position for a conversation.
func (s *State) GetReadState(conversationID int64) (lastReadAt int64, lastReadRecordID *int64, err error) {
	var recordID sql.NullInt64
	err = s.db.QueryRow(`
		SELECT last_read_at, last_read_record_id
		FROM ReadState
		WHERE conversation_id = ?
	`, conversationID).Scan(&lastReadAt, &recordID)

	if err == sql.ErrNoRows {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}

	if recordID.Valid {
		id := recordID.Int64
		lastReadRecordID = &id
	}
	return lastReadAt, lastReadRecordID, nil
}

// UpdateReadState updates the read position for a conversation.
func (s *State) UpdateReadState(conversationID int64, timestamp int64, recordID *int64) error {
	var recID sql.NullInt64
	if recordID != nil {
		recID.Valid = true
		recID.Int64 = *recordID
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO ReadState (conversation_id, last_read_at, last_read_record_id)
		VALUES (?, ?, ?)
	`, conversationID, timestamp, recID)
	return err
}

// StateDir returns the directory where state is stored.
func (s *State) StateDir() string {
	return s.dir
}
