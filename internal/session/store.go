// Package session provides persistent conversation storage. Sessions own
// an append-only, strictly ordered message log; messages are never edited
// in place.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrUserMismatch is returned when a caller addresses a session owned by
// a different user.
var ErrUserMismatch = errors.New("session belongs to another user")

// Session is one conversation owned by one user.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one immutable entry in a session's log. Ordering is a
// monotonic integer assigned at append time; no two messages in a
// session share a value.
type Message struct {
	ID         string
	SessionID  string
	Ordering   int
	Role       string // user, assistant, system, tool
	Content    string
	ToolCallID string
	ToolName   string
	Metadata   map[string]string
	Timestamp  time.Time
}

// Store is a SQLite-backed session store. SQLite serializes writes, so
// all public methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore creates a session store at the given database path. The
// schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	// The append transaction reads MAX(ordering) before writing; a
	// single connection keeps concurrent appends from tripping SQLite
	// busy errors on the lock upgrade.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

	CREATE TABLE IF NOT EXISTS messages (
		id           TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL,
		ordering     INTEGER NOT NULL,
		role         TEXT NOT NULL,
		content      TEXT NOT NULL,
		tool_call_id TEXT,
		tool_name    TEXT,
		metadata     TEXT,
		timestamp    TEXT NOT NULL,
		UNIQUE(session_id, ordering),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, ordering);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetOrCreateSession ensures a session exists and returns it. An
// existing session must belong to userID.
func (s *Store) GetOrCreateSession(ctx context.Context, id, userID string) (*Session, error) {
	if id == "" {
		id = uuid.New().String()
	}

	var sess Session
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.UserID, &created, &updated)

	switch {
	case err == sql.ErrNoRows:
		now := time.Now().UTC()
		nowStr := now.Format(time.RFC3339Nano)
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			id, userID, nowStr, nowStr,
		)
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		return &Session{ID: id, UserID: userID, CreatedAt: now, UpdatedAt: now}, nil

	case err != nil:
		return nil, fmt.Errorf("get session: %w", err)
	}

	if sess.UserID != userID {
		return nil, fmt.Errorf("session %s: %w", id, ErrUserMismatch)
	}

	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &sess, nil
}

// AppendMessage appends a message to the session log, assigning the next
// ordering value inside a transaction so ordering is strictly increasing
// even under concurrent appends.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, m Message) (*Message, error) {
	if m.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate message ID: %w", err)
		}
		m.ID = id.String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	m.SessionID = sessionID

	var metadata []byte
	if len(m.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(m.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal message metadata: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(ordering), -1) + 1 FROM messages WHERE session_id = ?`,
		sessionID,
	).Scan(&m.Ordering)
	if err != nil {
		return nil, fmt.Errorf("next ordering: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, ordering, role, content, tool_call_id, tool_name, metadata, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, sessionID, m.Ordering, m.Role, m.Content,
		m.ToolCallID, m.ToolName, string(metadata),
		m.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return &m, nil
}

// Messages returns a session's full log in ordering sequence.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, ordering, role, content,
		        COALESCE(tool_call_id, ''), COALESCE(tool_name, ''),
		        COALESCE(metadata, ''), timestamp
		 FROM messages WHERE session_id = ? ORDER BY ordering`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var metadata, ts string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Ordering, &m.Role, &m.Content,
			&m.ToolCallID, &m.ToolName, &metadata, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if metadata != "" {
			// Unreadable metadata is dropped, not fatal; the content is
			// what matters for context.
			_ = json.Unmarshal([]byte(metadata), &m.Metadata)
		}
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// MessageCount returns the number of messages in a session.
func (s *Store) MessageCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
