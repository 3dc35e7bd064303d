// Package store is the SQLite persistence behind casechat: the turns of
// every chat session, so a conversation survives restarts, and the revision
// log of admin-managed prompts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Role identifies the author of a persisted turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one persisted turn.
type Message struct {
	Role      Role
	Content   string
	CreatedAt time.Time
}

// SessionSummary describes one stored conversation.
type SessionSummary struct {
	ID       string
	Messages int
	FirstAt  time.Time
	LastAt   time.Time
}

// SQLiteStore persists conversations and prompts. It is safe for concurrent
// use; writes are serialized through a single connection.
type SQLiteStore struct {
	db *sql.DB
}

// migrations are applied in order; PRAGMA user_version records how many ran.
// Append new steps, never edit old ones.
var migrations = []string{
	`CREATE TABLE conversations (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT    NOT NULL,
		role       TEXT    NOT NULL CHECK (role IN ('user', 'assistant')),
		content    TEXT    NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX idx_conversations_session ON conversations (session_id, id);`,

	`CREATE TABLE admin_prompts (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		prompt_type TEXT    NOT NULL,
		prompt_text TEXT    NOT NULL,
		updated_at  INTEGER NOT NULL
	);
	CREATE INDEX idx_admin_prompts_type ON admin_prompts (prompt_type, id);`,
}

// DefaultDBPath returns ~/.casechat/casechat.db, creating the directory.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: home directory: %w", err)
	}
	dir := filepath.Join(home, ".casechat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: create %s: %w", dir, err)
	}
	return filepath.Join(dir, "casechat.db"), nil
}

// Open opens or creates the database at path and brings its schema up to
// date. ":memory:" gives a private in-memory database.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single connection also keeps ":memory:" one database.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SchemaVersion reports how many migrations have been applied.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("store: schema version: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return fmt.Errorf("store: database schema v%d is newer than this binary (v%d)", current, len(migrations))
	}
	for v := current; v < len(migrations); v++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: migrate v%d: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: migrate v%d: %w", v+1, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: migrate v%d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: migrate v%d: %w", v+1, err)
		}
	}
	return nil
}

// Ping backs the "history" readiness probe.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Append persists one turn of the session.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, role Role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, string(role), content, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: append to %s: %w", sessionID, err)
	}
	return nil
}

// Recent returns the last n turns of the session in the order they were
// appended. An unknown session yields no turns and no error.
func (s *SQLiteStore) Recent(ctx context.Context, sessionID string, n int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at FROM (
			SELECT id, role, content, created_at FROM conversations
			WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent %s: %w", sessionID, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			role string
			ms   int64
			m    Message
		)
		if err := rows.Scan(&role, &m.Content, &ms); err != nil {
			return nil, fmt.Errorf("store: recent %s: %w", sessionID, err)
		}
		m.Role, m.CreatedAt = Role(role), time.UnixMilli(ms)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent %s: %w", sessionID, err)
	}
	return msgs, nil
}

// Sessions lists stored conversations, most recently active first.
func (s *SQLiteStore) Sessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, COUNT(*), MIN(created_at), MAX(created_at)
		FROM conversations GROUP BY session_id
		ORDER BY MAX(id) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			sum         SessionSummary
			first, last int64
		)
		if err := rows.Scan(&sum.ID, &sum.Messages, &first, &last); err != nil {
			return nil, fmt.Errorf("store: list sessions: %w", err)
		}
		sum.FirstAt, sum.LastAt = time.UnixMilli(first), time.UnixMilli(last)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	return out, nil
}

// DeleteSession forgets every turn of the session and returns the count.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("store: delete %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: delete %s: %w", sessionID, err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
