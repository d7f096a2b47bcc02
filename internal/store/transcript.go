// Package store persists chat transcripts in SQLite so past sessions can be
// listed and replayed.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"enginelink/internal/dispatch"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned for an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// DB is the transcript database.
type DB struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
	mu     sync.RWMutex
}

// SessionInfo summarizes one stored session.
type SessionInfo struct {
	ID           string
	Mode         string
	Title        string // first user message, shortened
	StartedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
}

// Open creates or opens the database at path.
func Open(path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps writes serialized.
	db.SetMaxOpenConns(1)

	s := &DB{db: db, path: path, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("Transcript store opened", zap.String("path", path))
	return s, nil
}

func (s *DB) initialize() error {
	schema := []string{
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL REFERENCES sessions(id),
			id TEXT NOT NULL,
			position INTEGER NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_position ON messages(session_id, position)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *DB) Path() string {
	return s.path
}

// Begin starts a new session and returns its transcript.
func (s *DB) Begin(mode string) (*Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := time.Now().UnixMilli()
	if _, err := s.db.Exec(
		`INSERT INTO sessions (id, mode, started_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, mode, now, now,
	); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.logger.Info("Session started", zap.String("session_id", id))
	return &Transcript{db: s, sessionID: id}, nil
}

// ListSessions returns the most recently updated sessions first.
func (s *DB) ListSessions(ctx context.Context, limit int) ([]SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.mode, s.started_at, s.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id),
		       COALESCE((SELECT content FROM messages m
		                 WHERE m.session_id = s.id AND m.kind = 'user'
		                 ORDER BY m.position LIMIT 1), '')
		FROM sessions s
		ORDER BY s.updated_at DESC, s.started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var (
			info             SessionInfo
			started, updated int64
			title            string
		)
		if err := rows.Scan(&info.ID, &info.Mode, &started, &updated, &info.MessageCount, &title); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		info.StartedAt = time.UnixMilli(started)
		info.UpdatedAt = time.UnixMilli(updated)
		info.Title = shorten(title, 60)
		out = append(out, info)
	}
	return out, rows.Err()
}

// LoadTranscript returns the messages of a stored session in order.
func (s *DB) LoadTranscript(ctx context.Context, sessionID string) ([]dispatch.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	return s.messages(ctx, sessionID)
}

func (s *DB) messages(ctx context.Context, sessionID string) ([]dispatch.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, content, metadata, created_at FROM messages
		 WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	out := []dispatch.Message{}
	for rows.Next() {
		var (
			msg      dispatch.Message
			kind     string
			metadata sql.NullString
			created  int64
		)
		if err := rows.Scan(&msg.ID, &kind, &msg.Content, &metadata, &created); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Kind = dispatch.MessageKind(kind)
		msg.Timestamp = time.UnixMilli(created)
		if metadata.Valid && metadata.String != "" {
			msg.Metadata = &dispatch.Metadata{}
			if err := json.Unmarshal([]byte(metadata.String), msg.Metadata); err != nil {
				s.logger.Warn("Dropping unreadable message metadata", zap.String("id", msg.ID), zap.Error(err))
				msg.Metadata = nil
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Transcript is one session's message list. It implements dispatch.Store.
type Transcript struct {
	db        *DB
	sessionID string
}

var _ dispatch.Store = (*Transcript)(nil)

// SessionID returns the local session id.
func (t *Transcript) SessionID() string {
	return t.sessionID
}

// Append adds a message at the end of the transcript.
func (t *Transcript) Append(msg dispatch.Message) error {
	s := t.db
	s.mu.Lock()
	defer s.mu.Unlock()

	metadata, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var dup int
	err = tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ? AND id = ?`, t.sessionID, msg.ID).Scan(&dup)
	if err != nil {
		return fmt.Errorf("failed to check message id: %w", err)
	}
	if dup > 0 {
		return fmt.Errorf("duplicate message id %s", msg.ID)
	}

	if _, err := tx.Exec(`
		INSERT INTO messages (session_id, id, position, kind, content, metadata, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM messages WHERE session_id = ?), ?, ?, ?, ?)`,
		t.sessionID, msg.ID, t.sessionID, string(msg.Kind), msg.Content, metadata, msg.Timestamp.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	if err := touch(tx, t.sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// Update applies fn to the stored message with the given id.
func (t *Transcript) Update(id string, fn func(*dispatch.Message)) error {
	s := t.db
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		msg      = dispatch.Message{ID: id}
		kind     string
		metadata sql.NullString
		created  int64
	)
	err = tx.QueryRow(
		`SELECT kind, content, metadata, created_at FROM messages WHERE session_id = ? AND id = ?`,
		t.sessionID, id,
	).Scan(&kind, &msg.Content, &metadata, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return dispatch.ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load message: %w", err)
	}
	msg.Kind = dispatch.MessageKind(kind)
	msg.Timestamp = time.UnixMilli(created)
	if metadata.Valid && metadata.String != "" {
		msg.Metadata = &dispatch.Metadata{}
		if err := json.Unmarshal([]byte(metadata.String), msg.Metadata); err != nil {
			return fmt.Errorf("failed to decode metadata: %w", err)
		}
	}

	fn(&msg)

	encoded, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE messages SET kind = ?, content = ?, metadata = ?, created_at = ? WHERE session_id = ? AND id = ?`,
		string(msg.Kind), msg.Content, encoded, msg.Timestamp.UnixMilli(), t.sessionID, id,
	); err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if err := touch(tx, t.sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// Clear removes every message of the session in one statement.
func (t *Transcript) Clear() error {
	s := t.db
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM messages WHERE session_id = ?`, t.sessionID); err != nil {
		return fmt.Errorf("failed to clear transcript: %w", err)
	}
	return nil
}

// Messages returns the transcript in order.
func (t *Transcript) Messages() ([]dispatch.Message, error) {
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()
	return t.db.messages(context.Background(), t.sessionID)
}

func touch(tx *sql.Tx, sessionID string) error {
	if _, err := tx.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UnixMilli(), sessionID); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

func encodeMetadata(md *dispatch.Metadata) (sql.NullString, error) {
	if md == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func shorten(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
