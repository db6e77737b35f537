// Package store provides the durable per-session memory layer.
//
// Each session owns its own SQLite file. Messages receive monotonically
// increasing sequence ids from the database; nothing ever deletes a message
// row, so the sequence stays gapless and summaries can reference stable
// [start, end] ranges.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNoPersona is returned by Persona when no persona has been set.
var ErrNoPersona = errors.New("store: no persona set for session")

// Message is one stored conversation entry.
type Message struct {
	// ID is the gapless per-session sequence id.
	ID int64
	// Role is "user", "assistant", or "system" (persona chunks).
	Role    string
	Content string
	// Emotion is the detected affect label.
	Emotion string
	// EmotionConfidence is the detector's confidence in [0, 1].
	EmotionConfidence float64
	// Importance is the storage weight, clamped to [0.1, 1.0].
	Importance float64
	// Embedding is nil when no vector could be computed.
	Embedding []float32
	CreatedAt time.Time
}

// Summary is one condensation record covering a message range.
type Summary struct {
	ID      int64
	Content string
	// RangeStart and RangeEnd are inclusive message sequence ids.
	RangeStart int64
	RangeEnd   int64
	CreatedAt  time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	emotion TEXT NOT NULL DEFAULT 'neutral',
	emotion_confidence REAL NOT NULL DEFAULT 0.5,
	importance REAL NOT NULL DEFAULT 0.5,
	embedding BLOB,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS summaries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	content TEXT NOT NULL,
	range_start INTEGER NOT NULL,
	range_end INTEGER NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS persona (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	content TEXT NOT NULL,
	embedding BLOB,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_importance ON messages(importance DESC);
`

// Session is the durable store for one conversation.
type Session struct {
	db *sql.DB
}

// OpenSession opens (creating if needed) the SQLite file at path.
func OpenSession(path string) (*Session, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	// SQLite is single-writer by design. A single shared connection
	// serializes concurrent callers through database/sql instead of
	// letting them fight for write locks.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Session{db: db}, nil
}

// Close closes the underlying database.
func (s *Session) Close() error {
	return s.db.Close()
}

// Append stores a message and returns it with its assigned sequence id.
// Importance is clamped to [0.1, 1.0] before the write.
func (s *Session) Append(msg Message) (Message, error) {
	if msg.Importance < 0.1 {
		msg.Importance = 0.1
	}
	if msg.Importance > 1.0 {
		msg.Importance = 1.0
	}
	if msg.Emotion == "" {
		msg.Emotion = "neutral"
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var blob []byte
	if len(msg.Embedding) > 0 {
		var err error
		blob, err = EncodeVector(msg.Embedding)
		if err != nil {
			return Message{}, fmt.Errorf("store: append: %w", err)
		}
	}

	res, err := s.db.Exec(`
		INSERT INTO messages (role, content, emotion, emotion_confidence, importance, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.Role, msg.Content, msg.Emotion, msg.EmotionConfidence,
		msg.Importance, blob, msg.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Message{}, fmt.Errorf("store: append message: %w", err)
	}

	msg.ID, err = res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("store: append message id: %w", err)
	}
	return msg, nil
}

// Count returns the total number of stored messages.
func (s *Session) Count() (int64, error) {
	var n int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count messages: %w", err)
	}
	return n, nil
}

// ReadRecent returns the last n messages in oldest-first order.
func (s *Session) ReadRecent(n int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, role, content, emotion, emotion_confidence, importance, embedding, created_at
		FROM (
			SELECT * FROM messages ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, n)
	if err != nil {
		return nil, fmt.Errorf("store: read recent: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ReadRange returns messages with sequence ids in [start, end] inclusive,
// oldest first.
func (s *Session) ReadRange(start, end int64) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, role, content, emotion, emotion_confidence, importance, embedding, created_at
		FROM messages WHERE id >= ? AND id <= ? ORDER BY id ASC`, start, end)
	if err != nil {
		return nil, fmt.Errorf("store: read range: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ReadAfter returns up to limit messages with sequence ids greater than
// afterID, oldest first.
func (s *Session) ReadAfter(afterID int64, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, role, content, emotion, emotion_confidence, importance, embedding, created_at
		FROM messages WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: read after: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Candidates returns up to max embedded messages ordered by importance
// descending. Messages without an embedding are never candidates.
func (s *Session) Candidates(max int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, role, content, emotion, emotion_confidence, importance, embedding, created_at
		FROM messages WHERE embedding IS NOT NULL
		ORDER BY importance DESC, id DESC LIMIT ?`, max)
	if err != nil {
		return nil, fmt.Errorf("store: read candidates: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// SetPersona stores (or replaces) the session's persona text. The embedding
// may be nil when no vector is available.
func (s *Session) SetPersona(text string, embedding []float32) error {
	var blob []byte
	if len(embedding) > 0 {
		var err error
		blob, err = EncodeVector(embedding)
		if err != nil {
			return fmt.Errorf("store: set persona: %w", err)
		}
	}
	_, err := s.db.Exec(`
		INSERT INTO persona (id, content, embedding, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content,
			embedding = excluded.embedding, updated_at = excluded.updated_at`,
		text, blob, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: set persona: %w", err)
	}
	return nil
}

// Persona returns the session's persona text, or ErrNoPersona.
func (s *Session) Persona() (string, error) {
	var text string
	err := s.db.QueryRow("SELECT content FROM persona WHERE id = 1").Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoPersona
	}
	if err != nil {
		return "", fmt.Errorf("store: read persona: %w", err)
	}
	return text, nil
}

// PersonaEmbedding returns the persona's stored vector. The vector is nil
// when the persona was saved without one; ErrNoPersona when no persona
// exists at all.
func (s *Session) PersonaEmbedding() ([]float32, error) {
	var blob []byte
	err := s.db.QueryRow("SELECT embedding FROM persona WHERE id = 1").Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoPersona
	}
	if err != nil {
		return nil, fmt.Errorf("store: read persona embedding: %w", err)
	}
	if len(blob) == 0 {
		return nil, nil
	}
	vec, err := DecodeVector(blob)
	if err != nil {
		return nil, fmt.Errorf("store: read persona embedding: %w", err)
	}
	return vec, nil
}

// AppendSummary records a condensation covering [rangeStart, rangeEnd].
func (s *Session) AppendSummary(content string, rangeStart, rangeEnd int64) (Summary, error) {
	if rangeStart > rangeEnd {
		return Summary{}, fmt.Errorf("store: invalid summary range [%d, %d]", rangeStart, rangeEnd)
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		INSERT INTO summaries (content, range_start, range_end, created_at)
		VALUES (?, ?, ?, ?)`,
		content, rangeStart, rangeEnd, now.Format(time.RFC3339Nano))
	if err != nil {
		return Summary{}, fmt.Errorf("store: append summary: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Summary{}, fmt.Errorf("store: append summary id: %w", err)
	}
	return Summary{ID: id, Content: content, RangeStart: rangeStart, RangeEnd: rangeEnd, CreatedAt: now}, nil
}

// Summaries returns up to limit summaries, newest first.
func (s *Session) Summaries(limit int) ([]Summary, error) {
	rows, err := s.db.Query(`
		SELECT id, content, range_start, range_end, created_at
		FROM summaries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: read summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var created string
		if err := rows.Scan(&sum.ID, &sum.Content, &sum.RangeStart, &sum.RangeEnd, &created); err != nil {
			return nil, fmt.Errorf("store: scan summary: %w", err)
		}
		sum.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// LastSummarizedID returns the highest message sequence id covered by any
// summary, or 0 when nothing has been summarized.
func (s *Session) LastSummarizedID() (int64, error) {
	var id int64
	err := s.db.QueryRow("SELECT COALESCE(MAX(range_end), 0) FROM summaries").Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: last summarized id: %w", err)
	}
	return id, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var msg Message
		var blob []byte
		var created string
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &msg.Emotion,
			&msg.EmotionConfidence, &msg.Importance, &blob, &created); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		if len(blob) > 0 {
			vec, err := DecodeVector(blob)
			if err != nil {
				// A malformed embedding should not sink the whole read.
				slog.Warn("skipping malformed embedding", "message_id", msg.ID, "error", err)
			} else {
				msg.Embedding = vec
			}
		}
		msg.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, msg)
	}
	return out, rows.Err()
}
