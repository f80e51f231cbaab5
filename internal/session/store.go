// Package session persists conversations and resolves which one a request
// refers to.
package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/forager-agent/forager/internal/logging"
)

const currentSchemaVersion = 1

// Session is one persistent named conversation.
type Session struct {
	ID                 int64
	Name               string
	Model              string
	CreatedAt          string
	CompactedSummary   string
	MemoryAutoExtract  bool
	MaxTurns           int
	LastUsedAt         string
	ResearchMode       bool
	ResearchSourceMode string
	LocalCorpusPaths   []string
}

// StoredMessage is one persisted conversation message.
type StoredMessage struct {
	ID         int64
	SessionID  int64
	Role       string
	Content    string
	Summary    string
	Model      string
	TokenCount int
	Timestamp  string
}

// Interaction is one saved query/answer pair outside session history.
type Interaction struct {
	ID            int64
	SessionID     *int64
	Query         string
	Answer        string
	QuerySummary  string
	AnswerSummary string
	Timestamp     string
}

// Store is the sqlite-backed session repository.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the session database and migrates it.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	L_info("session: store opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for packages that share this database file.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		version = 0
	}
	if version >= currentSchemaVersion {
		L_debug("session: schema up to date", "version", version)
		return nil
	}

	L_info("session: migrating schema", "from", version, "to", currentSchemaVersion)

	migrations := []func(*sql.DB) error{migrateV1}
	for i := version; i < currentSchemaVersion; i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record version v%d: %w", i+1, err)
		}
	}
	return nil
}

func migrateV1(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			model TEXT,
			created_at TEXT NOT NULL,
			compacted_summary TEXT,
			memory_auto_extract INTEGER NOT NULL DEFAULT 0,
			max_turns INTEGER NOT NULL DEFAULT 0,
			last_used_at TEXT NOT NULL,
			research_mode INTEGER NOT NULL DEFAULT 0,
			research_source_mode TEXT NOT NULL DEFAULT '',
			research_local_corpus_paths_json TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_name ON sessions(name)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			summary TEXT,
			model TEXT,
			token_count INTEGER,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,
		`CREATE TABLE IF NOT EXISTS interactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER,
			query TEXT NOT NULL,
			answer TEXT NOT NULL,
			query_summary TEXT,
			answer_summary TEXT,
			timestamp TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS room_session_bindings (
			room_jid TEXT NOT NULL UNIQUE,
			session_id INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_override_files (
			session_id INTEGER NOT NULL,
			filename TEXT NOT NULL,
			content TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(session_id, filename)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// CreateSession inserts a new session.
func (s *Store) CreateSession(name, model string) (*Session, error) {
	now := nowISO()
	res, err := s.db.Exec(`
		INSERT INTO sessions (name, model, created_at, last_used_at) VALUES (?, ?, ?, ?)
	`, name, model, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	L_info("session: created", "id", id, "name", name)
	return s.GetSession(id)
}

const sessionColumns = `id, name, COALESCE(model, ''), created_at, COALESCE(compacted_summary, ''),
	memory_auto_extract, max_turns, last_used_at, research_mode, research_source_mode,
	research_local_corpus_paths_json`

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var pathsJSON string
	err := row.Scan(&sess.ID, &sess.Name, &sess.Model, &sess.CreatedAt, &sess.CompactedSummary,
		&sess.MemoryAutoExtract, &sess.MaxTurns, &sess.LastUsedAt, &sess.ResearchMode,
		&sess.ResearchSourceMode, &pathsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	json.Unmarshal([]byte(pathsJSON), &sess.LocalCorpusPaths)
	return &sess, nil
}

// GetSession loads a session by id; nil when absent.
func (s *Store) GetSession(id int64) (*Session, error) {
	return scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
}

// FindByExactName returns the most recently used session with this name.
func (s *Store) FindByExactName(name string) (*Session, error) {
	return scanSession(s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE name = ? ORDER BY last_used_at DESC LIMIT 1`, name))
}

// FindRecentPartial returns recent sessions whose names contain term,
// case-insensitively, scanning at most limit recent sessions.
func (s *Store) FindRecentPartial(term string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`
		SELECT id FROM sessions
		WHERE name LIKE '%' || ? || '%' COLLATE NOCASE
		ORDER BY last_used_at DESC LIMIT ?
	`, term, limit)
	if err != nil {
		return nil, fmt.Errorf("partial search: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()

	var out []*Session
	for _, id := range ids {
		sess, err := s.GetSession(id)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			out = append(out, sess)
		}
	}
	return out, nil
}

// ListSessions returns the most recently used sessions.
func (s *Store) ListSessions(limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id FROM sessions ORDER BY last_used_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()

	var out []*Session
	for _, id := range ids {
		sess, err := s.GetSession(id)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// TouchSession refreshes last_used_at.
func (s *Store) TouchSession(id int64) error {
	_, err := s.db.Exec(`UPDATE sessions SET last_used_at = ? WHERE id = ?`, nowISO(), id)
	return err
}

// UpdateSessionSettings persists the mutable per-session flags.
func (s *Store) UpdateSessionSettings(sess *Session) error {
	pathsJSON, _ := json.Marshal(sess.LocalCorpusPaths)
	_, err := s.db.Exec(`
		UPDATE sessions SET model = ?, memory_auto_extract = ?, max_turns = ?,
			research_mode = ?, research_source_mode = ?, research_local_corpus_paths_json = ?
		WHERE id = ?
	`, sess.Model, sess.MemoryAutoExtract, sess.MaxTurns, sess.ResearchMode,
		sess.ResearchSourceMode, string(pathsJSON), sess.ID)
	return err
}

// GetMessages returns a session's messages in insertion order.
func (s *Store) GetMessages(sessionID int64) ([]StoredMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, role, content, COALESCE(summary, ''), COALESCE(model, ''),
			COALESCE(token_count, 0), timestamp
		FROM messages WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Summary,
			&m.Model, &m.TokenCount, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveTurn persists one user/assistant pair atomically: readers see both
// messages or neither.
func (s *Store) SaveTurn(sessionID int64, query, answer, querySummary, answerSummary, model string, queryTokens, answerTokens int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowISO()
	if _, err := tx.Exec(`
		INSERT INTO messages (session_id, role, content, summary, model, token_count, timestamp)
		VALUES (?, 'user', ?, ?, ?, ?, ?)
	`, sessionID, query, nullString(querySummary), model, queryTokens, now); err != nil {
		return fmt.Errorf("insert user message: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO messages (session_id, role, content, summary, model, token_count, timestamp)
		VALUES (?, 'assistant', ?, ?, ?, ?, ?)
	`, sessionID, answer, nullString(answerSummary), model, answerTokens, now); err != nil {
		return fmt.Errorf("insert assistant message: %w", err)
	}
	if _, err := tx.Exec(`UPDATE sessions SET last_used_at = ? WHERE id = ?`, now, sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	return tx.Commit()
}

// CompactSession replaces a session's stored messages with a summary.
func (s *Store) CompactSession(sessionID int64, summary string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE sessions SET compacted_summary = ? WHERE id = ?`, summary, sessionID); err != nil {
		return fmt.Errorf("store summary: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	L_info("session: compacted", "id", sessionID, "summaryChars", len(summary))
	return nil
}

// SaveInteraction appends one query/answer pair to the standalone history.
func (s *Store) SaveInteraction(in Interaction) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO interactions (session_id, query, answer, query_summary, answer_summary, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, in.SessionID, in.Query, in.Answer, nullString(in.QuerySummary), nullString(in.AnswerSummary), nowISO())
	if err != nil {
		return 0, fmt.Errorf("insert interaction: %w", err)
	}
	return res.LastInsertId()
}

// GetInteractions loads interactions by id, skipping unknown ids.
func (s *Store) GetInteractions(ids []int64) ([]Interaction, error) {
	var out []Interaction
	for _, id := range ids {
		var in Interaction
		var sid sql.NullInt64
		err := s.db.QueryRow(`
			SELECT id, session_id, query, answer, COALESCE(query_summary, ''), COALESCE(answer_summary, ''), timestamp
			FROM interactions WHERE id = ?
		`, id).Scan(&in.ID, &sid, &in.Query, &in.Answer, &in.QuerySummary, &in.AnswerSummary, &in.Timestamp)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		if sid.Valid {
			v := sid.Int64
			in.SessionID = &v
		}
		out = append(out, in)
	}
	return out, nil
}

// SetRoomBinding binds a group chat room to a session. Last writer wins.
func (s *Store) SetRoomBinding(roomJID string, sessionID int64) error {
	_, err := s.db.Exec(`
		INSERT INTO room_session_bindings (room_jid, session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(room_jid) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at
	`, roomJID, sessionID, nowISO())
	return err
}

// GetRoomBinding returns the bound session id for a room, or 0 when unbound.
func (s *Store) GetRoomBinding(roomJID string) (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT session_id FROM room_session_bindings WHERE room_jid = ?`, roomJID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

// ClearRoomBinding removes a room's binding.
func (s *Store) ClearRoomBinding(roomJID string) error {
	_, err := s.db.Exec(`DELETE FROM room_session_bindings WHERE room_jid = ?`, roomJID)
	return err
}

// SetOverrideFile stores an uploaded config fragment for a session.
func (s *Store) SetOverrideFile(sessionID int64, filename, content string) error {
	_, err := s.db.Exec(`
		INSERT INTO session_override_files (session_id, filename, content, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, filename) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at
	`, sessionID, filename, content, nowISO())
	return err
}

// GetOverrideFiles returns a session's uploaded config fragments, keyed by
// filename.
func (s *Store) GetOverrideFiles(sessionID int64) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT filename, content FROM session_override_files WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query override files: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, content string
		if err := rows.Scan(&name, &content); err != nil {
			return nil, err
		}
		out[name] = content
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
