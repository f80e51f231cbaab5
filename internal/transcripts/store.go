// Package transcripts stores media transcription records alongside the
// session database. Each session numbers its transcripts with a scoped id so
// chat acknowledgements can reference them as #at<id> / #it<id>.
package transcripts

import (
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	. "github.com/forager-agent/forager/internal/logging"
)

// Kind selects the audio or image transcript table.
type Kind string

const (
	KindAudio Kind = "audio"
	KindImage Kind = "image"
)

// Transcript statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Record is one transcript, audio or image.
type Record struct {
	ID              int64
	SessionID       int64
	SessionScopedID int64
	JID             string
	Status          string
	MediaURL        string
	MediaPath       string
	Text            string
	Error           string
	DurationSeconds float64
	Used            bool
	CreatedAt       string
}

// Store persists transcripts on an already-open session database handle.
// Scoped-id allocation is serialized under the store mutex.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

const transcriptsSchemaVersion = 1

// New creates the transcript tables when missing.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("transcripts schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS transcripts_meta (
		version INTEGER NOT NULL
	)`); err != nil {
		return err
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM transcripts_meta LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := s.db.Exec(`INSERT INTO transcripts_meta (version) VALUES (0)`); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if version < 1 {
		if err := s.migrateV1(); err != nil {
			return err
		}
	}
	_, err = s.db.Exec(`UPDATE transcripts_meta SET version = ?`, transcriptsSchemaVersion)
	return err
}

func (s *Store) migrateV1() error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS transcripts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL,
			session_transcript_id INTEGER NOT NULL,
			jid TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			audio_url TEXT NOT NULL DEFAULT '',
			audio_path TEXT NOT NULL DEFAULT '',
			transcript_text TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			duration_seconds REAL,
			used INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			UNIQUE(session_id, session_transcript_id)
		)`,
		`CREATE TABLE IF NOT EXISTS image_transcripts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL,
			session_transcript_id INTEGER NOT NULL,
			jid TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			image_url TEXT NOT NULL DEFAULT '',
			image_path TEXT NOT NULL DEFAULT '',
			transcript_text TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			duration_seconds REAL,
			used INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			UNIQUE(session_id, session_transcript_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transcripts_session ON transcripts(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_image_transcripts_session ON image_transcripts(session_id, created_at)`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func tableFor(kind Kind) (table, urlCol, pathCol string) {
	if kind == KindImage {
		return "image_transcripts", "image_url", "image_path"
	}
	return "transcripts", "audio_url", "audio_path"
}

// Create inserts a pending transcript, allocating the next session-scoped id.
func (s *Store) Create(kind Kind, sessionID int64, jid, mediaURL string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, urlCol, _ := tableFor(kind)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var scoped int64
	if err := tx.QueryRow(
		fmt.Sprintf(`SELECT COALESCE(MAX(session_transcript_id), 0) + 1 FROM %s WHERE session_id = ?`, table),
		sessionID).Scan(&scoped); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := tx.Exec(
		fmt.Sprintf(`INSERT INTO %s (session_id, session_transcript_id, jid, status, %s, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`, table, urlCol),
		sessionID, scoped, jid, StatusPending, mediaURL, now)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Record{
		ID:              id,
		SessionID:       sessionID,
		SessionScopedID: scoped,
		JID:             jid,
		Status:          StatusPending,
		MediaURL:        mediaURL,
		CreatedAt:       now,
	}, nil
}

// Complete moves a pending transcript to completed with its text.
func (s *Store) Complete(kind Kind, id int64, text, mediaPath string, durationSeconds float64) error {
	table, _, pathCol := tableFor(kind)
	result, err := s.db.Exec(
		fmt.Sprintf(`UPDATE %s SET status = ?, transcript_text = ?, %s = ?, duration_seconds = ?
			WHERE id = ? AND status = ?`, table, pathCol),
		StatusCompleted, text, mediaPath, durationSeconds, id, StatusPending)
	if err != nil {
		return err
	}
	return requireUpdated(result, "transcript %d not pending", id)
}

// Fail moves a pending transcript to failed. Failed is terminal.
func (s *Store) Fail(kind Kind, id int64, cause string) error {
	table, _, _ := tableFor(kind)
	result, err := s.db.Exec(
		fmt.Sprintf(`UPDATE %s SET status = ?, error = ? WHERE id = ? AND status = ?`, table),
		StatusFailed, cause, id, StatusPending)
	if err != nil {
		return err
	}
	return requireUpdated(result, "transcript %d not pending", id)
}

// MarkUsed flips used on a completed transcript. The flag never clears.
func (s *Store) MarkUsed(kind Kind, id int64) error {
	table, _, _ := tableFor(kind)
	result, err := s.db.Exec(
		fmt.Sprintf(`UPDATE %s SET used = 1 WHERE id = ? AND status = ? AND used = 0`, table),
		id, StatusCompleted)
	if err != nil {
		return err
	}
	return requireUpdated(result, "transcript %d not completed or already used", id)
}

func requireUpdated(result sql.Result, format string, args ...any) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf(format, args...)
	}
	return nil
}

// Get loads a transcript by primary key.
func (s *Store) Get(kind Kind, id int64) (*Record, error) {
	table, urlCol, pathCol := tableFor(kind)
	return s.scanOne(fmt.Sprintf(`SELECT id, session_id, session_transcript_id, jid, status,
		%s, %s, transcript_text, error, COALESCE(duration_seconds, 0), used, created_at
		FROM %s WHERE id = ?`, urlCol, pathCol, table), id)
}

// GetByScopedID loads a transcript by its per-session number.
func (s *Store) GetByScopedID(kind Kind, sessionID, scopedID int64) (*Record, error) {
	table, urlCol, pathCol := tableFor(kind)
	return s.scanOne(fmt.Sprintf(`SELECT id, session_id, session_transcript_id, jid, status,
		%s, %s, transcript_text, error, COALESCE(duration_seconds, 0), used, created_at
		FROM %s WHERE session_id = ? AND session_transcript_id = ?`, urlCol, pathCol, table),
		sessionID, scopedID)
}

func (s *Store) scanOne(query string, args ...any) (*Record, error) {
	var r Record
	var used int
	err := s.db.QueryRow(query, args...).Scan(&r.ID, &r.SessionID, &r.SessionScopedID, &r.JID,
		&r.Status, &r.MediaURL, &r.MediaPath, &r.Text, &r.Error, &r.DurationSeconds, &used, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Used = used != 0
	return &r, nil
}

// Prune keeps the N most recent transcripts of a session and deletes the
// rest, removing downloaded media files best-effort. Returns the number of
// records deleted.
func (s *Store) Prune(kind Kind, sessionID int64, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	table, _, pathCol := tableFor(kind)

	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT id, %s FROM %s WHERE session_id = ?
			ORDER BY session_transcript_id DESC LIMIT -1 OFFSET ?`, pathCol, table),
		sessionID, keep)
	if err != nil {
		return 0, err
	}
	type victim struct {
		id   int64
		path string
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.id, &v.path); err != nil {
			rows.Close()
			return 0, err
		}
		victims = append(victims, v)
	}
	rows.Close()

	for _, v := range victims {
		if _, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), v.id); err != nil {
			return 0, err
		}
		if v.path != "" {
			if err := os.Remove(v.path); err != nil && !os.IsNotExist(err) {
				L_warn("transcripts: media file removal failed", "path", v.path, "error", err)
			}
		}
	}
	return len(victims), nil
}
