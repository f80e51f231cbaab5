// Package research persists fetched content keyed by URL hash and fills
// summaries from a background worker pool.
package research

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/forager-agent/forager/internal/logging"
)

// Open opens (creating if needed) the research database. All writes go
// through the returned handle; WAL mode permits concurrent readers.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		L_warn("research: failed to enable WAL mode", "error", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		L_warn("research: failed to set busy timeout", "error", err)
	}

	return db, nil
}

const schemaVersion = 1

func initSchema(db *sql.DB) error {
	L_debug("research: initializing schema", "version", schemaVersion)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS research_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create research_meta table: %w", err)
	}

	var currentVersion int
	err := db.QueryRow("SELECT value FROM research_meta WHERE key = 'schema_version'").Scan(&currentVersion)
	if err == sql.ErrNoRows {
		currentVersion = 0
	} else if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS research_cache (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			url TEXT NOT NULL,
			url_hash TEXT NOT NULL UNIQUE,
			content TEXT NOT NULL,
			title TEXT,
			summary TEXT,
			summary_status TEXT NOT NULL DEFAULT 'none',
			links_json TEXT NOT NULL DEFAULT '[]',
			fetch_timestamp TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create research_cache table: %w", err)
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_cache_expires ON research_cache(expires_at)`); err != nil {
		return fmt.Errorf("create expires index: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO research_meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, schemaVersion); err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}

	return tx.Commit()
}
