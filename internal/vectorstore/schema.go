package vectorstore

import (
	"database/sql"
	"fmt"

	. "github.com/forager-agent/forager/internal/logging"
)

const schemaVersion = 1

func initSchema(db *sql.DB) error {
	L_debug("vectorstore: initializing schema", "version", schemaVersion)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS vector_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create vector_meta table: %w", err)
	}

	var currentVersion int
	err := db.QueryRow("SELECT value FROM vector_meta WHERE key = 'schema_version'").Scan(&currentVersion)
	if err == sql.ErrNoRows {
		currentVersion = 0
	} else if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if currentVersion < schemaVersion {
		if err := migrateSchema(db, currentVersion); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}

	L_debug("vectorstore: schema ready", "version", schemaVersion)
	return nil
}

func migrateSchema(db *sql.DB, fromVersion int) error {
	L_info("vectorstore: migrating schema", "from", fromVersion, "to", schemaVersion)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if fromVersion < 1 {
		if err := migrateV1(tx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO vector_meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, schemaVersion); err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}

	return tx.Commit()
}

func migrateV1(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS content_chunks (
			cache_id INTEGER NOT NULL,
			chunk_index INTEGER NOT NULL,
			chunk_text TEXT NOT NULL,
			embedding BLOB,
			embedding_model TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (cache_id, chunk_index)
		)
	`); err != nil {
		return fmt.Errorf("create content_chunks table: %w", err)
	}

	// Contentless-delete is not worth the bookkeeping at this scale; the FTS
	// table carries its own copy of the text, keyed back by cache_id+index.
	if _, err := tx.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunk_fts USING fts5(
			cache_id UNINDEXED,
			chunk_index UNINDEXED,
			chunk_text
		)
	`); err != nil {
		return fmt.Errorf("create chunk_fts table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS link_embeddings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cache_id INTEGER NOT NULL,
			link_text TEXT NOT NULL,
			link_url TEXT NOT NULL,
			embedding BLOB,
			embedding_model TEXT,
			created_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create link_embeddings table: %w", err)
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_link_cache ON link_embeddings(cache_id)`); err != nil {
		return fmt.Errorf("create link index: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS research_findings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			finding_text TEXT NOT NULL,
			source_url TEXT,
			source_title TEXT,
			tags_json TEXT NOT NULL DEFAULT '[]',
			embedding BLOB,
			embedding_model TEXT,
			created_at TEXT NOT NULL,
			session_id INTEGER
		)
	`); err != nil {
		return fmt.Errorf("create research_findings table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS user_memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			memory_text TEXT NOT NULL,
			tags_json TEXT NOT NULL DEFAULT '[]',
			embedding BLOB,
			embedding_model TEXT,
			created_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create user_memories table: %w", err)
	}

	return nil
}
