// Package vectorstore persists chunk, link, finding and user-memory vectors
// in sqlite and serves hybrid (dense + BM25) retrieval over them.
package vectorstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/forager-agent/forager/internal/embeddings"
	. "github.com/forager-agent/forager/internal/logging"
)

// Chunk is one indexable slice of a cached source.
type Chunk struct {
	Index int
	Text  string
}

// Finding is a long-term research note, optionally scoped to a session.
type Finding struct {
	ID          int64
	FindingText string
	SourceURL   string
	SourceTitle string
	Tags        []string
	SessionID   *int64
	CreatedAt   string
}

// UserMemory is a global fact about the user.
type UserMemory struct {
	ID         int64
	MemoryText string
	Tags       []string
	CreatedAt  string
}

// Store owns all vector tables and the optional external index. All access to
// the index funnels through Store methods.
type Store struct {
	db       *sql.DB
	provider embeddings.Provider
	index    ExternalIndex
}

// New creates the store on an already-open database, creating tables as
// needed. index may be nil; retrieval then falls back to full SQL scans.
func New(db *sql.DB, provider embeddings.Provider, index ExternalIndex) (*Store, error) {
	if err := initSchema(db); err != nil {
		return nil, fmt.Errorf("vectorstore schema: %w", err)
	}
	return &Store{db: db, provider: provider, index: index}, nil
}

// Model returns the embedding model whose vectors this store reads and writes.
func (s *Store) Model() string { return s.provider.Model() }

// ClearCacheEmbeddings removes chunk and/or link vectors for a cached source.
func (s *Store) ClearCacheEmbeddings(cacheID int64, clearChunks, clearLinks bool) error {
	if clearChunks {
		if _, err := s.db.Exec(`DELETE FROM content_chunks WHERE cache_id = ?`, cacheID); err != nil {
			return fmt.Errorf("clear chunks: %w", err)
		}
		if _, err := s.db.Exec(`DELETE FROM chunk_fts WHERE cache_id = ?`, cacheID); err != nil {
			return fmt.Errorf("clear chunk fts: %w", err)
		}
		s.indexDelete(fmt.Sprintf("chunk:%d:", cacheID))
	}
	if clearLinks {
		if _, err := s.db.Exec(`DELETE FROM link_embeddings WHERE cache_id = ?`, cacheID); err != nil {
			return fmt.Errorf("clear links: %w", err)
		}
		s.indexDelete(fmt.Sprintf("link:%d:", cacheID))
	}
	L_trace("vectorstore: cleared cache embeddings", "cacheID", cacheID, "chunks", clearChunks, "links", clearLinks)
	return nil
}

func (s *Store) indexDelete(prefix string) {
	if s.index == nil {
		return
	}
	if err := s.index.DeletePrefix(prefix); err != nil {
		L_warn("vectorstore: external index delete failed", "prefix", prefix, "error", err)
	}
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
