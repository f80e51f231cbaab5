package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/forager-agent/forager/internal/embeddings"
	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/types"
)

// UpsertChunks replaces all chunk vectors for a cached source. Texts are
// embedded in a single batch; if embedding fails the chunks are still stored
// for lexical search, with no vector attached.
func (s *Store) UpsertChunks(ctx context.Context, cacheID int64, chunks []Chunk) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vecs, err := s.provider.EmbedBatch(ctx, texts)
	if err != nil {
		L_warn("vectorstore: chunk embedding failed, storing text only", "cacheID", cacheID, "error", err)
		vecs = make([][]float32, len(chunks))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM content_chunks WHERE cache_id = ?`, cacheID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM chunk_fts WHERE cache_id = ?`, cacheID); err != nil {
		return fmt.Errorf("delete chunk fts: %w", err)
	}

	now := nowISO()
	for i, c := range chunks {
		var blob []byte
		var model any
		if i < len(vecs) && vecs[i] != nil {
			blob = embeddings.Serialize(vecs[i])
			model = s.provider.Model()
		}
		if _, err := tx.Exec(`
			INSERT INTO content_chunks (cache_id, chunk_index, chunk_text, embedding, embedding_model, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, cacheID, c.Index, c.Text, blob, model, now); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Index, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO chunk_fts (cache_id, chunk_index, chunk_text) VALUES (?, ?, ?)
		`, cacheID, c.Index, c.Text); err != nil {
			return fmt.Errorf("insert chunk fts %d: %w", c.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunks: %w", err)
	}

	s.indexDelete(fmt.Sprintf("chunk:%d:", cacheID))
	for i, c := range chunks {
		if i >= len(vecs) || vecs[i] == nil {
			continue
		}
		s.indexUpsert(fmt.Sprintf("chunk:%d:%d", cacheID, c.Index), vecs[i], map[string]string{
			"cache_id":        fmt.Sprintf("%d", cacheID),
			"embedding_model": s.provider.Model(),
			"kind":            "chunk",
		})
	}

	L_debug("vectorstore: chunks upserted", "cacheID", cacheID, "count", len(chunks))
	return nil
}

// UpsertLinks replaces all link vectors for a cached source. The embedding
// input is "<text> - <href>"; links with neither text nor href are skipped.
func (s *Store) UpsertLinks(ctx context.Context, cacheID int64, links []types.Link) error {
	kept := make([]types.Link, 0, len(links))
	texts := make([]string, 0, len(links))
	for _, l := range links {
		if strings.TrimSpace(l.Text) == "" && strings.TrimSpace(l.Href) == "" {
			continue
		}
		kept = append(kept, l)
		texts = append(texts, l.Text+" - "+l.Href)
	}

	vecs, err := s.provider.EmbedBatch(ctx, texts)
	if err != nil {
		L_warn("vectorstore: link embedding failed, storing text only", "cacheID", cacheID, "error", err)
		vecs = make([][]float32, len(kept))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM link_embeddings WHERE cache_id = ?`, cacheID); err != nil {
		return fmt.Errorf("delete links: %w", err)
	}

	now := nowISO()
	for i, l := range kept {
		var blob []byte
		var model any
		if i < len(vecs) && vecs[i] != nil {
			blob = embeddings.Serialize(vecs[i])
			model = s.provider.Model()
		}
		if _, err := tx.Exec(`
			INSERT INTO link_embeddings (cache_id, link_text, link_url, embedding, embedding_model, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, cacheID, l.Text, l.Href, blob, model, now); err != nil {
			return fmt.Errorf("insert link: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit links: %w", err)
	}

	s.indexDelete(fmt.Sprintf("link:%d:", cacheID))
	for i := range kept {
		if i >= len(vecs) || vecs[i] == nil {
			continue
		}
		s.indexUpsert(fmt.Sprintf("link:%d:%d", cacheID, i), vecs[i], map[string]string{
			"cache_id":        fmt.Sprintf("%d", cacheID),
			"embedding_model": s.provider.Model(),
			"kind":            "link",
		})
	}

	L_debug("vectorstore: links upserted", "cacheID", cacheID, "count", len(kept))
	return nil
}

// AddFinding persists a research finding and embeds it. An embedding failure
// leaves the row vector-less but stored.
func (s *Store) AddFinding(ctx context.Context, f Finding) (int64, error) {
	tagsJSON, _ := json.Marshal(emptyIfNil(f.Tags))

	var blob []byte
	var model any
	if vec, err := s.provider.EmbedSingle(ctx, f.FindingText); err != nil {
		L_warn("vectorstore: finding embedding failed", "error", err)
	} else {
		blob = embeddings.Serialize(vec)
		model = s.provider.Model()
	}

	res, err := s.db.Exec(`
		INSERT INTO research_findings (finding_text, source_url, source_title, tags_json, embedding, embedding_model, created_at, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, f.FindingText, nullIfEmpty(f.SourceURL), nullIfEmpty(f.SourceTitle), string(tagsJSON), blob, model, nowISO(), f.SessionID)
	if err != nil {
		return 0, fmt.Errorf("insert finding: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("finding id: %w", err)
	}

	if blob != nil {
		if vec, derr := embeddings.Deserialize(blob); derr == nil {
			s.indexUpsert(fmt.Sprintf("finding:%d", id), vec, map[string]string{
				"embedding_model": s.provider.Model(),
				"kind":            "finding",
			})
		}
	}

	L_debug("vectorstore: finding saved", "id", id)
	return id, nil
}

// SaveUserMemory persists a user memory, updating an existing near-duplicate
// (cosine >= threshold against same-model vectors) instead of inserting.
// Returns the row id and whether an existing row was updated.
func (s *Store) SaveUserMemory(ctx context.Context, text string, tags []string, dedupeThreshold float64) (int64, bool, error) {
	tagsJSON, _ := json.Marshal(emptyIfNil(tags))

	vec, err := s.provider.EmbedSingle(ctx, text)
	if err != nil {
		L_warn("vectorstore: memory embedding failed, inserting without vector", "error", err)
		res, ierr := s.db.Exec(`
			INSERT INTO user_memories (memory_text, tags_json, embedding, embedding_model, created_at)
			VALUES (?, ?, NULL, NULL, ?)
		`, text, string(tagsJSON), nowISO())
		if ierr != nil {
			return 0, false, fmt.Errorf("insert memory: %w", ierr)
		}
		id, _ := res.LastInsertId()
		return id, false, nil
	}

	if dupID, found, derr := s.findNearDuplicateVec(vec, dedupeThreshold); derr != nil {
		return 0, false, derr
	} else if found {
		if _, uerr := s.db.Exec(`
			UPDATE user_memories SET memory_text = ?, tags_json = ?, embedding = ?, embedding_model = ?
			WHERE id = ?
		`, text, string(tagsJSON), embeddings.Serialize(vec), s.provider.Model(), dupID); uerr != nil {
			return 0, false, fmt.Errorf("update memory: %w", uerr)
		}
		s.indexUpsert(fmt.Sprintf("memory:%d", dupID), vec, map[string]string{
			"embedding_model": s.provider.Model(),
			"kind":            "memory",
		})
		L_debug("vectorstore: near-duplicate memory updated", "id", dupID)
		return dupID, true, nil
	}

	res, err := s.db.Exec(`
		INSERT INTO user_memories (memory_text, tags_json, embedding, embedding_model, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, text, string(tagsJSON), embeddings.Serialize(vec), s.provider.Model(), nowISO())
	if err != nil {
		return 0, false, fmt.Errorf("insert memory: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("memory id: %w", err)
	}
	s.indexUpsert(fmt.Sprintf("memory:%d", id), vec, map[string]string{
		"embedding_model": s.provider.Model(),
		"kind":            "memory",
	})
	L_debug("vectorstore: memory saved", "id", id)
	return id, false, nil
}

// FindNearDuplicate returns the id of an existing user memory whose cosine
// similarity to text is at least threshold, comparing only vectors tagged
// with the current embedding model.
func (s *Store) FindNearDuplicate(ctx context.Context, text string, threshold float64) (int64, bool, error) {
	vec, err := s.provider.EmbedSingle(ctx, text)
	if err != nil {
		return 0, false, err
	}
	return s.findNearDuplicateVec(vec, threshold)
}

func (s *Store) findNearDuplicateVec(vec []float32, threshold float64) (int64, bool, error) {
	rows, err := s.db.Query(`
		SELECT id, embedding FROM user_memories
		WHERE embedding IS NOT NULL AND embedding_model = ?
	`, s.provider.Model())
	if err != nil {
		return 0, false, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var bestID int64
	bestScore := -1.0
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			continue
		}
		stored, err := embeddings.Deserialize(blob)
		if err != nil {
			continue
		}
		if sim := embeddings.Cosine(vec, stored); sim > bestScore {
			bestScore = sim
			bestID = id
		}
	}
	if err := rows.Err(); err != nil {
		return 0, false, fmt.Errorf("iterate memories: %w", err)
	}

	if bestScore >= threshold {
		return bestID, true, nil
	}
	return 0, false, nil
}

func (s *Store) indexUpsert(key string, vec []float32, metadata map[string]string) {
	if s.index == nil {
		return
	}
	if err := s.index.Upsert(key, vec, metadata); err != nil {
		L_warn("vectorstore: external index upsert failed", "key", key, "error", err)
	}
}

func emptyIfNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
