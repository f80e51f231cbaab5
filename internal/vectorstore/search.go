package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/forager-agent/forager/internal/embeddings"
	. "github.com/forager-agent/forager/internal/logging"
)

// Candidate pool multiplier: ask the dense side for more than top_k, then
// filter after merging.
const candidateMultiplier = 4

// ChunkMatch is one hybrid-search hit over a source's chunks.
type ChunkMatch struct {
	ChunkIndex   int     `json:"chunk_index"`
	Text         string  `json:"text"`
	Score        float64 `json:"score"`
	DenseScore   float64 `json:"dense_score"`
	LexicalScore float64 `json:"lexical_score"`
}

// LinkMatch is one dense-ranked link.
type LinkMatch struct {
	Text  string  `json:"text"`
	Href  string  `json:"href"`
	Score float64 `json:"score"`
}

// FindingMatch is one dense-ranked research finding.
type FindingMatch struct {
	Finding
	Score float64 `json:"score"`
}

// MemoryMatch is one dense-ranked user memory.
type MemoryMatch struct {
	UserMemory
	Score float64 `json:"score"`
}

// SearchChunksHybrid ranks a source's chunks by a weighted combination of
// dense similarity and BM25 lexical score. denseWeight 1.0 is pure semantic,
// 0.0 pure lexical. Entries below minScore are dropped.
func (s *Store) SearchChunksHybrid(ctx context.Context, cacheID int64, query string, topK int, denseWeight, minScore float64) ([]ChunkMatch, error) {
	if query == "" || topK <= 0 {
		return nil, nil
	}
	candidateLimit := topK * candidateMultiplier

	dense, err := s.denseChunkScores(ctx, cacheID, query, candidateLimit)
	if err != nil {
		L_warn("vectorstore: dense chunk search failed, lexical only", "cacheID", cacheID, "error", err)
		dense = nil
	}

	lexical, err := s.lexicalChunkScores(cacheID, query, candidateLimit)
	if err != nil {
		L_warn("vectorstore: lexical chunk search failed", "cacheID", cacheID, "error", err)
		lexical = nil
	}

	indices := make(map[int]bool)
	for idx := range dense {
		indices[idx] = true
	}
	for idx := range lexical {
		indices[idx] = true
	}

	matches := make([]ChunkMatch, 0, len(indices))
	for idx := range indices {
		m := ChunkMatch{
			ChunkIndex:   idx,
			DenseScore:   dense[idx],
			LexicalScore: lexical[idx],
		}
		m.Score = denseWeight*m.DenseScore + (1-denseWeight)*m.LexicalScore
		if m.Score < minScore {
			continue
		}
		matches = append(matches, m)
	}

	// Tie-break on chunk index so ranking is deterministic.
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ChunkIndex < matches[j].ChunkIndex
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}

	for i := range matches {
		var text string
		err := s.db.QueryRow(`
			SELECT chunk_text FROM content_chunks WHERE cache_id = ? AND chunk_index = ?
		`, cacheID, matches[i].ChunkIndex).Scan(&text)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("load chunk text: %w", err)
		}
		matches[i].Text = text
	}

	L_debug("vectorstore: hybrid search", "cacheID", cacheID,
		"denseHits", len(dense), "lexicalHits", len(lexical), "results", len(matches))
	return matches, nil
}

// denseChunkScores returns chunk_index -> cosine similarity for one source,
// via the external index when present, else a full SQL scan.
func (s *Store) denseChunkScores(ctx context.Context, cacheID int64, query string, limit int) (map[int]float64, error) {
	queryVec, err := s.provider.EmbedSingle(ctx, query)
	if err != nil {
		return nil, err
	}

	if s.index != nil {
		hits, err := s.index.Query(queryVec, limit, map[string]string{
			"cache_id":        fmt.Sprintf("%d", cacheID),
			"embedding_model": s.provider.Model(),
			"kind":            "chunk",
		})
		if err == nil {
			scores := make(map[int]float64, len(hits))
			prefix := fmt.Sprintf("chunk:%d:", cacheID)
			for _, h := range hits {
				if !strings.HasPrefix(h.Key, prefix) {
					continue
				}
				idx, perr := strconv.Atoi(strings.TrimPrefix(h.Key, prefix))
				if perr != nil {
					continue
				}
				scores[idx] = 1 - h.Distance
			}
			return scores, nil
		}
		L_warn("vectorstore: external index query failed, scanning sqlite", "error", err)
	}

	rows, err := s.db.Query(`
		SELECT chunk_index, embedding FROM content_chunks
		WHERE cache_id = ? AND embedding IS NOT NULL AND embedding_model = ?
	`, cacheID, s.provider.Model())
	if err != nil {
		return nil, fmt.Errorf("query chunk embeddings: %w", err)
	}
	defer rows.Close()

	type scored struct {
		idx   int
		score float64
	}
	var all []scored
	for rows.Next() {
		var idx int
		var blob []byte
		if err := rows.Scan(&idx, &blob); err != nil {
			continue
		}
		vec, err := embeddings.Deserialize(blob)
		if err != nil {
			continue
		}
		if sim := embeddings.Cosine(queryVec, vec); sim > 0 {
			all = append(all, scored{idx: idx, score: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk embeddings: %w", err)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].idx < all[j].idx
	})
	scores := make(map[int]float64)
	for i, sc := range all {
		if i >= limit {
			break
		}
		scores[sc.idx] = sc.score
	}
	return scores, nil
}

// lexicalChunkScores returns chunk_index -> BM25-derived score for one source.
// BM25 ranks are negative, lower is better; converted as 1/(1+|rank|).
func (s *Store) lexicalChunkScores(cacheID int64, query string, limit int) (map[int]float64, error) {
	ftsQuery := buildFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT chunk_index, bm25(chunk_fts) AS rank
		FROM chunk_fts
		WHERE chunk_fts MATCH ? AND cache_id = ?
		ORDER BY rank
		LIMIT ?
	`, ftsQuery, cacheID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scores := make(map[int]float64)
	for rows.Next() {
		var idx int
		var rank float64
		if err := rows.Scan(&idx, &rank); err != nil {
			continue
		}
		scores[idx] = 1.0 / (1.0 + math.Abs(rank))
	}
	return scores, rows.Err()
}

// buildFTSQuery converts a natural query to FTS5 syntax: special characters
// stripped, prefix matching per word, implicit AND.
func buildFTSQuery(query string) string {
	words := strings.Fields(query)
	var parts []string
	for _, word := range words {
		word = strings.ReplaceAll(word, "*", "")
		word = strings.ReplaceAll(word, "\"", "")
		word = strings.ReplaceAll(word, "'", "")
		word = strings.TrimSpace(word)
		if word != "" {
			parts = append(parts, word+"*")
		}
	}
	return strings.Join(parts, " ")
}

// RankLinksByRelevance ranks a source's links by dense similarity only.
func (s *Store) RankLinksByRelevance(ctx context.Context, cacheID int64, query string, topK int) ([]LinkMatch, error) {
	if query == "" || topK <= 0 {
		return nil, nil
	}
	queryVec, err := s.provider.EmbedSingle(ctx, query)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT link_text, link_url, embedding FROM link_embeddings
		WHERE cache_id = ? AND embedding IS NOT NULL AND embedding_model = ?
		ORDER BY id
	`, cacheID, s.provider.Model())
	if err != nil {
		return nil, fmt.Errorf("query link embeddings: %w", err)
	}
	defer rows.Close()

	var matches []LinkMatch
	for rows.Next() {
		var text, href string
		var blob []byte
		if err := rows.Scan(&text, &href, &blob); err != nil {
			continue
		}
		vec, err := embeddings.Deserialize(blob)
		if err != nil {
			continue
		}
		matches = append(matches, LinkMatch{
			Text:  text,
			Href:  href,
			Score: embeddings.Cosine(queryVec, vec),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate link embeddings: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Href < matches[j].Href
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// SearchFindings ranks research findings by dense similarity, optionally
// filtered to one session.
func (s *Store) SearchFindings(ctx context.Context, query string, topK int, sessionID *int64) ([]FindingMatch, error) {
	if query == "" || topK <= 0 {
		return nil, nil
	}
	queryVec, err := s.provider.EmbedSingle(ctx, query)
	if err != nil {
		return nil, err
	}

	q := `
		SELECT id, finding_text, COALESCE(source_url, ''), COALESCE(source_title, ''), tags_json, embedding, created_at, session_id
		FROM research_findings
		WHERE embedding IS NOT NULL AND embedding_model = ?`
	args := []any{s.provider.Model()}
	if sessionID != nil {
		q += ` AND session_id = ?`
		args = append(args, *sessionID)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query findings: %w", err)
	}
	defer rows.Close()

	var matches []FindingMatch
	for rows.Next() {
		var f Finding
		var tagsJSON string
		var blob []byte
		var sid sql.NullInt64
		if err := rows.Scan(&f.ID, &f.FindingText, &f.SourceURL, &f.SourceTitle, &tagsJSON, &blob, &f.CreatedAt, &sid); err != nil {
			continue
		}
		if sid.Valid {
			v := sid.Int64
			f.SessionID = &v
		}
		json.Unmarshal([]byte(tagsJSON), &f.Tags)
		vec, err := embeddings.Deserialize(blob)
		if err != nil {
			continue
		}
		matches = append(matches, FindingMatch{
			Finding: f,
			Score:   embeddings.Cosine(queryVec, vec),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate findings: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// SearchUserMemories ranks user memories by dense similarity, dropping hits
// below minSimilarity. Returns empty when no vectors exist for the current
// model; vector spaces are never mixed.
func (s *Store) SearchUserMemories(ctx context.Context, query string, topK int, minSimilarity float64) ([]MemoryMatch, error) {
	if query == "" || topK <= 0 {
		return nil, nil
	}
	queryVec, err := s.provider.EmbedSingle(ctx, query)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT id, memory_text, tags_json, embedding, created_at
		FROM user_memories
		WHERE embedding IS NOT NULL AND embedding_model = ?
	`, s.provider.Model())
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var matches []MemoryMatch
	for rows.Next() {
		var m UserMemory
		var tagsJSON string
		var blob []byte
		if err := rows.Scan(&m.ID, &m.MemoryText, &tagsJSON, &blob, &m.CreatedAt); err != nil {
			continue
		}
		json.Unmarshal([]byte(tagsJSON), &m.Tags)
		vec, err := embeddings.Deserialize(blob)
		if err != nil {
			continue
		}
		sim := embeddings.Cosine(queryVec, vec)
		if sim < minSimilarity {
			continue
		}
		matches = append(matches, MemoryMatch{UserMemory: m, Score: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}
