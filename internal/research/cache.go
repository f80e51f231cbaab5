package research

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/forager-agent/forager/internal/config"
	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/types"
	"github.com/forager-agent/forager/internal/vectorstore"
)

// CachedSource is one row of the content cache.
type CachedSource struct {
	ID             int64
	URL            string
	URLHash        string
	Content        string
	Title          string
	Summary        string
	SummaryStatus  string
	Links          []types.Link
	FetchTimestamp string
	ExpiresAt      string
	ContentHash    string
	CreatedAt      string
	UpdatedAt      string
}

// Summarizer produces a condensed summary of cached content. The production
// implementation calls the summarization model.
type Summarizer interface {
	Summarize(ctx context.Context, content string) (string, error)
}

// Cache is the persistent research content cache. Writes funnel through one
// *sql.DB handle; summarization runs on a bounded background pool.
type Cache struct {
	db      *sql.DB
	vectors *vectorstore.Store
	ttl     time.Duration

	summarizer Summarizer
	jobs       chan int64
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

// NewCache creates the cache on an open database and starts the summary
// worker pool when a summarizer is provided.
func NewCache(db *sql.DB, vectors *vectorstore.Store, cfg config.ResearchConfig, summarizer Summarizer) (*Cache, error) {
	if err := initSchema(db); err != nil {
		return nil, fmt.Errorf("research schema: %w", err)
	}

	ttl := time.Duration(cfg.TTLHours) * time.Hour
	if ttl == 0 {
		ttl = 24 * time.Hour
	}

	c := &Cache{
		db:         db,
		vectors:    vectors,
		ttl:        ttl,
		summarizer: summarizer,
	}

	if summarizer != nil {
		workers := cfg.SummaryWorkers
		if workers <= 0 {
			workers = 1
		}
		c.jobs = make(chan int64, 16)
		for i := 0; i < workers; i++ {
			c.wg.Add(1)
			go c.summaryWorker()
		}
		L_debug("research: summary workers started", "count", workers)
	}

	return c, nil
}

// Close drains the summary pool. Queued jobs finish; nothing new is accepted.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		if c.jobs != nil {
			close(c.jobs)
		}
	})
	c.wg.Wait()
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// CacheURL upserts a fetched source. When the content hash changes, dependent
// chunk vectors are deleted; when the link set changes, link vectors are
// deleted. Re-caching identical content only refreshes timestamps.
func (c *Cache) CacheURL(ctx context.Context, url, content, title string, links []types.Link, triggerSummarization bool) (int64, error) {
	urlHash := hashString(url)
	contentHash := hashString(content)
	linksJSON, _ := json.Marshal(linksOrEmpty(links))
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)
	expires := now.Add(c.ttl).Format(time.RFC3339)

	var id int64
	var oldContentHash, oldLinksJSON string
	err := c.db.QueryRow(`
		SELECT id, content_hash, links_json FROM research_cache WHERE url_hash = ?
	`, urlHash).Scan(&id, &oldContentHash, &oldLinksJSON)

	switch {
	case err == sql.ErrNoRows:
		res, ierr := c.db.Exec(`
			INSERT INTO research_cache (url, url_hash, content, title, summary_status, links_json,
				fetch_timestamp, expires_at, content_hash, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'none', ?, ?, ?, ?, ?, ?)
		`, url, urlHash, content, title, string(linksJSON), nowStr, expires, contentHash, nowStr, nowStr)
		if ierr != nil {
			return 0, fmt.Errorf("insert cache row: %w", ierr)
		}
		id, ierr = res.LastInsertId()
		if ierr != nil {
			return 0, fmt.Errorf("cache row id: %w", ierr)
		}
		L_debug("research: cached new source", "id", id, "url", url)

	case err != nil:
		return 0, fmt.Errorf("lookup cache row: %w", err)

	default:
		contentChanged := oldContentHash != contentHash
		linksChanged := oldLinksJSON != string(linksJSON)

		if contentChanged {
			if cerr := c.vectors.ClearCacheEmbeddings(id, true, false); cerr != nil {
				return 0, fmt.Errorf("invalidate chunks: %w", cerr)
			}
		}
		if linksChanged {
			if cerr := c.vectors.ClearCacheEmbeddings(id, false, true); cerr != nil {
				return 0, fmt.Errorf("invalidate links: %w", cerr)
			}
		}

		if contentChanged || linksChanged {
			if _, uerr := c.db.Exec(`
				UPDATE research_cache
				SET content = ?, title = ?, links_json = ?, content_hash = ?,
					summary_status = CASE WHEN ? THEN 'none' ELSE summary_status END,
					fetch_timestamp = ?, expires_at = ?, updated_at = ?
				WHERE id = ?
			`, content, title, string(linksJSON), contentHash, contentChanged, nowStr, expires, nowStr, id); uerr != nil {
				return 0, fmt.Errorf("update cache row: %w", uerr)
			}
			L_debug("research: refreshed source", "id", id, "url", url,
				"contentChanged", contentChanged, "linksChanged", linksChanged)
		} else {
			if _, uerr := c.db.Exec(`
				UPDATE research_cache SET fetch_timestamp = ?, expires_at = ?, updated_at = ? WHERE id = ?
			`, nowStr, expires, nowStr, id); uerr != nil {
				return 0, fmt.Errorf("touch cache row: %w", uerr)
			}
		}
	}

	if triggerSummarization {
		c.enqueueSummary(id)
	}
	return id, nil
}

// GetCached returns the cached record for a URL, or nil when absent or past
// its expiry. Expiry is normal control flow, not an error.
func (c *Cache) GetCached(url string) (*CachedSource, error) {
	rec, err := c.scanOne(`SELECT `+cacheColumns+` FROM research_cache WHERE url_hash = ?`, hashString(url))
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.ExpiresAt < time.Now().UTC().Format(time.RFC3339) {
		L_trace("research: cache expired", "url", url)
		return nil, nil
	}
	return rec, nil
}

// GetCachedByID returns a record regardless of expiry.
func (c *Cache) GetCachedByID(id int64) (*CachedSource, error) {
	return c.scanOne(`SELECT `+cacheColumns+` FROM research_cache WHERE id = ?`, id)
}

// ListCachedSources returns the most recently updated sources.
func (c *Cache) ListCachedSources(limit int) ([]*CachedSource, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := c.db.Query(`SELECT `+cacheColumns+` FROM research_cache ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list cache rows: %w", err)
	}
	defer rows.Close()

	var out []*CachedSource
	for rows.Next() {
		rec, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CleanupExpired deletes rows past expiry along with their vectors.
func (c *Cache) CleanupExpired() (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	rows, err := c.db.Query(`SELECT id FROM research_cache WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("query expired: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()

	for _, id := range ids {
		if err := c.vectors.ClearCacheEmbeddings(id, true, true); err != nil {
			L_warn("research: failed to clear vectors for expired source", "id", id, "error", err)
		}
		if _, err := c.db.Exec(`DELETE FROM research_cache WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("delete expired row: %w", err)
		}
	}

	if len(ids) > 0 {
		L_info("research: cleaned expired sources", "count", len(ids))
	}
	return len(ids), nil
}

const cacheColumns = `id, url, url_hash, content, COALESCE(title, ''), COALESCE(summary, ''),
	summary_status, links_json, fetch_timestamp, expires_at, content_hash, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*CachedSource, error) {
	var rec CachedSource
	var linksJSON string
	err := row.Scan(&rec.ID, &rec.URL, &rec.URLHash, &rec.Content, &rec.Title, &rec.Summary,
		&rec.SummaryStatus, &linksJSON, &rec.FetchTimestamp, &rec.ExpiresAt,
		&rec.ContentHash, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(linksJSON), &rec.Links); err != nil {
		rec.Links = nil
	}
	return &rec, nil
}

func (c *Cache) scanOne(query string, args ...any) (*CachedSource, error) {
	rec, err := scanSource(c.db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan cache row: %w", err)
	}
	return rec, nil
}

func linksOrEmpty(links []types.Link) []types.Link {
	if links == nil {
		return []types.Link{}
	}
	return links
}
