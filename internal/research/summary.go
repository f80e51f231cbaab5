package research

import (
	"context"

	. "github.com/forager-agent/forager/internal/logging"
)

// Summary lifecycle: none -> pending -> processing -> completed | failed.

func (c *Cache) enqueueSummary(id int64) {
	if c.jobs == nil {
		return
	}
	if _, err := c.db.Exec(`UPDATE research_cache SET summary_status = 'pending' WHERE id = ? AND summary_status IN ('none', 'failed')`, id); err != nil {
		L_warn("research: failed to mark summary pending", "id", id, "error", err)
		return
	}
	select {
	case c.jobs <- id:
	default:
		// Queue full. The row stays pending; maintenance re-enqueues it.
		L_warn("research: summary queue full", "id", id)
	}
}

// RequeuePendingSummaries pushes rows stuck in pending back onto the pool.
// Called from the maintenance schedule.
func (c *Cache) RequeuePendingSummaries() int {
	if c.jobs == nil {
		return 0
	}
	rows, err := c.db.Query(`SELECT id FROM research_cache WHERE summary_status = 'pending'`)
	if err != nil {
		L_warn("research: failed to list pending summaries", "error", err)
		return 0
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			continue
		}
		select {
		case c.jobs <- id:
			count++
		default:
			return count
		}
	}
	return count
}

func (c *Cache) summaryWorker() {
	defer c.wg.Done()
	for id := range c.jobs {
		c.summarizeOne(id)
	}
}

func (c *Cache) summarizeOne(id int64) {
	res, err := c.db.Exec(`UPDATE research_cache SET summary_status = 'processing' WHERE id = ? AND summary_status = 'pending'`, id)
	if err != nil {
		L_warn("research: failed to claim summary job", "id", id, "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already claimed by another worker, or re-cached meanwhile.
		return
	}

	var content string
	if err := c.db.QueryRow(`SELECT content FROM research_cache WHERE id = ?`, id).Scan(&content); err != nil {
		L_warn("research: summary job lost its row", "id", id, "error", err)
		return
	}

	summary, err := c.summarizer.Summarize(context.Background(), content)
	if err != nil {
		L_warn("research: summarization failed", "id", id, "error", err)
		c.db.Exec(`UPDATE research_cache SET summary_status = 'failed' WHERE id = ?`, id)
		return
	}

	if _, err := c.db.Exec(`UPDATE research_cache SET summary = ?, summary_status = 'completed' WHERE id = ?`, summary, id); err != nil {
		L_warn("research: failed to store summary", "id", id, "error", err)
		return
	}
	L_debug("research: summary completed", "id", id, "chars", len(summary))
}
