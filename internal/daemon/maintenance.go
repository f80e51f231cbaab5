package daemon

import (
	"github.com/robfig/cron/v3"

	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/transcripts"
)

// StartMaintenance schedules the recurring cleanup jobs: research cache TTL
// expiry, summary requeue and transcript pruning. Returns the running
// scheduler; the caller stops it on shutdown.
func (r *Router) StartMaintenance() *cron.Cron {
	spec := r.cfg.MaintenanceSpec
	if spec == "" {
		spec = "@hourly"
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, r.runMaintenance); err != nil {
		L_error("daemon: invalid maintenance schedule", "spec", spec, "error", err)
		return c
	}
	c.Start()
	L_info("daemon: maintenance scheduled", "spec", spec)
	return c
}

func (r *Router) runMaintenance() {
	if r.cache != nil {
		if count, err := r.cache.CleanupExpired(); err != nil {
			L_warn("daemon: cache cleanup failed", "error", err)
		} else if count > 0 {
			L_info("daemon: expired cache entries removed", "count", count)
		}
		if requeued := r.cache.RequeuePendingSummaries(); requeued > 0 {
			L_info("daemon: summaries requeued", "count", requeued)
		}
	}

	if r.records != nil && r.store != nil && r.cfg.TranscriptKeep > 0 {
		sessions, err := r.store.ListSessions(0)
		if err != nil {
			L_warn("daemon: session list for pruning failed", "error", err)
			return
		}
		pruned := 0
		for _, sess := range sessions {
			for _, kind := range []transcripts.Kind{transcripts.KindAudio, transcripts.KindImage} {
				n, err := r.records.Prune(kind, sess.ID, r.cfg.TranscriptKeep)
				if err != nil {
					L_warn("daemon: transcript prune failed", "session", sess.ID, "error", err)
					continue
				}
				pruned += n
			}
		}
		if pruned > 0 {
			L_info("daemon: transcripts pruned", "count", pruned)
		}
	}
}
