package daemon

import (
	"context"
	"fmt"
	"strings"

	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/transcribe"
	"github.com/forager-agent/forager/internal/transcripts"
)

type jobKey struct {
	kind transcripts.Kind
	id   int64
}

// HandleAudioMessage records a pending audio transcript, queues the job and
// acknowledges with the #at<id> reference.
func (r *Router) HandleAudioMessage(ctx context.Context, msg Message, mediaURL string) (string, error) {
	return r.handleMedia(msg, mediaURL, transcripts.KindAudio, r.audioPool, "#at")
}

// HandleImageMessage is the image counterpart, acknowledged as #it<id>.
func (r *Router) HandleImageMessage(ctx context.Context, msg Message, mediaURL string) (string, error) {
	return r.handleMedia(msg, mediaURL, transcripts.KindImage, r.imagePool, "#it")
}

func (r *Router) handleMedia(msg Message, mediaURL string, kind transcripts.Kind, pool *transcribe.Pool, tag string) (string, error) {
	if msg.Type != "groupchat" && !r.IsAuthorized(msg.JID) {
		return "", fmt.Errorf("unauthorized sender %s", bareJID(msg.JID))
	}
	if r.records == nil || pool == nil {
		return "Transcription is not enabled.", nil
	}

	sessionID, err := r.sessionIDForMessage(msg)
	if err != nil {
		return "", err
	}
	if sessionID == 0 {
		return "This room is not bound to a session.", nil
	}

	rec, err := r.records.Create(kind, sessionID, bareJID(msg.JID), mediaURL)
	if err != nil {
		return "", err
	}
	if !pool.Enqueue(transcribe.Job{ID: rec.ID, URL: mediaURL}) {
		r.records.Fail(kind, rec.ID, "transcription queue full")
		return "Transcription queue is full, try again later.", nil
	}

	r.mu.Lock()
	r.jobs[jobKey{kind, rec.ID}] = msg
	r.mu.Unlock()

	return fmt.Sprintf("Transcribing %s%d ...", tag, rec.SessionScopedID), nil
}

// HandleTranscriptionResultByJob resolves the originating conversation for a
// finished worker job and delivers the reply through the outbound callback.
// This is the entry point wired into the transcription pools.
func (r *Router) HandleTranscriptionResultByJob(ctx context.Context, kind transcripts.Kind, result transcribe.Result) {
	r.mu.Lock()
	msg, ok := r.jobs[jobKey{kind, result.JobID}]
	if ok {
		delete(r.jobs, jobKey{kind, result.JobID})
	}
	r.mu.Unlock()
	if !ok {
		L_warn("daemon: transcription result for unknown job", "id", result.JobID)
		return
	}

	reply, err := r.HandleTranscriptionResult(ctx, msg, kind, result)
	if err != nil {
		L_error("daemon: transcription result handling failed", "id", result.JobID, "error", err)
		return
	}
	if reply != "" && r.reply != nil {
		r.reply(msg, reply)
	}
}

// HandleTranscriptionResult finalizes a transcript record. With auto-run on
// and no planner configured the text immediately runs as a query; otherwise
// the pending confirmation waits for a yes/no follow-up. Returns the reply
// to post back, if any. Safe to call from worker goroutines.
func (r *Router) HandleTranscriptionResult(ctx context.Context, msg Message, kind transcripts.Kind, result transcribe.Result) (string, error) {
	if result.Err != nil {
		if err := r.records.Fail(kind, result.JobID, result.Err.Error()); err != nil {
			L_warn("daemon: transcript fail-mark failed", "id", result.JobID, "error", err)
		}
		return fmt.Sprintf("Transcription failed: %v", result.Err), nil
	}

	if err := r.records.Complete(kind, result.JobID, result.Text, result.MediaPath, result.DurationSeconds); err != nil {
		return "", err
	}

	if r.cfg.TranscriptAutoRun && r.planner == nil {
		if err := r.records.MarkUsed(kind, result.JobID); err != nil {
			L_warn("daemon: transcript mark-used failed", "id", result.JobID, "error", err)
		}
		return r.runQuery(ctx, msg, result.Text)
	}

	rec, err := r.records.Get(kind, result.JobID)
	if err != nil || rec == nil {
		return "", fmt.Errorf("transcript %d missing after completion", result.JobID)
	}

	r.mu.Lock()
	r.confirmations[confirmKey{msg.ConversationID, msg.SenderJID}] = pendingConfirm{
		kind:     kind,
		id:       rec.ID,
		scopedID: rec.SessionScopedID,
	}
	r.mu.Unlock()

	tag := "#at"
	if kind == transcripts.KindImage {
		tag = "#it"
	}
	return fmt.Sprintf("Transcript %s%d: %s\nRun it? (yes/no)", tag, rec.SessionScopedID, result.Text), nil
}

// consumeConfirmation intercepts a yes/no follow-up from the sender who owns
// a pending transcript confirmation.
func (r *Router) consumeConfirmation(ctx context.Context, msg Message, body string) (string, bool) {
	lowered := strings.ToLower(body)
	if lowered != "yes" && lowered != "no" {
		return "", false
	}

	r.mu.Lock()
	pending, ok := r.confirmations[confirmKey{msg.ConversationID, msg.SenderJID}]
	if ok {
		delete(r.confirmations, confirmKey{msg.ConversationID, msg.SenderJID})
	}
	r.mu.Unlock()
	if !ok {
		return "", false
	}

	rec, err := r.records.Get(pending.kind, pending.id)
	if err != nil || rec == nil || rec.Status != transcripts.StatusCompleted {
		return "That transcript is no longer available.", true
	}
	if lowered == "no" {
		return "Discarded.", true
	}

	if err := r.records.MarkUsed(pending.kind, pending.id); err != nil {
		L_warn("daemon: transcript mark-used failed", "id", pending.id, "error", err)
	}
	reply, err := r.runQuery(ctx, msg, rec.Text)
	if err != nil {
		return fmt.Sprintf("Failed to run the transcript: %v", err), true
	}
	return reply, true
}
