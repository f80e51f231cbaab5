package transcribe

import (
	"context"
	"sync"

	. "github.com/forager-agent/forager/internal/logging"
)

// Job is one queued transcription request. ID is the caller's transcript
// record id and round-trips into the Result untouched.
type Job struct {
	ID  int64
	URL string
}

// Result is delivered to the pool's callback exactly once per accepted job.
type Result struct {
	JobID           int64
	Text            string
	MediaPath       string
	DurationSeconds float64
	Err             error
}

// WorkFunc performs one transcription. Jobs run to completion; the pool does
// not preempt them.
type WorkFunc func(ctx context.Context, job Job) Result

// Pool is a bounded transcription worker pool. Close drains the queue and
// waits for in-flight jobs; jobs still queued at Close time are dropped
// without a callback.
type Pool struct {
	jobs     chan Job
	wg       sync.WaitGroup
	stopOnce sync.Once
	cancel   context.CancelFunc
}

// NewPool starts workers running work and delivering each outcome to
// callback. callback runs on a worker goroutine and must be re-entrant.
func NewPool(workers int, work WorkFunc, callback func(Result)) *Pool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:   make(chan Job, 16),
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}
				callback(work(ctx, job))
			}
		}()
	}
	return p
}

// Enqueue accepts a job unless the queue is full.
func (p *Pool) Enqueue(job Job) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		L_warn("transcribe: queue full, dropping job", "id", job.ID, "url", job.URL)
		return false
	}
}

// Close stops accepting jobs and waits for running ones.
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
	})
}
