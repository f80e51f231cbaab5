package transcribe

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPoolDeliversOneCallbackPerJob(t *testing.T) {
	var (
		mu      sync.Mutex
		results []Result
		done    = make(chan struct{}, 3)
	)
	pool := NewPool(2, func(ctx context.Context, job Job) Result {
		return Result{JobID: job.ID, Text: "text for " + job.URL}
	}, func(r Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
		done <- struct{}{}
	})
	defer pool.Close()

	for i := int64(1); i <= 3; i++ {
		if !pool.Enqueue(Job{ID: i, URL: "u"}) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for callbacks")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	seen := map[int64]bool{}
	for _, r := range results {
		if seen[r.JobID] {
			t.Errorf("job %d delivered twice", r.JobID)
		}
		seen[r.JobID] = true
	}
}

func TestPoolCloseWaitsForInFlight(t *testing.T) {
	started := make(chan struct{})
	finished := false
	var mu sync.Mutex

	pool := NewPool(1, func(ctx context.Context, job Job) Result {
		close(started)
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		finished = true
		mu.Unlock()
		return Result{JobID: job.ID}
	}, func(Result) {})

	pool.Enqueue(Job{ID: 1})
	<-started
	pool.Close()

	mu.Lock()
	defer mu.Unlock()
	if !finished {
		t.Error("Close returned before the in-flight job finished")
	}
}

func TestPoolEnqueueAfterQueueFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, func(ctx context.Context, job Job) Result {
		<-block
		return Result{JobID: job.ID}
	}, func(Result) {})

	accepted := 0
	for i := 0; i < 32; i++ {
		if pool.Enqueue(Job{ID: int64(i)}) {
			accepted++
		}
	}
	if accepted >= 32 {
		t.Error("queue never reported full")
	}
	close(block)
	pool.Close()
}
