package llm

import (
	"fmt"
	"time"
)

// RateLimitError is returned when the endpoint answers 429 and retries are
// exhausted. RetryAfter is zero when the server did not send the header.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx, non-429 API response.
type HTTPError struct {
	Status int
	Err    error
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %v", e.Status, e.Err)
}

func (e *HTTPError) Unwrap() error { return e.Err }
