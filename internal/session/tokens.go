package session

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/types"
)

// DefaultEncoding approximates most chat models well enough for budgeting.
const DefaultEncoding = "cl100k_base"

// TokenEstimator counts tokens for context budgeting. With no encoding it
// falls back to the chars/4 heuristic.
type TokenEstimator struct {
	encoding *tiktoken.Tiktoken
	mu       sync.RWMutex
}

var (
	globalEstimator     *TokenEstimator
	globalEstimatorOnce sync.Once
)

// GetTokenEstimator returns the process-wide estimator.
func GetTokenEstimator() *TokenEstimator {
	globalEstimatorOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(DefaultEncoding)
		if err != nil {
			L_warn("session: token encoding unavailable, using chars/4", "error", err)
			globalEstimator = &TokenEstimator{}
			return
		}
		globalEstimator = &TokenEstimator{encoding: enc}
	})
	return globalEstimator
}

// EstimateTokens counts tokens in a string.
func (e *TokenEstimator) EstimateTokens(text string) int {
	if e == nil || e.encoding == nil {
		return len(text) / 4
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.encoding.Encode(text, nil, nil))
}

// CountMessages sums token estimates across messages, with a small fixed
// overhead per message for the role and framing.
func (e *TokenEstimator) CountMessages(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += e.EstimateTokens(m.Content) + 4
	}
	if len(messages) == 0 {
		return 0
	}
	return total
}
