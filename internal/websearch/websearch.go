// Package websearch provides interchangeable web search adapters.
package websearch

import (
	"context"

	"github.com/forager-agent/forager/internal/config"
	"github.com/forager-agent/forager/internal/types"
)

// Adapter is the search provider contract. Implementations are
// interchangeable; the registry picks one from config.
type Adapter interface {
	Search(ctx context.Context, query string, count int) ([]types.SearchResult, error)
	Name() string
}

// FromConfig selects the configured provider, or nil when none is usable.
func FromConfig(provider string, cfg config.SearchConfig) Adapter {
	switch provider {
	case "serper":
		if cfg.SerperAPIKey != "" {
			return NewSerper(cfg.SerperAPIKey)
		}
	case "searx", "searxng", "":
		if cfg.SearxURL != "" {
			return NewSearx(cfg.SearxURL)
		}
	}
	// Fall through: any configured backend is better than none.
	if cfg.SearxURL != "" {
		return NewSearx(cfg.SearxURL)
	}
	if cfg.SerperAPIKey != "" {
		return NewSerper(cfg.SerperAPIKey)
	}
	return nil
}

func clampCount(count int) int {
	if count <= 0 {
		return 5
	}
	if count > 20 {
		return 20
	}
	return count
}
