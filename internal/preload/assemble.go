package preload

import (
	"strings"
)

const contextHeader = "Preloaded sources gathered before tool calls."

func (p *Pipeline) assemble(req Request, seeds []seedSource, res *Resolution) {
	budget := p.cfg.PerSourceBudget
	if budget <= 0 {
		budget = 8000
	}

	var seedBlocks []SourceBlock
	for _, seed := range seeds {
		seedBlocks = append(seedBlocks, SourceBlock{
			URL:   seed.source.URL,
			Title: seed.source.Title,
			Text:  seed.source.Content,
		})
	}
	res.SeedURLContext = renderSources(seedBlocks, budget)

	for i := range res.LocalPayload.Sources {
		applyBudget(&res.LocalPayload.Sources[i], budget)
	}
	localContext := renderBudgeted(res.LocalPayload.Sources)

	// Shortlist sources already present as seeds are not repeated.
	seedURLs := map[string]bool{}
	for _, s := range seedBlocks {
		seedURLs[normalizeURL(s.URL)] = true
	}
	var shortlistBlocks []SourceBlock
	for _, s := range res.ShortlistPayload.Sources {
		if seedURLs[normalizeURL(s.URL)] {
			continue
		}
		shortlistBlocks = append(shortlistBlocks, s)
	}
	res.ShortlistContext = renderSources(shortlistBlocks, budget)

	var parts []string
	for _, part := range []string{localContext, res.SeedURLContext, res.ShortlistContext} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return
	}
	res.CombinedContext = contextHeader + "\n\n" + strings.Join(parts, "\n\n")
}

func renderSources(sources []SourceBlock, budget int) string {
	budgeted := make([]SourceBlock, len(sources))
	copy(budgeted, sources)
	for i := range budgeted {
		applyBudget(&budgeted[i], budget)
	}
	return renderBudgeted(budgeted)
}

func applyBudget(s *SourceBlock, budget int) {
	if len(s.Text) <= budget {
		s.Delivery = "full_content"
		return
	}
	s.Delivery = "excerpt"
	s.Text = excerptOf(s.Text, budget)
}

func renderBudgeted(sources []SourceBlock) string {
	var sb strings.Builder
	for i, s := range sources {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("### Source: ")
		sb.WriteString(s.URL)
		sb.WriteString(" [")
		sb.WriteString(s.Delivery)
		sb.WriteString("]")
		if s.Title != "" {
			sb.WriteString("\nTitle: ")
			sb.WriteString(s.Title)
		}
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(s.Text))
	}
	return sb.String()
}

// excerptOf slices text to at most limit characters, cutting on a space when
// one is near the boundary.
func excerptOf(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return text
	}
	cut := text[:limit]
	if idx := strings.LastIndexByte(cut, ' '); idx > limit/2 {
		cut = cut[:idx]
	}
	return cut
}
