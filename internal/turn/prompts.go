package turn

import "github.com/forager-agent/forager/internal/config"

// Built-in prompt fallbacks; every one can be overridden in [prompts].
const (
	defaultSystemPrompt = `You are a helpful research assistant. Answer accurately and concisely. Use the available tools when the answer requires current or external information, and cite source URLs when you relied on fetched content.`

	defaultResearchGuidance = `Research mode is active. Work methodically: search, fetch promising sources, extract what matters, and save significant findings with save_finding. Query prior findings with query_research_memory before repeating work. Prefer primary sources.`

	defaultLocalKBGuidance = `A local knowledge base has been preloaded into this conversation. Ground your answer in that material and say so when it does not cover the question.`

	defaultRetrievalOnlyGuidance = `The sources preloaded above contain the material for this request. Answer from them directly; do not call retrieval tools unless the preloaded content is insufficient.`

	defaultSummarizePrompt = `Summarize the following content in a few sentences, keeping concrete facts, names and numbers. Reply with only the summary.`

	defaultMemoryExtractPrompt = `From the conversation turn below, list durable facts about the user or their ongoing work worth remembering across sessions. One short fact per line. Reply with NONE if there is nothing worth saving.`
)

func promptOr(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}

func systemPrompt(p config.PromptsConfig) string { return promptOr(p.System, defaultSystemPrompt) }

func researchGuidance(p config.PromptsConfig) string {
	return promptOr(p.Research, defaultResearchGuidance)
}

func localKBGuidance(p config.PromptsConfig) string {
	return promptOr(p.LocalKB, defaultLocalKBGuidance)
}

func retrievalOnlyGuidance(p config.PromptsConfig) string {
	return promptOr(p.RetrievalOnly, defaultRetrievalOnlyGuidance)
}

func summarizePrompt(p config.PromptsConfig) string {
	return promptOr(p.Summarize, defaultSummarizePrompt)
}

func memoryExtractPrompt(p config.PromptsConfig) string {
	return promptOr(p.MemoryExtract, defaultMemoryExtractPrompt)
}
