package vectorstore

import "strings"

// DefaultChunkSize is the target chunk length in characters.
const DefaultChunkSize = 1200

// SplitText slices text into indexable chunks, preferring paragraph
// boundaries and falling back to a hard cut for oversized paragraphs.
func SplitText(text string, chunkSize int) []Chunk {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []Chunk
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Text: strings.TrimSpace(current.String())})
		current.Reset()
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		if current.Len() > 0 && current.Len()+len(para)+2 > chunkSize {
			flush()
		}

		if len(para) > chunkSize {
			flush()
			for len(para) > chunkSize {
				cut := chunkSize
				// Prefer breaking at a space near the limit.
				if idx := strings.LastIndex(para[:chunkSize], " "); idx > chunkSize/2 {
					cut = idx
				}
				chunks = append(chunks, Chunk{Index: len(chunks), Text: strings.TrimSpace(para[:cut])})
				para = strings.TrimSpace(para[cut:])
			}
			if para != "" {
				current.WriteString(para)
			}
			continue
		}

		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	return chunks
}
