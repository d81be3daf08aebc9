package diagram

import "fmt"

// itemChunk is one token-budget-bounded slice of a larger item list, numbered in
// emission order.
type itemChunk struct {
	index int
	items []any
}

// chunkByTokenBudget partitions items into itemChunks so that no chunk's approximate
// token cost exceeds budget — the same technique spec.md names for batching a COBOL
// program's paragraphs before rendering.
func chunkByTokenBudget(items []any, budget int) []itemChunk {
	if budget <= 0 {
		budget = 2000
	}

	var chunks []itemChunk
	var current []any
	tokens := 0

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, itemChunk{index: len(chunks), items: current})
			current = nil
			tokens = 0
		}
	}

	for _, item := range items {
		cost := approxTokens(itemLabel(item)) + approxTokens(fmt.Sprintf("%v", item))
		if tokens+cost > budget && len(current) > 0 {
			flush()
		}
		current = append(current, item)
		tokens += cost
	}
	flush()
	return chunks
}
