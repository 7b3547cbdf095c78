package unstream

import (
	"sort"
	"time"
)

// sortChunks returns the chunks in production order. Transports may deliver
// chunks out of order, so when every chunk carries a CreatedAt hint the hint
// wins. If any chunk lacks it the arrival order is kept as is: callers must
// stamp every chunk or none.
func sortChunks(chunks []OAIStreamChunk) []OAIStreamChunk {
	if len(chunks) == 0 {
		return nil
	}
	for i := range chunks {
		if createdAt(&chunks[i]) == nil {
			return chunks
		}
	}
	sorted := make([]OAIStreamChunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return createdAt(&sorted[i]).Before(*createdAt(&sorted[j]))
	})
	return sorted
}

func createdAt(chunk *OAIStreamChunk) *time.Time {
	if chunk.HiddenParams == nil || chunk.HiddenParams.CreatedAt == nil || chunk.HiddenParams.CreatedAt.IsZero() {
		return nil
	}
	return chunk.HiddenParams.CreatedAt
}
