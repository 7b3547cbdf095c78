package unstream

import (
	"fmt"
	"log/slog"
)

// streamUsage is the usage reconciled over all chunks of a stream before any
// tokenizer fallback is applied.
type streamUsage struct {
	promptTokens             int
	completionTokens         int
	cacheCreationInputTokens *int
	cacheReadInputTokens     *int
	webSearchRequests        *int
	completionTokensDetails  *OAICompletionTokensDetails
	promptTokensDetails      *OAIPromptTokensDetails
}

// chunkUsageRecord returns the usage reported by a chunk, preferring the
// wire field over the copy cached in the hidden params.
func chunkUsageRecord(chunk *OAIStreamChunk) *OAIUsage {
	if chunk.Usage != nil {
		return chunk.Usage
	}
	if chunk.HiddenParams != nil {
		return chunk.HiddenParams.Usage
	}
	return nil
}

// aggregateUsage scans the usage records of all chunks. Token counters only
// move on positive values so a trailing zero cannot wipe a real count. Cache
// counters also take the first value seen, even zero, so that one
// authoritative record anywhere in the stream is enough.
func aggregateUsage(chunks []OAIStreamChunk) streamUsage {
	var agg streamUsage
	for i := range chunks {
		u := chunkUsageRecord(&chunks[i])
		if u == nil {
			continue
		}
		if u.PromptTokens > 0 {
			agg.promptTokens = u.PromptTokens
		}
		if u.CompletionTokens > 0 {
			agg.completionTokens = u.CompletionTokens
		}
		if v := u.CacheCreationInputTokens; v != nil && (*v > 0 || agg.cacheCreationInputTokens == nil) {
			agg.cacheCreationInputTokens = intPtr(*v)
		}
		if v := u.CacheReadInputTokens; v != nil && (*v > 0 || agg.cacheReadInputTokens == nil) {
			agg.cacheReadInputTokens = intPtr(*v)
		}
		if u.CompletionTokensDetails != nil {
			agg.completionTokensDetails = u.CompletionTokensDetails
		}
		if d := u.PromptTokensDetails; d != nil {
			agg.promptTokensDetails = d
			if d.WebSearchRequests != nil {
				agg.webSearchRequests = intPtr(*d.WebSearchRequests)
			}
		}
	}
	return agg
}

type usageInput struct {
	model            string
	messages         []OAIRequestMessage
	completionOutput string
	reasoningTokens  *int
}

// calculateUsage builds the final usage. Missing prompt or completion counts
// are computed with the token counter; total_tokens is always recomputed.
// A failing prompt count degrades to zero, a failing completion count is
// returned to the caller.
func calculateUsage(counter TokenCounter, logger *slog.Logger, agg streamUsage, in usageInput) (*OAIUsage, error) {
	usage := &OAIUsage{
		PromptTokens:     agg.promptTokens,
		CompletionTokens: agg.completionTokens,
	}

	if usage.PromptTokens <= 0 {
		n, err := counter.CountTokens(CountRequest{
			Model:    in.model,
			Messages: in.messages,
		})
		if err != nil {
			logger.Warn("prompt token count failed, assuming 0",
				slog.String("model", in.model),
				slog.Any("error", err),
			)
			n = 0
		}
		usage.PromptTokens = n
	}

	if usage.CompletionTokens <= 0 {
		text := in.completionOutput
		n, err := counter.CountTokens(CountRequest{
			Model:               in.model,
			Text:                &text,
			CountResponseTokens: true,
		})
		if err != nil {
			return nil, fmt.Errorf("count completion tokens: %w", err)
		}
		usage.CompletionTokens = n
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	if agg.cacheCreationInputTokens != nil {
		usage.CacheCreationInputTokens = intPtr(*agg.cacheCreationInputTokens)
	}
	if agg.cacheReadInputTokens != nil {
		usage.CacheReadInputTokens = intPtr(*agg.cacheReadInputTokens)
	}

	usage.CompletionTokensDetails = agg.completionTokensDetails.clone()
	if in.reasoningTokens != nil {
		if usage.CompletionTokensDetails == nil {
			usage.CompletionTokensDetails = &OAICompletionTokensDetails{}
		}
		if usage.CompletionTokensDetails.ReasoningTokens == nil {
			usage.CompletionTokensDetails.ReasoningTokens = intPtr(*in.reasoningTokens)
		}
	}

	usage.PromptTokensDetails = agg.promptTokensDetails.clone()
	if agg.webSearchRequests != nil {
		if usage.PromptTokensDetails == nil {
			usage.PromptTokensDetails = &OAIPromptTokensDetails{}
		}
		if usage.PromptTokensDetails.WebSearchRequests == nil {
			usage.PromptTokensDetails.WebSearchRequests = intPtr(*agg.webSearchRequests)
		}
	}

	return usage, nil
}

func intPtr(v int) *int { return &v }
