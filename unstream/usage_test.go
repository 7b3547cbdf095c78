package unstream

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usageChunk(u *OAIUsage) OAIStreamChunk {
	return OAIStreamChunk{Usage: u}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedCounter answers every prompt count with prompt and every response
// count with completion.
func fixedCounter(prompt, completion int) TokenCounter {
	return TokenCounterFunc(func(req CountRequest) (int, error) {
		if req.CountResponseTokens {
			return completion, nil
		}
		return prompt, nil
	})
}

func TestAggregateUsage_TokensOverrideOnPositive(t *testing.T) {
	chunks := []OAIStreamChunk{
		usageChunk(&OAIUsage{PromptTokens: 0, CompletionTokens: 5}),
		usageChunk(&OAIUsage{PromptTokens: 42}),
		usageChunk(&OAIUsage{PromptTokens: 0, CompletionTokens: 0}),
	}

	agg := aggregateUsage(chunks)

	assert.Equal(t, 42, agg.promptTokens)
	assert.Equal(t, 5, agg.completionTokens)
}

func TestAggregateUsage_LaterPositiveCompletionWins(t *testing.T) {
	chunks := []OAIStreamChunk{
		usageChunk(&OAIUsage{PromptTokens: 4}),
		usageChunk(&OAIUsage{CompletionTokens: 9}),
	}

	agg := aggregateUsage(chunks)

	assert.Equal(t, 4, agg.promptTokens)
	assert.Equal(t, 9, agg.completionTokens)
}

func TestAggregateUsage_HiddenParamsFallback(t *testing.T) {
	chunks := []OAIStreamChunk{
		{HiddenParams: &OAIHiddenParams{Usage: &OAIUsage{PromptTokens: 9}}},
		{Usage: &OAIUsage{CompletionTokens: 3}, HiddenParams: &OAIHiddenParams{Usage: &OAIUsage{CompletionTokens: 100}}},
	}

	agg := aggregateUsage(chunks)

	assert.Equal(t, 9, agg.promptTokens)
	assert.Equal(t, 3, agg.completionTokens)
}

func TestAggregateUsage_CacheCounters(t *testing.T) {
	tests := []struct {
		name   string
		values []*int
		want   *int
	}{
		{name: "never reported", values: []*int{nil, nil}, want: nil},
		{name: "first zero is kept", values: []*int{intPtr(0), nil}, want: intPtr(0)},
		{name: "positive replaces zero", values: []*int{intPtr(0), intPtr(7)}, want: intPtr(7)},
		{name: "zero does not replace positive", values: []*int{intPtr(7), intPtr(0)}, want: intPtr(7)},
		{name: "latest positive wins", values: []*int{intPtr(3), intPtr(8)}, want: intPtr(8)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var chunks []OAIStreamChunk
			for _, v := range tt.values {
				chunks = append(chunks, usageChunk(&OAIUsage{CacheCreationInputTokens: v, CacheReadInputTokens: v}))
			}
			agg := aggregateUsage(chunks)
			assert.Equal(t, tt.want, agg.cacheCreationInputTokens)
			assert.Equal(t, tt.want, agg.cacheReadInputTokens)
		})
	}
}

func TestAggregateUsage_DetailsOverrideWhenPresent(t *testing.T) {
	first := &OAICompletionTokensDetails{AudioTokens: intPtr(1)}
	last := &OAICompletionTokensDetails{AudioTokens: intPtr(2)}
	chunks := []OAIStreamChunk{
		usageChunk(&OAIUsage{CompletionTokensDetails: first, PromptTokensDetails: &OAIPromptTokensDetails{CachedTokens: intPtr(4), WebSearchRequests: intPtr(2)}}),
		usageChunk(&OAIUsage{CompletionTokensDetails: last}),
		usageChunk(&OAIUsage{PromptTokensDetails: &OAIPromptTokensDetails{CachedTokens: intPtr(6)}}),
	}

	agg := aggregateUsage(chunks)

	assert.Same(t, last, agg.completionTokensDetails)
	require.NotNil(t, agg.promptTokensDetails)
	assert.Equal(t, intPtr(6), agg.promptTokensDetails.CachedTokens)
	assert.Equal(t, intPtr(2), agg.webSearchRequests)
}

func TestCalculateUsage(t *testing.T) {
	messages := []OAIRequestMessage{{Role: "user", Content: "hi"}}

	t.Run("upstream counts are kept and total recomputed", func(t *testing.T) {
		usage, err := calculateUsage(fixedCounter(1, 1), discardLogger(), streamUsage{promptTokens: 10, completionTokens: 4}, usageInput{})
		require.NoError(t, err)
		assert.Equal(t, 10, usage.PromptTokens)
		assert.Equal(t, 4, usage.CompletionTokens)
		assert.Equal(t, 14, usage.TotalTokens)
	})

	t.Run("missing counts use the tokenizer", func(t *testing.T) {
		var requests []CountRequest
		counter := TokenCounterFunc(func(req CountRequest) (int, error) {
			requests = append(requests, req)
			if req.CountResponseTokens {
				return 11, nil
			}
			return 20, nil
		})
		usage, err := calculateUsage(counter, discardLogger(), streamUsage{}, usageInput{
			model:            "gpt-4o",
			messages:         messages,
			completionOutput: "Hello",
		})
		require.NoError(t, err)
		assert.Equal(t, 20, usage.PromptTokens)
		assert.Equal(t, 11, usage.CompletionTokens)
		assert.Equal(t, 31, usage.TotalTokens)

		require.Len(t, requests, 2)
		assert.Equal(t, messages, requests[0].Messages)
		assert.False(t, requests[0].CountResponseTokens)
		assert.Equal(t, "Hello", *requests[1].Text)
		assert.True(t, requests[1].CountResponseTokens)
	})

	t.Run("prompt count failure degrades to zero", func(t *testing.T) {
		counter := TokenCounterFunc(func(req CountRequest) (int, error) {
			if req.CountResponseTokens {
				return 3, nil
			}
			return 0, errors.New("unknown model")
		})
		usage, err := calculateUsage(counter, discardLogger(), streamUsage{}, usageInput{messages: messages})
		require.NoError(t, err)
		assert.Equal(t, 0, usage.PromptTokens)
		assert.Equal(t, 3, usage.TotalTokens)
	})

	t.Run("completion count failure propagates", func(t *testing.T) {
		boom := errors.New("tokenizer down")
		counter := TokenCounterFunc(func(req CountRequest) (int, error) {
			if req.CountResponseTokens {
				return 0, boom
			}
			return 1, nil
		})
		_, err := calculateUsage(counter, discardLogger(), streamUsage{}, usageInput{})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("reasoning tokens are inserted when absent", func(t *testing.T) {
		usage, err := calculateUsage(fixedCounter(1, 1), discardLogger(), streamUsage{promptTokens: 1, completionTokens: 1}, usageInput{reasoningTokens: intPtr(12)})
		require.NoError(t, err)
		require.NotNil(t, usage.CompletionTokensDetails)
		assert.Equal(t, intPtr(12), usage.CompletionTokensDetails.ReasoningTokens)
	})

	t.Run("upstream reasoning tokens are not replaced", func(t *testing.T) {
		details := &OAICompletionTokensDetails{ReasoningTokens: intPtr(30)}
		usage, err := calculateUsage(fixedCounter(1, 1), discardLogger(), streamUsage{
			promptTokens:            1,
			completionTokens:        1,
			completionTokensDetails: details,
		}, usageInput{reasoningTokens: intPtr(12)})
		require.NoError(t, err)
		assert.Equal(t, intPtr(30), usage.CompletionTokensDetails.ReasoningTokens)
		assert.NotSame(t, details, usage.CompletionTokensDetails)
	})

	t.Run("web search requests are carried into prompt details", func(t *testing.T) {
		usage, err := calculateUsage(fixedCounter(1, 1), discardLogger(), streamUsage{
			promptTokens:      1,
			completionTokens:  1,
			webSearchRequests: intPtr(2),
		}, usageInput{})
		require.NoError(t, err)
		require.NotNil(t, usage.PromptTokensDetails)
		assert.Equal(t, intPtr(2), usage.PromptTokensDetails.WebSearchRequests)
	})

	t.Run("cache counters are copied", func(t *testing.T) {
		usage, err := calculateUsage(fixedCounter(1, 1), discardLogger(), streamUsage{
			promptTokens:             1,
			completionTokens:         1,
			cacheCreationInputTokens: intPtr(0),
			cacheReadInputTokens:     intPtr(5),
		}, usageInput{})
		require.NoError(t, err)
		assert.Equal(t, intPtr(0), usage.CacheCreationInputTokens)
		assert.Equal(t, intPtr(5), usage.CacheReadInputTokens)
		assert.Nil(t, usage.PromptTokensDetails)
		assert.Nil(t, usage.CompletionTokensDetails)
	})
}
