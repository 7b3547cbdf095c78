package unstream

import "strings"

const (
	defaultFinishReason = "stop"
	defaultRole         = "assistant"
	responseObject      = "chat.completion"
)

// chunkID returns the first non-empty chunk id. Some providers send an empty
// id on the leading chunk:
//
//	[{"id": ""}, {"id": "1"}, {"id": "1"}]
func chunkID(chunks []OAIStreamChunk) string {
	for _, chunk := range chunks {
		if chunk.ID != "" {
			return chunk.ID
		}
	}
	return ""
}

// buildBaseResponse creates the response skeleton. Identity fields come from
// first, the first chunk in arrival order, and are assumed constant over the
// stream; the id and finish reason are scanned from the ordered chunks.
func buildBaseResponse(first *OAIStreamChunk, chunks []OAIStreamChunk) *OAIChatResponse {
	role := defaultRole
	if len(first.Choices) > 0 && first.Choices[0].Delta.Role != "" {
		role = first.Choices[0].Delta.Role
	}

	finishReason := defaultFinishReason
	var promptFilterResults []OAIPromptFilterResult
	for _, chunk := range chunks {
		if len(chunk.PromptFilterResults) > 0 {
			promptFilterResults = chunk.PromptFilterResults
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if fr := chunk.Choices[0].FinishReason; fr != nil && *fr != "" {
			finishReason = *fr
		}
	}

	content := ""
	return &OAIChatResponse{
		ID:                  chunkID(chunks),
		Object:              responseObjectFor(first.Object),
		Created:             first.Created,
		Model:               first.Model,
		SystemFingerprint:   first.ModelFingerprint,
		PromptFilterResults: promptFilterResults,
		Choices: []OAIChatChoice{
			{
				Index:        0,
				FinishReason: finishReason,
				Message: OAIChatMessage{
					Role:    role,
					Content: &content,
				},
			},
		},
		Usage: &OAIUsage{},
	}
}

// responseObjectFor maps a chunk object type ("chat.completion.chunk") to the
// object type of the assembled response.
func responseObjectFor(object string) string {
	object = strings.TrimSuffix(object, ".chunk")
	if object == "" {
		return responseObject
	}
	return object
}
