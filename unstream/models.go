package unstream

import (
	"encoding/json"
	"maps"
	"time"
)

type OAIStreamChunk struct {
	ID                  string                  `json:"id"`
	Object              string                  `json:"object"`
	Created             int64                   `json:"created"`
	Model               string                  `json:"model"`
	Choices             []OAIStreamChoice       `json:"choices"`
	Usage               *OAIUsage               `json:"usage,omitempty"`
	ModelFingerprint    string                  `json:"system_fingerprint,omitempty"`
	PromptFilterResults []OAIPromptFilterResult `json:"prompt_filter_results,omitempty"`

	// HiddenParams never travels on the wire. Transports attach it after
	// decoding to carry ordering hints and cached usage.
	HiddenParams *OAIHiddenParams `json:"-"`
}

// OAIHiddenParams is the side channel attached to chunks by the transport.
type OAIHiddenParams struct {
	// CreatedAt is the production time of the chunk. When every chunk in a
	// sequence has it, chunks are folded in CreatedAt order.
	CreatedAt *time.Time
	// Usage is consulted when the chunk itself carries no usage record.
	Usage *OAIUsage
	Extra map[string]any
}

type OAIStreamChoice struct {
	Delta        OAIStreamDelta `json:"delta"`
	FinishReason *string        `json:"finish_reason,omitempty"`
	Index        int            `json:"index"`
}

// OAIStreamDelta is the sparse message update inside a chunk. Content and
// ReasoningContent are pointers so that an explicit null is not mistaken for
// an empty fragment.
type OAIStreamDelta struct {
	Content          *string            `json:"content,omitempty"`
	ReasoningContent *string            `json:"reasoning_content,omitempty"`
	ThinkingBlocks   []OAIThinkingBlock `json:"thinking_blocks,omitempty"`
	ToolCalls        []OAIToolCallDelta `json:"tool_calls,omitempty"`
	FunctionCall     *OAIFunctionCall   `json:"function_call,omitempty"`
	Audio            *OAIAudioDelta     `json:"audio,omitempty"`
	Role             string             `json:"role,omitempty"`
}

type OAIPromptFilterResult struct {
	ContentFilterResults map[string]OAIContentFilterResult `json:"content_filter_results"`
	PromptIndex          int                               `json:"prompt_index"`
}

type OAIContentFilterResult struct {
	Filtered bool   `json:"filtered"`
	Severity string `json:"severity"`
}

// OAIToolCallDelta is one fragment of a tool call. Fragments sharing an
// Index belong to the same call.
type OAIToolCallDelta struct {
	Function *OAIToolCallFunction `json:"function,omitempty"`
	Id       string               `json:"id,omitempty"`
	Index    int                  `json:"index"`
	Type     string               `json:"type,omitempty"`
}

type OAIToolCall struct {
	Function OAIToolCallFunction `json:"function"`
	Id       string              `json:"id"`
	Type     string              `json:"type"`
}

type OAIToolCallFunction struct {
	Arguments string `json:"arguments"`
	Name      string `json:"name,omitempty"`
}

// OAIFunctionCall is the legacy single function call (pre tool_calls).
type OAIFunctionCall struct {
	Arguments string `json:"arguments"`
	Name      string `json:"name,omitempty"`
}

const (
	ThinkingTypeThinking = "thinking"
	ThinkingTypeRedacted = "redacted_thinking"
)

// OAIThinkingBlock is a tagged union discriminated by Type: "thinking" blocks
// use Thinking and Signature, "redacted_thinking" blocks use Data.
type OAIThinkingBlock struct {
	Type      string `json:"type"`
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`
}

type OAIAudioDelta struct {
	ID         *string `json:"id,omitempty"`
	Data       *string `json:"data,omitempty"`
	Transcript *string `json:"transcript,omitempty"`
	ExpiresAt  *int64  `json:"expires_at,omitempty"`
}

type OAIAudio struct {
	ID         string `json:"id,omitempty"`
	Data       string `json:"data"`
	ExpiresAt  int64  `json:"expires_at"`
	Transcript string `json:"transcript"`
}

type OAIChatResponse struct {
	ID                  string                  `json:"id"`
	Object              string                  `json:"object"`
	Created             int64                   `json:"created"`
	Model               string                  `json:"model"`
	SystemFingerprint   string                  `json:"system_fingerprint,omitempty"`
	Choices             []OAIChatChoice         `json:"choices"`
	Usage               *OAIUsage               `json:"usage,omitempty"`
	PromptFilterResults []OAIPromptFilterResult `json:"prompt_filter_results,omitempty"`

	HiddenParams *OAIHiddenParams `json:"-"`
}

type OAIChatChoice struct {
	FinishReason string         `json:"finish_reason"`
	Index        int            `json:"index"`
	Message      OAIChatMessage `json:"message"`
}

type OAIChatMessage struct {
	Role             string             `json:"role"`
	Content          *string            `json:"content"`
	ReasoningContent *string            `json:"reasoning_content,omitempty"`
	ThinkingBlocks   []OAIThinkingBlock `json:"thinking_blocks,omitempty"`
	ToolCalls        []OAIToolCall      `json:"tool_calls,omitempty"`
	FunctionCall     *OAIFunctionCall   `json:"function_call,omitempty"`
	Audio            *OAIAudio          `json:"audio,omitempty"`
}

type OAIUsage struct {
	PromptTokens             int                         `json:"prompt_tokens"`
	CompletionTokens         int                         `json:"completion_tokens"`
	TotalTokens              int                         `json:"total_tokens"`
	CacheCreationInputTokens *int                        `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     *int                        `json:"cache_read_input_tokens,omitempty"`
	CompletionTokensDetails  *OAICompletionTokensDetails `json:"completion_tokens_details,omitempty"`
	PromptTokensDetails      *OAIPromptTokensDetails     `json:"prompt_tokens_details,omitempty"`
}

type OAICompletionTokensDetails struct {
	ReasoningTokens          *int `json:"reasoning_tokens,omitempty"`
	AcceptedPredictionTokens *int `json:"accepted_prediction_tokens,omitempty"`
	RejectedPredictionTokens *int `json:"rejected_prediction_tokens,omitempty"`
	AudioTokens              *int `json:"audio_tokens,omitempty"`
}

type OAIPromptTokensDetails struct {
	CachedTokens      *int `json:"cached_tokens,omitempty"`
	AudioTokens       *int `json:"audio_tokens,omitempty"`
	WebSearchRequests *int `json:"web_search_requests,omitempty"`
}

func (d *OAICompletionTokensDetails) clone() *OAICompletionTokensDetails {
	if d == nil {
		return nil
	}
	return &OAICompletionTokensDetails{
		ReasoningTokens:          cloneInt(d.ReasoningTokens),
		AcceptedPredictionTokens: cloneInt(d.AcceptedPredictionTokens),
		RejectedPredictionTokens: cloneInt(d.RejectedPredictionTokens),
		AudioTokens:              cloneInt(d.AudioTokens),
	}
}

func (d *OAIPromptTokensDetails) clone() *OAIPromptTokensDetails {
	if d == nil {
		return nil
	}
	return &OAIPromptTokensDetails{
		CachedTokens:      cloneInt(d.CachedTokens),
		AudioTokens:       cloneInt(d.AudioTokens),
		WebSearchRequests: cloneInt(d.WebSearchRequests),
	}
}

func (u *OAIUsage) clone() *OAIUsage {
	if u == nil {
		return nil
	}
	cp := *u
	cp.CacheCreationInputTokens = cloneInt(u.CacheCreationInputTokens)
	cp.CacheReadInputTokens = cloneInt(u.CacheReadInputTokens)
	cp.CompletionTokensDetails = u.CompletionTokensDetails.clone()
	cp.PromptTokensDetails = u.PromptTokensDetails.clone()
	return &cp
}

// clone returns a copy that shares no pointers with hp. Extra is a new map
// holding the same values.
func (hp *OAIHiddenParams) clone() *OAIHiddenParams {
	if hp == nil {
		return nil
	}
	cp := &OAIHiddenParams{
		Usage: hp.Usage.clone(),
		Extra: maps.Clone(hp.Extra),
	}
	if hp.CreatedAt != nil {
		t := *hp.CreatedAt
		cp.CreatedAt = &t
	}
	return cp
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	return intPtr(*p)
}

// OAIRequestMessage is a message of the conversation that produced the
// stream. It is only used to count prompt tokens.
type OAIRequestMessage struct {
	Role       string        `json:"role"`
	Content    any           `json:"content,omitempty"`
	Name       string        `json:"name,omitempty"`
	ToolCalls  []OAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// StringContent returns the textual content of the message. Content may be a
// plain string or an array of content parts, in which case the "text" parts
// are concatenated.
func (m OAIRequestMessage) StringContent() string {
	if m.Content == nil {
		return ""
	}
	if s, ok := m.Content.(string); ok {
		return s
	}
	data, err := json.Marshal(m.Content)
	if err != nil {
		return ""
	}
	var parts []oaiContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return ""
		}
		return s
	}
	var text string
	for _, p := range parts {
		if p.Type == "text" {
			text += p.Text
		}
	}
	return text
}
