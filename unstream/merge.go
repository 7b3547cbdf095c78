package unstream

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"
)

// audioTTL is applied when no chunk reports when the audio expires.
const audioTTL = time.Hour

// combinedContent concatenates the field selected by get over every choice of
// every chunk. A nil fragment (JSON null) contributes nothing.
func combinedContent(chunks []OAIStreamChunk, get func(*OAIStreamDelta) *string) string {
	var b strings.Builder
	for _, chunk := range chunks {
		for i := range chunk.Choices {
			if s := get(&chunk.Choices[i].Delta); s != nil {
				b.WriteString(*s)
			}
		}
	}
	return b.String()
}

func deltaContent(d *OAIStreamDelta) *string          { return d.Content }
func deltaReasoningContent(d *OAIStreamDelta) *string { return d.ReasoningContent }

// combinedThinking folds all thinking blocks of the stream into at most one
// block. Text of "thinking" blocks is concatenated and the last signature is
// kept; for "redacted_thinking" only the latest data survives. A signed
// thinking block takes precedence over redacted data.
func combinedThinking(chunks []OAIStreamChunk) []OAIThinkingBlock {
	var (
		text      strings.Builder
		signature string
		data      string
	)
	for _, chunk := range chunks {
		for _, choice := range chunk.Choices {
			for _, block := range choice.Delta.ThinkingBlocks {
				if block.Type == ThinkingTypeRedacted {
					if block.Data != "" {
						data = block.Data
					}
					continue
				}
				text.WriteString(block.Thinking)
				if block.Signature != "" {
					signature = block.Signature
				}
			}
		}
	}

	switch {
	case text.Len() > 0 && signature != "":
		return []OAIThinkingBlock{{
			Type:      ThinkingTypeThinking,
			Thinking:  text.String(),
			Signature: signature,
		}}
	case data != "":
		return []OAIThinkingBlock{{
			Type: ThinkingTypeRedacted,
			Data: data,
		}}
	}
	return nil
}

type toolCallAccumulator struct {
	id        string
	name      string
	typ       string
	arguments []string
}

// combinedToolCalls groups tool call fragments by index. Later non-empty ids,
// types and names overwrite earlier ones; argument fragments are appended in
// chunk order. Calls that never received both an id and a name are dropped.
func combinedToolCalls(chunks []OAIStreamChunk) []OAIToolCall {
	calls := make(map[int]*toolCallAccumulator)
	for _, chunk := range chunks {
		for _, choice := range chunk.Choices {
			for _, tc := range choice.Delta.ToolCalls {
				acc, ok := calls[tc.Index]
				if !ok {
					acc = &toolCallAccumulator{}
					calls[tc.Index] = acc
				}
				if tc.Id != "" {
					acc.id = tc.Id
				}
				if tc.Type != "" {
					acc.typ = tc.Type
				}
				if tc.Function == nil {
					continue
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					acc.arguments = append(acc.arguments, tc.Function.Arguments)
				}
			}
		}
	}

	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	var toolCalls []OAIToolCall
	for _, idx := range indexes {
		acc := calls[idx]
		if acc.id == "" || acc.name == "" {
			continue
		}
		args := strings.Join(acc.arguments, "")
		if args == "" {
			args = "{}"
		}
		typ := acc.typ
		if typ == "" {
			typ = "function"
		}
		toolCalls = append(toolCalls, OAIToolCall{
			Id:   acc.id,
			Type: typ,
			Function: OAIToolCallFunction{
				Name:      acc.name,
				Arguments: args,
			},
		})
	}
	return toolCalls
}

// combinedFunctionCall merges the legacy function_call deltas. The name is
// taken from the first chunk that carries a function call.
func combinedFunctionCall(chunks []OAIStreamChunk) *OAIFunctionCall {
	var (
		name    string
		named   bool
		argsBuf strings.Builder
	)
	for _, chunk := range chunks {
		for _, choice := range chunk.Choices {
			fc := choice.Delta.FunctionCall
			if fc == nil {
				continue
			}
			if !named {
				name = fc.Name
				named = true
			}
			argsBuf.WriteString(fc.Arguments)
		}
	}
	return &OAIFunctionCall{Name: name, Arguments: argsBuf.String()}
}

// combinedAudio merges audio deltas. Data fragments are base64 encoded
// individually, so they are decoded and joined as bytes before being
// encoded again.
func combinedAudio(chunks []OAIStreamChunk, now time.Time) (*OAIAudio, error) {
	var (
		fragments  []string
		transcript strings.Builder
		expiresAt  *int64
		id         string
	)
	for _, chunk := range chunks {
		for _, choice := range chunk.Choices {
			audio := choice.Delta.Audio
			if audio == nil {
				continue
			}
			if audio.Data != nil {
				fragments = append(fragments, *audio.Data)
			}
			if audio.Transcript != nil {
				transcript.WriteString(*audio.Transcript)
			}
			if audio.ExpiresAt != nil {
				expiresAt = audio.ExpiresAt
			}
			if audio.ID != nil {
				id = *audio.ID
			}
		}
	}

	data, err := concatenateBase64(fragments)
	if err != nil {
		return nil, err
	}
	out := &OAIAudio{
		ID:         id,
		Data:       data,
		Transcript: transcript.String(),
		ExpiresAt:  now.Add(audioTTL).Unix(),
	}
	if expiresAt != nil {
		out.ExpiresAt = *expiresAt
	}
	return out, nil
}

// concatenateBase64 decodes every fragment, joins the raw bytes and encodes
// the result once. An empty list yields "".
func concatenateBase64(fragments []string) (string, error) {
	var buf bytes.Buffer
	for i, fragment := range fragments {
		raw, err := base64.StdEncoding.DecodeString(fragment)
		if err != nil {
			return "", fmt.Errorf("%w: fragment %d: %v", ErrInvalidAudio, i, err)
		}
		buf.Write(raw)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func hasDelta(chunks []OAIStreamChunk, present func(*OAIStreamDelta) bool) bool {
	for _, chunk := range chunks {
		for i := range chunk.Choices {
			if present(&chunk.Choices[i].Delta) {
				return true
			}
		}
	}
	return false
}
