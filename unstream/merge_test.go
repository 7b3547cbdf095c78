package unstream

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func deltaChunk(d OAIStreamDelta) OAIStreamChunk {
	return OAIStreamChunk{Choices: []OAIStreamChoice{{Delta: d}}}
}

func contentChunks(parts ...*string) []OAIStreamChunk {
	chunks := make([]OAIStreamChunk, 0, len(parts))
	for _, p := range parts {
		chunks = append(chunks, deltaChunk(OAIStreamDelta{Content: p}))
	}
	return chunks
}

func TestCombinedContent(t *testing.T) {
	t.Run("concatenates in order", func(t *testing.T) {
		chunks := contentChunks(strPtr("Hel"), strPtr("lo"), strPtr(""))
		assert.Equal(t, "Hello", combinedContent(chunks, deltaContent))
	})

	t.Run("null fragments contribute nothing", func(t *testing.T) {
		chunks := contentChunks(nil, strPtr("a"), nil, strPtr("b"))
		assert.Equal(t, "ab", combinedContent(chunks, deltaContent))
	})

	t.Run("is order preserving over splits", func(t *testing.T) {
		chunks := contentChunks(strPtr("one "), nil, strPtr("two "), strPtr("three"), strPtr(" four"))
		full := combinedContent(chunks, deltaContent)
		for i := 0; i <= len(chunks); i++ {
			left := combinedContent(chunks[:i], deltaContent)
			right := combinedContent(chunks[i:], deltaContent)
			assert.Equal(t, full, left+right, "split at %d", i)
		}
	})

	t.Run("reasoning uses its own field", func(t *testing.T) {
		chunks := []OAIStreamChunk{
			deltaChunk(OAIStreamDelta{ReasoningContent: strPtr("think "), Content: strPtr("x")}),
			deltaChunk(OAIStreamDelta{ReasoningContent: strPtr("hard")}),
		}
		assert.Equal(t, "think hard", combinedContent(chunks, deltaReasoningContent))
	})

	t.Run("chunks without choices are skipped", func(t *testing.T) {
		chunks := []OAIStreamChunk{{}, deltaChunk(OAIStreamDelta{Content: strPtr("x")})}
		assert.Equal(t, "x", combinedContent(chunks, deltaContent))
	})
}

func thinkingChunk(blocks ...OAIThinkingBlock) OAIStreamChunk {
	return deltaChunk(OAIStreamDelta{ThinkingBlocks: blocks})
}

func TestCombinedThinking(t *testing.T) {
	tests := []struct {
		name   string
		chunks []OAIStreamChunk
		want   []OAIThinkingBlock
	}{
		{
			name:   "no blocks",
			chunks: contentChunks(strPtr("hi")),
			want:   nil,
		},
		{
			name: "thinking text is concatenated with last signature",
			chunks: []OAIStreamChunk{
				thinkingChunk(OAIThinkingBlock{Type: ThinkingTypeThinking, Thinking: "Let me ", Signature: "sig-1"}),
				thinkingChunk(OAIThinkingBlock{Type: ThinkingTypeThinking, Thinking: "think."}),
				thinkingChunk(OAIThinkingBlock{Type: ThinkingTypeThinking, Signature: "sig-2"}),
			},
			want: []OAIThinkingBlock{{Type: ThinkingTypeThinking, Thinking: "Let me think.", Signature: "sig-2"}},
		},
		{
			name: "unsigned thinking is dropped",
			chunks: []OAIStreamChunk{
				thinkingChunk(OAIThinkingBlock{Type: ThinkingTypeThinking, Thinking: "hmm"}),
			},
			want: nil,
		},
		{
			name: "redacted keeps latest data",
			chunks: []OAIStreamChunk{
				thinkingChunk(OAIThinkingBlock{Type: ThinkingTypeRedacted, Data: "blob-1"}),
				thinkingChunk(OAIThinkingBlock{Type: ThinkingTypeRedacted, Data: "blob-2"}),
			},
			want: []OAIThinkingBlock{{Type: ThinkingTypeRedacted, Data: "blob-2"}},
		},
		{
			name: "signed thinking wins over redacted",
			chunks: []OAIStreamChunk{
				thinkingChunk(OAIThinkingBlock{Type: ThinkingTypeRedacted, Data: "blob"}),
				thinkingChunk(OAIThinkingBlock{Type: ThinkingTypeThinking, Thinking: "visible", Signature: "sig"}),
			},
			want: []OAIThinkingBlock{{Type: ThinkingTypeThinking, Thinking: "visible", Signature: "sig"}},
		},
		{
			name: "redacted survives unsigned thinking",
			chunks: []OAIStreamChunk{
				thinkingChunk(OAIThinkingBlock{Type: ThinkingTypeThinking, Thinking: "partial"}),
				thinkingChunk(OAIThinkingBlock{Type: ThinkingTypeRedacted, Data: "blob"}),
			},
			want: []OAIThinkingBlock{{Type: ThinkingTypeRedacted, Data: "blob"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, combinedThinking(tt.chunks))
		})
	}
}

func toolChunk(deltas ...OAIToolCallDelta) OAIStreamChunk {
	return deltaChunk(OAIStreamDelta{ToolCalls: deltas})
}

func TestCombinedToolCalls(t *testing.T) {
	t.Run("fragments at one index form one call", func(t *testing.T) {
		chunks := []OAIStreamChunk{
			toolChunk(OAIToolCallDelta{Index: 0, Id: "call_1", Function: &OAIToolCallFunction{Name: "get_weather", Arguments: `{"loc`}}),
			toolChunk(OAIToolCallDelta{Index: 0, Function: &OAIToolCallFunction{Arguments: `":"NYC"}`}}),
		}
		got := combinedToolCalls(chunks)
		require.Len(t, got, 1)
		assert.Equal(t, OAIToolCall{
			Id:       "call_1",
			Type:     "function",
			Function: OAIToolCallFunction{Name: "get_weather", Arguments: `{"loc":"NYC"}`},
		}, got[0])
	})

	t.Run("calls are emitted by ascending index", func(t *testing.T) {
		chunks := []OAIStreamChunk{
			toolChunk(OAIToolCallDelta{Index: 2, Id: "c", Function: &OAIToolCallFunction{Name: "third"}}),
			toolChunk(OAIToolCallDelta{Index: 0, Id: "a", Function: &OAIToolCallFunction{Name: "first"}}),
			toolChunk(OAIToolCallDelta{Index: 1, Id: "b", Function: &OAIToolCallFunction{Name: "second"}}),
		}
		got := combinedToolCalls(chunks)
		require.Len(t, got, 3)
		assert.Equal(t, "first", got[0].Function.Name)
		assert.Equal(t, "second", got[1].Function.Name)
		assert.Equal(t, "third", got[2].Function.Name)
	})

	t.Run("empty arguments default to empty object", func(t *testing.T) {
		chunks := []OAIStreamChunk{
			toolChunk(OAIToolCallDelta{Index: 0, Id: "a", Type: "function", Function: &OAIToolCallFunction{Name: "ping"}}),
		}
		got := combinedToolCalls(chunks)
		require.Len(t, got, 1)
		assert.Equal(t, "{}", got[0].Function.Arguments)
	})

	t.Run("calls without id or name are omitted", func(t *testing.T) {
		chunks := []OAIStreamChunk{
			toolChunk(
				OAIToolCallDelta{Index: 0, Function: &OAIToolCallFunction{Name: "no_id", Arguments: "{}"}},
				OAIToolCallDelta{Index: 1, Id: "no_name", Function: &OAIToolCallFunction{Arguments: "{}"}},
				OAIToolCallDelta{Index: 2, Id: "ok", Function: &OAIToolCallFunction{Name: "kept"}},
				OAIToolCallDelta{Index: 3, Id: "no_function"},
			),
		}
		got := combinedToolCalls(chunks)
		require.Len(t, got, 1)
		assert.Equal(t, "ok", got[0].Id)
	})

	t.Run("later non-empty id type and name win", func(t *testing.T) {
		chunks := []OAIStreamChunk{
			toolChunk(OAIToolCallDelta{Index: 0, Id: "call_old", Type: "function", Function: &OAIToolCallFunction{Name: "old"}}),
			toolChunk(OAIToolCallDelta{Index: 0, Function: &OAIToolCallFunction{Arguments: "{}"}}),
			toolChunk(OAIToolCallDelta{Index: 0, Id: "call_new", Type: "custom", Function: &OAIToolCallFunction{Name: "new"}}),
		}
		got := combinedToolCalls(chunks)
		require.Len(t, got, 1)
		assert.Equal(t, "call_new", got[0].Id)
		assert.Equal(t, "custom", got[0].Type)
		assert.Equal(t, "new", got[0].Function.Name)
		assert.Equal(t, "{}", got[0].Function.Arguments)
	})

	t.Run("no tool calls yields nil", func(t *testing.T) {
		assert.Nil(t, combinedToolCalls(contentChunks(strPtr("hi"))))
	})
}

func TestCombinedFunctionCall(t *testing.T) {
	chunks := []OAIStreamChunk{
		deltaChunk(OAIStreamDelta{Content: strPtr("ignored")}),
		deltaChunk(OAIStreamDelta{FunctionCall: &OAIFunctionCall{Name: "lookup", Arguments: `{"q":`}}),
		deltaChunk(OAIStreamDelta{FunctionCall: &OAIFunctionCall{Name: "renamed", Arguments: `"go"}`}}),
	}

	got := combinedFunctionCall(chunks)

	assert.Equal(t, &OAIFunctionCall{Name: "lookup", Arguments: `{"q":"go"}`}, got)
	assert.Equal(t, &OAIFunctionCall{}, combinedFunctionCall(nil))
}

func audioChunk(a OAIAudioDelta) OAIStreamChunk {
	return deltaChunk(OAIStreamDelta{Audio: &a})
}

func TestConcatenateBase64(t *testing.T) {
	pieces := [][]byte{
		[]byte("a"),
		[]byte("bc"),
		[]byte("defg"),
		{0x00, 0xff, 0x10, 0x80, 0x7f},
		{},
	}
	var fragments []string
	var want []byte
	for _, p := range pieces {
		fragments = append(fragments, base64.StdEncoding.EncodeToString(p))
		want = append(want, p...)
	}

	got, err := concatenateBase64(fragments)
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(got)
	require.NoError(t, err)
	assert.Equal(t, want, decoded)

	empty, err := concatenateBase64(nil)
	require.NoError(t, err)
	assert.Equal(t, "", empty)

	_, err = concatenateBase64([]string{"!!!"})
	assert.True(t, errors.Is(err, ErrInvalidAudio))
}

func TestCombinedAudio(t *testing.T) {
	now := time.Unix(1700000000, 0)

	t.Run("merges fragments", func(t *testing.T) {
		chunks := []OAIStreamChunk{
			audioChunk(OAIAudioDelta{ID: strPtr("audio_1"), Data: strPtr(base64.StdEncoding.EncodeToString([]byte("he"))), Transcript: strPtr("He")}),
			audioChunk(OAIAudioDelta{Data: strPtr(base64.StdEncoding.EncodeToString([]byte("llo"))), Transcript: strPtr("llo"), ExpiresAt: int64Ptr(42)}),
			audioChunk(OAIAudioDelta{ExpiresAt: int64Ptr(99), ID: strPtr("audio_2")}),
		}
		got, err := combinedAudio(chunks, now)
		require.NoError(t, err)
		assert.Equal(t, &OAIAudio{
			ID:         "audio_2",
			Data:       base64.StdEncoding.EncodeToString([]byte("hello")),
			Transcript: "Hello",
			ExpiresAt:  99,
		}, got)
	})

	t.Run("defaults expiry to one hour", func(t *testing.T) {
		got, err := combinedAudio([]OAIStreamChunk{audioChunk(OAIAudioDelta{Transcript: strPtr("hi")})}, now)
		require.NoError(t, err)
		assert.Equal(t, "", got.Data)
		assert.Equal(t, now.Add(time.Hour).Unix(), got.ExpiresAt)
	})

	t.Run("empty fragment list", func(t *testing.T) {
		got, err := combinedAudio(nil, now)
		require.NoError(t, err)
		assert.Equal(t, "", got.Data)
		assert.Equal(t, "", got.Transcript)
	})

	t.Run("invalid data", func(t *testing.T) {
		_, err := combinedAudio([]OAIStreamChunk{audioChunk(OAIAudioDelta{Data: strPtr("not base64")})}, now)
		assert.ErrorIs(t, err, ErrInvalidAudio)
	})
}

func int64Ptr(v int64) *int64 { return &v }
