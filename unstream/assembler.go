package unstream

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrNoChunks is returned when Assemble is called without any chunk.
	ErrNoChunks = errors.New("unstream: no chunks to assemble")
	// ErrInvalidAudio is returned when an audio data fragment is not valid base64.
	ErrInvalidAudio = errors.New("unstream: invalid audio fragment")
)

// CountRequest describes one tokenizer call. In prompt mode Messages is
// counted including the per-message formatting overhead; in response mode
// (CountResponseTokens) only Text is counted.
type CountRequest struct {
	Model               string
	Messages            []OAIRequestMessage
	Text                *string
	CountResponseTokens bool
}

// TokenCounter counts tokens for usage that the upstream did not report.
type TokenCounter interface {
	CountTokens(req CountRequest) (int, error)
}

// TokenCounterFunc adapts a function to TokenCounter.
type TokenCounterFunc func(req CountRequest) (int, error)

func (f TokenCounterFunc) CountTokens(req CountRequest) (int, error) { return f(req) }

// Assembler folds a finished chunk sequence into a single chat response.
// It keeps no state between calls and is safe for concurrent use.
type Assembler struct {
	counter TokenCounter
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Assembler)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Assembler) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock overrides the clock used for default audio expiry.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		if now != nil {
			a.now = now
		}
	}
}

func NewAssembler(counter TokenCounter, opts ...Option) *Assembler {
	a := &Assembler{
		counter: counter,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(slog.String("service", "unstream_assembler"))
	return a
}

// Assemble builds the response for chunks, which must be in arrival order.
// messages is the conversation that produced the stream and model the
// requested model; both are only used when usage has to be computed locally.
// The hidden params of the last chunk are copied onto the response.
func (a *Assembler) Assemble(chunks []OAIStreamChunk, messages []OAIRequestMessage, model string) (*OAIChatResponse, error) {
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}
	first := &chunks[0]
	ordered := sortChunks(chunks)

	resp := buildBaseResponse(first, ordered)
	if resp.Model == "" {
		resp.Model = model
	}
	msg := &resp.Choices[0].Message

	content := combinedContent(ordered, deltaContent)
	msg.Content = &content

	if hasDelta(ordered, func(d *OAIStreamDelta) bool { return d.ReasoningContent != nil }) {
		reasoning := combinedContent(ordered, deltaReasoningContent)
		msg.ReasoningContent = &reasoning
	}
	msg.ThinkingBlocks = combinedThinking(ordered)
	msg.ToolCalls = combinedToolCalls(ordered)
	if hasDelta(ordered, func(d *OAIStreamDelta) bool { return d.FunctionCall != nil }) {
		msg.FunctionCall = combinedFunctionCall(ordered)
	}
	if hasDelta(ordered, func(d *OAIStreamDelta) bool { return d.Audio != nil }) {
		audio, err := combinedAudio(ordered, a.now())
		if err != nil {
			return nil, err
		}
		msg.Audio = audio
	}

	// present but empty reasoning still reports reasoning_tokens
	var reasoningTokens *int
	if msg.ReasoningContent != nil {
		n, err := a.counter.CountTokens(CountRequest{
			Model:               model,
			Text:                msg.ReasoningContent,
			CountResponseTokens: true,
		})
		if err != nil {
			return nil, fmt.Errorf("count reasoning tokens: %w", err)
		}
		reasoningTokens = &n
	}

	usage, err := calculateUsage(a.counter, a.logger, aggregateUsage(chunks), usageInput{
		model:            model,
		messages:         messages,
		completionOutput: content,
		reasoningTokens:  reasoningTokens,
	})
	if err != nil {
		return nil, err
	}
	resp.Usage = usage

	resp.HiddenParams = chunks[len(chunks)-1].HiddenParams.clone()

	a.logger.Debug("assembled stream",
		slog.String("id", resp.ID),
		slog.String("model", resp.Model),
		slog.Int("chunks", len(chunks)),
		slog.Int("tool_calls", len(msg.ToolCalls)),
		slog.String("finish_reason", resp.Choices[0].FinishReason),
		slog.Int("total_tokens", usage.TotalTokens),
	)
	return resp, nil
}
