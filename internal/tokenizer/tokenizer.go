// Package tokenizer counts tokens for usage the upstream did not report.
package tokenizer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"copilot-unstream/unstream"
)

const (
	tokensPerMessage = 3
	tokensPerName    = 1
	replyPriming     = 3
)

func init() {
	// BPE ranks are embedded instead of downloaded on first use.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Counter implements unstream.TokenCounter with tiktoken encodings.
type Counter struct {
	logger          *slog.Logger
	defaultEncoding string

	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

var _ unstream.TokenCounter = (*Counter)(nil)

// New returns a Counter. Models tiktoken does not know are counted with
// defaultEncoding.
func New(logger *slog.Logger, defaultEncoding string) *Counter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Counter{
		logger:          logger.With(slog.String("service", "tokenizer")),
		defaultEncoding: defaultEncoding,
		encodings:       make(map[string]*tiktoken.Tiktoken),
	}
}

func (c *Counter) CountTokens(req unstream.CountRequest) (int, error) {
	enc, err := c.encoding(req.Model)
	if err != nil {
		return 0, err
	}
	if req.CountResponseTokens {
		if req.Text == nil {
			return 0, nil
		}
		return c.count(enc, *req.Text), nil
	}
	if len(req.Messages) == 0 {
		return 0, nil
	}

	total := 0
	for _, msg := range req.Messages {
		total += tokensPerMessage
		total += c.count(enc, msg.Role)
		total += c.count(enc, msg.StringContent())
		if msg.Name != "" {
			total += tokensPerName + c.count(enc, msg.Name)
		}
		for _, tc := range msg.ToolCalls {
			total += c.count(enc, tc.Function.Name)
			total += c.count(enc, tc.Function.Arguments)
		}
	}
	return total + replyPriming, nil
}

func (c *Counter) count(enc *tiktoken.Tiktoken, text string) int {
	if text == "" {
		return 0
	}
	return len(enc.Encode(text, nil, nil))
}

// encoding returns the cached encoding for model.
func (c *Counter) encoding(model string) (*tiktoken.Tiktoken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encodings[model]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		c.logger.Debug("no encoding for model, using default",
			slog.String("model", model),
			slog.String("encoding", c.defaultEncoding),
		)
		enc, err = tiktoken.GetEncoding(c.defaultEncoding)
		if err != nil {
			return nil, fmt.Errorf("load encoding %s: %w", c.defaultEncoding, err)
		}
	}
	c.encodings[model] = enc
	return enc, nil
}
