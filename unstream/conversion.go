package unstream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// OAIStreamCollector collects OpenAI stream chunks and builds a standard response.
type OAIStreamCollector struct {
	assembler *Assembler
	chunks    []OAIStreamChunk
}

func NewOAIStreamCollector(assembler *Assembler) *OAIStreamCollector {
	return &OAIStreamCollector{assembler: assembler}
}

// AddChunk records a single OAIStreamChunk. The chunk is copied, so the
// caller may reuse it.
func (c *OAIStreamCollector) AddChunk(chunk *OAIStreamChunk) {
	c.chunks = append(c.chunks, *chunk)
}

// Chunks returns the chunks collected so far in arrival order.
func (c *OAIStreamCollector) Chunks() []OAIStreamChunk {
	return c.chunks
}

// BuildResponse returns the final OAIChatResponse.
func (c *OAIStreamCollector) BuildResponse(messages []OAIRequestMessage, model string) (*OAIChatResponse, error) {
	return c.assembler.Assemble(c.chunks, messages, model)
}

// StreamError is an error event sent by the upstream inside the stream.
type StreamError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code,omitempty"`
}

func (e *StreamError) Error() string {
	if e.Type == "" {
		return "upstream stream error: " + e.Message
	}
	return fmt.Sprintf("upstream stream error (%s): %s", e.Type, e.Message)
}

const maxLineSize = 10 * 1024 * 1024

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// ReadChunks decodes the data lines of an event stream into chunks. Reading
// stops at "[DONE]" or EOF. Event, id and comment lines are ignored.
func ReadChunks(r io.Reader) ([]OAIStreamChunk, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var chunks []OAIStreamChunk
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if len(payload) == 0 {
			continue
		}
		if bytes.Equal(payload, doneMarker) {
			break
		}

		var envelope struct {
			OAIStreamChunk
			Error *StreamError `json:"error,omitempty"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return chunks, fmt.Errorf("line %d: failed to unmarshal chunk: %w", lineNo, err)
		}
		if envelope.Error != nil {
			return chunks, envelope.Error
		}
		chunks = append(chunks, envelope.OAIStreamChunk)
	}
	if err := scanner.Err(); err != nil {
		return chunks, fmt.Errorf("read stream: %w", err)
	}
	return chunks, nil
}
