package main

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"copilot-unstream/unstream"
)

//go:embed public/*
var content embed.FS

// chatRequest holds the fields of a chat completion request the proxy
// looks at. The body itself is forwarded as is.
type chatRequest struct {
	Model    string                       `json:"model"`
	Messages []unstream.OAIRequestMessage `json:"messages"`
	Stream   bool                         `json:"stream"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeError(c *gin.Context, status int, errType, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": apiError{Message: message, Type: errType}})
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

func (s *proxyServer) handleLogin(c *gin.Context) {
	da, err := s.auth.requestDeviceCode(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to get device code", slog.Any("error", err))
		writeError(c, http.StatusInternalServerError, "server_error", "Failed to get device code")
		return
	}
	c.JSON(http.StatusOK, DeviceCodeResponse{
		DeviceCode:      da.DeviceCode,
		UserCode:        da.UserCode,
		VerificationURI: da.VerificationURI,
		Interval:        da.Interval,
	})
}

func (s *proxyServer) handleWebsocketPoll(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	var req struct {
		DeviceCode string `json:"device_code"`
		Interval   int64  `json:"interval"`
	}
	if err := conn.ReadJSON(&req); err != nil {
		return
	}

	timeout := time.Duration(s.cfg.Copilot.PollTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	accessToken, err := s.auth.pollAccessToken(ctx, &oauth2.DeviceAuthResponse{
		DeviceCode: req.DeviceCode,
		Interval:   req.Interval,
	})
	if err != nil {
		msg := err.Error()
		if ctx.Err() != nil {
			msg = "timeout"
		}
		_ = conn.WriteJSON(map[string]string{"error": msg})
		return
	}
	_ = conn.WriteJSON(map[string]string{"access_token": accessToken})

	ct, err := s.auth.fetchCopilotToken(context.Background(), accessToken)
	if err != nil {
		s.logger.Warn("failed to fetch copilot token after login", slog.Any("error", err))
		return
	}
	s.tokens.Set(accessToken, ct)
}

// handleChatCompletions forwards the request to Copilot. Requests that did
// not ask for a stream are sent upstream as streams and the chunks are
// assembled into one completion, unless unstreaming is disabled.
func (s *proxyServer) handleChatCompletions(c *gin.Context) {
	ct, ok := s.copilotTokenFor(c)
	if !ok {
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "failed to read body")
		return
	}
	var chatReq chatRequest
	if err := json.Unmarshal(body, &chatReq); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("bad request: %v", err))
		return
	}

	unstreamed := s.cfg.Unstream.Enabled && !chatReq.Stream
	if unstreamed {
		if body, err = forceStream(body); err != nil {
			writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
	}

	requestID := uuid.New().String()
	resp, err := s.forward(c, "/chat/completions", bytes.NewReader(body), ct, requestID)
	if err != nil {
		s.logger.Error("upstream request failed", slog.Any("error", err))
		writeError(c, http.StatusBadGateway, "upstream_error", "Upstream error")
		return
	}
	defer resp.Body.Close()

	if !unstreamed || resp.StatusCode < 200 || resp.StatusCode > 299 {
		copyResponse(c, resp)
		return
	}

	chunks, err := unstream.ReadChunks(resp.Body)
	if err != nil {
		var streamErr *unstream.StreamError
		if errors.As(err, &streamErr) {
			errType := streamErr.Type
			if errType == "" {
				errType = "upstream_error"
			}
			writeError(c, http.StatusBadGateway, errType, streamErr.Message)
			return
		}
		s.logger.Error("failed to read upstream stream", slog.Any("error", err))
		writeError(c, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}

	collector := unstream.NewOAIStreamCollector(s.assembler)
	hidden := &unstream.OAIHiddenParams{Extra: map[string]any{
		"api_base":   s.cfg.Copilot.APIBase,
		"request_id": requestID,
	}}
	for i := range chunks {
		chunks[i].HiddenParams = hidden
		collector.AddChunk(&chunks[i])
	}
	out, err := collector.BuildResponse(chatReq.Messages, chatReq.Model)
	if err != nil {
		s.logger.Error("failed to assemble stream", slog.Any("error", err))
		writeError(c, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	if out.HiddenParams != nil {
		if id, ok := out.HiddenParams.Extra["request_id"].(string); ok {
			c.Header("x-request-id", id)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *proxyServer) handleModels(c *gin.Context) {
	ct, ok := s.copilotTokenFor(c)
	if !ok {
		return
	}
	resp, err := s.forward(c, "/models", nil, ct, uuid.New().String())
	if err != nil {
		s.logger.Error("upstream request failed", slog.Any("error", err))
		writeError(c, http.StatusBadGateway, "upstream_error", "Upstream error")
		return
	}
	defer resp.Body.Close()
	copyResponse(c, resp)
}

func (s *proxyServer) copilotTokenFor(c *gin.Context) (CopilotToken, bool) {
	accessToken, ok := bearerToken(c.GetHeader("Authorization"))
	if !ok {
		s.logger.Warn("missing authorization header")
		writeError(c, http.StatusUnauthorized, "invalid_request_error", "Unauthorized")
		return CopilotToken{}, false
	}
	ct, err := s.auth.copilotToken(c.Request.Context(), s.tokens, accessToken)
	if err != nil {
		s.logger.Warn("failed to fetch copilot token", slog.Any("error", err))
		writeError(c, http.StatusUnauthorized, "authentication_error", err.Error())
		return CopilotToken{}, false
	}
	return ct, true
}

// forward sends the request to the Copilot API with the editor headers
// Copilot expects.
func (s *proxyServer) forward(c *gin.Context, path string, body io.Reader, ct CopilotToken, requestID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, strings.TrimRight(s.cfg.Copilot.APIBase, "/")+path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range c.Request.Header {
		if k == "Host" || k == "Authorization" || k == "Content-Length" {
			continue
		}
		for _, vv := range v {
			req.Header.Add(k, vv)
		}
	}
	req.Header.Set("Authorization", "Bearer "+ct.Token)
	req.Header.Set("x-request-id", requestID)
	req.Header.Set("vscode-sessionid", c.GetHeader("vscode-sessionid"))
	req.Header.Set("machineid", c.GetHeader("machineid"))
	req.Header.Set("editor-version", copilotEditorVersion)
	req.Header.Set("editor-plugin-version", copilotPluginVersion)
	req.Header.Set("openai-organization", "github-copilot")
	req.Header.Set("openai-intent", "conversation-panel")
	req.Header.Set("content-type", "application/json")
	req.Header.Set("user-agent", copilotUserAgent)
	return s.client.Do(req)
}

// forceStream rewrites a request body to ask for a stream that ends with a
// usage chunk.
func forceStream(body []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("bad request: %w", err)
	}
	fields["stream"] = json.RawMessage("true")
	fields["stream_options"] = json.RawMessage(`{"include_usage":true}`)
	return json.Marshal(fields)
}

// copyResponse relays the upstream response, flushing as data arrives so
// streams reach the client unbuffered.
func copyResponse(c *gin.Context, resp *http.Response) {
	for k, v := range resp.Header {
		if k == "Content-Length" {
			continue
		}
		for _, vv := range v {
			c.Writer.Header().Add(k, vv)
		}
	}
	c.Status(resp.StatusCode)

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			c.Writer.Flush()
		}
		if err != nil {
			return
		}
	}
}

func (s *proxyServer) handleIndex(c *gin.Context) {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		c.Status(http.StatusNotFound)
		return
	}
	path := c.Request.URL.Path
	if path == "/" {
		path = "/index.html"
	}
	data, err := content.ReadFile("public" + path)
	if err != nil {
		s.logger.Debug("not found", slog.String("path", c.Request.URL.Path))
		c.Status(http.StatusNotFound)
		return
	}
	http.ServeContent(c.Writer, c.Request, path, time.Now(), bytes.NewReader(data))
}
