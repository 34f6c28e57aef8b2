// Package llm implements the OpenAI-compatible chat completion client.
//
// The client speaks the /chat/completions wire protocol in both buffered
// and SSE streaming modes, accumulates fragmented tool-call deltas, strips
// reasoning blocks from streamed content, and probes /models for endpoint
// validation. All errors surface through the milo/internal/errors taxonomy
// so callers can apply per-class retry budgets.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"milo/internal/agent/ports"
	miloerrors "milo/internal/errors"
	"milo/internal/logging"
)

const (
	defaultTimeout       = 120 * time.Second
	defaultStreamTimeout = 120 * time.Second

	// scanner limits for SSE frames; some providers emit very large
	// tool-call argument deltas in a single data: line.
	scanBufferInitial = 64 * 1024
	scanBufferMax     = 2 * 1024 * 1024
)

// Config carries the connection parameters for one OpenAI-compatible endpoint.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Headers map[string]string
}

// Client talks to a single OpenAI-compatible endpoint.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     logging.Logger
}

var (
	_ ports.LLMClient          = (*Client)(nil)
	_ ports.StreamingLLMClient = (*Client)(nil)
	_ ports.ModelProber        = (*Client)(nil)
)

// NewClient creates a client for the endpoint described by config.
// BaseURL should point at the API root (typically ending in /v1).
func NewClient(config Config, logger logging.Logger) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("llm: base URL is required")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("llm: model name is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logging.OrNop(logger),
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.config.Model
}

// Complete performs a buffered, non-streaming completion. The dual-model
// review pass and conversation titling use this path.
func (c *Client) Complete(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	payload := c.buildPayload(req, false)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	c.setHeaders(httpReq, false)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(resp)
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *wireUsage `json:"usage"`
		Error *wireError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, miloerrors.NewTransientError(err, "The model endpoint returned an unreadable response. Retrying.")
	}
	if completion.Error != nil {
		return nil, mapAPIError(completion.Error)
	}
	if len(completion.Choices) == 0 {
		return nil, miloerrors.NewTransientError(
			fmt.Errorf("llm: empty choices in response"),
			"The model returned an empty response. Please retry.")
	}

	choice := completion.Choices[0]
	out := &ports.CompletionResponse{
		Content:      StripThinkBlocks(choice.Message.Content),
		FinishReason: normalizeFinishReason(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		call, err := decodeToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments)
		if err != nil {
			c.logger.Warn("llm: dropping malformed tool call %s: %v", tc.Function.Name, err)
			continue
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}
	if completion.Usage != nil {
		out.Usage = completion.Usage.toPorts()
	}
	return out, nil
}

// StreamComplete performs an SSE streaming completion. Content deltas pass
// through the think-block stripper before reaching callbacks.OnContent, so
// reasoning spans never leave this package. Tool-call fragments accumulate
// per choice index and fire callbacks.OnToolCall once assembled.
func (c *Client) StreamComplete(ctx context.Context, req ports.CompletionRequest, callbacks ports.CompletionStreamCallbacks) (*ports.CompletionResponse, error) {
	payload := c.buildPayload(req, true)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	// The stream deadline covers the whole response, not just dialing.
	streamCtx, cancel := context.WithTimeout(ctx, c.streamTimeout())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	c.setHeaders(httpReq, true)

	resp, err := c.streamHTTPClient().Do(httpReq)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(resp)
	}

	return c.consumeStream(resp.Body, callbacks)
}

// consumeStream reads data: frames until [DONE] or EOF, assembling the
// final response from accumulated deltas.
func (c *Client) consumeStream(body io.Reader, callbacks ports.CompletionStreamCallbacks) (*ports.CompletionResponse, error) {
	type deltaToolCall struct {
		Index    int    `json:"index"`
		ID       string `json:"id"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}
	type streamFrame struct {
		Choices []struct {
			Delta struct {
				Content   string          `json:"content"`
				ToolCalls []deltaToolCall `json:"tool_calls"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Usage *wireUsage `json:"usage"`
		Error *wireError `json:"error"`
	}

	var (
		content      strings.Builder
		stripper     ThinkStripper
		accumulators = map[int]*toolAccumulator{}
		toolOrder    []int
		finishReason string
		usage        *ports.TokenUsage
	)

	emit := func(visible string) {
		if visible == "" {
			return
		}
		content.WriteString(visible)
		if callbacks.OnContent != nil {
			callbacks.OnContent(visible)
		}
	}

	scanner := newSSEScanner(body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var frame streamFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			c.logger.Debug("llm: skipping malformed stream frame: %v", err)
			continue
		}
		if frame.Error != nil {
			return nil, mapAPIError(frame.Error)
		}
		if frame.Usage != nil {
			u := frame.Usage.toPorts()
			usage = &u
		}
		if len(frame.Choices) == 0 {
			continue
		}

		choice := frame.Choices[0]
		if choice.Delta.Content != "" {
			emit(stripper.Feed(choice.Delta.Content))
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := accumulators[tc.Index]
			if !ok {
				acc = &toolAccumulator{}
				accumulators[tc.Index] = acc
				toolOrder = append(toolOrder, tc.Index)
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.arguments.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, wrapRequestError(err)
	}
	emit(stripper.Flush())

	response := &ports.CompletionResponse{
		Content:      StripThinkBlocks(content.String()),
		FinishReason: normalizeFinishReason(finishReason),
	}
	for _, idx := range toolOrder {
		acc := accumulators[idx]
		call, err := decodeToolCall(acc.id, acc.name, acc.arguments.String())
		if err != nil {
			c.logger.Warn("llm: dropping malformed streamed tool call %s: %v", acc.name, err)
			continue
		}
		response.ToolCalls = append(response.ToolCalls, call)
		if callbacks.OnToolCall != nil {
			callbacks.OnToolCall(call)
		}
	}
	if len(response.ToolCalls) > 0 && response.FinishReason == ports.FinishStop {
		response.FinishReason = ports.FinishToolCalls
	}
	if usage != nil {
		response.Usage = *usage
	}
	return response, nil
}

// Probe lists the models the endpoint serves. A non-2xx status or an
// unparsable body maps to the same error classes as completions so the
// settings UI can explain failures consistently.
func (c *Client) Probe(ctx context.Context) ([]ports.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	c.setHeaders(httpReq, false)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(resp)
	}

	var listing struct {
		Data []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("llm: decode model list: %w", err)
	}

	models := make([]ports.ModelInfo, 0, len(listing.Data))
	for _, m := range listing.Data {
		models = append(models, ports.ModelInfo{ID: m.ID, OwnedBy: m.OwnedBy})
	}
	return models, nil
}

func (c *Client) buildPayload(req ports.CompletionRequest, stream bool) map[string]any {
	model := req.Model
	if model == "" {
		model = c.config.Model
	}
	payload := map[string]any{
		"model":    model,
		"messages": convertMessages(req.Messages),
		"stream":   stream,
	}
	if stream {
		payload["stream_options"] = map[string]any{"include_usage": true}
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		payload["tools"] = convertTools(req.Tools)
		payload["tool_choice"] = "auto"
	}
	return payload
}

func (c *Client) setHeaders(req *http.Request, stream bool) {
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	for key, value := range c.config.Headers {
		req.Header.Set(key, value)
	}
}

// streamHTTPClient returns a client without a transport-level timeout;
// the per-request context carries the stream deadline instead. A plain
// http.Client timeout would cut long streams off mid-response.
func (c *Client) streamHTTPClient() *http.Client {
	return &http.Client{Transport: c.httpClient.Transport}
}

func (c *Client) streamTimeout() time.Duration {
	if c.config.Timeout > 0 {
		return c.config.Timeout
	}
	return defaultStreamTimeout
}

// convertMessages maps conversation history onto the wire schema. Plan
// messages travel as assistant turns; the endpoint has no plan role.
func convertMessages(messages []ports.Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		role := string(msg.Role)
		if msg.Role == ports.RolePlan {
			role = string(ports.RoleAssistant)
		}
		entry := map[string]any{
			"role":    role,
			"content": msg.Content,
		}
		if msg.ToolCallID != "" {
			entry["tool_call_id"] = msg.ToolCallID
		}
		if msg.Name != "" {
			entry["name"] = msg.Name
		}
		if len(msg.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				args, err := json.Marshal(call.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				calls = append(calls, map[string]any{
					"id":   call.ID,
					"type": "function",
					"function": map[string]any{
						"name":      call.Name,
						"arguments": string(args),
					},
				})
			}
			entry["tool_calls"] = calls
		}
		out = append(out, entry)
	}
	return out
}

func convertTools(tools []ports.ToolDefinition) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.Parameters,
			},
		})
	}
	return out
}

// decodeToolCall parses accumulated argument JSON. Empty arguments decode
// to an empty map so tools with no parameters execute cleanly.
func decodeToolCall(id, name, arguments string) (ports.ToolCall, error) {
	call := ports.ToolCall{ID: id, Name: name, Arguments: map[string]any{}}
	if name == "" {
		return call, fmt.Errorf("tool call without a name")
	}
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" {
		return call, nil
	}
	if err := json.Unmarshal([]byte(trimmed), &call.Arguments); err != nil {
		return call, fmt.Errorf("parse arguments: %w", err)
	}
	return call, nil
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return ports.FinishToolCalls
	case "length", "max_tokens":
		return ports.FinishLength
	case "":
		return ports.FinishStop
	default:
		return reason
	}
}

func newSSEScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scanBufferInitial), scanBufferMax)
	return scanner
}

// toolAccumulator collects fragmented tool-call deltas for one choice index.
type toolAccumulator struct {
	id        string
	name      string
	arguments strings.Builder
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *wireUsage) toPorts() ports.TokenUsage {
	return ports.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

type wireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    any    `json:"code"`
}
