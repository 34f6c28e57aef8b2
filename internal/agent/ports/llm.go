package ports

import "context"

// Message roles on the completion wire and in persisted history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RolePlan      = "plan"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Finish reasons reported by the completion endpoint.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// LLMClient is the non-streaming completion contract, used for the review
// pass and other one-shot calls.
type LLMClient interface {
	// Complete sends messages and returns the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Model returns the model identifier requests are issued against.
	Model() string
}

// StreamingLLMClient extends LLMClient with SSE streaming.
type StreamingLLMClient interface {
	LLMClient

	// StreamComplete opens a streaming completion. Content deltas and
	// accumulated tool calls are delivered through callbacks; the returned
	// response carries the final assembled state.
	StreamComplete(ctx context.Context, req CompletionRequest, callbacks CompletionStreamCallbacks) (*CompletionResponse, error)
}

// ModelProber checks endpoint connectivity.
type ModelProber interface {
	// Probe lists the models the endpoint serves.
	Probe(ctx context.Context) ([]ModelInfo, error)
}

// ModelInfo is one entry from the endpoint's model inventory.
type ModelInfo struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// CompletionRequest contains all parameters for a completion call.
type CompletionRequest struct {
	Model       string           `json:"model,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
}

// CompletionResponse is the assembled model response.
type CompletionResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        TokenUsage `json:"usage"`
}

// TokenUsage tracks token consumption reported by the endpoint.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Message is one entry in the completion request history.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// CompletionStreamCallbacks receive stream progress. Either callback may be
// nil. OnContent receives visible text only; reasoning spans are stripped
// before delivery. OnToolCall fires once per accumulated call after the
// terminal frame.
type CompletionStreamCallbacks struct {
	OnContent  func(delta string)
	OnToolCall func(call ToolCall)
}
