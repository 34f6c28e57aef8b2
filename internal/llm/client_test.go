package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"milo/internal/agent/ports"
	miloerrors "milo/internal/errors"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(Config{
		APIKey:  "test-key",
		BaseURL: baseURL,
		Model:   "test-model",
		Timeout: 5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func writeSSE(t *testing.T, w http.ResponseWriter, frames ...string) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	for _, frame := range frames {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
			t.Errorf("write frame: %v", err)
			return
		}
	}
}

func TestClient_StreamComplete_AssemblesContentAndToolCalls(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}

		writeSSE(t, w,
			`{"choices":[{"delta":{"role":"assistant"}}]}`,
			`{"choices":[{"delta":{"content":"Let me "}}]}`,
			`{"choices":[{"delta":{"content":"check."}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"read_file","arguments":""}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"main.go\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
			`[DONE]`,
		)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	var deltas []string
	var calls []ports.ToolCall
	resp, err := client.StreamComplete(context.Background(), ports.CompletionRequest{
		Messages: []ports.Message{{Role: ports.RoleUser, Content: "read main.go"}},
		Tools: []ports.ToolDefinition{{
			Name:        "read_file",
			Description: "Read a file",
		}},
	}, ports.CompletionStreamCallbacks{
		OnContent:  func(delta string) { deltas = append(deltas, delta) },
		OnToolCall: func(call ports.ToolCall) { calls = append(calls, call) },
	})
	if err != nil {
		t.Fatalf("StreamComplete failed: %v", err)
	}

	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q, want Bearer test-key", gotAuth)
	}
	if stream, _ := gotBody["stream"].(bool); !stream {
		t.Error("request body should set stream=true")
	}
	if _, ok := gotBody["tools"]; !ok {
		t.Error("request body should carry tools")
	}
	if choice, _ := gotBody["tool_choice"].(string); choice != "auto" {
		t.Errorf("tool_choice = %q, want auto", choice)
	}

	if resp.Content != "Let me check." {
		t.Errorf("Content = %q, want %q", resp.Content, "Let me check.")
	}
	if strings.Join(deltas, "") != "Let me check." {
		t.Errorf("streamed deltas = %q", strings.Join(deltas, ""))
	}
	if resp.FinishReason != ports.FinishToolCalls {
		t.Errorf("FinishReason = %q, want %q", resp.FinishReason, ports.FinishToolCalls)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.ID != "call_1" || call.Name != "read_file" {
		t.Errorf("tool call = %+v", call)
	}
	if path, _ := call.Arguments["path"].(string); path != "main.go" {
		t.Errorf("path argument = %q, want main.go", path)
	}
	if len(calls) != 1 || calls[0].ID != "call_1" {
		t.Errorf("OnToolCall transcript = %+v", calls)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", resp.Usage.TotalTokens)
	}
}

func TestClient_StreamComplete_StripsThinkSpansAcrossDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(t, w,
			`{"choices":[{"delta":{"content":"Hello <th"}}]}`,
			`{"choices":[{"delta":{"content":"ink>secret plan</th"}}]}`,
			`{"choices":[{"delta":{"content":"ink>world"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`[DONE]`,
		)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	var streamed strings.Builder
	resp, err := client.StreamComplete(context.Background(), ports.CompletionRequest{
		Messages: []ports.Message{{Role: ports.RoleUser, Content: "hi"}},
	}, ports.CompletionStreamCallbacks{
		OnContent: func(delta string) {
			if strings.Contains(delta, "secret") {
				t.Errorf("reasoning text leaked: %q", delta)
			}
			streamed.WriteString(delta)
		},
	})
	if err != nil {
		t.Fatalf("StreamComplete failed: %v", err)
	}

	if resp.Content != "Hello world" {
		t.Errorf("Content = %q, want %q", resp.Content, "Hello world")
	}
	if streamed.String() != "Hello world" {
		t.Errorf("streamed = %q, want %q", streamed.String(), "Hello world")
	}
}

func TestClient_StreamComplete_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.StreamComplete(context.Background(), ports.CompletionRequest{
		Messages: []ports.Message{{Role: ports.RoleUser, Content: "hi"}},
	}, ports.CompletionStreamCallbacks{})
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
	if !miloerrors.IsTransient(err) {
		t.Errorf("503 should be transient, got %v", err)
	}
	if class := miloerrors.Classify(err); class != miloerrors.ClassServerError {
		t.Errorf("Classify = %v, want server_error", class)
	}
}

func TestClient_StreamComplete_RateLimitCarriesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.StreamComplete(context.Background(), ports.CompletionRequest{
		Messages: []ports.Message{{Role: ports.RoleUser, Content: "hi"}},
	}, ports.CompletionStreamCallbacks{})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}

	var transient *miloerrors.TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("want TransientError, got %T: %v", err, err)
	}
	if transient.RetryAfter != 7 {
		t.Errorf("RetryAfter = %d, want 7", transient.RetryAfter)
	}
}

func TestClient_Complete_Success(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"choices":[{"message":{"content":"<think>draft</think>The answer is 4."},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":8,"completion_tokens":6,"total_tokens":14}
		}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	resp, err := client.Complete(context.Background(), ports.CompletionRequest{
		Messages:    []ports.Message{{Role: ports.RoleUser, Content: "2+2?"}},
		Temperature: 0.2,
		MaxTokens:   128,
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if stream, ok := gotBody["stream"].(bool); !ok || stream {
		t.Error("request body should set stream=false")
	}
	if model, _ := gotBody["model"].(string); model != "test-model" {
		t.Errorf("model = %q, want test-model", model)
	}
	if resp.Content != "The answer is 4." {
		t.Errorf("Content = %q, think block not stripped", resp.Content)
	}
	if resp.FinishReason != ports.FinishStop {
		t.Errorf("FinishReason = %q, want stop", resp.FinishReason)
	}
	if resp.Usage.PromptTokens != 8 {
		t.Errorf("PromptTokens = %d, want 8", resp.Usage.PromptTokens)
	}
}

func TestClient_Complete_EmptyChoicesIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Complete(context.Background(), ports.CompletionRequest{
		Messages: []ports.Message{{Role: ports.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
	if !miloerrors.IsTransient(err) {
		t.Errorf("empty choices should be transient, got %v", err)
	}
}

func TestClient_Complete_UnauthorizedIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid api key"}}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Complete(context.Background(), ports.CompletionRequest{
		Messages: []ports.Message{{Role: ports.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !miloerrors.IsPermanent(err) {
		t.Errorf("401 should be permanent, got %v", err)
	}
	if !strings.Contains(err.Error(), "Authentication failed") {
		t.Errorf("error text = %q", err.Error())
	}
}

func TestClient_Complete_ContextOverflowClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w,
			`{"error":{"message":"This model's maximum context length is 8192 tokens.","type":"invalid_request_error","code":"context_length_exceeded"}}`,
			http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Complete(context.Background(), ports.CompletionRequest{
		Messages: []ports.Message{{Role: ports.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error for overflow response")
	}
	if class := miloerrors.Classify(err); class != miloerrors.ClassContextOverflow {
		t.Errorf("Classify = %v, want context_overflow", class)
	}
	if !miloerrors.IsTransient(err) {
		t.Errorf("overflow should be transient for the trim-and-retry pass, got %v", err)
	}
}

func TestClient_Probe_ListsModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Method != http.MethodGet {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"id":"qwen-coder","owned_by":"local"},{"id":"llama-3","owned_by":"meta"}]}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	models, err := client.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("got %d models, want 2", len(models))
	}
	if models[0].ID != "qwen-coder" || models[0].OwnedBy != "local" {
		t.Errorf("models[0] = %+v", models[0])
	}
}

func TestConvertMessages_WireShapes(t *testing.T) {
	messages := []ports.Message{
		{Role: ports.RoleSystem, Content: "You are an assistant."},
		{Role: ports.RolePlan, Content: "# Plan"},
		{Role: ports.RoleAssistant, Content: "", ToolCalls: []ports.ToolCall{
			{ID: "call_9", Name: "list_files", Arguments: map[string]any{"path": "."}},
		}},
		{Role: ports.RoleTool, Content: "main.go", ToolCallID: "call_9", Name: "list_files"},
	}

	wire := convertMessages(messages)
	if len(wire) != 4 {
		t.Fatalf("got %d wire messages, want 4", len(wire))
	}

	if wire[1]["role"] != "assistant" {
		t.Errorf("plan role should travel as assistant, got %v", wire[1]["role"])
	}

	calls, ok := wire[2]["tool_calls"].([]map[string]any)
	if !ok || len(calls) != 1 {
		t.Fatalf("assistant tool_calls missing: %+v", wire[2])
	}
	fn, ok := calls[0]["function"].(map[string]any)
	if !ok {
		t.Fatalf("function block missing: %+v", calls[0])
	}
	if fn["name"] != "list_files" {
		t.Errorf("function name = %v", fn["name"])
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(fn["arguments"].(string)), &args); err != nil {
		t.Fatalf("arguments not valid JSON: %v", err)
	}
	if args["path"] != "." {
		t.Errorf("arguments = %+v", args)
	}

	if wire[3]["tool_call_id"] != "call_9" {
		t.Errorf("tool message should carry tool_call_id, got %+v", wire[3])
	}
}

func TestDecodeToolCall_EmptyArguments(t *testing.T) {
	call, err := decodeToolCall("call_1", "get_tasks", "")
	if err != nil {
		t.Fatalf("decodeToolCall failed: %v", err)
	}
	if call.Arguments == nil || len(call.Arguments) != 0 {
		t.Errorf("Arguments = %+v, want empty map", call.Arguments)
	}

	if _, err := decodeToolCall("call_2", "", `{}`); err == nil {
		t.Error("expected error for unnamed tool call")
	}

	if _, err := decodeToolCall("call_3", "edit_file", `{"path":`); err == nil {
		t.Error("expected error for truncated argument JSON")
	}
}
