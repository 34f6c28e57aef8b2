package builtin

import (
	"fmt"

	"milo/internal/agent/ports"
)

func stringArg(call ports.ToolCall, key string) (string, error) {
	raw, ok := call.Arguments[key]
	if !ok {
		return "", fmt.Errorf("missing '%s'", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("'%s' must be a string", key)
	}
	return s, nil
}

func optionalString(call ports.ToolCall, key, fallback string) string {
	if s, ok := call.Arguments[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func optionalBool(call ports.ToolCall, key string) bool {
	b, _ := call.Arguments[key].(bool)
	return b
}

func optionalInt(call ports.ToolCall, key string, fallback int) int {
	switch v := call.Arguments[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func optionalStrings(call ports.ToolCall, key string) []string {
	raw, ok := call.Arguments[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringsArg(call ports.ToolCall, key string) ([]string, error) {
	raw, ok := call.Arguments[key]
	if !ok {
		return nil, fmt.Errorf("missing '%s'", key)
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("'%s' must be an array of strings", key)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("'%s' must contain only strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}

func fail(call ports.ToolCall, err error) *ports.ToolResult {
	return &ports.ToolResult{CallID: call.ID, Error: err}
}

func ok(call ports.ToolCall, content string) *ports.ToolResult {
	return &ports.ToolResult{CallID: call.ID, Content: content}
}
