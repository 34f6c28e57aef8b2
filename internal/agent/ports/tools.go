package ports

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ToolExecutor executes a single tool call.
type ToolExecutor interface {
	// Execute runs the tool with the given arguments. Infrastructure
	// failures are reported inside the result, not as the error return;
	// the error is reserved for broken invariants (nil arguments map, etc).
	Execute(ctx context.Context, call ToolCall) (*ToolResult, error)

	// Definition returns the tool's schema for the model.
	Definition() ToolDefinition

	// Metadata returns tool metadata used for dispatch policy.
	Metadata() ToolMetadata
}

// ToolRegistry manages the closed tool catalogue.
type ToolRegistry interface {
	Register(tool ToolExecutor) error
	Get(name string) (ToolExecutor, error)
	List() []ToolDefinition
	Names() []string
}

// ToolCall represents a model-emitted request to invoke a named tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the execution outcome fed back to the model.
type ToolResult struct {
	CallID  string         `json:"call_id"`
	Content string         `json:"content"`
	Error   error          `json:"error,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Success reports whether the call completed without error.
func (r *ToolResult) Success() bool {
	return r != nil && r.Error == nil
}

// Text returns the string echoed into the model's tool-result message: the
// content on success, the error text otherwise.
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}
	if r.Error != nil {
		return r.Error.Error()
	}
	return r.Content
}

// MarshalJSON encodes the error as its message string.
func (r ToolResult) MarshalJSON() ([]byte, error) {
	type alias struct {
		CallID  string         `json:"call_id"`
		Content string         `json:"content"`
		Error   any            `json:"error,omitempty"`
		Meta    map[string]any `json:"meta,omitempty"`
	}

	out := alias{CallID: r.CallID, Content: r.Content, Meta: r.Meta}
	if r.Error != nil {
		out.Error = r.Error.Error()
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts both string and object error representations.
func (r *ToolResult) UnmarshalJSON(data []byte) error {
	type alias struct {
		CallID  string          `json:"call_id"`
		Content string          `json:"content"`
		Error   json.RawMessage `json:"error"`
		Meta    map[string]any  `json:"meta,omitempty"`
	}

	var aux alias
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	r.CallID = aux.CallID
	r.Content = aux.Content
	r.Meta = aux.Meta
	r.Error = nil

	raw := strings.TrimSpace(string(aux.Error))
	if raw == "" || raw == "null" {
		return nil
	}

	var errStr string
	if err := json.Unmarshal(aux.Error, &errStr); err == nil {
		if errStr != "" {
			r.Error = errors.New(errStr)
		}
		return nil
	}

	var errObj map[string]any
	if err := json.Unmarshal(aux.Error, &errObj); err == nil {
		if msg, ok := errObj["message"].(string); ok && msg != "" {
			r.Error = errors.New(msg)
			return nil
		}
	}

	r.Error = errors.New(raw)
	return nil
}

// ToolDefinition describes a tool for the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  ParameterSchema `json:"parameters"`
}

// ToolMetadata carries dispatch policy for a tool.
type ToolMetadata struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	// ReadOnly tools are permitted in plan mode.
	ReadOnly bool `json:"read_only"`
	// Mutating tools trigger diff pre-image capture on their path argument.
	Mutating bool `json:"mutating"`
}

// ParameterSchema defines tool parameters in JSON Schema shape. It is
// serialized to the model verbatim and compiled for input validation.
type ParameterSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a single parameter.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Enum        []string  `json:"enum,omitempty"`
	Items       *Property `json:"items,omitempty"`
}
