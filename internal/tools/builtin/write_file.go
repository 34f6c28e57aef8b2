package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"milo/internal/agent/ports"
	"milo/internal/tools"
)

type writeFile struct {
	ws *tools.Workspace
}

func NewWriteFile(ws *tools.Workspace) ports.ToolExecutor {
	return &writeFile{ws: ws}
}

func (t *writeFile) Execute(_ context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	path, err := stringArg(call, "path")
	if err != nil {
		return fail(call, err), nil
	}
	content, err := stringArg(call, "content")
	if err != nil {
		return fail(call, err), nil
	}
	abs, err := t.ws.Resolve(path)
	if err != nil {
		return fail(call, err), nil
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fail(call, fmt.Errorf("cannot create parent directories for %s: %w", path, err)), nil
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return fail(call, fmt.Errorf("cannot write %s: %w", path, err)), nil
	}
	lines := strings.Count(content, "\n") + 1
	return ok(call, fmt.Sprintf("Wrote %d bytes (%d lines) to %s", len(content), lines, path)), nil
}

func (t *writeFile) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "write_file",
		Description: "Write content to a file, creating it and any parent directories if needed. Overwrites existing content.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path":    {Type: "string", Description: "File path relative to the project root"},
				"content": {Type: "string", Description: "Full file content to write"},
			},
			Required: []string{"path", "content"},
		},
	}
}

func (t *writeFile) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "write_file", Category: "file_operations", Mutating: true}
}
