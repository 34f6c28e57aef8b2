package builtin

import (
	"context"
	"fmt"
	"os"
	"strings"

	"milo/internal/agent/ports"
	"milo/internal/tools"
)

// maxReadLines bounds what a single read feeds into model context.
const maxReadLines = 500

type readFile struct {
	ws *tools.Workspace
}

func NewReadFile(ws *tools.Workspace) ports.ToolExecutor {
	return &readFile{ws: ws}
}

func (t *readFile) Execute(_ context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	path, err := stringArg(call, "path")
	if err != nil {
		return fail(call, err), nil
	}
	abs, err := t.ws.Resolve(path)
	if err != nil {
		return fail(call, err), nil
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fail(call, fmt.Errorf("cannot read %s: %w", path, err)), nil
	}

	content := string(data)
	lines := strings.Split(content, "\n")
	if len(lines) <= maxReadLines {
		return ok(call, content), nil
	}
	shown := strings.Join(lines[:maxReadLines], "\n")
	return ok(call, fmt.Sprintf("%s\n... (showing first %d of %d lines)", shown, maxReadLines, len(lines))), nil
}

func (t *readFile) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file's contents. Large files are truncated to the first 500 lines.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path": {Type: "string", Description: "File path relative to the project root"},
			},
			Required: []string{"path"},
		},
	}
}

func (t *readFile) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "read_file", Category: "file_operations", ReadOnly: true}
}
