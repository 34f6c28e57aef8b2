package builtin

import (
	"context"
	"fmt"
	"os"

	"milo/internal/agent/ports"
	"milo/internal/tools"
)

type createDirectory struct {
	ws *tools.Workspace
}

func NewCreateDirectory(ws *tools.Workspace) ports.ToolExecutor {
	return &createDirectory{ws: ws}
}

func (t *createDirectory) Execute(_ context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	path, err := stringArg(call, "path")
	if err != nil {
		return fail(call, err), nil
	}
	abs, err := t.ws.Resolve(path)
	if err != nil {
		return fail(call, err), nil
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return fail(call, fmt.Errorf("cannot create directory %s: %w", path, err)), nil
	}
	return ok(call, fmt.Sprintf("Created directory %s", path)), nil
}

func (t *createDirectory) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "create_directory",
		Description: "Create a directory, including any missing parents.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path": {Type: "string", Description: "Directory path relative to the project root"},
			},
			Required: []string{"path"},
		},
	}
}

func (t *createDirectory) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "create_directory", Category: "file_operations"}
}
