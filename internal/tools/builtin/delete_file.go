package builtin

import (
	"context"
	"fmt"
	"os"

	"milo/internal/agent/ports"
	errs "milo/internal/errors"
	"milo/internal/tools"
)

type deleteFile struct {
	ws *tools.Workspace
}

func NewDeleteFile(ws *tools.Workspace) ports.ToolExecutor {
	return &deleteFile{ws: ws}
}

func (t *deleteFile) Execute(_ context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	path, err := stringArg(call, "path")
	if err != nil {
		return fail(call, err), nil
	}
	abs, err := t.ws.Resolve(path)
	if err != nil {
		return fail(call, err), nil
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return fail(call, fmt.Errorf("%s does not exist: %w", path, errs.ErrNotFound)), nil
		}
		return fail(call, fmt.Errorf("cannot stat %s: %w", path, err)), nil
	}

	if info.IsDir() {
		if err := os.RemoveAll(abs); err != nil {
			return fail(call, fmt.Errorf("cannot delete directory %s: %w", path, err)), nil
		}
		return ok(call, fmt.Sprintf("Deleted directory %s and its contents", path)), nil
	}
	if err := os.Remove(abs); err != nil {
		return fail(call, fmt.Errorf("cannot delete %s: %w", path, err)), nil
	}
	return ok(call, fmt.Sprintf("Deleted %s", path)), nil
}

func (t *deleteFile) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "delete_file",
		Description: "Delete a file, or a directory with all of its contents.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path": {Type: "string", Description: "Path relative to the project root"},
			},
			Required: []string{"path"},
		},
	}
}

func (t *deleteFile) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "delete_file", Category: "file_operations", Mutating: true}
}
