package builtin

import (
	"context"
	"fmt"
	"os"
	"strings"

	"milo/internal/agent/ports"
	errs "milo/internal/errors"
	"milo/internal/tools"
)

type editFile struct {
	ws *tools.Workspace
}

func NewEditFile(ws *tools.Workspace) ports.ToolExecutor {
	return &editFile{ws: ws}
}

func (t *editFile) Execute(_ context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	path, err := stringArg(call, "path")
	if err != nil {
		return fail(call, err), nil
	}
	oldString, err := stringArg(call, "old_string")
	if err != nil {
		return fail(call, err), nil
	}
	newString, err := stringArg(call, "new_string")
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
	if !strings.Contains(content, oldString) {
		return fail(call, fmt.Errorf("old_string not found in %s; read the file again to get its exact current content: %w", path, errs.ErrNotFound)), nil
	}

	updated := strings.Replace(content, oldString, newString, 1)
	if err := os.WriteFile(abs, []byte(updated), 0644); err != nil {
		return fail(call, fmt.Errorf("cannot write %s: %w", path, err)), nil
	}

	occurrences := strings.Count(content, oldString)
	note := ""
	if occurrences > 1 {
		note = fmt.Sprintf(" (first of %d occurrences replaced)", occurrences)
	}
	return ok(call, fmt.Sprintf("Replaced text in %s%s", path, note)), nil
}

func (t *editFile) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "edit_file",
		Description: "Replace an exact text snippet in a file. The old_string must match the file's current content literally; read the file first.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path":       {Type: "string", Description: "File path relative to the project root"},
				"old_string": {Type: "string", Description: "Exact text to replace"},
				"new_string": {Type: "string", Description: "Replacement text"},
			},
			Required: []string{"path", "old_string", "new_string"},
		},
	}
}

func (t *editFile) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "edit_file", Category: "file_operations", Mutating: true}
}
