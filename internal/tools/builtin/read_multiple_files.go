package builtin

import (
	"context"
	"fmt"
	"os"
	"strings"

	"milo/internal/agent/ports"
	"milo/internal/tools"
)

const (
	maxBatchFiles     = 20
	maxBatchFileLines = 200
)

type readMultipleFiles struct {
	ws *tools.Workspace
}

func NewReadMultipleFiles(ws *tools.Workspace) ports.ToolExecutor {
	return &readMultipleFiles{ws: ws}
}

func (t *readMultipleFiles) Execute(_ context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	paths, err := stringsArg(call, "paths")
	if err != nil {
		return fail(call, err), nil
	}
	if len(paths) == 0 {
		return fail(call, fmt.Errorf("paths must contain at least one entry")), nil
	}
	if len(paths) > maxBatchFiles {
		paths = paths[:maxBatchFiles]
	}

	var out strings.Builder
	for i, path := range paths {
		if i > 0 {
			out.WriteString("\n")
		}
		out.WriteString(fmt.Sprintf("=== %s ===\n", path))
		abs, err := t.ws.Resolve(path)
		if err != nil {
			out.WriteString(fmt.Sprintf("error: %v\n", err))
			continue
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			out.WriteString(fmt.Sprintf("error: %v\n", err))
			continue
		}
		lines := strings.Split(string(data), "\n")
		if len(lines) > maxBatchFileLines {
			out.WriteString(strings.Join(lines[:maxBatchFileLines], "\n"))
			out.WriteString(fmt.Sprintf("\n… (showing first %d of %d lines)\n", maxBatchFileLines, len(lines)))
		} else {
			out.WriteString(string(data))
			if !strings.HasSuffix(string(data), "\n") {
				out.WriteString("\n")
			}
		}
	}
	return ok(call, out.String()), nil
}

func (t *readMultipleFiles) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "read_multiple_files",
		Description: "Read several files in one call. At most 20 files; each file is capped at its first 200 lines.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"paths": {
					Type:        "array",
					Description: "Paths relative to the project root",
					Items:       &ports.Property{Type: "string"},
				},
			},
			Required: []string{"paths"},
		},
	}
}

func (t *readMultipleFiles) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "read_multiple_files", Category: "file_operations", ReadOnly: true}
}
