package builtin

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"milo/internal/agent/ports"
	"milo/internal/tools"
)

// maxListEntries keeps a listing of a large tree digestible.
const maxListEntries = 500

type listFiles struct {
	ws *tools.Workspace
}

func NewListFiles(ws *tools.Workspace) ports.ToolExecutor {
	return &listFiles{ws: ws}
}

func (t *listFiles) Execute(_ context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	path := optionalString(call, "path", ".")
	recursive := optionalBool(call, "recursive")

	abs, err := t.ws.Resolve(path)
	if err != nil {
		return fail(call, err), nil
	}

	var entries []string
	truncated := false
	walkErr := filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if p == abs {
			return nil
		}
		name := d.Name()
		if hiddenEntry(name) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(abs, p)
		if err != nil {
			return nil
		}
		if len(entries) >= maxListEntries {
			truncated = true
			return filepath.SkipAll
		}
		if d.IsDir() {
			entries = append(entries, rel+"/")
			if !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		entries = append(entries, rel)
		return nil
	})
	if walkErr != nil {
		return fail(call, fmt.Errorf("cannot list %s: %w", path, walkErr)), nil
	}

	if len(entries) == 0 {
		return ok(call, fmt.Sprintf("%s is empty", path)), nil
	}
	sort.Strings(entries)
	out := strings.Join(entries, "\n")
	if truncated {
		out += fmt.Sprintf("\n... (truncated at %d entries)", maxListEntries)
	}
	return ok(call, out), nil
}

func hiddenEntry(name string) bool {
	return strings.HasPrefix(name, ".") || name == "node_modules"
}

func (t *listFiles) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "list_files",
		Description: "List files and directories. Hides dotfiles and node_modules. Set recursive to walk subdirectories.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path":      {Type: "string", Description: "Directory to list, defaults to the project root"},
				"recursive": {Type: "boolean", Description: "Walk subdirectories"},
			},
		},
	}
}

func (t *listFiles) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "list_files", Category: "file_operations", ReadOnly: true}
}
