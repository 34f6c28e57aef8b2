package builtin

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"milo/internal/agent/ports"
	"milo/internal/tools"
)

// maxSearchLines caps matched lines fed back to the model.
const maxSearchLines = 80

type searchFiles struct {
	ws *tools.Workspace
}

func NewSearchFiles(ws *tools.Workspace) ports.ToolExecutor {
	return &searchFiles{ws: ws}
}

func (t *searchFiles) Execute(_ context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	pattern, err := stringArg(call, "pattern")
	if err != nil {
		return fail(call, err), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fail(call, fmt.Errorf("invalid pattern: %w", err)), nil
	}
	root := optionalString(call, "path", ".")
	include := optionalString(call, "include", "")

	abs, err := t.ws.Resolve(root)
	if err != nil {
		return fail(call, err), nil
	}

	var matches []string
	truncated := false
	walkErr := filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if p != abs && hiddenEntry(name) {
				return filepath.SkipDir
			}
			return nil
		}
		if hiddenEntry(name) || !d.Type().IsRegular() {
			return nil
		}
		if include != "" {
			if matched, _ := filepath.Match(include, name); !matched {
				return nil
			}
		}
		if len(matches) >= maxSearchLines {
			truncated = true
			return filepath.SkipAll
		}
		rel, err := filepath.Rel(t.ws.Root(), p)
		if err != nil {
			rel = p
		}
		t.scanFile(p, rel, re, &matches, &truncated)
		if truncated {
			return filepath.SkipAll
		}
		return nil
	})
	if walkErr != nil {
		return fail(call, fmt.Errorf("search failed: %w", walkErr)), nil
	}

	if len(matches) == 0 {
		return ok(call, fmt.Sprintf("No matches for %q", pattern)), nil
	}
	out := strings.Join(matches, "\n")
	if truncated {
		out += fmt.Sprintf("\n... (results capped at %d lines)", maxSearchLines)
	}
	return ok(call, out), nil
}

func (t *searchFiles) scanFile(path, rel string, re *regexp.Regexp, matches *[]string, truncated *bool) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if !re.MatchString(line) {
			continue
		}
		if len(*matches) >= maxSearchLines {
			*truncated = true
			return
		}
		*matches = append(*matches, fmt.Sprintf("%s:%d: %s", rel, lineNo, strings.TrimSpace(line)))
	}
}

func (t *searchFiles) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "search_files",
		Description: "Search file contents with a regular expression. Returns file:line matches, capped at 80 lines.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"pattern": {Type: "string", Description: "Regular expression to search for"},
				"path":    {Type: "string", Description: "Directory to search, defaults to the project root"},
				"include": {Type: "string", Description: "Filename glob filter, e.g. *.js"},
			},
			Required: []string{"pattern"},
		},
	}
}

func (t *searchFiles) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "search_files", Category: "file_operations", ReadOnly: true}
}
