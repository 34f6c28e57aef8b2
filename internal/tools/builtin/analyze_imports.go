package builtin

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"milo/internal/agent/ports"
	"milo/internal/tools"
)

// importPattern matches ES imports, re-exports and CommonJS requires.
var importPattern = regexp.MustCompile(`(?m)(?:import\s+(?:[\w${},*\s]+\s+from\s+)?|export\s+(?:[\w${},*\s]+\s+from\s+)?|require\()\s*['"]([^'"]+)['"]`)

var sourceExtensions = map[string]bool{
	".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".mjs": true, ".cjs": true,
}

type analyzeImports struct {
	ws *tools.Workspace
}

func NewAnalyzeImports(ws *tools.Workspace) ports.ToolExecutor {
	return &analyzeImports{ws: ws}
}

func (t *analyzeImports) Execute(_ context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	graph, err := t.buildGraph()
	if err != nil {
		return fail(call, err), nil
	}
	if len(graph) == 0 {
		return ok(call, "No JavaScript or TypeScript source files found."), nil
	}

	if target := optionalString(call, "file", ""); target != "" {
		return t.describeFile(call, graph, target)
	}
	return ok(call, renderGraph(graph)), nil
}

// buildGraph maps each source file to the modules it imports. Relative
// imports are normalized to project-relative paths; package imports keep
// their specifier.
func (t *analyzeImports) buildGraph() (map[string][]string, error) {
	root := t.ws.Root()
	graph := make(map[string][]string)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if hiddenEntry(d.Name()) && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !sourceExtensions[filepath.Ext(d.Name())] {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}

		var imports []string
		for _, match := range importPattern.FindAllStringSubmatch(string(data), -1) {
			spec := match[1]
			if strings.HasPrefix(spec, ".") {
				spec = normalizeRelativeImport(rel, spec)
			}
			imports = append(imports, spec)
		}
		sort.Strings(imports)
		graph[filepath.ToSlash(rel)] = imports
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk project: %w", err)
	}
	return graph, nil
}

func (t *analyzeImports) describeFile(call ports.ToolCall, graph map[string][]string, target string) (*ports.ToolResult, error) {
	target = filepath.ToSlash(filepath.Clean(target))
	imports, found := graph[target]
	if !found {
		return fail(call, fmt.Errorf("%s is not a tracked source file", target)), nil
	}

	var out strings.Builder
	out.WriteString(fmt.Sprintf("%s imports %d module(s):\n", target, len(imports)))
	for _, imp := range imports {
		out.WriteString(fmt.Sprintf("- %s\n", imp))
	}

	var dependents []string
	targetNoExt := strings.TrimSuffix(target, filepath.Ext(target))
	for file, imps := range graph {
		if file == target {
			continue
		}
		for _, imp := range imps {
			if imp == target || imp == targetNoExt {
				dependents = append(dependents, file)
				break
			}
		}
	}
	sort.Strings(dependents)
	out.WriteString(fmt.Sprintf("%d file(s) depend on it:\n", len(dependents)))
	for _, dep := range dependents {
		out.WriteString(fmt.Sprintf("- %s\n", dep))
	}
	return ok(call, strings.TrimRight(out.String(), "\n")), nil
}

func renderGraph(graph map[string][]string) string {
	files := make([]string, 0, len(graph))
	for file := range graph {
		files = append(files, file)
	}
	sort.Strings(files)

	var out strings.Builder
	out.WriteString(fmt.Sprintf("Import graph over %d file(s):\n", len(files)))
	for _, file := range files {
		imports := graph[file]
		if len(imports) == 0 {
			out.WriteString(fmt.Sprintf("%s: no imports\n", file))
			continue
		}
		out.WriteString(fmt.Sprintf("%s: %s\n", file, strings.Join(imports, ", ")))
	}
	return strings.TrimRight(out.String(), "\n")
}

// normalizeRelativeImport resolves ./x or ../x against the importing file's
// directory, keeping the result project-relative.
func normalizeRelativeImport(fromRel, spec string) string {
	resolved := filepath.Clean(filepath.Join(filepath.Dir(fromRel), spec))
	return filepath.ToSlash(resolved)
}

func (t *analyzeImports) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name: "analyze_imports",
		Description: "Map the project's JavaScript/TypeScript import graph. Pass a file to see what it " +
			"imports and which files depend on it; omit it for the whole graph.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"file": {Type: "string", Description: "Source file relative to the project root (optional)"},
			},
		},
	}
}

func (t *analyzeImports) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "analyze_imports", Category: "scaffolding", ReadOnly: true}
}
