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

type runDiagnostics struct {
	ws *tools.Workspace
}

func NewRunDiagnostics(ws *tools.Workspace) ports.ToolExecutor {
	return &runDiagnostics{ws: ws}
}

func (t *runDiagnostics) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	root := t.ws.Root()
	if _, err := os.Stat(filepath.Join(root, "node_modules")); os.IsNotExist(err) {
		return ok(call, "node_modules is missing, so no type checker or linter is available yet. "+
			"Run install_package (or execute_command with 'npm install') first, then run diagnostics again."), nil
	}

	command, label := t.diagnosticCommand(root)
	output, exitCode, runErr := runShell(ctx, command, root)
	if runErr != nil {
		if ctx.Err() != nil {
			return &ports.ToolResult{
				CallID:  call.ID,
				Content: output,
				Error:   fmt.Errorf("diagnostics run was stopped: %w", runErr),
			}, nil
		}
		// A non-zero exit here is the useful outcome: the checker found
		// problems and printed them.
		report := strings.TrimSpace(output)
		if report == "" {
			report = fmt.Sprintf("%s exited with code %d and no output", label, exitCode)
		}
		return ok(call, fmt.Sprintf("%s found problems:\n%s", label, report)), nil
	}

	report := strings.TrimSpace(output)
	if report == "" {
		return ok(call, fmt.Sprintf("%s reported no problems", label)), nil
	}
	return ok(call, report), nil
}

// diagnosticCommand picks the strictest available check for the project:
// tsc for TypeScript projects, otherwise a syntax pass over the JS sources.
func (t *runDiagnostics) diagnosticCommand(root string) (command, label string) {
	if _, err := os.Stat(filepath.Join(root, "tsconfig.json")); err == nil {
		return "npx --no-install tsc --noEmit --pretty false", "tsc"
	}
	return `find . -path ./node_modules -prune -o \( -name '*.js' -o -name '*.mjs' -o -name '*.cjs' \) -print | ` +
		`while read -r f; do node --check "$f" || exit 1; done && echo 'syntax OK'`, "node --check"
}

func (t *runDiagnostics) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "run_diagnostics",
		Description: "Type-check or syntax-check the project (tsc --noEmit for TypeScript, node --check otherwise).",
		Parameters: ports.ParameterSchema{
			Type:       "object",
			Properties: map[string]ports.Property{},
		},
	}
}

func (t *runDiagnostics) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "run_diagnostics", Category: "execution"}
}
