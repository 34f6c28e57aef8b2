package builtin

import (
	"context"
	"fmt"
	"strings"

	"milo/internal/agent/ports"
	"milo/internal/tools"
)

type runTest struct {
	ws *tools.Workspace
}

func NewRunTest(ws *tools.Workspace) ports.ToolExecutor {
	return &runTest{ws: ws}
}

func (t *runTest) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	command := optionalString(call, "command", "npm test")
	if err := tools.CheckCommand(command); err != nil {
		return fail(call, err), nil
	}

	output, exitCode, runErr := runShell(ctx, command, t.ws.Root())
	if runErr != nil {
		msg := fmt.Sprintf("tests failed with exit code %d", exitCode)
		if ctx.Err() != nil {
			msg = "test run was stopped"
		}
		return &ports.ToolResult{
			CallID:  call.ID,
			Content: output,
			Error:   fmt.Errorf("%s: %w", msg, runErr),
			Meta: map[string]any{
				"command":   command,
				"exit_code": exitCode,
			},
		}, nil
	}

	if strings.TrimSpace(output) == "" {
		output = "tests passed with no output"
	}
	return &ports.ToolResult{
		CallID:  call.ID,
		Content: output,
		Meta: map[string]any{
			"command":   command,
			"exit_code": exitCode,
		},
	}, nil
}

func (t *runTest) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "run_test",
		Description: "Run the project's test command (defaults to 'npm test') and return the output.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"command": {Type: "string", Description: "Test command to run; defaults to 'npm test'"},
			},
		},
	}
}

func (t *runTest) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "run_test", Category: "execution"}
}
