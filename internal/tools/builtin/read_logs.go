package builtin

import (
	"context"
	"fmt"
	"strings"

	"milo/internal/agent/ports"
	"milo/internal/tools"
)

const defaultLogLines = 50

type readLogs struct {
	ws      *tools.Workspace
	runtime ProjectRuntime
}

func NewReadLogs(ws *tools.Workspace, runtime ProjectRuntime) ports.ToolExecutor {
	return &readLogs{ws: ws, runtime: runtime}
}

func (t *readLogs) Execute(_ context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	n := optionalInt(call, "lines", defaultLogLines)
	if n < 1 {
		n = defaultLogLines
	}
	if t.runtime == nil {
		return ok(call, "Nothing is running for this project, so there are no logs to read."), nil
	}
	lines := t.runtime.TailLogs(t.ws.Root(), n)
	if len(lines) == 0 {
		return ok(call, "Nothing is running for this project, so there are no logs to read."), nil
	}

	header := fmt.Sprintf("Last %d log line(s)", len(lines))
	if port, running := t.runtime.RunningPort(t.ws.Root()); running {
		header += fmt.Sprintf(" (serving on port %d)", port)
	}
	return ok(call, header+":\n"+strings.Join(lines, "\n")), nil
}

func (t *readLogs) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "read_logs",
		Description: "Read the most recent output of the running project process.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"lines": {Type: "number", Description: "How many trailing lines to return (default 50)"},
			},
		},
	}
}

func (t *readLogs) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "read_logs", Category: "project", ReadOnly: true}
}
