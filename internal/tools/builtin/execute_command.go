package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"milo/internal/agent/ports"
	"milo/internal/tools"
)

// maxCommandOutput caps captured stdout+stderr per command run.
const maxCommandOutput = 2 << 20

// capWriter buffers command output up to a byte limit and forwards every
// chunk to the live output callback. Writes never fail so the child keeps
// running even after the buffer is full.
type capWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	limit   int
	stream  tools.OutputCallback
	clipped bool
}

func (w *capWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stream != nil {
		w.stream(string(p))
	}
	if room := w.limit - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
			w.clipped = true
		} else {
			w.buf.Write(p)
		}
	} else if len(p) > 0 {
		w.clipped = true
	}
	return len(p), nil
}

func (w *capWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.buf.String()
	if w.clipped {
		out += "\n... (output truncated at 2 MiB)"
	}
	return out
}

type executeCommand struct {
	ws *tools.Workspace
}

func NewExecuteCommand(ws *tools.Workspace) ports.ToolExecutor {
	return &executeCommand{ws: ws}
}

func (t *executeCommand) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	command, err := stringArg(call, "command")
	if err != nil {
		return fail(call, err), nil
	}
	if strings.TrimSpace(command) == "" {
		return fail(call, fmt.Errorf("command must not be empty")), nil
	}
	if err := tools.CheckCommand(command); err != nil {
		return fail(call, err), nil
	}

	dir := t.ws.Root()
	if cwd := optionalString(call, "cwd", ""); cwd != "" {
		abs, err := t.ws.Resolve(cwd)
		if err != nil {
			return fail(call, err), nil
		}
		dir = abs
	}

	output, exitCode, runErr := runShell(ctx, command, dir)
	if runErr != nil {
		msg := fmt.Sprintf("command failed with exit code %d", exitCode)
		if ctx.Err() != nil {
			msg = "command was stopped"
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
		output = "command completed with no output"
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

// runShell executes one command line through bash in dir, returning the
// capped combined output and the exit code.
func runShell(ctx context.Context, command, dir string) (string, int, error) {
	out := &capWriter{limit: maxCommandOutput, stream: tools.OutputCallbackFrom(ctx)}

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(), "FORCE_COLOR=0", "NO_COLOR=1")
	cmd.WaitDelay = 2 * time.Second

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		exitCode = -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}
	return out.String(), exitCode, runErr
}

func (t *executeCommand) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name: "execute_command",
		Description: "Run a shell command in the project directory and return its combined output. " +
			"Long-running dev servers are refused; the project process is managed separately.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"command": {Type: "string", Description: "Shell command line to run"},
				"cwd":     {Type: "string", Description: "Working directory relative to the project root (optional)"},
			},
			Required: []string{"command"},
		},
	}
}

func (t *executeCommand) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "execute_command", Category: "execution"}
}
