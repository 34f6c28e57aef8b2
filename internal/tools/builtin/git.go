package builtin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"milo/internal/agent/ports"
	"milo/internal/tools"
)

type gitTool struct {
	ws *tools.Workspace
}

func NewGit(ws *tools.Workspace) ports.ToolExecutor {
	return &gitTool{ws: ws}
}

func (t *gitTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	action, err := stringArg(call, "action")
	if err != nil {
		return fail(call, err), nil
	}
	if _, err := exec.LookPath("git"); err != nil {
		return fail(call, fmt.Errorf("git is not installed")), nil
	}

	root := t.ws.Root()
	switch action {
	case "init":
		out, err := runGit(ctx, root, "init")
		if err != nil {
			return fail(call, err), nil
		}
		if err := ensureGitIdentity(ctx, root); err != nil {
			return fail(call, err), nil
		}
		return ok(call, out), nil

	case "status":
		out, err := runGit(ctx, root, "status", "--short", "--branch")
		if err != nil {
			return fail(call, err), nil
		}
		if strings.TrimSpace(out) == "" {
			out = "working tree clean"
		}
		return ok(call, out), nil

	case "add":
		args := []string{"add"}
		if paths := optionalStrings(call, "paths"); len(paths) > 0 {
			args = append(args, paths...)
		} else {
			args = append(args, "-A")
		}
		if _, err := runGit(ctx, root, args...); err != nil {
			return fail(call, err), nil
		}
		return ok(call, "Staged changes"), nil

	case "commit":
		message, err := stringArg(call, "message")
		if err != nil {
			return fail(call, err), nil
		}
		if err := ensureGitIdentity(ctx, root); err != nil {
			return fail(call, err), nil
		}
		out, err := runGit(ctx, root, "commit", "-m", message)
		if err != nil {
			return fail(call, err), nil
		}
		return ok(call, out), nil

	case "diff":
		args := []string{"diff"}
		if path := optionalString(call, "path", ""); path != "" {
			args = append(args, "--", path)
		}
		out, err := runGit(ctx, root, args...)
		if err != nil {
			return fail(call, err), nil
		}
		if strings.TrimSpace(out) == "" {
			out = "no unstaged changes"
		}
		return ok(call, out), nil

	case "log":
		out, err := runGit(ctx, root, "log", "--oneline", "-20")
		if err != nil {
			return fail(call, err), nil
		}
		return ok(call, out), nil

	case "branch":
		if name := optionalString(call, "name", ""); name != "" {
			if _, err := runGit(ctx, root, "branch", name); err != nil {
				return fail(call, err), nil
			}
			return ok(call, fmt.Sprintf("Created branch %s", name)), nil
		}
		out, err := runGit(ctx, root, "branch", "--list")
		if err != nil {
			return fail(call, err), nil
		}
		return ok(call, out), nil

	case "checkout":
		name, err := stringArg(call, "name")
		if err != nil {
			return fail(call, err), nil
		}
		args := []string{"checkout"}
		if optionalBool(call, "create") {
			args = append(args, "-b")
		}
		args = append(args, name)
		out, err := runGit(ctx, root, args...)
		if err != nil {
			return fail(call, err), nil
		}
		if out == "" {
			out = fmt.Sprintf("Switched to %s", name)
		}
		return ok(call, out), nil

	case "reset":
		args := []string{"reset"}
		if optionalBool(call, "hard") {
			args = append(args, "--hard")
		}
		if ref := optionalString(call, "ref", ""); ref != "" {
			args = append(args, ref)
		}
		out, err := runGit(ctx, root, args...)
		if err != nil {
			return fail(call, err), nil
		}
		if strings.TrimSpace(out) == "" {
			out = "reset complete"
		}
		return ok(call, out), nil

	default:
		return fail(call, fmt.Errorf("unknown action %q; use init, status, add, commit, diff, log, branch, checkout or reset", action)), nil
	}
}

// ensureGitIdentity sets a repo-local identity when none is configured so
// commits don't fail on fresh machines.
func ensureGitIdentity(ctx context.Context, dir string) error {
	if out, err := runGit(ctx, dir, "config", "user.email"); err == nil && strings.TrimSpace(out) != "" {
		return nil
	}
	if _, err := runGit(ctx, dir, "config", "user.email", "agent@milo.local"); err != nil {
		return fmt.Errorf("cannot configure git identity: %w", err)
	}
	if _, err := runGit(ctx, dir, "config", "user.name", "Milo Agent"); err != nil {
		return fmt.Errorf("cannot configure git identity: %w", err)
	}
	return nil
}

// runGit executes one git command in dir and returns the trimmed combined
// output. Pager and prompts are disabled so calls never hang.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_PAGER=cat",
		"GIT_TERMINAL_PROMPT=0",
		"NO_COLOR=1",
	)
	output, err := cmd.CombinedOutput()
	result := strings.TrimSpace(string(output))
	if err != nil {
		if result != "" {
			return "", fmt.Errorf("git %s failed: %s", strings.Join(args, " "), result)
		}
		return "", fmt.Errorf("git %s failed: %w", strings.Join(args, " "), err)
	}
	return result, nil
}

func (t *gitTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "git",
		Description: "Run version control operations in the project: init, status, add, commit, diff, log, branch, checkout, reset.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"action": {
					Type:        "string",
					Description: "Git operation to run",
					Enum:        []string{"init", "status", "add", "commit", "diff", "log", "branch", "checkout", "reset"},
				},
				"message": {Type: "string", Description: "Commit message for commit"},
				"paths": {
					Type:        "array",
					Description: "Paths to stage for add; stages everything when omitted",
					Items:       &ports.Property{Type: "string"},
				},
				"name":   {Type: "string", Description: "Branch name for branch/checkout"},
				"create": {Type: "boolean", Description: "Create the branch on checkout"},
				"ref":    {Type: "string", Description: "Target ref for reset"},
				"path":   {Type: "string", Description: "Limit diff to one path"},
				"hard":   {Type: "boolean", Description: "Hard reset, discarding working tree changes"},
			},
			Required: []string{"action"},
		},
	}
}

func (t *gitTool) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "git", Category: "state"}
}
