package builtin

import (
	"context"
	"fmt"
	"strings"

	"milo/internal/agent/ports"
)

// The remote file tools surface a connected remote workspace account. They
// are registered only when a client is configured.

type listRemoteRepls struct {
	client ports.RemoteFileClient
}

func NewListRemoteRepls(client ports.RemoteFileClient) ports.ToolExecutor {
	return &listRemoteRepls{client: client}
}

func (t *listRemoteRepls) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	search := optionalString(call, "search", "")
	repls, err := t.client.ListRepls(ctx, search)
	if err != nil {
		return fail(call, fmt.Errorf("cannot list remote workspaces: %w", err)), nil
	}
	if len(repls) == 0 {
		return ok(call, "No remote workspaces found."), nil
	}
	var out strings.Builder
	out.WriteString(fmt.Sprintf("%d remote workspace(s):\n", len(repls)))
	for _, r := range repls {
		out.WriteString(fmt.Sprintf("- %s: %s", r.ID, r.Title))
		if r.Language != "" {
			out.WriteString(fmt.Sprintf(" (%s)", r.Language))
		}
		out.WriteString("\n")
	}
	return ok(call, strings.TrimRight(out.String(), "\n")), nil
}

func (t *listRemoteRepls) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "list_remote_repls",
		Description: "List the workspaces in the connected remote account, optionally filtered by a search term.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"search": {Type: "string", Description: "Filter workspaces by title (optional)"},
			},
		},
	}
}

func (t *listRemoteRepls) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "list_remote_repls", Category: "remote", ReadOnly: true}
}

type readRemoteFile struct {
	client ports.RemoteFileClient
}

func NewReadRemoteFile(client ports.RemoteFileClient) ports.ToolExecutor {
	return &readRemoteFile{client: client}
}

func (t *readRemoteFile) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	replID, err := stringArg(call, "repl_id")
	if err != nil {
		return fail(call, err), nil
	}
	path, err := stringArg(call, "path")
	if err != nil {
		return fail(call, err), nil
	}
	content, err := t.client.ReadReplFile(ctx, replID, path)
	if err != nil {
		return fail(call, fmt.Errorf("cannot read %s from %s: %w", path, replID, err)), nil
	}
	return ok(call, content), nil
}

func (t *readRemoteFile) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "read_remote_file",
		Description: "Read a file from a remote workspace.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"repl_id": {Type: "string", Description: "Remote workspace id"},
				"path":    {Type: "string", Description: "File path inside the workspace"},
			},
			Required: []string{"repl_id", "path"},
		},
	}
}

func (t *readRemoteFile) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "read_remote_file", Category: "remote", ReadOnly: true}
}

type writeRemoteFile struct {
	client ports.RemoteFileClient
}

func NewWriteRemoteFile(client ports.RemoteFileClient) ports.ToolExecutor {
	return &writeRemoteFile{client: client}
}

func (t *writeRemoteFile) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	replID, err := stringArg(call, "repl_id")
	if err != nil {
		return fail(call, err), nil
	}
	path, err := stringArg(call, "path")
	if err != nil {
		return fail(call, err), nil
	}
	content, err := stringArg(call, "content")
	if err != nil {
		return fail(call, err), nil
	}
	if err := t.client.WriteReplFile(ctx, replID, path, content); err != nil {
		return fail(call, fmt.Errorf("cannot write %s to %s: %w", path, replID, err)), nil
	}
	return ok(call, fmt.Sprintf("Wrote %d bytes to %s in %s", len(content), path, replID)), nil
}

func (t *writeRemoteFile) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "write_remote_file",
		Description: "Write a file into a remote workspace.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"repl_id": {Type: "string", Description: "Remote workspace id"},
				"path":    {Type: "string", Description: "File path inside the workspace"},
				"content": {Type: "string", Description: "Full file content"},
			},
			Required: []string{"repl_id", "path", "content"},
		},
	}
}

func (t *writeRemoteFile) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "write_remote_file", Category: "remote"}
}

type listRemoteFiles struct {
	client ports.RemoteFileClient
}

func NewListRemoteFiles(client ports.RemoteFileClient) ports.ToolExecutor {
	return &listRemoteFiles{client: client}
}

func (t *listRemoteFiles) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	replID, err := stringArg(call, "repl_id")
	if err != nil {
		return fail(call, err), nil
	}
	dir := optionalString(call, "dir", ".")
	files, err := t.client.ListReplFiles(ctx, replID, dir)
	if err != nil {
		return fail(call, fmt.Errorf("cannot list %s in %s: %w", dir, replID, err)), nil
	}
	if len(files) == 0 {
		return ok(call, fmt.Sprintf("%s is empty in %s.", dir, replID)), nil
	}
	return ok(call, strings.Join(files, "\n")), nil
}

func (t *listRemoteFiles) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "list_remote_files",
		Description: "List files in a remote workspace directory.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"repl_id": {Type: "string", Description: "Remote workspace id"},
				"dir":     {Type: "string", Description: "Directory inside the workspace (default .)"},
			},
			Required: []string{"repl_id"},
		},
	}
}

func (t *listRemoteFiles) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "list_remote_files", Category: "remote", ReadOnly: true}
}

type deleteRemoteFile struct {
	client ports.RemoteFileClient
}

func NewDeleteRemoteFile(client ports.RemoteFileClient) ports.ToolExecutor {
	return &deleteRemoteFile{client: client}
}

func (t *deleteRemoteFile) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	replID, err := stringArg(call, "repl_id")
	if err != nil {
		return fail(call, err), nil
	}
	path, err := stringArg(call, "path")
	if err != nil {
		return fail(call, err), nil
	}
	if err := t.client.DeleteReplFile(ctx, replID, path); err != nil {
		return fail(call, fmt.Errorf("cannot delete %s from %s: %w", path, replID, err)), nil
	}
	return ok(call, fmt.Sprintf("Deleted %s from %s", path, replID)), nil
}

func (t *deleteRemoteFile) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "delete_remote_file",
		Description: "Delete a file from a remote workspace.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"repl_id": {Type: "string", Description: "Remote workspace id"},
				"path":    {Type: "string", Description: "File path inside the workspace"},
			},
			Required: []string{"repl_id", "path"},
		},
	}
}

func (t *deleteRemoteFile) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "delete_remote_file", Category: "remote"}
}
