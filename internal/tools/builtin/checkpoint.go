package builtin

import (
	"context"
	"fmt"
	"strings"

	"milo/internal/agent/ports"
	"milo/internal/checkpoint"
)

type checkpointTool struct {
	store *checkpoint.Store
}

func NewCheckpoint(store *checkpoint.Store) ports.ToolExecutor {
	return &checkpointTool{store: store}
}

func (t *checkpointTool) Execute(_ context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	action, err := stringArg(call, "action")
	if err != nil {
		return fail(call, err), nil
	}

	switch action {
	case "create":
		name := optionalString(call, "name", "")
		manifest, err := t.store.Create(name)
		if err != nil {
			return fail(call, err), nil
		}
		return ok(call, fmt.Sprintf("Created checkpoint %s (%d files)", manifest.ID, manifest.FileCount)), nil

	case "rollback":
		id, err := stringArg(call, "id")
		if err != nil {
			return fail(call, err), nil
		}
		manifest, err := t.store.Rollback(id)
		if err != nil {
			return fail(call, err), nil
		}
		return ok(call, fmt.Sprintf("Rolled back to checkpoint %s; restored %d files", manifest.ID, manifest.FileCount)), nil

	case "list":
		manifests, err := t.store.List()
		if err != nil {
			return fail(call, err), nil
		}
		if len(manifests) == 0 {
			return ok(call, "No checkpoints exist yet."), nil
		}
		var out strings.Builder
		out.WriteString(fmt.Sprintf("%d checkpoint(s), newest first:\n", len(manifests)))
		for _, m := range manifests {
			label := m.ID
			if m.Name != "" {
				label += fmt.Sprintf(" (%s)", m.Name)
			}
			out.WriteString(fmt.Sprintf("- %s: %d files, %s\n", label, m.FileCount, m.CreatedAt.Format("2006-01-02 15:04:05")))
		}
		return ok(call, strings.TrimRight(out.String(), "\n")), nil

	default:
		return fail(call, fmt.Errorf("unknown action %q; use create, rollback or list", action)), nil
	}
}

func (t *checkpointTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name: "checkpoint",
		Description: "Snapshot the project's source files, list existing snapshots, or roll the project back " +
			"to a previous snapshot.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"action": {Type: "string", Description: "What to do", Enum: []string{"create", "rollback", "list"}},
				"name":   {Type: "string", Description: "Label for a new checkpoint (optional)"},
				"id":     {Type: "string", Description: "Checkpoint id for rollback"},
			},
			Required: []string{"action"},
		},
	}
}

func (t *checkpointTool) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "checkpoint", Category: "state"}
}
