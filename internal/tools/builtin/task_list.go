package builtin

import (
	"context"
	"fmt"
	"strings"

	"milo/internal/agent/ports"
	"milo/internal/tasks"
)

type taskList struct {
	store *tasks.Store
}

func NewTaskList(store *tasks.Store) ports.ToolExecutor {
	return &taskList{store: store}
}

func (t *taskList) Execute(_ context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	action, err := stringArg(call, "action")
	if err != nil {
		return fail(call, err), nil
	}

	var list []tasks.Task
	switch action {
	case "create":
		titles, err := stringsArg(call, "tasks")
		if err != nil {
			return fail(call, err), nil
		}
		if len(titles) == 0 {
			return fail(call, fmt.Errorf("tasks must contain at least one title")), nil
		}
		list, err = t.store.Replace(titles)
		if err != nil {
			return fail(call, err), nil
		}
	case "add":
		titles, err := stringsArg(call, "tasks")
		if err != nil {
			return fail(call, err), nil
		}
		if len(titles) == 0 {
			return fail(call, fmt.Errorf("tasks must contain at least one title")), nil
		}
		list, err = t.store.Add(titles)
		if err != nil {
			return fail(call, err), nil
		}
	case "update":
		ref, err := stringArg(call, "task")
		if err != nil {
			return fail(call, err), nil
		}
		status, err := stringArg(call, "status")
		if err != nil {
			return fail(call, err), nil
		}
		switch tasks.Status(status) {
		case tasks.StatusPending, tasks.StatusInProgress, tasks.StatusCompleted:
		default:
			return fail(call, fmt.Errorf("status must be pending, in_progress or completed")), nil
		}
		list, err = t.store.Update(ref, tasks.Status(status))
		if err != nil {
			return fail(call, err), nil
		}
	case "get":
		list, err = t.store.Load()
		if err != nil {
			return fail(call, err), nil
		}
	default:
		return fail(call, fmt.Errorf("unknown action %q; use create, add, update or get", action)), nil
	}

	return &ports.ToolResult{
		CallID:  call.ID,
		Content: renderTasks(list),
		Meta:    map[string]any{"tasks": tasks.Items(list)},
	}, nil
}

func renderTasks(list []tasks.Task) string {
	if len(list) == 0 {
		return "The task list is empty."
	}
	var out strings.Builder
	done := 0
	for i, task := range list {
		marker := "[ ]"
		switch task.Status {
		case tasks.StatusInProgress:
			marker = "[~]"
		case tasks.StatusCompleted:
			marker = "[x]"
			done++
		}
		out.WriteString(fmt.Sprintf("%d. %s %s\n", i+1, marker, task.Title))
	}
	out.WriteString(fmt.Sprintf("%d/%d completed", done, len(list)))
	return out.String()
}

func (t *taskList) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name: "task_list",
		Description: "Manage the build task list. Create it from plan steps, mark tasks in_progress or " +
			"completed as you work, or get the current state. Completing a task starts the next pending one.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"action": {
					Type:        "string",
					Description: "What to do",
					Enum:        []string{"create", "add", "update", "get"},
				},
				"tasks": {
					Type:        "array",
					Description: "Task titles for create/add",
					Items:       &ports.Property{Type: "string"},
				},
				"task":   {Type: "string", Description: "Task id, exact title or 1-based position for update"},
				"status": {Type: "string", Description: "New status for update", Enum: []string{"pending", "in_progress", "completed"}},
			},
			Required: []string{"action"},
		},
	}
}

func (t *taskList) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "task_list", Category: "state"}
}
