package builtin

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"milo/internal/agent/ports"
	errs "milo/internal/errors"
	"milo/internal/tools"
)

type manageEnv struct {
	ws *tools.Workspace
}

func NewManageEnv(ws *tools.Workspace) ports.ToolExecutor {
	return &manageEnv{ws: ws}
}

func (t *manageEnv) Execute(_ context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	action, err := stringArg(call, "action")
	if err != nil {
		return fail(call, err), nil
	}
	envPath, err := t.ws.Resolve(optionalString(call, "file", ".env"))
	if err != nil {
		return fail(call, err), nil
	}

	vars, err := readEnvFile(envPath)
	if err != nil {
		return fail(call, err), nil
	}

	switch action {
	case "set":
		key, err := stringArg(call, "key")
		if err != nil {
			return fail(call, err), nil
		}
		value, err := stringArg(call, "value")
		if err != nil {
			return fail(call, err), nil
		}
		vars[key] = value
		if err := writeEnvFile(envPath, vars); err != nil {
			return fail(call, err), nil
		}
		return ok(call, fmt.Sprintf("Set %s", key)), nil

	case "get":
		key, err := stringArg(call, "key")
		if err != nil {
			return fail(call, err), nil
		}
		value, found := vars[key]
		if !found {
			return fail(call, fmt.Errorf("%s is not set: %w", key, errs.ErrNotFound)), nil
		}
		return ok(call, fmt.Sprintf("%s=%s", key, maskValue(value))), nil

	case "list":
		if len(vars) == 0 {
			return ok(call, "No environment variables are set."), nil
		}
		keys := make([]string, 0, len(vars))
		for k := range vars {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out strings.Builder
		for _, k := range keys {
			out.WriteString(fmt.Sprintf("%s=%s\n", k, maskValue(vars[k])))
		}
		return ok(call, strings.TrimRight(out.String(), "\n")), nil

	case "delete":
		key, err := stringArg(call, "key")
		if err != nil {
			return fail(call, err), nil
		}
		if _, found := vars[key]; !found {
			return fail(call, fmt.Errorf("%s is not set: %w", key, errs.ErrNotFound)), nil
		}
		delete(vars, key)
		if err := writeEnvFile(envPath, vars); err != nil {
			return fail(call, err), nil
		}
		return ok(call, fmt.Sprintf("Deleted %s", key)), nil

	default:
		return fail(call, fmt.Errorf("unknown action %q; use set, get, list or delete", action)), nil
	}
}

func readEnvFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	vars, err := godotenv.Parse(strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return vars, nil
}

// writeEnvFile renders KEY=VALUE lines sorted by key, quoting only values
// that would otherwise break parsing.
func writeEnvFile(path string, vars map[string]string) error {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out strings.Builder
	for _, k := range keys {
		out.WriteString(fmt.Sprintf("%s=%s\n", k, renderEnvValue(vars[k])))
	}
	return os.WriteFile(path, []byte(out.String()), 0644)
}

func renderEnvValue(value string) string {
	if !strings.ContainsAny(value, " \t\"'#") {
		return value
	}
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

// maskValue hides secrets while leaving enough to tell keys apart.
func maskValue(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	return value[:2] + "****"
}

func (t *manageEnv) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name: "manage_env",
		Description: "Manage the project's .env file. Values are masked when read back; " +
			"use set/delete to change them.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"action": {Type: "string", Description: "What to do", Enum: []string{"set", "get", "list", "delete"}},
				"key":    {Type: "string", Description: "Variable name for set/get/delete"},
				"value":  {Type: "string", Description: "Value for set"},
				"file":   {Type: "string", Description: "Env file relative to the project root (default .env)"},
			},
			Required: []string{"action"},
		},
	}
}

func (t *manageEnv) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "manage_env", Category: "state"}
}
