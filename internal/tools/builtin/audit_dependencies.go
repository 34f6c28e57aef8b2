package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"milo/internal/agent/ports"
	"milo/internal/tools"
)

type auditDependencies struct {
	ws *tools.Workspace
}

func NewAuditDependencies(ws *tools.Workspace) ports.ToolExecutor {
	return &auditDependencies{ws: ws}
}

func (t *auditDependencies) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	root := t.ws.Root()
	if _, err := os.Stat(filepath.Join(root, "package.json")); os.IsNotExist(err) {
		return fail(call, fmt.Errorf("no package.json in the project; nothing to audit")), nil
	}

	output, _, runErr := runShell(ctx, "npm audit --json", root)
	// npm audit exits non-zero when vulnerabilities exist; the JSON body is
	// still the report.
	report, parseErr := parseAuditReport(output)
	if parseErr != nil {
		if runErr != nil {
			return fail(call, fmt.Errorf("npm audit failed: %w", runErr)), nil
		}
		return fail(call, fmt.Errorf("cannot parse npm audit output: %w", parseErr)), nil
	}
	return ok(call, report), nil
}

func parseAuditReport(output string) (string, error) {
	start := strings.Index(output, "{")
	if start < 0 {
		return "", fmt.Errorf("no JSON in output")
	}

	var audit struct {
		Metadata struct {
			Vulnerabilities map[string]int `json:"vulnerabilities"`
		} `json:"metadata"`
		Vulnerabilities map[string]struct {
			Severity string `json:"severity"`
			Via      []any  `json:"via"`
			Range    string `json:"range"`
		} `json:"vulnerabilities"`
	}
	if err := json.Unmarshal([]byte(output[start:]), &audit); err != nil {
		return "", err
	}

	total := 0
	for severity, n := range audit.Metadata.Vulnerabilities {
		if severity == "total" {
			total = n
		}
	}
	if total == 0 {
		for severity, n := range audit.Metadata.Vulnerabilities {
			if severity != "total" {
				total += n
			}
		}
	}
	if total == 0 {
		return "No known vulnerabilities.", nil
	}

	var out strings.Builder
	out.WriteString(fmt.Sprintf("%d vulnerable dependency path(s):\n", total))
	for _, severity := range []string{"critical", "high", "moderate", "low", "info"} {
		if n := audit.Metadata.Vulnerabilities[severity]; n > 0 {
			out.WriteString(fmt.Sprintf("- %s: %d\n", severity, n))
		}
	}

	names := make([]string, 0, len(audit.Vulnerabilities))
	for name := range audit.Vulnerabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := audit.Vulnerabilities[name]
		out.WriteString(fmt.Sprintf("%s (%s) affected range %s\n", name, v.Severity, v.Range))
	}
	out.WriteString("Run 'npm audit fix' via execute_command to attempt automatic upgrades.")
	return out.String(), nil
}

func (t *auditDependencies) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "audit_dependencies",
		Description: "Check the project's npm dependencies for known vulnerabilities and summarize the findings.",
		Parameters: ports.ParameterSchema{
			Type:       "object",
			Properties: map[string]ports.Property{},
		},
	}
}

func (t *auditDependencies) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "audit_dependencies", Category: "scaffolding"}
}
