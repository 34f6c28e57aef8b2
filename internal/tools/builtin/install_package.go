package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"milo/internal/agent/ports"
	"milo/internal/tools"
)

type installPackage struct {
	ws *tools.Workspace
}

func NewInstallPackage(ws *tools.Workspace) ports.ToolExecutor {
	return &installPackage{ws: ws}
}

func (t *installPackage) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	packages, err := stringsArg(call, "packages")
	if err != nil {
		return fail(call, err), nil
	}
	if len(packages) == 0 {
		return fail(call, fmt.Errorf("packages must contain at least one entry")), nil
	}
	for _, pkg := range packages {
		if strings.ContainsAny(pkg, ";&|`$<>") {
			return fail(call, fmt.Errorf("invalid package name %q", pkg)), nil
		}
	}
	dev := optionalBool(call, "dev")

	if err := t.ensureManifest(); err != nil {
		return fail(call, err), nil
	}

	args := []string{"npm", "install"}
	if dev {
		args = append(args, "--save-dev")
	}
	args = append(args, packages...)
	command := strings.Join(args, " ")

	output, exitCode, runErr := runShell(ctx, command, t.ws.Root())
	if runErr != nil {
		msg := fmt.Sprintf("npm install failed with exit code %d", exitCode)
		if ctx.Err() != nil {
			msg = "npm install was stopped"
		}
		return &ports.ToolResult{
			CallID:  call.ID,
			Content: output,
			Error:   fmt.Errorf("%s: %w", msg, runErr),
		}, nil
	}

	var out strings.Builder
	out.WriteString(fmt.Sprintf("Installed %s", strings.Join(packages, ", ")))
	if dev {
		out.WriteString(" (dev)")
	}
	if versions := t.resolvedVersions(packages, dev); len(versions) > 0 {
		out.WriteString("\n")
		out.WriteString(strings.Join(versions, "\n"))
	}
	return ok(call, out.String()), nil
}

// ensureManifest writes a minimal package.json when the project has none so
// npm records the new dependencies somewhere.
func (t *installPackage) ensureManifest() error {
	manifest := filepath.Join(t.ws.Root(), "package.json")
	if _, err := os.Stat(manifest); err == nil {
		return nil
	}
	seed := map[string]any{
		"name":    filepath.Base(t.ws.Root()),
		"version": "1.0.0",
		"private": true,
	}
	data, err := json.MarshalIndent(seed, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(manifest, append(data, '\n'), 0644)
}

// resolvedVersions reads the versions npm settled on back out of
// package.json. Best effort: a missing or malformed manifest yields nothing.
func (t *installPackage) resolvedVersions(packages []string, dev bool) []string {
	data, err := os.ReadFile(filepath.Join(t.ws.Root(), "package.json"))
	if err != nil {
		return nil
	}
	var manifest struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil
	}
	section := manifest.Dependencies
	if dev {
		section = manifest.DevDependencies
	}
	var out []string
	for _, pkg := range packages {
		name := pkg
		// Strip a version suffix like react@18 but keep scoped names intact.
		if at := strings.LastIndex(pkg, "@"); at > 0 {
			name = pkg[:at]
		}
		if version, found := section[name]; found {
			out = append(out, fmt.Sprintf("%s %s", name, version))
		}
	}
	return out
}

func (t *installPackage) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "install_package",
		Description: "Install npm packages into the project, creating package.json first if it does not exist.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"packages": {
					Type:        "array",
					Description: "Package names, optionally with versions (react, react@18)",
					Items:       &ports.Property{Type: "string"},
				},
				"dev": {Type: "boolean", Description: "Install as devDependencies"},
			},
			Required: []string{"packages"},
		},
	}
}

func (t *installPackage) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "install_package", Category: "execution"}
}
