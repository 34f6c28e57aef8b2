package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "milo/internal/errors"
	"milo/internal/tools"
)

func TestExecuteCommand_CapturesCombinedOutput(t *testing.T) {
	ws := newTestWorkspace(t)

	result, err := NewExecuteCommand(ws).Execute(context.Background(), mkCall("execute_command", map[string]any{
		"command": "printf 'out\\n'; printf 'err\\n' >&2",
	}))
	require.NoError(t, err)
	require.True(t, result.Success())
	assert.Contains(t, result.Content, "out")
	assert.Contains(t, result.Content, "err")
	assert.Equal(t, 0, result.Meta["exit_code"])
}

func TestExecuteCommand_NonZeroExit(t *testing.T) {
	ws := newTestWorkspace(t)

	result, err := NewExecuteCommand(ws).Execute(context.Background(), mkCall("execute_command", map[string]any{
		"command": "echo boom; exit 3",
	}))
	require.NoError(t, err)
	require.False(t, result.Success())
	assert.Contains(t, result.Error.Error(), "exit code 3")
	assert.Contains(t, result.Content, "boom")
	assert.Equal(t, 3, result.Meta["exit_code"])
}

func TestExecuteCommand_BlocksDevServers(t *testing.T) {
	ws := newTestWorkspace(t)

	result, err := NewExecuteCommand(ws).Execute(context.Background(), mkCall("execute_command", map[string]any{
		"command": "npm run dev",
	}))
	require.NoError(t, err)
	require.False(t, result.Success())
	assert.True(t, errors.Is(result.Error, errs.ErrBlocked))
	assert.Contains(t, result.Error.Error(), "BLOCKED")
}

func TestExecuteCommand_EmptyOutput(t *testing.T) {
	ws := newTestWorkspace(t)

	result, err := NewExecuteCommand(ws).Execute(context.Background(), mkCall("execute_command", map[string]any{
		"command": "true",
	}))
	require.NoError(t, err)
	require.True(t, result.Success())
	assert.Equal(t, "command completed with no output", result.Content)
}

func TestExecuteCommand_StreamsOutput(t *testing.T) {
	ws := newTestWorkspace(t)

	var chunks []string
	ctx := tools.WithOutputCallback(context.Background(), func(chunk string) {
		chunks = append(chunks, chunk)
	})

	result, err := NewExecuteCommand(ws).Execute(ctx, mkCall("execute_command", map[string]any{
		"command": "printf 'streamed\\n'",
	}))
	require.NoError(t, err)
	require.True(t, result.Success())
	assert.Contains(t, strings.Join(chunks, ""), "streamed")
}

func TestExecuteCommand_RunsInRequestedDirectory(t *testing.T) {
	ws := newTestWorkspace(t)
	require.NoError(t, os.MkdirAll(filepath.Join(ws.Root(), "sub"), 0755))

	result, err := NewExecuteCommand(ws).Execute(context.Background(), mkCall("execute_command", map[string]any{
		"command": "pwd",
		"cwd":     "sub",
	}))
	require.NoError(t, err)
	require.True(t, result.Success())
	assert.Contains(t, result.Content, string(filepath.Separator)+"sub")
}

func TestCapWriter_TruncatesAtLimit(t *testing.T) {
	w := &capWriter{limit: 10}
	n, err := w.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Contains(t, w.String(), "0123456789")
	assert.Contains(t, w.String(), "truncated at 2 MiB")
	assert.NotContains(t, w.String(), "abcdef")
}

func TestRunTest_UsesProvidedCommand(t *testing.T) {
	ws := newTestWorkspace(t)

	result, err := NewRunTest(ws).Execute(context.Background(), mkCall("run_test", map[string]any{
		"command": "echo 'all green'",
	}))
	require.NoError(t, err)
	require.True(t, result.Success())
	assert.Contains(t, result.Content, "all green")
}

func TestRunTest_BlocksDevServers(t *testing.T) {
	ws := newTestWorkspace(t)

	result, err := NewRunTest(ws).Execute(context.Background(), mkCall("run_test", map[string]any{
		"command": "npm start",
	}))
	require.NoError(t, err)
	require.False(t, result.Success())
	assert.True(t, errors.Is(result.Error, errs.ErrBlocked))
}

func TestInstallPackage_RejectsShellMetacharacters(t *testing.T) {
	ws := newTestWorkspace(t)

	result, err := NewInstallPackage(ws).Execute(context.Background(), mkCall("install_package", map[string]any{
		"packages": []any{"lodash; rm -rf /"},
	}))
	require.NoError(t, err)
	require.False(t, result.Success())
	assert.Contains(t, result.Error.Error(), "invalid package name")
}

func TestInstallPackage_SeedsManifestOnce(t *testing.T) {
	ws := newTestWorkspace(t)
	tool := NewInstallPackage(ws).(*installPackage)

	require.NoError(t, tool.ensureManifest())
	manifest := filepath.Join(ws.Root(), "package.json")
	data, err := os.ReadFile(manifest)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, true, parsed["private"])

	require.NoError(t, os.WriteFile(manifest, []byte(`{"name":"custom"}`), 0644))
	require.NoError(t, tool.ensureManifest())
	data, err = os.ReadFile(manifest)
	require.NoError(t, err)
	assert.Equal(t, `{"name":"custom"}`, string(data))
}

func TestInstallPackage_ReportsResolvedVersions(t *testing.T) {
	ws := newTestWorkspace(t)
	writeWorkspaceFile(t, ws, "package.json", `{
  "dependencies": {"react": "^18.3.1", "@types/node": "^20.0.0"},
  "devDependencies": {"vite": "^5.4.2"}
}`)
	tool := NewInstallPackage(ws).(*installPackage)

	versions := tool.resolvedVersions([]string{"react@18", "@types/node"}, false)
	assert.Contains(t, versions, "react ^18.3.1")
	assert.Contains(t, versions, "@types/node ^20.0.0")

	devVersions := tool.resolvedVersions([]string{"vite"}, true)
	assert.Contains(t, devVersions, "vite ^5.4.2")
}

func TestRunDiagnostics_ExplainsMissingNodeModules(t *testing.T) {
	ws := newTestWorkspace(t)
	writeWorkspaceFile(t, ws, "package.json", `{"name":"x"}`)

	result, err := NewRunDiagnostics(ws).Execute(context.Background(), mkCall("run_diagnostics", map[string]any{}))
	require.NoError(t, err)
	require.True(t, result.Success())
	assert.Contains(t, result.Content, "node_modules is missing")
	assert.Contains(t, result.Content, "install_package")
}
