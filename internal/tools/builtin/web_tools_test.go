package builtin

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milo/internal/agent/ports"
	"milo/internal/tools"
)

type stubRuntime struct {
	port    int
	running bool
	lines   []string
}

func (s *stubRuntime) TailLogs(string, int) []string { return s.lines }

func (s *stubRuntime) RunningPort(string) (int, bool) { return s.port, s.running }

func serverPort(t *testing.T, ts *httptest.Server) int {
	t.Helper()
	parsed, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)
	return port
}

func TestWebSearch_ParsesResults(t *testing.T) {
	page := `<html><body>
	<div class="result">
	  <a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fdocs&rut=x">Example Docs</a>
	  <a class="result__snippet">Official documentation for Example.</a>
	</div>
	<div class="result">
	  <a class="result__a" href="https://other.dev/guide">Other Guide</a>
	  <a class="result__snippet">A second result.</a>
	</div>
	</body></html>`
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "go testing", r.URL.Query().Get("q"))
		fmt.Fprint(w, page)
	}))
	defer ts.Close()

	tool := newWebSearch(ts.Client(), ts.URL)
	result, err := tool.Execute(context.Background(), mkCall("web_search", map[string]any{"query": "go testing"}))
	require.NoError(t, err)
	require.True(t, result.Success())
	assert.Contains(t, result.Content, "1. Example Docs")
	assert.Contains(t, result.Content, "https://example.com/docs")
	assert.Contains(t, result.Content, "Official documentation for Example.")
	assert.Contains(t, result.Content, "2. Other Guide")
	assert.Equal(t, 2, result.Meta["results_count"])
}

func TestWebSearch_CapsResultCount(t *testing.T) {
	var page strings.Builder
	page.WriteString("<html><body>")
	for i := 1; i <= 12; i++ {
		fmt.Fprintf(&page, `<div class="result"><a class="result__a" href="https://r%d.dev">Result %d</a></div>`, i, i)
	}
	page.WriteString("</body></html>")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, page.String())
	}))
	defer ts.Close()

	tool := newWebSearch(ts.Client(), ts.URL)
	result, err := tool.Execute(context.Background(), mkCall("web_search", map[string]any{"query": "anything"}))
	require.NoError(t, err)
	require.True(t, result.Success())
	assert.Equal(t, maxSearchResults, result.Meta["results_count"])
	assert.Contains(t, result.Content, "8. Result 8")
	assert.NotContains(t, result.Content, "9. Result 9")
}

func TestWebSearch_NoResults(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html><body><p>nothing</p></body></html>")
	}))
	defer ts.Close()

	tool := newWebSearch(ts.Client(), ts.URL)
	result, err := tool.Execute(context.Background(), mkCall("web_search", map[string]any{"query": "zebra quine"}))
	require.NoError(t, err)
	require.True(t, result.Success())
	assert.Contains(t, result.Content, "No results found")
}

func TestTakeScreenshot_DescribesPage(t *testing.T) {
	page := `<html><head><title>Todo App</title></head><body>
	<nav><a href="/">Home</a><a href="/about">About</a></nav>
	<h1>My Todos</h1>
	<form><input name="title" /><button>Add</button></form>
	<img src="/logo.png" />
	</body></html>`
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, page)
	}))
	defer ts.Close()

	ws := newTestWorkspace(t)
	runtime := &stubRuntime{port: serverPort(t, ts), running: true}
	tool := NewTakeScreenshot(ws, runtime, ts.Client())

	result, err := tool.Execute(context.Background(), mkCall("take_screenshot", map[string]any{}))
	require.NoError(t, err)
	require.True(t, result.Success())
	assert.Contains(t, result.Content, "Title: Todo App")
	assert.Contains(t, result.Content, "h1: My Todos")
	assert.Contains(t, result.Content, "Navigation: Home, About")
	assert.Contains(t, result.Content, "Form 1 fields: title")
	assert.Contains(t, result.Content, "Buttons: Add")
	assert.Contains(t, result.Content, "Images: 1")
}

func TestTakeScreenshot_ProjectNotRunning(t *testing.T) {
	ws := newTestWorkspace(t)
	tool := NewTakeScreenshot(ws, &stubRuntime{}, nil)

	result, err := tool.Execute(context.Background(), mkCall("take_screenshot", map[string]any{}))
	require.NoError(t, err)
	require.False(t, result.Success())
	assert.Contains(t, result.Error.Error(), "not running")
}

func TestReadLogs_TailsRuntime(t *testing.T) {
	ws := newTestWorkspace(t)
	runtime := &stubRuntime{port: 3100, running: true, lines: []string{"server booting", "listening on 3100"}}
	tool := NewReadLogs(ws, runtime)

	result, err := tool.Execute(context.Background(), mkCall("read_logs", map[string]any{"lines": 10}))
	require.NoError(t, err)
	require.True(t, result.Success())
	assert.Contains(t, result.Content, "serving on port 3100")
	assert.Contains(t, result.Content, "server booting")
	assert.Contains(t, result.Content, "listening on 3100")
}

func TestReadLogs_NothingRunning(t *testing.T) {
	ws := newTestWorkspace(t)
	tool := NewReadLogs(ws, nil)

	result, err := tool.Execute(context.Background(), mkCall("read_logs", map[string]any{}))
	require.NoError(t, err)
	require.True(t, result.Success())
	assert.Contains(t, result.Content, "Nothing is running")
}

type fakeRemoteClient struct {
	repls []ports.RemoteRepl
	files map[string]string
}

func newFakeRemoteClient() *fakeRemoteClient {
	return &fakeRemoteClient{
		repls: []ports.RemoteRepl{{ID: "r1", Title: "todo-api", Language: "nodejs"}},
		files: map[string]string{"r1/index.js": "console.log('hi')\n"},
	}
}

func (f *fakeRemoteClient) VerifyToken(context.Context) error { return nil }

func (f *fakeRemoteClient) ListRepls(_ context.Context, search string) ([]ports.RemoteRepl, error) {
	if search == "" {
		return f.repls, nil
	}
	var out []ports.RemoteRepl
	for _, r := range f.repls {
		if strings.Contains(r.Title, search) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRemoteClient) GetReplByID(_ context.Context, id string) (*ports.RemoteRepl, error) {
	for _, r := range f.repls {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("no repl %s", id)
}

func (f *fakeRemoteClient) ReadReplFile(_ context.Context, replID, path string) (string, error) {
	content, found := f.files[replID+"/"+path]
	if !found {
		return "", fmt.Errorf("no file %s", path)
	}
	return content, nil
}

func (f *fakeRemoteClient) WriteReplFile(_ context.Context, replID, path, content string) error {
	f.files[replID+"/"+path] = content
	return nil
}

func (f *fakeRemoteClient) ListReplFiles(_ context.Context, replID, dir string) ([]string, error) {
	var out []string
	for key := range f.files {
		if strings.HasPrefix(key, replID+"/") {
			out = append(out, strings.TrimPrefix(key, replID+"/"))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeRemoteClient) DeleteReplFile(_ context.Context, replID, path string) error {
	key := replID + "/" + path
	if _, found := f.files[key]; !found {
		return fmt.Errorf("no file %s", path)
	}
	delete(f.files, key)
	return nil
}

func TestRemoteTools_RoundTrip(t *testing.T) {
	client := newFakeRemoteClient()
	ctx := context.Background()

	listed, err := NewListRemoteRepls(client).Execute(ctx, mkCall("list_remote_repls", map[string]any{}))
	require.NoError(t, err)
	require.True(t, listed.Success())
	assert.Contains(t, listed.Content, "r1: todo-api (nodejs)")

	written, err := NewWriteRemoteFile(client).Execute(ctx, mkCall("write_remote_file", map[string]any{
		"repl_id": "r1",
		"path":    "notes.md",
		"content": "remember the milk",
	}))
	require.NoError(t, err)
	require.True(t, written.Success())

	read, err := NewReadRemoteFile(client).Execute(ctx, mkCall("read_remote_file", map[string]any{
		"repl_id": "r1",
		"path":    "notes.md",
	}))
	require.NoError(t, err)
	require.True(t, read.Success())
	assert.Equal(t, "remember the milk", read.Content)

	files, err := NewListRemoteFiles(client).Execute(ctx, mkCall("list_remote_files", map[string]any{"repl_id": "r1"}))
	require.NoError(t, err)
	require.True(t, files.Success())
	assert.Contains(t, files.Content, "notes.md")

	deleted, err := NewDeleteRemoteFile(client).Execute(ctx, mkCall("delete_remote_file", map[string]any{
		"repl_id": "r1",
		"path":    "notes.md",
	}))
	require.NoError(t, err)
	require.True(t, deleted.Success())

	missing, err := NewReadRemoteFile(client).Execute(ctx, mkCall("read_remote_file", map[string]any{
		"repl_id": "r1",
		"path":    "notes.md",
	}))
	require.NoError(t, err)
	require.False(t, missing.Success())
}

func TestScaffoldProject_StaticTemplate(t *testing.T) {
	ws := newTestWorkspace(t)
	tool := NewScaffoldProject(ws)

	result, err := tool.Execute(context.Background(), mkCall("scaffold_project", map[string]any{
		"template": "static",
		"name":     "landing",
	}))
	require.NoError(t, err)
	require.True(t, result.Success())
	assert.Contains(t, result.Content, "Scaffolded static project")
	assert.Contains(t, result.Content, "No dependencies to install.")

	data, err := os.ReadFile(filepath.Join(ws.Root(), "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "<title>landing</title>")
	_, statErr := os.Stat(filepath.Join(ws.Root(), "styles.css"))
	assert.NoError(t, statErr)
}

func TestScaffoldProject_RefusesExistingProject(t *testing.T) {
	ws := newTestWorkspace(t)
	writeWorkspaceFile(t, ws, "package.json", `{"name":"existing"}`)
	tool := NewScaffoldProject(ws)

	result, err := tool.Execute(context.Background(), mkCall("scaffold_project", map[string]any{"template": "react"}))
	require.NoError(t, err)
	require.False(t, result.Success())
	assert.Contains(t, result.Error.Error(), "already contains a package.json")
}

func TestScaffoldProject_UnknownTemplateAndFeature(t *testing.T) {
	ws := newTestWorkspace(t)
	tool := NewScaffoldProject(ws)

	result, err := tool.Execute(context.Background(), mkCall("scaffold_project", map[string]any{"template": "rails"}))
	require.NoError(t, err)
	require.False(t, result.Success())
	assert.Contains(t, result.Error.Error(), "unknown template")

	result, err = tool.Execute(context.Background(), mkCall("scaffold_project", map[string]any{
		"template": "react",
		"features": []any{"blockchain"},
	}))
	require.NoError(t, err)
	require.False(t, result.Success())
	assert.Contains(t, result.Error.Error(), "unknown feature")
}

func TestRenderTemplate_ReactWithAllFeatures(t *testing.T) {
	files, needsInstall, err := renderTemplate("react", "demo", scaffoldFeatures{TypeScript: true, Tailwind: true, Docker: true})
	require.NoError(t, err)
	assert.True(t, needsInstall)

	paths := make(map[string]string, len(files))
	for _, f := range files {
		paths[f.path] = f.content
	}
	assert.Contains(t, paths, "src/main.tsx")
	assert.Contains(t, paths, "tsconfig.json")
	assert.Contains(t, paths, "tailwind.config.js")
	assert.Contains(t, paths, "Dockerfile")
	assert.Contains(t, paths["package.json"], "tailwindcss")
	assert.Contains(t, paths["package.json"], "typescript")
	assert.Contains(t, paths["src/index.css"], "@tailwind base")
}

func TestAnalyzeImports_GraphAndDependents(t *testing.T) {
	ws := newTestWorkspace(t)
	writeWorkspaceFile(t, ws, "src/app.js", "import { helper } from './util.js'\nimport React from 'react'\n")
	writeWorkspaceFile(t, ws, "src/util.js", "export const helper = () => 1\n")
	writeWorkspaceFile(t, ws, "node_modules/react/index.js", "module.exports = require('./lib')\n")
	tool := NewAnalyzeImports(ws)

	whole, err := tool.Execute(context.Background(), mkCall("analyze_imports", map[string]any{}))
	require.NoError(t, err)
	require.True(t, whole.Success())
	assert.Contains(t, whole.Content, "src/app.js: react, src/util.js")
	assert.Contains(t, whole.Content, "src/util.js: no imports")
	assert.NotContains(t, whole.Content, "node_modules")

	single, err := tool.Execute(context.Background(), mkCall("analyze_imports", map[string]any{"file": "src/util.js"}))
	require.NoError(t, err)
	require.True(t, single.Success())
	assert.Contains(t, single.Content, "1 file(s) depend on it")
	assert.Contains(t, single.Content, "src/app.js")
}

func TestParseAuditReport_NoVulnerabilities(t *testing.T) {
	report, err := parseAuditReport(`{"metadata":{"vulnerabilities":{"total":0,"high":0}}}`)
	require.NoError(t, err)
	assert.Equal(t, "No known vulnerabilities.", report)
}

func TestParseAuditReport_SummarizesFindings(t *testing.T) {
	raw := `{
	  "vulnerabilities": {
	    "lodash": {"severity": "high", "range": "<4.17.21"}
	  },
	  "metadata": {"vulnerabilities": {"high": 1, "total": 1}}
	}`
	report, err := parseAuditReport(raw)
	require.NoError(t, err)
	assert.Contains(t, report, "1 vulnerable dependency path(s)")
	assert.Contains(t, report, "high: 1")
	assert.Contains(t, report, "lodash (high) affected range <4.17.21")
}

func TestParseAuditReport_NotJSON(t *testing.T) {
	_, err := parseAuditReport("npm ERR! network unreachable")
	assert.Error(t, err)
}

func TestRegister_WiresFullCatalogue(t *testing.T) {
	ws := newTestWorkspace(t)
	reg := tools.NewRegistry()
	require.NoError(t, Register(reg, Deps{Workspace: ws}))

	names := reg.Names()
	for _, expected := range []string{
		"read_file", "write_file", "edit_file", "list_files", "search_files",
		"create_directory", "delete_file", "read_multiple_files",
		"execute_command", "run_test", "install_package", "run_diagnostics",
		"read_logs", "web_search", "task_list", "checkpoint",
		"manage_database", "manage_env", "git", "scaffold_project",
		"audit_dependencies", "analyze_imports", "take_screenshot",
	} {
		assert.Contains(t, names, expected)
	}
	assert.NotContains(t, names, "read_remote_file")
}

func TestRegister_AddsRemoteToolsWhenConfigured(t *testing.T) {
	ws := newTestWorkspace(t)
	reg := tools.NewRegistry()
	require.NoError(t, Register(reg, Deps{Workspace: ws, Remote: newFakeRemoteClient()}))

	names := reg.Names()
	assert.Contains(t, names, "list_remote_repls")
	assert.Contains(t, names, "read_remote_file")
	assert.Contains(t, names, "write_remote_file")
	assert.Contains(t, names, "list_remote_files")
	assert.Contains(t, names, "delete_remote_file")
}

func TestRegister_RequiresWorkspace(t *testing.T) {
	reg := tools.NewRegistry()
	err := Register(reg, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workspace is required")
}
