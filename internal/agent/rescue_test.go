package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func knownTools(names ...string) func(string) bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(name string) bool { return set[name] }
}

func TestRescueToolCall_FencedOpenAIShape(t *testing.T) {
	content := "I need to look at the file first.\n\n" +
		"```json\n" +
		`{"function": {"name": "read_file", "arguments": "{\"path\": \"src/app.js\"}"}}` +
		"\n```"

	call := rescueToolCall(content, knownTools("read_file"))

	require.NotNil(t, call)
	assert.Equal(t, "read_file", call.Name)
	assert.Equal(t, "src/app.js", call.Arguments["path"])
}

func TestRescueToolCall_BareObjectWithArgumentsMap(t *testing.T) {
	content := `Let me run it: {"tool": "execute_command", "arguments": {"command": "npm test"}}`

	call := rescueToolCall(content, knownTools("execute_command"))

	require.NotNil(t, call)
	assert.Equal(t, "execute_command", call.Name)
	assert.Equal(t, "npm test", call.Arguments["command"])
}

func TestRescueToolCall_FlatForm(t *testing.T) {
	content := `{"name": "write_file", "path": "notes.txt", "content": "hello"}`

	call := rescueToolCall(content, knownTools("write_file"))

	require.NotNil(t, call)
	assert.Equal(t, "write_file", call.Name)
	assert.Equal(t, "notes.txt", call.Arguments["path"])
	assert.Equal(t, "hello", call.Arguments["content"])
	assert.NotContains(t, call.Arguments, "name", "the tool name is not an argument")
}

func TestRescueToolCall_RepairsTrailingComma(t *testing.T) {
	content := `{"name": "edit_file", "arguments": {"path": "a.js", "old_string": "x", "new_string": "y",}}`

	call := rescueToolCall(content, knownTools("edit_file"))

	require.NotNil(t, call)
	assert.Equal(t, "edit_file", call.Name)
	assert.Equal(t, "y", call.Arguments["new_string"])
}

func TestRescueToolCall_UnknownToolRejected(t *testing.T) {
	content := `{"name": "launch_missiles", "arguments": {"target": "moon"}}`

	assert.Nil(t, rescueToolCall(content, knownTools("read_file")))
}

func TestRescueToolCall_NoJSON(t *testing.T) {
	assert.Nil(t, rescueToolCall("I'll update the component now.", knownTools("read_file")))
	assert.Nil(t, rescueToolCall("", knownTools("read_file")))
}

func TestRescueToolCall_FencedWinsOverBareSpan(t *testing.T) {
	content := `First I considered {"name": "read_file", "path": "first.js"} but instead:` +
		"\n```json\n" +
		`{"name": "list_files", "arguments": {"path": "."}}` +
		"\n```"

	call := rescueToolCall(content, knownTools("read_file", "list_files"))

	require.NotNil(t, call)
	assert.Equal(t, "list_files", call.Name)
}

func TestRescueToolCall_SkipsUndecodableCandidates(t *testing.T) {
	content := `{"note": "not a call"} then {"name": "read_file", "arguments": {"path": "real.js"}}`

	call := rescueToolCall(content, knownTools("read_file"))

	require.NotNil(t, call)
	assert.Equal(t, "read_file", call.Name)
	assert.Equal(t, "real.js", call.Arguments["path"])
}

func TestBraceSpans_IgnoresBracesInsideStrings(t *testing.T) {
	content := `{"name": "read_file", "arguments": {"path": "templates/{id}.html"}}`

	spans := braceSpans(content)

	require.Len(t, spans, 1)
	assert.Equal(t, content, spans[0])

	call := rescueToolCall(content, knownTools("read_file"))
	require.NotNil(t, call)
	assert.Equal(t, "templates/{id}.html", call.Arguments["path"])
}

func TestBraceSpans_MultipleTopLevelObjects(t *testing.T) {
	spans := braceSpans(`prefix {"a": 1} middle {"b": {"c": 2}} suffix`)

	require.Len(t, spans, 2)
	assert.Equal(t, `{"a": 1}`, spans[0])
	assert.Equal(t, `{"b": {"c": 2}}`, spans[1])
}

func TestBraceSpans_UnbalancedClosingBrace(t *testing.T) {
	assert.Empty(t, braceSpans(`} no object here`))
	assert.Empty(t, braceSpans(`{"never": "closed"`))
}
