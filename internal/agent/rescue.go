package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"milo/internal/agent/ports"
)

// fencedJSONPattern captures the body of a ```json code fence.
var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// rescueToolCall scans prose for a JSON object naming a catalogued tool.
// Smaller models sometimes describe a call as text instead of emitting the
// structured form; recovering the object keeps the turn moving. Structured
// tool calls always win: callers invoke this only when the response carried
// none. Returns nil when nothing usable is found.
func rescueToolCall(content string, known func(name string) bool) *ports.ToolCall {
	for _, candidate := range jsonCandidates(content) {
		if call := decodeRescued(candidate, known); call != nil {
			return call
		}
	}
	return nil
}

// jsonCandidates returns fenced JSON bodies first, then bare top-level
// objects found by brace scanning. Fenced blocks are the model's clearest
// signal of intent, so they take precedence.
func jsonCandidates(content string) []string {
	var out []string
	for _, m := range fencedJSONPattern.FindAllStringSubmatch(content, -1) {
		out = append(out, m[1])
	}
	return append(out, braceSpans(content)...)
}

// braceSpans extracts balanced top-level {...} spans, skipping braces inside
// JSON string literals.
func braceSpans(content string) []string {
	var spans []string
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, r := range content {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				spans = append(spans, content[start:i+1])
				start = -1
			}
		}
	}
	return spans
}

// decodeRescued decodes one candidate object, repairing malformed JSON, and
// accepts it only when it names a known tool.
func decodeRescued(candidate string, known func(string) bool) *ports.ToolCall {
	parsed := parseLooseObject(candidate)
	if parsed == nil {
		return nil
	}

	// Unwrap the OpenAI wire shape {"function": {"name": ..., "arguments": ...}}.
	if fn, ok := parsed["function"].(map[string]any); ok {
		parsed = fn
	}

	name := firstString(parsed, "name", "tool", "tool_name")
	if name == "" || !known(name) {
		return nil
	}

	args := firstObject(parsed, "arguments", "args", "parameters", "input")
	if args == nil {
		// Arguments sometimes arrive as a JSON-encoded string.
		if s := firstString(parsed, "arguments", "args"); s != "" {
			args = parseLooseObject(s)
		}
	}
	if args == nil {
		// Flat form: the object itself is the arguments with the name inline.
		args = map[string]any{}
		for k, v := range parsed {
			switch k {
			case "name", "tool", "tool_name", "arguments", "args", "parameters", "input":
			default:
				args[k] = v
			}
		}
	}
	return &ports.ToolCall{Name: name, Arguments: args}
}

// parseLooseObject decodes candidate as a JSON object, running it through
// jsonrepair when plain decoding fails.
func parseLooseObject(candidate string) map[string]any {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return nil
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
		return parsed
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
		return nil
	}
	return parsed
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstObject(m map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if obj, ok := m[k].(map[string]any); ok {
			return obj
		}
	}
	return nil
}
