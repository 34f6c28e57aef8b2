package agent

import (
	"fmt"
	"strings"

	"milo/internal/agent/ports"
)

const (
	historyKeepRecent  = 20
	summaryTokenBudget = 1500
	summarySnippetLen  = 200
	overflowKeepRecent = 4
)

const summaryHeader = "Earlier conversation history (summarized):"

// buildHistory converts persisted messages into wire messages for the next
// completion. Long conversations keep the most recent messages verbatim and
// compress everything older into a single system summary so context stays
// bounded without losing the thread.
func buildHistory(stored []*ports.StoredMessage) []ports.Message {
	var messages []ports.Message
	if len(stored) > historyKeepRecent {
		older := stored[:len(stored)-historyKeepRecent]
		stored = stored[len(stored)-historyKeepRecent:]
		if summary := summarizeHistory(older); summary != "" {
			messages = append(messages, ports.Message{Role: ports.RoleSystem, Content: summary})
		}
	}
	for _, msg := range stored {
		messages = append(messages, wireMessage(msg))
	}
	return messages
}

// wireMessage maps one stored message to its wire form. Persisted tool-call
// records lack call IDs, so they are replayed as a compact text trailer on
// the assistant message instead of structured tool_calls.
func wireMessage(msg *ports.StoredMessage) ports.Message {
	role := msg.Role
	if role == ports.RoleTool {
		// A bare tool message has no paired tool_calls entry to reference.
		role = ports.RoleSystem
	}
	content := msg.Content
	if len(msg.ToolCalls) > 0 {
		content = strings.TrimSpace(content + "\n\n" + recordTrailer(msg.ToolCalls))
	}
	return ports.Message{Role: role, Content: content}
}

func recordTrailer(records []ports.ToolCallRecord) string {
	names := make([]string, len(records))
	for i, rec := range records {
		status := "ok"
		if rec.Status == ports.ToolStatusError {
			status = "failed"
		}
		names[i] = fmt.Sprintf("%s (%s)", rec.Name, status)
	}
	return fmt.Sprintf("[executed %d tool calls: %s]", len(records), strings.Join(names, ", "))
}

// summarizeHistory renders older messages as one-line digests, newest first
// against the token budget and re-reversed for chronological reading.
func summarizeHistory(older []*ports.StoredMessage) string {
	if len(older) == 0 {
		return ""
	}
	var lines []string
	budget := summaryTokenBudget
	for i := len(older) - 1; i >= 0; i-- {
		line := summaryLine(older[i])
		cost := countTokens(line)
		if cost > budget {
			lines = append(lines, "- (earlier messages omitted)")
			break
		}
		budget -= cost
		lines = append(lines, line)
	}
	// Reverse back into chronological order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return summaryHeader + "\n" + strings.Join(lines, "\n")
}

func summaryLine(msg *ports.StoredMessage) string {
	snippet := strings.Join(strings.Fields(msg.Content), " ")
	if len(snippet) > summarySnippetLen {
		snippet = snippet[:summarySnippetLen] + "..."
	}
	line := fmt.Sprintf("- %s: %s", msg.Role, snippet)
	if len(msg.ToolCalls) > 0 {
		line += fmt.Sprintf(" (%d tool calls)", len(msg.ToolCalls))
	}
	return line
}

// trimForOverflow shrinks the in-flight message slice after a context
// overflow: leading system messages survive, a synthetic note marks the cut,
// and only the most recent messages are kept. Orphaned tool results at the
// cut line are dropped because they would reference tool_calls that no
// longer exist.
func trimForOverflow(messages []ports.Message) []ports.Message {
	var system []ports.Message
	rest := messages
	for len(rest) > 0 && rest[0].Role == ports.RoleSystem {
		system = append(system, rest[0])
		rest = rest[1:]
	}

	if len(rest) > overflowKeepRecent {
		rest = rest[len(rest)-overflowKeepRecent:]
	}
	for len(rest) > 0 && rest[0].Role == ports.RoleTool {
		rest = rest[1:]
	}

	trimmed := make([]ports.Message, 0, len(system)+1+len(rest))
	trimmed = append(trimmed, system...)
	trimmed = append(trimmed, ports.Message{
		Role:    ports.RoleSystem,
		Content: "Earlier messages in this conversation were trimmed because the context window overflowed. Continue from the messages below.",
	})
	trimmed = append(trimmed, rest...)
	return trimmed
}
