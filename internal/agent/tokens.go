package agent

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"milo/internal/agent/ports"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// tokenEncoding lazily initializes the cl100k_base encoding. Initialization
// needs the BPE data and can fail offline; callers fall back to a heuristic.
func tokenEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = enc
		}
	})
	return encoding
}

// countTokens returns the token count for text. Without the encoding it
// estimates max(runes/4, words), which over-counts slightly; trimming too
// early is cheaper than overflowing the model's window.
func countTokens(text string) int {
	if enc := tokenEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// historyTokens sums countTokens over messages plus a small per-message
// envelope the wire format adds.
func historyTokens(messages []ports.Message) int {
	total := 0
	for _, msg := range messages {
		total += countTokens(msg.Content) + 4
		for _, call := range msg.ToolCalls {
			total += countTokens(call.Name) + 8
		}
	}
	return total
}
