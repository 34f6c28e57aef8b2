package tools

import (
	"fmt"
	"regexp"

	errs "milo/internal/errors"
)

// The supervisor owns project process lifecycle. Shell commands that would
// start a long-running dev server or kill processes are refused with an
// explanation instead of hanging the tool or orphaning children. This is an
// affordance for the model, not a security boundary.
var blockedCommands = []struct {
	pattern *regexp.Regexp
	reason  string
}{
	{
		regexp.MustCompile(`(?i)\bnpm\s+(run\s+)?(dev|start|serve|preview)\b`),
		"starts a dev server",
	},
	{
		regexp.MustCompile(`(?i)\b(yarn|pnpm)\s+(run\s+)?(dev|start)\b`),
		"starts a dev server",
	},
	{
		regexp.MustCompile(`(?i)\bnpx\s+(vite|next|nuxt|remix)\b`),
		"starts a dev server",
	},
	{
		regexp.MustCompile(`(?i)\bnode\s+(\./)?(server|index|main|app)\.(js|mjs|cjs)\b`),
		"starts a server process",
	},
	{
		regexp.MustCompile(`(?i)\bnode\s+(\./)?server/`),
		"starts a server process",
	},
	{
		regexp.MustCompile(`(?i)(^|[;&|]\s*)(sudo\s+)?(kill|pkill|killall|fuser)\b`),
		"kills processes",
	},
	{
		regexp.MustCompile(`(?i)\blsof\s+-i\s*:`),
		"inspects supervisor-owned ports",
	},
}

// CheckCommand returns an error for commands on the block-list. The message
// is written for the model so it redirects to the project controls.
func CheckCommand(command string) error {
	for _, entry := range blockedCommands {
		if entry.pattern.MatchString(command) {
			return fmt.Errorf(
				"BLOCKED: this command %s. The project process is managed automatically; ask the user to use the start/stop project controls instead of running it from the shell: %w",
				entry.reason, errs.ErrBlocked)
		}
	}
	return nil
}
