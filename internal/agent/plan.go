package agent

import (
	"regexp"
	"strings"
)

// approvalPrefix is the structured preamble the UI sends when the user
// approves a plan the agent presented.
const approvalPrefix = "Approved. Please implement the following plan:"

// approvalPattern classifies loose approval prose. It backs the dual loop's
// approval check where the UI does not send the structured preamble.
var approvalPattern = regexp.MustCompile(
	`(?i)^\s*(approved\b|approve\b|yes\b.*\bimplement|go ahead|lgtm\b|looks good|sounds good|ship it|do it|proceed\b)`)

// planLinePattern matches one numbered or bulleted step line.
var planLinePattern = regexp.MustCompile(`^\s*(?:\d+[.):]|[-*•])\s+(.+?)\s*$`)

// approvedPlan returns the plan body when message is the structured approval,
// empty otherwise.
func approvedPlan(message string) string {
	if !strings.HasPrefix(message, approvalPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(message, approvalPrefix))
}

// isApprovalMessage reports whether message approves a previously presented
// plan, structured or free-form.
func isApprovalMessage(message string) bool {
	return strings.HasPrefix(message, approvalPrefix) || approvalPattern.MatchString(message)
}

// planSteps extracts the numbered or bulleted step titles from plan text,
// in order.
func planSteps(plan string) []string {
	var steps []string
	for _, line := range strings.Split(plan, "\n") {
		m := planLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		title := strings.Trim(strings.TrimSpace(m[1]), "*_`")
		if title != "" {
			steps = append(steps, title)
		}
	}
	return steps
}

// looksLikePlan reports whether content holds a run of at least two
// numbered or bulleted lines. Blank lines do not break a run; prose does.
func looksLikePlan(content string) bool {
	run := 0
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if planLinePattern.MatchString(line) {
			run++
			if run >= 2 {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}
