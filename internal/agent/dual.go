package agent

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"milo/internal/agent/ports"
	errs "milo/internal/errors"
	"milo/internal/tasks"
)

// Dual-loop budgets.
const (
	coderTaskIterations  = 30
	coderTotalIterations = 100
	relevantFileMaxLines = 300
	taskSummaryWindow    = 5
	maxBlockedResults    = 2
	signatureWarnRepeat  = 2
	signatureBreakRepeat = 3
	minTaskDescription   = 20
	recentResultWindow   = 6
)

const (
	approvalAugmentation = "\n\n(The plan is approved. You must now emit <coder_task> blocks covering the full implementation, in execution order.)"

	vagueTasksReprompt = "Those task descriptions are too vague to implement. Re-emit the <coder_task> blocks with specific descriptions: name the files, the functions and the behavior each task delivers."

	zeroTasksReprompt = "You did not emit any <coder_task> blocks. Break the work into <coder_task> blocks now, one per task, in execution order."

	repeatWarning = "You just repeated the exact same tool calls. They already ran; use their results instead of reissuing them."

	blockedLoopNotice = "Stopped the remaining tasks: the coder kept trying to manage the project process from the shell. The dev server runs under the managed supervisor; use the start/stop controls, then send another message to continue."
)

// coderTask is one planner-delegated unit of work.
type coderTask struct {
	id              string
	description     string
	relevantFiles   []string
	relevantContext string
}

// taskOutcome summarizes one executed task for the planner review.
type taskOutcome struct {
	description   string
	toolCalls     int
	filesModified []string
	errors        []string
	summary       string
}

// runDual drives the planner/coder cycle: the planner decomposes the request
// into coder tasks, the coder executes them one at a time, and the planner
// reviews the outcome. Planner trouble falls back to the single loop.
func (t *turn) runDual(ctx context.Context) int {
	approved := isApprovalMessage(t.userText)
	if approved {
		t.planMode = false
		t.mode = ports.ModeBuild
	}

	stored, err := t.engine.store.Messages(ctx, t.conv.ID)
	if err != nil {
		t.emit.Send(ports.ErrorChunk("Failed to load conversation history: " + err.Error()))
		t.emit.Send(ports.DoneChunk())
		return 0
	}

	digest := ""
	if t.conv.ProjectPath != "" {
		digest = t.engine.digests.ProjectDigest(t.conv.ProjectPath)
	}
	messages := append(
		[]ports.Message{{Role: ports.RoleSystem, Content: plannerSystemPrompt(t.planMode, digest)}},
		buildHistory(stored)...,
	)
	if approved {
		augmentLastUser(messages, approvalAugmentation)
	}

	plannerCalls := 1
	resp, err := t.callPlanner(ctx, messages)
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		t.logger.Warn("Planner unavailable, falling back to single loop: %v", err)
		single, perr := t.prepareMessages(ctx)
		if perr != nil {
			t.emit.Send(ports.ErrorChunk(perr.Error()))
			t.emit.Send(ports.DoneChunk())
			return 0
		}
		return t.loop(ctx, single)
	}

	planText := strings.TrimSpace(resp.Content)
	coderTasks := parseCoderTasks(planText)

	if len(coderTasks) > 0 && allDescriptionsShort(coderTasks) {
		messages = append(messages,
			ports.Message{Role: ports.RoleAssistant, Content: resp.Content},
			ports.Message{Role: ports.RoleUser, Content: vagueTasksReprompt},
		)
		plannerCalls++
		if retry, rerr := t.callPlanner(ctx, messages); rerr == nil && strings.TrimSpace(retry.Content) != "" {
			planText = strings.TrimSpace(retry.Content)
			coderTasks = parseCoderTasks(planText)
		}
	}

	if !t.planMode && len(coderTasks) == 0 {
		messages = append(messages,
			ports.Message{Role: ports.RoleAssistant, Content: planText},
			ports.Message{Role: ports.RoleUser, Content: zeroTasksReprompt},
		)
		plannerCalls++
		if retry, rerr := t.callPlanner(ctx, messages); rerr == nil && strings.TrimSpace(retry.Content) != "" {
			planText = strings.TrimSpace(retry.Content)
			coderTasks = parseCoderTasks(planText)
		}
	}

	// Plan mode, a tool-less conversation, or a planner that answered in
	// prose: deliver the planner's text as the turn's response.
	if t.planMode || len(coderTasks) == 0 || t.dispatcher == nil {
		t.finish(ctx, planText)
		return plannerCalls
	}

	if t.taskStore != nil {
		titles := make([]string, len(coderTasks))
		for i, task := range coderTasks {
			titles[i] = task.description
		}
		if list, lerr := t.taskStore.Replace(titles); lerr == nil {
			t.emit.Send(ports.TasksChunk(tasks.Items(list)))
		} else {
			t.logger.Warn("Failed to materialize coder task list: %v", lerr)
		}
	}
	if t.checkpoints != nil {
		if _, cerr := t.checkpoints.Create("pre-build"); cerr != nil {
			t.logger.Warn("Pre-build checkpoint failed: %v", cerr)
		}
	}

	var (
		outcomes   []taskOutcome
		totalIters int
		blocked    int
	)
	for i, task := range coderTasks {
		if ctx.Err() != nil || totalIters >= coderTotalIterations {
			break
		}
		outcome, stopAll := t.runCoderTask(ctx, i+1, len(coderTasks), task, outcomes, &totalIters, &blocked)
		outcomes = append(outcomes, outcome)

		if t.taskStore != nil {
			if list, uerr := t.taskStore.Update(strconv.Itoa(i+1), tasks.StatusCompleted); uerr == nil {
				t.emit.Send(ports.TasksChunk(tasks.Items(list)))
			}
		}
		if stopAll {
			t.emit.Send(ports.ContentChunk(blockedLoopNotice))
			break
		}
	}

	finalContent := fmt.Sprintf("Completed %d of %d planned tasks.", len(outcomes), len(coderTasks))
	if review := t.plannerReview(ctx, outcomes); review != "" {
		finalContent = "**[Planner Review]** " + review
	}
	t.emit.Send(ports.ContentChunk(finalContent))

	t.skipReview = true
	t.finish(ctx, finalContent)
	return plannerCalls + totalIters
}

// callPlanner opens a tool-less planner stream; its text streams to the
// client as plan deltas.
func (t *turn) callPlanner(ctx context.Context, messages []ports.Message) (*ports.CompletionResponse, error) {
	return t.planner.StreamComplete(ctx, ports.CompletionRequest{
		Messages:    messages,
		Temperature: t.settings.Temperature,
		MaxTokens:   t.settings.MaxTokens,
	}, ports.CompletionStreamCallbacks{OnContent: func(delta string) {
		if delta != "" {
			t.emit.Send(ports.PlanDeltaChunk(delta))
		}
	}})
}

// runCoderTask executes one delegated task with the full catalogue. The
// second return value stops the remaining tasks (repeated blocked commands).
func (t *turn) runCoderTask(ctx context.Context, num, total int, task coderTask, history []taskOutcome, totalIters, blocked *int) (taskOutcome, bool) {
	outcome := taskOutcome{description: task.description}
	before := pathSet(t.tracker.ChangedPaths())

	ctx, span := startTurnSpan(ctx, traceSpanCoderTask, t,
		attribute.Int(traceAttrTaskNumber, num))
	defer func() {
		status := "success"
		if len(outcome.errors) > 0 {
			status = "error"
		}
		span.SetAttributes(attribute.String(traceAttrStatus, status))
		span.End()
	}()

	messages := t.coderMessages(task, history)

	var (
		emptyStreak int
		nudges      int
		lastSig     string
		sigRepeats  int
		recent      []bool
		warned      bool
		stopAll     bool
	)

	for taskIter := 1; taskIter <= coderTaskIterations && *totalIters < coderTotalIterations; taskIter++ {
		if ctx.Err() != nil {
			break
		}
		*totalIters++
		if !t.emit.Send(ports.IterationChunk(*totalIters, coderTotalIterations, fmt.Sprintf("task %d of %d", num, total))) {
			break
		}

		resp, err := t.callModel(ctx, messages, false)
		if err != nil {
			outcome.errors = append(outcome.errors, errs.FormatForLLM(err))
			break
		}

		content := strings.TrimSpace(resp.Content)
		calls := resp.ToolCalls

		if len(calls) == 0 && content == "" {
			emptyStreak++
			if emptyStreak >= maxEmptyResponses {
				outcome.errors = append(outcome.errors, "model returned repeated empty responses")
				break
			}
			messages = append(messages, ports.Message{Role: ports.RoleSystem, Content: emptyResponseNudge})
			continue
		}
		emptyStreak = 0

		if len(calls) == 0 && t.registry != nil {
			if rescued := rescueToolCall(resp.Content, t.registry.Has); rescued != nil {
				rescued.ID = fmt.Sprintf("rescued_%d", time.Now().UnixNano())
				calls = append(calls, *rescued)
			}
		}
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = fmt.Sprintf("call_t%d_%d_%d", num, taskIter, i)
			}
		}

		if len(calls) == 0 {
			if announcesWork(content) && nudges < maxNudges {
				nudges++
				messages = append(messages,
					ports.Message{Role: ports.RoleAssistant, Content: resp.Content},
					ports.Message{Role: ports.RoleSystem, Content: toolNudgeMessage},
				)
				continue
			}
			outcome.summary = resp.Content
			break
		}

		sig := batchSignature(calls)
		if sig == lastSig {
			sigRepeats++
		} else {
			lastSig, sigRepeats = sig, 1
		}

		messages = append(messages, ports.Message{Role: ports.RoleAssistant, Content: resp.Content, ToolCalls: calls})

		aborted := false
		for _, call := range calls {
			if ctx.Err() != nil {
				aborted = true
				break
			}
			result := t.dispatch(ctx, call)
			outcome.toolCalls++

			failed := !result.Success()
			isBlocked := strings.Contains(result.Text(), "BLOCKED")
			if isBlocked {
				*blocked++
			}
			if failed {
				outcome.errors = append(outcome.errors, firstLine(result.Text()))
			}
			recent = append(recent, failed || isBlocked)
			if len(recent) > recentResultWindow {
				recent = recent[1:]
			}
			messages = append(messages, toolMessage(call, result))
		}
		if aborted {
			break
		}

		if *blocked >= maxBlockedResults {
			outcome.errors = append(outcome.errors, "repeated blocked commands")
			stopAll = true
			break
		}
		if sigRepeats >= signatureBreakRepeat {
			outcome.errors = append(outcome.errors, "stopped after repeating the same tool calls three times")
			break
		}
		if sigRepeats == signatureWarnRepeat {
			messages = append(messages, ports.Message{Role: ports.RoleSystem, Content: repeatWarning})
		}
		if countTrue(recent) >= 3 && !warned {
			warned = true
			messages = append(messages, ports.Message{Role: ports.RoleSystem, Content: differentApproachNudge})
		}

		if resp.FinishReason == ports.FinishLength {
			outcome.summary = resp.Content
			break
		}
	}

	outcome.filesModified = newPaths(before, t.tracker.ChangedPaths())
	return outcome, stopAll
}

// coderMessages assembles the per-task prompt: coder role, relevant file
// contents, recent task summaries and the task itself.
func (t *turn) coderMessages(task coderTask, history []taskOutcome) []ports.Message {
	digest := ""
	if t.conv.ProjectPath != "" {
		digest = t.engine.digests.ProjectDigest(t.conv.ProjectPath)
	}
	messages := []ports.Message{{Role: ports.RoleSystem, Content: coderSystemPrompt(digest)}}

	if files := t.gatherFiles(task.relevantFiles); files != "" {
		messages = append(messages, ports.Message{Role: ports.RoleSystem, Content: files})
	}
	if summaries := recentOutcomes(history); summaries != "" {
		messages = append(messages, ports.Message{Role: ports.RoleSystem, Content: summaries})
	}

	user := "TASK: " + task.description
	if task.relevantContext != "" {
		user += "\n\nCONTEXT: " + task.relevantContext
	}
	return append(messages, ports.Message{Role: ports.RoleUser, Content: user})
}

// gatherFiles inlines the task's relevant files, each capped at 300 lines.
func (t *turn) gatherFiles(paths []string) string {
	if t.workspace == nil || len(paths) == 0 {
		return ""
	}
	var b strings.Builder
	for _, path := range paths {
		abs, err := t.workspace.Resolve(path)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			continue
		}
		lines := strings.Split(string(data), "\n")
		truncated := false
		if len(lines) > relevantFileMaxLines {
			lines = lines[:relevantFileMaxLines]
			truncated = true
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n", path, strings.Join(lines, "\n"))
		if truncated {
			b.WriteString("[truncated]\n")
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "Relevant file contents:\n\n" + b.String()
}

func recentOutcomes(history []taskOutcome) string {
	if len(history) == 0 {
		return ""
	}
	start := 0
	if len(history) > taskSummaryWindow {
		start = len(history) - taskSummaryWindow
	}
	var b strings.Builder
	b.WriteString("Previously completed tasks:\n")
	for i, o := range history[start:] {
		summary := strings.Join(strings.Fields(o.summary), " ")
		if len(summary) > 200 {
			summary = summary[:200] + "..."
		}
		if summary == "" {
			summary = "done"
		}
		fmt.Fprintf(&b, "%d. %s - %s\n", start+i+1, o.description, summary)
	}
	return b.String()
}

// plannerReview asks the planner to assess the executed tasks; 3-6 sentences.
func (t *turn) plannerReview(ctx context.Context, outcomes []taskOutcome) string {
	if len(outcomes) == 0 {
		return ""
	}

	var b strings.Builder
	totalCalls, totalErrors := 0, 0
	for i, o := range outcomes {
		files := "none"
		if len(o.filesModified) > 0 {
			files = strings.Join(o.filesModified, ", ")
		}
		fmt.Fprintf(&b, "%d. %s - %d tool calls, files modified: %s", i+1, o.description, o.toolCalls, files)
		if len(o.errors) > 0 {
			fmt.Fprintf(&b, ", errors: %s", strings.Join(o.errors, "; "))
		}
		b.WriteString("\n")
		totalCalls += o.toolCalls
		totalErrors += len(o.errors)
	}

	prompt := fmt.Sprintf(
		"The coder just executed your plan. Task outcomes:\n%s\nTotals: %d tasks, %d tool calls, %d errors.\n\nIn 3 to 6 sentences, assess whether the implementation matches the plan, call out anything incomplete or risky, and say what the user should verify.",
		b.String(), len(outcomes), totalCalls, totalErrors)

	resp, err := t.planner.Complete(ctx, ports.CompletionRequest{
		Messages:    []ports.Message{{Role: ports.RoleUser, Content: prompt}},
		Temperature: 0.3,
		MaxTokens:   500,
	})
	if err != nil {
		t.logger.Warn("Planner review failed: %v", err)
		return ""
	}
	return strings.TrimSpace(resp.Content)
}

var (
	coderTaskPattern  = regexp.MustCompile(`(?s)<coder_task>(.*?)</coder_task>`)
	coderFieldPattern = regexp.MustCompile(`^\s*(TASK|FILES_TO_READ|FILES_TO_CREATE_OR_EDIT|CONTEXT)\s*:\s*(.*)$`)
)

// parseCoderTasks extracts ordered coder tasks from planner output.
func parseCoderTasks(content string) []coderTask {
	matches := coderTaskPattern.FindAllStringSubmatch(content, -1)
	var out []coderTask
	for _, m := range matches {
		task := parseCoderBlock(m[1])
		if task.description == "" {
			continue
		}
		task.id = fmt.Sprintf("task-%d", len(out)+1)
		out = append(out, task)
	}
	return out
}

// parseCoderBlock scans one block's fields; a field's value continues until
// the next field label.
func parseCoderBlock(block string) coderTask {
	var task coderTask
	seen := make(map[string]bool)
	current := ""
	var buf strings.Builder

	flush := func() {
		value := strings.TrimSpace(buf.String())
		buf.Reset()
		switch current {
		case "TASK":
			task.description = strings.Join(strings.Fields(value), " ")
		case "FILES_TO_READ", "FILES_TO_CREATE_OR_EDIT":
			for _, f := range splitFileList(value) {
				if !seen[f] {
					seen[f] = true
					task.relevantFiles = append(task.relevantFiles, f)
				}
			}
		case "CONTEXT":
			task.relevantContext = value
		}
	}

	for _, line := range strings.Split(block, "\n") {
		if m := coderFieldPattern.FindStringSubmatch(line); m != nil {
			flush()
			current = m[1]
			buf.WriteString(m[2])
			continue
		}
		if current != "" {
			buf.WriteString("\n")
			buf.WriteString(line)
		}
	}
	flush()
	return task
}

// splitFileList splits a comma- or newline-separated path list, dropping
// placeholders like "none".
func splitFileList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '\n' })
	var out []string
	for _, f := range fields {
		f = strings.Trim(strings.TrimSpace(f), "`")
		if f == "" {
			continue
		}
		switch strings.ToLower(f) {
		case "none", "n/a", "-":
			continue
		}
		out = append(out, f)
	}
	return out
}

func allDescriptionsShort(list []coderTask) bool {
	if len(list) == 0 {
		return false
	}
	for _, task := range list {
		if len(task.description) >= minTaskDescription {
			return false
		}
	}
	return true
}

// batchSignature fingerprints one iteration's tool calls for loop detection.
func batchSignature(calls []ports.ToolCall) string {
	parts := make([]string, 0, len(calls))
	for _, call := range calls {
		parts = append(parts, call.Name+":"+firstArgValue(call.Arguments))
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

// augmentLastUser appends instruction text to the most recent user message.
func augmentLastUser(messages []ports.Message, text string) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == ports.RoleUser {
			messages[i].Content += text
			return
		}
	}
}

func pathSet(paths []string) map[string]bool {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	return set
}

func newPaths(before map[string]bool, current []string) []string {
	var out []string
	for _, p := range current {
		if !before[p] {
			out = append(out, p)
		}
	}
	return out
}

func countTrue(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 160 {
		s = s[:160] + "..."
	}
	return s
}
